package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// validateRoomID rejects empty or whitespace-only room ids, shared
// by every handler that takes a roomId directly.
func validateRoomID(raw string) (types.RoomIDType, *gatewayerr.Error) {
	if strings.TrimSpace(raw) == "" {
		return "", gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidRoomID, "roomId must not be empty")
	}
	return types.RoomIDType(raw), nil
}

// doRoomJoin implements room:join, reusable by the typed
// resource:join/surgery:join handlers once they've done their own
// resourceType/UUID/validator checks. It returns the JoinResult so callers
// can layer auto-lock logic on top before replying.
func doRoomJoin(d *Dispatcher, conn *transport.Conn, roomID types.RoomIDType) room.JoinResult {
	result := d.rooms.Join(roomID, conn.ConnectionID(), conn, conn.UserID(), conn.Username())
	if result.Accepted {
		d.rooms.TrackJoin(roomID, conn.ConnectionID())
	}
	return result
}

// broadcastJoinPresence fans out user_joined/presence:updated to peers and,
// if capacity was crossed by this join, room:capacity_warning to everyone.
func broadcastJoinPresence(d *Dispatcher, conn *transport.Conn, roomID types.RoomIDType, result room.JoinResult) {
	d.rooms.BroadcastExcept(roomID, conn.ConnectionID(), "user_joined", map[string]any{
		"roomId":   roomID,
		"userId":   conn.UserID(),
		"username": conn.Username(),
	})
	d.rooms.BroadcastExcept(roomID, conn.ConnectionID(), "presence:updated", map[string]any{
		"roomId":        roomID,
		"users":         result.Users,
		"eventType":     "user_joined",
		"triggerUserId": conn.UserID(),
		"timestamp":     time.Now(),
	})
	if result.CapacityCrossed {
		d.rooms.Broadcast(roomID, "room:capacity_warning", map[string]any{
			"roomId":       roomID,
			"currentUsers": result.CurrentUsers,
			"maxUsers":     result.MaxUsers,
		})
	}
}

// doRoomLeave implements room:leave, including its idempotent
// not-a-member success reply.
func doRoomLeave(d *Dispatcher, conn *transport.Conn, roomID types.RoomIDType) {
	wasMember, remaining := d.rooms.Leave(roomID, conn.ConnectionID())
	if !wasMember {
		conn.Send("room:left", map[string]any{"roomId": roomID, "message": "You were not in room"})
		return
	}

	conn.Send("room:left", map[string]any{"roomId": roomID})
	d.rooms.Broadcast(roomID, "user_left", map[string]any{"roomId": roomID, "reason": "manual"})
	d.rooms.Broadcast(roomID, "presence:updated", map[string]any{
		"roomId":        roomID,
		"users":         remaining,
		"eventType":     "user_left",
		"triggerUserId": conn.UserID(),
		"timestamp":     time.Now(),
	})
}

func handleRoomJoin(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p roomJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidRoomID, "malformed room:join payload", err)
	}
	roomID, gwErr := validateRoomID(p.RoomID)
	if gwErr != nil {
		return gwErr
	}

	result := doRoomJoin(d, conn, roomID)
	if !result.Accepted {
		conn.Send("room:join_rejected", map[string]any{
			"reason":       "ROOM_FULL",
			"currentUsers": result.CurrentUsers,
			"maxUsers":     result.MaxUsers,
		})
		return nil
	}

	conn.Send("room:joined", map[string]any{
		"roomId":       roomID,
		"users":        result.Users,
		"currentUsers": result.CurrentUsers,
		"maxUsers":     result.MaxUsers,
	})
	broadcastJoinPresence(d, conn, roomID, result)
	return nil
}

func handleRoomLeave(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p roomLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidRoomID, "malformed room:leave payload", err)
	}
	roomID, gwErr := validateRoomID(p.RoomID)
	if gwErr != nil {
		return gwErr
	}
	doRoomLeave(d, conn, roomID)
	return nil
}

func handleRoomQueryUsers(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p roomQueryUsersPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidRoomID, "malformed room:query_users payload", err)
	}
	roomID, gwErr := validateRoomID(p.RoomID)
	if gwErr != nil {
		return gwErr
	}

	users, current, max := d.rooms.QueryUsers(roomID)
	pct := 0
	if max > 0 {
		pct = current * 100 / max
	}
	conn.Send("room:users", map[string]any{
		"users": users,
		"capacity": map[string]any{
			"current":        current,
			"max":            max,
			"percentageUsed": pct,
		},
	})
	return nil
}

func handlePresenceSetCurrentSubResource(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p presenceSetSubResourcePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidRoomID, "malformed presence:set_current_subresource payload", err)
	}
	roomID, gwErr := validateRoomID(p.RoomID)
	if gwErr != nil {
		return gwErr
	}

	ok, users := d.rooms.SetCurrentSubResource(roomID, conn.ConnectionID(), p.SubResourceType)
	if !ok {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeUserNotInRoom, "connection is not a member of this room")
	}

	d.rooms.Broadcast(roomID, "presence:updated", map[string]any{
		"roomId":        roomID,
		"users":         users,
		"eventType":     "subresource_changed",
		"triggerUserId": conn.UserID(),
		"timestamp":     time.Now(),
	})
	return nil
}
