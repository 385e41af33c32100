package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/resourcevalidator"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// resourceRoomID builds the room a resourceType/resourceUUID pair joins:
// one room per resource, shared across legacy and generic events addressing
// the same resource.
func resourceRoomID(resourceType, resourceUUID string) types.RoomIDType {
	return types.RoomIDType(fmt.Sprintf("%s:%s", resourceType, resourceUUID))
}

// doResourceJoin implements resource:join: resourceType/UUID
// validation, resource-service lookup, room join, and optional auto-lock of
// initialSubResourceId. rejectEvent names the rejection reply so the legacy
// surgery:join alias keeps its surgery:join_rejected vocabulary.
func doResourceJoin(ctx context.Context, d *Dispatcher, conn *transport.Conn, rejectEvent, resourceType, resourceUUID string, initialSubResourceID *string) *gatewayerr.Error {
	if !supportedResourceTypes[resourceType] {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeUnsupportedResourceType, "unsupported resourceType").
			WithDetails(map[string]any{"resourceType": resourceType})
	}
	if !resourcevalidator.IsValidUUID(resourceUUID) {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidResourceUUID, "resourceUuid is not a valid UUID")
	}

	resource, err := d.validator.FindOne(ctx, resourceType, resourceUUID)
	if err != nil {
		if errors.Is(err, types.ErrResourceNotFound) {
			conn.Send(rejectEvent, map[string]any{"reason": "RESOURCE_NOT_FOUND"})
			return nil
		}
		return gatewayerr.Internal(err)
	}
	if !d.validator.IsResourceOpen(resource) {
		conn.Send(rejectEvent, map[string]any{
			"reason":         "RESOURCE_NOT_OPEN",
			"resourceStatus": resource.Status,
		})
		return nil
	}

	roomID := resourceRoomID(resourceType, resourceUUID)
	result := doRoomJoin(d, conn, roomID)
	if !result.Accepted {
		conn.Send("room:join_rejected", map[string]any{
			"reason":       "ROOM_FULL",
			"currentUsers": result.CurrentUsers,
			"maxUsers":     result.MaxUsers,
		})
		return nil
	}

	autoLock := attemptAutoLock(d, conn, roomID, resourceType, resourceUUID, initialSubResourceID)

	conn.Send("room:joined", map[string]any{
		"roomId":       roomID,
		"users":        result.Users,
		"currentUsers": result.CurrentUsers,
		"maxUsers":     result.MaxUsers,
		"autoLock":     autoLock,
	})
	broadcastJoinPresence(d, conn, roomID, result)
	return nil
}

// attemptAutoLock implements the "join with an optional
// initialSubResourceId that's acquired as a side effect" behavior. Denials
// and internal errors never fail the join itself; they're reported inline
// in the autoLock field of room:joined.
func attemptAutoLock(d *Dispatcher, conn *transport.Conn, roomID types.RoomIDType, resourceType, resourceUUID string, initialSubResourceID *string) map[string]any {
	if initialSubResourceID == nil || !d.cfg.EnableAutoLock {
		return map[string]any{"acquired": false}
	}
	subID := *initialSubResourceID
	d.rooms.SetCurrentSubResource(roomID, conn.ConnectionID(), initialSubResourceID)

	key := lock.LockKey(resourceType, resourceUUID, subID)
	gwErr := func() (gwErr *gatewayerr.Error) {
		defer func() {
			if r := recover(); r != nil {
				gwErr = gatewayerr.Internal(fmt.Errorf("panic during auto-lock: %v", r))
			}
		}()
		return d.locks.Acquire(key, conn.ConnectionID(), conn.UserID(), conn.Username())
	}()

	if gwErr == nil {
		snap := d.locks.Get(key)
		result := map[string]any{
			"acquired":      true,
			"subResourceId": subID,
		}
		if snap != nil {
			result["lockedAt"] = snap.LockedAt
			result["expiresAt"] = snap.ExpiresAt
		}
		return result
	}

	result := map[string]any{
		"acquired":      false,
		"subResourceId": subID,
		"denialReason":  gwErr.Code,
	}
	if holder, ok := gwErr.Details["currentLockHolder"]; ok {
		result["lockedBy"] = holder
	}
	return result
}

func handleResourceJoin(ctx context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p resourceJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidResourceUUID, "malformed resource:join payload", err)
	}
	return doResourceJoin(ctx, d, conn, "resource:join_rejected", p.ResourceType, p.ResourceUUID, p.InitialSubResourceID)
}

func handleResourceLeave(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p resourceLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidResourceUUID, "malformed resource:leave payload", err)
	}
	roomID := resourceRoomID(p.ResourceType, p.ResourceUUID)
	doRoomLeave(d, conn, roomID)
	return nil
}

func handleSurgeryJoin(ctx context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p surgeryJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidResourceUUID, "malformed surgery:join payload", err)
	}
	return doResourceJoin(ctx, d, conn, "surgery:join_rejected", legacySurgeryResourceType, p.ResourceUUID, p.InitialSubResourceID)
}

func handleSurgeryLeave(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p surgeryLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidResourceUUID, "malformed surgery:leave payload", err)
	}
	roomID := resourceRoomID(legacySurgeryResourceType, p.ResourceUUID)
	doRoomLeave(d, conn, roomID)
	return nil
}
