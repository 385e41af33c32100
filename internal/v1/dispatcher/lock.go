package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
)

// doSubResourceLock runs the lock acquire flow: membership check,
// then a contention reply (not an error) on SUBRESOURCE_ALREADY_LOCKED,
// mirroring room:join_rejected/resource:join_rejected's "denial, not
// failure" shape.
func doSubResourceLock(d *Dispatcher, conn *transport.Conn, resourceType, resourceUUID, subResourceID string) *gatewayerr.Error {
	roomID := resourceRoomID(resourceType, resourceUUID)
	if !d.rooms.IsMember(roomID, conn.ConnectionID()) {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeUserNotInRoom, "connection is not a member of this room")
	}

	key := lock.LockKey(resourceType, resourceUUID, subResourceID)
	gwErr := d.locks.Acquire(key, conn.ConnectionID(), conn.UserID(), conn.Username())
	if gwErr != nil {
		if gwErr.Code == gatewayerr.CodeSubResourceAlreadyLocked {
			conn.Send("subresource:lock_denied", map[string]any{
				"reason":            gwErr.Code,
				"currentLockHolder": gwErr.Details["currentLockHolder"],
			})
			return nil
		}
		return gwErr
	}

	snap := d.locks.Get(key)
	resp := map[string]any{"roomId": roomID, "subResourceId": subResourceID}
	if snap != nil {
		resp["lockedAt"] = snap.LockedAt
		resp["expiresAt"] = snap.ExpiresAt
	}
	conn.Send("subresource:lock_acquired", resp)
	return nil
}

// doSubResourceUnlock runs the lock release flow.
func doSubResourceUnlock(d *Dispatcher, conn *transport.Conn, resourceType, resourceUUID, subResourceID string) *gatewayerr.Error {
	roomID := resourceRoomID(resourceType, resourceUUID)
	key := lock.LockKey(resourceType, resourceUUID, subResourceID)
	if gwErr := d.locks.Release(key, conn.ConnectionID()); gwErr != nil {
		return gwErr
	}
	conn.Send("subresource:lock_released", map[string]any{"roomId": roomID, "subResourceId": subResourceID})
	return nil
}

func handleSubResourceLock(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p subResourceLockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed resource:subresource_lock payload", err)
	}
	return doSubResourceLock(d, conn, p.ResourceType, p.ResourceUUID, p.SubResourceID)
}

func handleSubResourceUnlock(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p subResourceLockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed resource:subresource_unlock payload", err)
	}
	return doSubResourceUnlock(d, conn, p.ResourceType, p.ResourceUUID, p.SubResourceID)
}

func handleForceRequest(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p forceRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed force_request payload", err)
	}
	roomID := resourceRoomID(p.ResourceType, p.ResourceUUID)
	if !d.rooms.IsMember(roomID, conn.ConnectionID()) {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeUserNotInRoom, "connection is not a member of this room")
	}
	key := lock.LockKey(p.ResourceType, p.ResourceUUID, p.SubResourceID)
	_, gwErr := d.locks.ForceRequest(key, conn.ConnectionID(), conn.UserID(), conn.Username(), p.Message)
	return gwErr
}

func handleForceResponse(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p forceResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed force_response payload", err)
	}
	key := lock.LockKey(p.ResourceType, p.ResourceUUID, p.SubResourceID)
	return d.locks.ForceResponse(key, p.RequestID, conn.ConnectionID(), p.Approved, p.Message)
}

func handleLockExtend(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p lockExtendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed lock:extend payload", err)
	}
	key := lock.LockKey(p.ResourceType, p.ResourceUUID, p.SubResourceID)
	newExpiresAt, gwErr := d.locks.Extend(key, conn.ConnectionID())
	if gwErr != nil {
		return gwErr
	}
	conn.Send("lock:extended", map[string]any{
		"resourceType":  p.ResourceType,
		"resourceUuid":  p.ResourceUUID,
		"subResourceId": p.SubResourceID,
		"newExpiresAt":  newExpiresAt,
	})
	return nil
}

func handleSurgeryLockAcquire(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p surgeryLockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed surgery lock acquire payload", err)
	}
	return doSubResourceLock(d, conn, legacySurgeryResourceType, p.ResourceUUID, p.SubResourceID)
}

func handleSurgeryLockRelease(_ context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p surgeryLockPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gatewayerr.Wrap(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "malformed surgery lock release payload", err)
	}
	return doSubResourceUnlock(d, conn, legacySurgeryResourceType, p.ResourceUUID, p.SubResourceID)
}
