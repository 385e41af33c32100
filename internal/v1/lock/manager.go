// Package lock implements the sub-resource lock manager: mutual exclusion
// with bounded hold times, warnings, extensions, and forced transfer.
// One Manager instance is process-scoped; every mutation is
// serialized per lockKey via the manager's single mutex; there is no
// cross-lock transactional requirement.
package lock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// ForceRequestTimeout is the fixed window a force-transfer request waits for
// an owner response before auto-rejecting.
const ForceRequestTimeout = 30 * time.Second

type timers struct {
	warning *time.Timer
	expiry  *time.Timer
}

type lockEntry struct {
	lock   types.Lock
	timers timers
}

type forceEntry struct {
	request types.ForceRequest
	timer   *time.Timer
}

// Manager is the authoritative lock table plus its scheduled timers and
// pending force-transfer requests.
type Manager struct {
	mu            sync.Mutex
	locks         map[types.LockKeyType]*lockEntry
	forceRequests map[types.LockKeyType]*forceEntry

	conns *connection.Registry
	rooms types.Broadcaster

	ttl           time.Duration
	warningBefore time.Duration

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager builds a Manager. ttl and warningBefore carry the
// config-resolved LOCK_TTL (3h) and WARNING_BEFORE (15m) values.
func NewManager(conns *connection.Registry, rooms types.Broadcaster, ttl, warningBefore time.Duration) *Manager {
	return &Manager{
		locks:         make(map[types.LockKeyType]*lockEntry),
		forceRequests: make(map[types.LockKeyType]*forceEntry),
		conns:         conns,
		rooms:         rooms,
		ttl:           ttl,
		warningBefore: warningBefore,
		now:           time.Now,
		afterFunc:     time.AfterFunc,
	}
}

// LockKey builds the canonical "{resourceType}:{uuid}:{subResourceId}" key.
func LockKey(resourceType, resourceUUID, subResourceID string) types.LockKeyType {
	return types.LockKeyType(fmt.Sprintf("%s:%s:%s", resourceType, resourceUUID, subResourceID))
}

func roomIDFromKey(key types.LockKeyType) types.RoomIDType {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) < 2 {
		return types.RoomIDType(key)
	}
	return types.RoomIDType(parts[0] + ":" + parts[1])
}

func subResourceIDFromKey(key types.LockKeyType) string {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Snapshot is a value copy of a lock, safe to hand to callers outside the
// manager's lock.
type Snapshot = types.Lock

// Get returns a snapshot of the lock at key, or nil if unlocked.
func (m *Manager) Get(key types.LockKeyType) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return nil
	}
	snap := e.lock
	return &snap
}

// Acquire grants key to the caller if it is free. subResourceID must be
// non-empty and the requester must be in the room (callers check room
// membership before calling; the manager does not check it and takes no
// room package import).
func (m *Manager) Acquire(key types.LockKeyType, holderConnID types.ConnectionIDType, holderUserID types.UserIDType, holderUsername string) *gatewayerr.Error {
	if subResourceIDFromKey(key) == "" {
		return gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeInvalidSubResourceID, "subResourceId must not be empty")
	}

	m.mu.Lock()
	if existing, ok := m.locks[key]; ok {
		holder := existing.lock
		m.mu.Unlock()
		metrics.LockAcquisitions.WithLabelValues("denied").Inc()
		return gatewayerr.New(gatewayerr.CategoryConflict, gatewayerr.CodeSubResourceAlreadyLocked, "sub-resource is already locked").
			WithDetails(map[string]any{
				"currentLockHolder": map[string]any{
					"userId":    holder.HolderUserID,
					"username":  holder.HolderUsername,
					"lockedAt":  holder.LockedAt,
					"expiresAt": holder.ExpiresAt,
				},
			})
	}

	now := m.now()
	entry := &lockEntry{lock: types.Lock{
		LockKey:            key,
		HolderUserID:       holderUserID,
		HolderUsername:     holderUsername,
		HolderConnectionID: holderConnID,
		LockedAt:           now,
		ExpiresAt:          now.Add(m.ttl),
	}}
	m.locks[key] = entry
	m.scheduleTimersLocked(key, entry)
	m.mu.Unlock()

	metrics.LockAcquisitions.WithLabelValues("granted").Inc()
	metrics.LocksHeld.Inc()

	roomID := roomIDFromKey(key)
	m.rooms.Broadcast(roomID, "subresource:locked", map[string]any{
		"roomId":        roomID,
		"subResourceId": subResourceIDFromKey(key),
		"userId":        holderUserID,
		"username":      holderUsername,
		"lockedAt":      entry.lock.LockedAt,
		"expiresAt":     entry.lock.ExpiresAt,
	})

	return nil
}

// scheduleTimersLocked arms the warning and expiry timers for entry. Caller
// must hold m.mu.
func (m *Manager) scheduleTimersLocked(key types.LockKeyType, entry *lockEntry) {
	warningDelay := m.ttl - m.warningBefore
	entry.timers.warning = m.afterFunc(warningDelay, func() { m.fireWarning(key) })
	entry.timers.expiry = m.afterFunc(m.ttl, func() { m.fireExpiry(key) })
}

func cancelTimersLocked(entry *lockEntry) {
	if entry.timers.warning != nil {
		entry.timers.warning.Stop()
	}
	if entry.timers.expiry != nil {
		entry.timers.expiry.Stop()
	}
}

// Release drops the lock at key. The caller must be the holder.
func (m *Manager) Release(key types.LockKeyType, callerConnID types.ConnectionIDType) *gatewayerr.Error {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CategoryNotFound, gatewayerr.CodeLockNotFound, "lock not found")
	}
	if entry.lock.HolderConnectionID != callerConnID {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CategoryAuthorization, gatewayerr.CodeLockNotOwned, "lock is not held by this connection")
	}

	cancelTimersLocked(entry)
	delete(m.locks, key)
	m.mu.Unlock()

	metrics.LocksHeld.Dec()

	roomID := roomIDFromKey(key)
	m.rooms.Broadcast(roomID, "subresource:unlocked", map[string]any{
		"roomId":        roomID,
		"subResourceId": subResourceIDFromKey(key),
		"reason":        "manual",
	})
	m.autoRejectForceRequest(key, "LOCK_RELEASED")
	return nil
}

// Extend renews the lease for a full TTL. Holder-only; reschedules both
// timers from now.
func (m *Manager) Extend(key types.LockKeyType, callerConnID types.ConnectionIDType) (time.Time, *gatewayerr.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok || entry.lock.HolderConnectionID != callerConnID {
		return time.Time{}, gatewayerr.New(gatewayerr.CategoryNotFound, gatewayerr.CodeLockNotFound, "lock not found")
	}

	cancelTimersLocked(entry)
	entry.lock.ExpiresAt = m.now().Add(m.ttl)
	m.scheduleTimersLocked(key, entry)

	return entry.lock.ExpiresAt, nil
}

func (m *Manager) fireWarning(key types.LockKeyType) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	holderConnID := entry.lock.HolderConnectionID
	expiresAt := entry.lock.ExpiresAt
	m.mu.Unlock()

	if c := m.conns.Get(holderConnID); c != nil {
		remaining := time.Until(expiresAt)
		c.Sender.Send("lock:expiring_soon", map[string]any{
			"remainingMinutes": int(remaining.Minutes()),
			"remainingTime":    remaining.String(),
			"expiresAt":        expiresAt,
		})
	}
}

func (m *Manager) fireExpiry(key types.LockKeyType) {
	m.releaseWithReason(key, "timeout", "")
}

// releaseWithReason releases the lock at key (if still present), attributing
// the release to reason, and emits the appropriate notifications. callerNote
// distinguishes DISCONNECT-triggered releases, which also emit the unified
// lock:released broadcast.
func (m *Manager) releaseWithReason(key types.LockKeyType, reason string, callerNote string) *types.Lock {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	cancelTimersLocked(entry)
	delete(m.locks, key)
	released := entry.lock
	m.mu.Unlock()

	metrics.LocksHeld.Dec()
	metrics.LockExpirations.WithLabelValues(reason).Inc()

	roomID := roomIDFromKey(key)
	subResourceID := subResourceIDFromKey(key)

	if c := m.conns.Get(released.HolderConnectionID); c != nil {
		c.Sender.Send("lock:expired", map[string]any{"reason": reason})
	}
	m.rooms.Broadcast(roomID, "subresource:unlocked", map[string]any{
		"roomId":        roomID,
		"subResourceId": subResourceID,
		"reason":        reason,
	})

	switch callerNote {
	case "disconnect":
		m.rooms.Broadcast(roomID, "lock:released", map[string]any{
			"reason":        "DISCONNECT",
			"roomId":        roomID,
			"subResourceId": subResourceID,
			"userId":        released.HolderUserID,
			"username":      released.HolderUsername,
		})
	case "sweeper":
		m.rooms.Broadcast(roomID, "lock:released", map[string]any{
			"reason":        "INACTIVITY_TIMEOUT",
			"roomId":        roomID,
			"subResourceId": subResourceID,
			"userId":        released.HolderUserID,
			"username":      released.HolderUsername,
		})
	}

	// A lock that goes away out from under a pending force request resolves
	// that request too; the requester hears LOCK_RELEASED rather than waiting
	// out the 30-second timeout.
	m.autoRejectForceRequest(key, "LOCK_RELEASED")

	return &released
}

// ReleaseAllHeldBy releases every lock held by connID, as required on
// disconnect.
func (m *Manager) ReleaseAllHeldBy(connID types.ConnectionIDType) []types.LockKeyType {
	m.mu.Lock()
	var keys []types.LockKeyType
	for key, entry := range m.locks {
		if entry.lock.HolderConnectionID == connID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.releaseWithReason(key, "disconnect", "disconnect")
	}
	return keys
}

// ReleaseInactivityTimeout releases every lock held by connID on behalf of
// the activity sweeper, once it has classified connID as
// inactive ≥ LOCK_TTL. Idempotent with the per-lock expiry timer: if that
// timer already released the lock, this is a no-op for that key.
func (m *Manager) ReleaseInactivityTimeout(connID types.ConnectionIDType) []types.LockKeyType {
	m.mu.Lock()
	var keys []types.LockKeyType
	for key, entry := range m.locks {
		if entry.lock.HolderConnectionID == connID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.releaseWithReason(key, "INACTIVITY_TIMEOUT", "sweeper")
	}
	return keys
}

// ForceRequest opens a force-transfer round against a held lock: the owner
// is asked to approve within ForceRequestTimeout.
func (m *Manager) ForceRequest(key types.LockKeyType, requesterConnID types.ConnectionIDType, requesterUserID types.UserIDType, requesterUsername, message string) (*types.ForceRequest, *gatewayerr.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[key]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CategoryNotFound, gatewayerr.CodeLockNotFound, "lock not found")
	}
	if entry.lock.HolderConnectionID == requesterConnID {
		return nil, gatewayerr.New(gatewayerr.CategoryValidation, gatewayerr.CodeCannotForceOwnLock, "cannot force-request your own lock")
	}
	if _, pending := m.forceRequests[key]; pending {
		return nil, gatewayerr.New(gatewayerr.CategoryConflict, gatewayerr.CodeForceRequestAlreadyPending, "a force request is already pending for this lock")
	}

	now := m.now()
	req := types.ForceRequest{
		RequestID:             uuid.NewString(),
		LockKey:               key,
		RequesterConnectionID: requesterConnID,
		RequesterUserID:       requesterUserID,
		RequesterUsername:     requesterUsername,
		OwnerConnectionID:     entry.lock.HolderConnectionID,
		OwnerUserID:           entry.lock.HolderUserID,
		OwnerUsername:         entry.lock.HolderUsername,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ForceRequestTimeout),
		State:                 types.ForceRequestPending,
		Message:               message,
	}

	fe := &forceEntry{request: req}
	fe.timer = m.afterFunc(ForceRequestTimeout, func() { m.autoRejectForceRequest(key, "TIMEOUT") })
	m.forceRequests[key] = fe

	ownerConnID := entry.lock.HolderConnectionID
	if c := m.conns.Get(ownerConnID); c != nil {
		c.Sender.Send("resource:subresource_lock:force_request_received", map[string]any{
			"requestId":      req.RequestID,
			"requestedBy":    map[string]any{"userId": requesterUserID, "username": requesterUsername},
			"message":        message,
			"timeoutSeconds": int(ForceRequestTimeout.Seconds()),
			"expiresAt":      req.ExpiresAt,
		})
	}
	if c := m.conns.Get(requesterConnID); c != nil {
		c.Sender.Send("resource:subresource_lock:force_request_pending", map[string]any{
			"requestId":      req.RequestID,
			"lockedBy":       map[string]any{"userId": entry.lock.HolderUserID, "username": entry.lock.HolderUsername},
			"timeoutSeconds": int(ForceRequestTimeout.Seconds()),
			"expiresAt":      req.ExpiresAt,
		})
	}

	metrics.ForceRequests.WithLabelValues("pending").Inc()
	return &req, nil
}

// ForceResponse settles a pending force-transfer round. Only the current
// holder may answer, and only once.
func (m *Manager) ForceResponse(key types.LockKeyType, requestID string, responderConnID types.ConnectionIDType, approved bool, message string) *gatewayerr.Error {
	m.mu.Lock()
	fe, ok := m.forceRequests[key]
	if !ok || fe.request.RequestID != requestID {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CategoryNotFound, gatewayerr.CodeLockNotFound, "force request not found")
	}
	if fe.request.OwnerConnectionID != responderConnID {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CategoryAuthorization, gatewayerr.CodeNotLockOwner, "only the lock holder may respond to a force request")
	}
	if fe.request.State != types.ForceRequestPending {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CategoryConflict, gatewayerr.CodeForceRequestAlreadyProcessed, "force request already processed")
	}

	fe.timer.Stop()
	delete(m.forceRequests, key)
	req := fe.request
	m.mu.Unlock()

	if !approved {
		metrics.ForceRequests.WithLabelValues("rejected").Inc()
		if c := m.conns.Get(req.RequesterConnectionID); c != nil {
			c.Sender.Send("resource:subresource_lock:force_request_rejected", map[string]any{
				"reason":  "OWNER_REJECTED",
				"message": message,
			})
		}
		return nil
	}

	// Approved: release, broadcasting the same "timeout" reason the expiry
	// path uses (existing clients key off it), then re-acquire for the
	// requester.
	m.releaseWithReason(key, "timeout", "")
	gwErr := m.Acquire(key, req.RequesterConnectionID, req.RequesterUserID, req.RequesterUsername)
	metrics.ForceRequests.WithLabelValues("approved").Inc()
	if gwErr != nil {
		return gwErr
	}

	if c := m.conns.Get(req.RequesterConnectionID); c != nil {
		c.Sender.Send("resource:subresource_lock:force_request_approved", map[string]any{
			"approvedBy": map[string]any{"userId": req.OwnerUserID, "username": req.OwnerUsername},
			"message":    message,
		})
	}
	return nil
}

// autoRejectForceRequest handles phase 3: timeout, owner disconnect, or
// owner manual release before a response is received.
func (m *Manager) autoRejectForceRequest(key types.LockKeyType, reason string) {
	m.mu.Lock()
	fe, ok := m.forceRequests[key]
	if !ok || fe.request.State != types.ForceRequestPending {
		m.mu.Unlock()
		return
	}
	fe.timer.Stop()
	delete(m.forceRequests, key)
	req := fe.request
	m.mu.Unlock()

	metrics.ForceRequests.WithLabelValues(strings.ToLower(reason)).Inc()
	if c := m.conns.Get(req.RequesterConnectionID); c != nil {
		c.Sender.Send("resource:subresource_lock:force_request_rejected", map[string]any{"reason": reason})
	}
}

// AllLocks returns a snapshot of every currently held lock, for the
// read-only admin surface.
func (m *Manager) AllLocks() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.locks))
	for _, entry := range m.locks {
		out = append(out, entry.lock)
	}
	return out
}

// CancelForceRequestsFor auto-rejects any pending force request where connID
// is either the owner (disconnected) or the requester (disconnected).
func (m *Manager) CancelForceRequestsFor(connID types.ConnectionIDType) {
	m.mu.Lock()
	var keys []types.LockKeyType
	for key, fe := range m.forceRequests {
		if fe.request.OwnerConnectionID == connID || fe.request.RequesterConnectionID == connID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.autoRejectForceRequest(key, "OWNER_DISCONNECTED")
	}
}
