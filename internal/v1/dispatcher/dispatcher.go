// Package dispatcher routes inbound WebSocket frames to handlers, wraps
// every call in a rate-limit guard and an error boundary, and emits the
// structured responses and broadcasts of the wire protocol. It is the
// single place that depends on every collaborator (connection registry,
// room registry, lock manager, rate limiter, resource validator) and on
// transport.Conn; every collaborator is wired explicitly, never via
// ambient globals.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/ratelimit"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// flushDelay is the brief pause between emitting a penalty/rejection frame
// and actually closing the connection, so the client has a chance to read
// it before the socket goes away.
const flushDelay = 100 * time.Millisecond

// supportedResourceTypes enumerates the resourceType values resource:join
// accepts; anything else fails UNSUPPORTED_RESOURCE_TYPE.
var supportedResourceTypes = map[string]bool{
	legacySurgeryResourceType: true,
	"resource":                true,
	"chat":                    true,
	"admin_panel":             true,
}

// Dispatcher wires every process-scoped collaborator and implements
// transport.Dispatcher (Dispatch) and transport.Disconnecter (Disconnect).
type Dispatcher struct {
	conns     *connection.Registry
	rooms     *room.Registry
	locks     *lock.Manager
	rl        *ratelimit.SocketLimiter
	validator types.ResourceValidator
	cfg       *config.Config
}

// New builds a Dispatcher from its collaborators.
func New(conns *connection.Registry, rooms *room.Registry, locks *lock.Manager, rl *ratelimit.SocketLimiter, validator types.ResourceValidator, cfg *config.Config) *Dispatcher {
	return &Dispatcher{conns: conns, rooms: rooms, locks: locks, rl: rl, validator: validator, cfg: cfg}
}

// handlerFunc is the shape every event handler implements: decode its own
// payload, perform its business logic, emit its own success responses, and
// return an operational error (or nil) for the dispatcher boundary to turn
// into socket:error.
type handlerFunc func(ctx context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error

var routes map[string]handlerFunc

func init() {
	routes = map[string]handlerFunc{
		"room:join":                        handleRoomJoin,
		"room:leave":                       handleRoomLeave,
		"room:query_users":                 handleRoomQueryUsers,
		"presence:set_current_subresource": handlePresenceSetCurrentSubResource,

		"resource:join":                            handleResourceJoin,
		"resource:leave":                           handleResourceLeave,
		"resource:subresource_lock":                handleSubResourceLock,
		"resource:subresource_unlock":              handleSubResourceUnlock,
		"resource:subresource_lock:force_request":  handleForceRequest,
		"resource:subresource_lock:force_response": handleForceResponse,

		// Legacy aliases: route to the same generic handlers.
		"surgery:join":                     handleSurgeryJoin,
		"surgery:leave":                    handleSurgeryLeave,
		"surgery:subresource_lock_acquire": handleSurgeryLockAcquire,
		"surgery:subresource_lock_release": handleSurgeryLockRelease,

		"lock:extend":    handleLockExtend,
		"user:heartbeat": handleHeartbeat,
	}
}

// Dispatch implements transport.Dispatcher. It is the sole error boundary:
// known errors are caught and emitted as socket:error without disconnecting
// the client; panics are recovered, logged, and surfaced the same way.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *transport.Conn, event string, payload json.RawMessage) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
		metrics.EventsProcessed.WithLabelValues(event, status).Inc()
	}()

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			logging.Error(ctx, "panic while handling event",
				zap.String("event", event), zap.Any("recovered", r),
				zap.String("connection_id", string(conn.ConnectionID())))
			d.emitError(conn, event, gatewayerr.Internal(fmt.Errorf("panic: %v", r)))
		}
	}()

	if !d.checkRateLimit(conn, event) {
		status = "rate_limited"
		return
	}

	handler, ok := routes[event]
	if !ok {
		status = "unknown_event"
		logging.Warn(ctx, "unknown event", zap.String("event", event), zap.String("connection_id", string(conn.ConnectionID())))
		return
	}

	if gwErr := handler(ctx, d, conn, payload); gwErr != nil {
		status = "error"
		d.emitError(conn, event, gwErr)
	}
}

// checkRateLimit runs the socket limiter, emitting rate_limit_exceeded /
// connection:banned and scheduling a disconnect as penalties demand. Returns
// true if the event should proceed to its handler.
func (d *Dispatcher) checkRateLimit(conn *transport.Conn, event string) bool {
	res := d.rl.Check(conn.ConnectionID(), event)
	switch res.Penalty {
	case ratelimit.PenaltyNone:
		return true
	case ratelimit.PenaltyBan:
		conn.Send("connection:banned", map[string]any{
			"reason":     res.BanReason,
			"duration":   int(ratelimit.BanDuration.Milliseconds()),
			"expiresAt":  res.BanUntil,
			"violations": res.Violations,
		})
		scheduleDisconnect(conn)
		return false
	case ratelimit.PenaltyDrop:
		conn.Send("rate_limit_exceeded", map[string]any{
			"limit":      res.Rule.Limit,
			"window":     int(res.Rule.Window.Milliseconds()),
			"retryAfter": int(res.RetryAfter.Milliseconds()),
			"violations": res.Violations,
		})
		return false
	case ratelimit.PenaltyDisconnect:
		conn.Send("rate_limit_exceeded", map[string]any{
			"limit":      res.Rule.Limit,
			"window":     int(res.Rule.Window.Milliseconds()),
			"retryAfter": int(res.RetryAfter.Milliseconds()),
			"violations": res.Violations,
		})
		scheduleDisconnect(conn)
		return false
	default: // PenaltyWarn
		conn.Send("rate_limit_exceeded", map[string]any{
			"limit":      res.Rule.Limit,
			"window":     int(res.Rule.Window.Milliseconds()),
			"retryAfter": int(res.RetryAfter.Milliseconds()),
			"violations": res.Violations,
		})
		return false
	}
}

func scheduleDisconnect(conn *transport.Conn) {
	time.AfterFunc(flushDelay, conn.Close)
}

// emitError serializes a gateway error into the uniform socket:error DTO,
// stamping the originating connection/user/event.
func (d *Dispatcher) emitError(conn *transport.Conn, event string, gwErr *gatewayerr.Error) {
	gwErr.WithContext(string(conn.ConnectionID()), string(conn.UserID()), event)
	conn.Send("socket:error", gwErr)
}

// Disconnect implements transport.Disconnecter: runs the cleanup sequence
// (cancel force-requests, release locks, leave every room, drop rate-limit
// windows while keeping violations and bans) for a closing connection. Must never panic — a failure
// here must not prevent the connection from being dropped.
func (d *Dispatcher) Disconnect(connID types.ConnectionIDType) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "panic during disconnect cleanup",
				zap.String("connection_id", string(connID)), zap.Any("recovered", r))
		}
	}()

	var triggerUserID types.UserIDType
	if entry := d.conns.Get(connID); entry != nil && entry.User != nil {
		triggerUserID = entry.User.UserID
	}

	// Force requests first: a request whose owner is the closing connection
	// must reject as OWNER_DISCONNECTED, not as a side effect of the lock
	// release below.
	d.locks.CancelForceRequestsFor(connID)
	d.locks.ReleaseAllHeldBy(connID)

	for _, roomID := range d.rooms.RemoveEverywhere(connID) {
		users, current, max := d.rooms.QueryUsers(roomID)
		d.rooms.Broadcast(roomID, "user_left", map[string]any{
			"roomId": roomID,
			"reason": "disconnect",
		})
		d.rooms.Broadcast(roomID, "presence:updated", map[string]any{
			"roomId":        roomID,
			"users":         users,
			"eventType":     "user_left",
			"triggerUserId": triggerUserID,
			"timestamp":     time.Now(),
			"currentUsers":  current,
			"maxUsers":      max,
		})
	}

	d.rl.Disconnect(connID)
	logging.Info(context.Background(), "connection disconnected", zap.String("connection_id", string(connID)))
}
