// Package connection tracks admitted WebSocket connections and enforces
// the per-user connection cap. It is transport-agnostic: the
// registry only knows about types.ConnectionSender, never about gorilla's
// websocket.Conn, so it can be exercised with an in-memory double in tests.
package connection

import (
	"sync"

	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// AdmitDecision is the result of an admission check against the per-user cap.
type AdmitDecision struct {
	Admitted       bool
	CurrentCount   int
	Limit          int
	PercentageUsed int
	Warn           bool
}

// Entry is one admitted connection's bookkeeping record.
type Entry struct {
	Sender   types.ConnectionSender
	User     *types.AuthenticatedUser
	Metadata types.ConnectionMetadata
}

// Registry is the process-wide set of admitted connections, indexed by
// connection id with a secondary index by user id.
type Registry struct {
	mu     sync.Mutex
	byID   map[types.ConnectionIDType]*Entry
	byUser map[types.UserIDType]map[types.ConnectionIDType]struct{}
	cap    int
}

// NewRegistry builds an empty registry enforcing maxConnectionsPerUser.
func NewRegistry(maxConnectionsPerUser int) *Registry {
	return &Registry{
		byID:   make(map[types.ConnectionIDType]*Entry),
		byUser: make(map[types.UserIDType]map[types.ConnectionIDType]struct{}),
		cap:    maxConnectionsPerUser,
	}
}

// AdmitIfUnderCap checks the per-user cap and, if there is room, records
// the connection — both under one acquisition of r.mu, so two concurrent
// handshakes for the same user can never both slip past the cap. The
// returned decision carries the counts the caller needs to shape the
// connection:warning / connection:rejected payloads.
func (r *Registry) AdmitIfUnderCap(connID types.ConnectionIDType, sender types.ConnectionSender, user *types.AuthenticatedUser, meta types.ConnectionMetadata) AdmitDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := len(r.byUser[user.UserID])
	if current >= r.cap {
		return AdmitDecision{Admitted: false, CurrentCount: current, Limit: r.cap}
	}

	r.admitLocked(connID, sender, user, meta)

	newCount := len(r.byUser[user.UserID])
	pct := newCount * 100 / r.cap
	return AdmitDecision{
		Admitted:       true,
		CurrentCount:   newCount,
		Limit:          r.cap,
		PercentageUsed: pct,
		Warn:           pct >= 80,
	}
}

// Admit records a connection unconditionally, without consulting the cap.
// The handshake path goes through AdmitIfUnderCap; this exists for callers
// that have already settled admission (tests, fixtures).
func (r *Registry) Admit(connID types.ConnectionIDType, sender types.ConnectionSender, user *types.AuthenticatedUser, meta types.ConnectionMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admitLocked(connID, sender, user, meta)
}

// admitLocked does the actual bookkeeping. Caller must hold r.mu.
func (r *Registry) admitLocked(connID types.ConnectionIDType, sender types.ConnectionSender, user *types.AuthenticatedUser, meta types.ConnectionMetadata) {
	r.byID[connID] = &Entry{Sender: sender, User: user, Metadata: meta}
	if r.byUser[user.UserID] == nil {
		r.byUser[user.UserID] = make(map[types.ConnectionIDType]struct{})
	}
	r.byUser[user.UserID][connID] = struct{}{}

	metrics.IncConnection()
	metrics.ConnectionsPerUser.WithLabelValues(string(user.UserID)).Set(float64(len(r.byUser[user.UserID])))
}

// Remove drops a connection from the registry. Safe to call more than once;
// the second call is a no-op. Returns the removed entry, or nil if absent.
func (r *Registry) Remove(connID types.ConnectionIDType) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[connID]
	if !ok {
		return nil
	}
	delete(r.byID, connID)

	if entry.User != nil {
		if conns, ok := r.byUser[entry.User.UserID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byUser, entry.User.UserID)
				metrics.ConnectionsPerUser.DeleteLabelValues(string(entry.User.UserID))
			} else {
				metrics.ConnectionsPerUser.WithLabelValues(string(entry.User.UserID)).Set(float64(len(conns)))
			}
		}
	}

	metrics.DecConnection()
	return entry
}

// Get returns the entry for connID, or nil if not admitted.
func (r *Registry) Get(connID types.ConnectionIDType) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[connID]
}

// Count returns the number of connections currently admitted for userID.
func (r *Registry) Count(userID types.UserIDType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Snapshot returns every admitted connection's entry, for the admin surface
// and graceful shutdown broadcast. The slice is a point-in-time copy.
func (r *Registry) Snapshot() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// Len returns the total number of admitted connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
