// Package room maintains per-room rosters and fans presence changes out to
// peers. A Registry is the process-wide map of roomId to
// room; each room's membership mutations are serialized under its own
// mutex so that every "presence:updated" broadcast reflects the
// post-mutation roster.
package room

import (
	"sync"
	"time"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// member pairs the presence record with the sender used to reach it.
type member struct {
	record types.RoomMember
	sender types.ConnectionSender
}

// room is one roster, guarded by its own mutex so mutations on different
// rooms never contend with each other.
type room struct {
	mu      sync.Mutex
	id      types.RoomIDType
	members map[types.ConnectionIDType]*member
}

// Registry is the process-wide room roster table.
type Registry struct {
	mu     sync.Mutex
	rooms  map[types.RoomIDType]*room
	limits config.RoomLimits

	// memberOf tracks, for each connection, every room it currently belongs
	// to — needed so disconnect cleanup (room.RemoveEverywhere) doesn't have
	// to scan every room in the registry.
	memberOfMu sync.Mutex
	memberOf   map[types.ConnectionIDType]map[types.RoomIDType]struct{}
}

// NewRegistry builds an empty room registry using the given per-resource
// capacity table.
func NewRegistry(limits config.RoomLimits) *Registry {
	return &Registry{
		rooms:    make(map[types.RoomIDType]*room),
		limits:   limits,
		memberOf: make(map[types.ConnectionIDType]map[types.RoomIDType]struct{}),
	}
}

func (reg *Registry) getOrCreate(roomID types.RoomIDType) *room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[types.ConnectionIDType]*member)}
		reg.rooms[roomID] = r
		metrics.ActiveRooms.Inc()
	}
	return r
}

func (reg *Registry) removeIfEmpty(roomID types.RoomIDType, r *room) {
	r.mu.Lock()
	empty := len(r.members) == 0
	r.mu.Unlock()
	if !empty {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if current, ok := reg.rooms[roomID]; ok && current == r {
		current.mu.Lock()
		stillEmpty := len(current.members) == 0
		current.mu.Unlock()
		if stillEmpty {
			delete(reg.rooms, roomID)
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(string(roomID))
		}
	}
}

func (reg *Registry) trackMembership(connID types.ConnectionIDType, roomID types.RoomIDType, add bool) {
	reg.memberOfMu.Lock()
	defer reg.memberOfMu.Unlock()

	if add {
		if reg.memberOf[connID] == nil {
			reg.memberOf[connID] = make(map[types.RoomIDType]struct{})
		}
		reg.memberOf[connID][roomID] = struct{}{}
		return
	}

	if rooms, ok := reg.memberOf[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(reg.memberOf, connID)
		}
	}
}

// RoomsOf returns every room connID currently belongs to.
func (reg *Registry) RoomsOf(connID types.ConnectionIDType) []types.RoomIDType {
	reg.memberOfMu.Lock()
	defer reg.memberOfMu.Unlock()

	out := make([]types.RoomIDType, 0, len(reg.memberOf[connID]))
	for rid := range reg.memberOf[connID] {
		out = append(out, rid)
	}
	return out
}

// JoinResult is the outcome of a Join call.
type JoinResult struct {
	Accepted        bool
	CurrentUsers    int
	MaxUsers        int
	CapacityCrossed bool // ≥90% reached or exceeded by this join
	Users           []types.RoomMember
}

// capacityFor resolves the configured cap for a roomId, using the part of
// the id before ":" as the resourceType (falls back to "default").
func (reg *Registry) capacityFor(roomID types.RoomIDType) int {
	resourceType := string(roomID)
	for i, c := range resourceType {
		if c == ':' {
			resourceType = resourceType[:i]
			break
		}
	}
	return reg.limits.CapacityFor(resourceType)
}

// Join admits connID to roomID. Capacity is checked
// first; on success the member is recorded with joinedAt = lastActivity =
// now.
func (reg *Registry) Join(roomID types.RoomIDType, connID types.ConnectionIDType, sender types.ConnectionSender, userID types.UserIDType, username string) JoinResult {
	r := reg.getOrCreate(roomID)
	max := reg.capacityFor(roomID)

	r.mu.Lock()
	if len(r.members) >= max {
		current := len(r.members)
		r.mu.Unlock()
		metrics.RoomJoinRejections.WithLabelValues("ROOM_FULL").Inc()
		return JoinResult{Accepted: false, CurrentUsers: current, MaxUsers: max}
	}

	now := time.Now()
	r.members[connID] = &member{
		sender: sender,
		record: types.RoomMember{
			ConnectionID: connID,
			UserID:       userID,
			Username:     username,
			JoinedAt:     now,
			LastActivity: now,
		},
	}

	// Warn on every arrival at or above 90%, not one-shot at the crossing;
	// existing clients rely on the repeated broadcast (see DESIGN.md).
	crossed := len(r.members)*100/max >= 90

	users := snapshotLocked(r)
	current := len(r.members)
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(current))

	return JoinResult{Accepted: true, CurrentUsers: current, MaxUsers: max, CapacityCrossed: crossed, Users: users}
}

// Leave removes connID from roomID. Idempotent: leaving a room you are not
// in reports wasMember=false without error.
func (reg *Registry) Leave(roomID types.RoomIDType, connID types.ConnectionIDType) (wasMember bool, remaining []types.RoomMember) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	_, wasMember = r.members[connID]
	if wasMember {
		delete(r.members, connID)
	}
	remaining = snapshotLocked(r)
	count := len(r.members)
	r.mu.Unlock()

	if wasMember {
		reg.trackMembership(connID, roomID, false)
		metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(count))
		reg.removeIfEmpty(roomID, r)
	}
	return wasMember, remaining
}

// TrackJoin records connID as a member of roomID in the reverse index; call
// after a successful Join (kept separate so callers that need the reverse
// index updated exactly once per accepted join retain control of ordering).
func (reg *Registry) TrackJoin(roomID types.RoomIDType, connID types.ConnectionIDType) {
	reg.trackMembership(connID, roomID, true)
}

// QueryUsers returns a roster snapshot plus capacity info for roomID.
func (reg *Registry) QueryUsers(roomID types.RoomIDType) (users []types.RoomMember, current, max int) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	max = reg.capacityFor(roomID)
	if !ok {
		return nil, 0, max
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotLocked(r), len(r.members), max
}

// SetCurrentSubResource updates connID's advisory currentSubResource and
// lastActivity within roomID. Returns false if connID is not a member.
func (reg *Registry) SetCurrentSubResource(roomID types.RoomIDType, connID types.ConnectionIDType, subResourceType *string) (ok bool, users []types.RoomMember) {
	reg.mu.Lock()
	r, exists := reg.rooms[roomID]
	reg.mu.Unlock()
	if !exists {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return false, nil
	}
	m.record.CurrentSubResource = subResourceType
	m.record.LastActivity = time.Now()
	return true, snapshotLocked(r)
}

// Touch updates connID's lastActivity within roomID to ts (used by the
// heartbeat handler). No-op if connID is not a member of roomID.
func (reg *Registry) Touch(roomID types.RoomIDType, connID types.ConnectionIDType, ts time.Time) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[connID]; ok {
		m.record.LastActivity = ts
	}
}

// IsMember reports whether connID is a member of roomID.
func (reg *Registry) IsMember(roomID types.RoomIDType, connID types.ConnectionIDType) bool {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok = r.members[connID]
	return ok
}

// RemoveEverywhere removes connID from every room it belongs to, returning
// the set of rooms it was removed from (for the caller to broadcast
// user_left / presence:updated on disconnect).
func (reg *Registry) RemoveEverywhere(connID types.ConnectionIDType) []types.RoomIDType {
	rooms := reg.RoomsOf(connID)
	affected := make([]types.RoomIDType, 0, len(rooms))
	for _, roomID := range rooms {
		if wasMember, _ := reg.Leave(roomID, connID); wasMember {
			affected = append(affected, roomID)
		}
	}
	return affected
}

// RoomSnapshot pairs a room id with a point-in-time copy of its roster, for
// callers (the activity sweeper, the admin surface) that need to scan every
// room without holding any room's mutex.
type RoomSnapshot struct {
	RoomID  types.RoomIDType
	Members []types.RoomMember
}

// AllRooms returns a snapshot of every room and its current roster.
func (reg *Registry) AllRooms() []RoomSnapshot {
	reg.mu.Lock()
	rooms := make([]*room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		id := r.id
		members := snapshotLocked(r)
		r.mu.Unlock()
		out = append(out, RoomSnapshot{RoomID: id, Members: members})
	}
	return out
}

// Broadcast implements types.Broadcaster: send event/payload to every
// member of roomID.
func (reg *Registry) Broadcast(roomID types.RoomIDType, event string, payload any) {
	reg.BroadcastExcept(roomID, "", event, payload)
}

// BroadcastExcept implements types.Broadcaster: send event/payload to every
// member of roomID other than except.
func (reg *Registry) BroadcastExcept(roomID types.RoomIDType, except types.ConnectionIDType, event string, payload any) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	senders := make([]types.ConnectionSender, 0, len(r.members))
	for connID, m := range r.members {
		if connID == except {
			continue
		}
		senders = append(senders, m.sender)
	}
	r.mu.Unlock()

	for _, s := range senders {
		s.Send(event, payload)
	}
}

// SendTo delivers event/payload to a single member of roomID, if present.
func (reg *Registry) SendTo(roomID types.RoomIDType, connID types.ConnectionIDType, event string, payload any) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	m, ok := r.members[connID]
	r.mu.Unlock()
	if ok {
		m.sender.Send(event, payload)
	}
}

// snapshotLocked returns a copy of the roster. Caller must hold r.mu.
func snapshotLocked(r *room) []types.RoomMember {
	out := make([]types.RoomMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.record)
	}
	return out
}
