// Package admin implements the gateway's read-only HTTP surface: snapshot
// views over the connection, room, and lock registries for operators,
// protected by a static bearer token and the shared ulule/limiter rate
// limit.
package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// Handler serves the admin-socket snapshot endpoints.
type Handler struct {
	conns     *connection.Registry
	rooms     *room.Registry
	locks     *lock.Manager
	startedAt time.Time
}

// NewHandler builds a Handler. startedAt is the process start time, used to
// report gateway uptime.
func NewHandler(conns *connection.Registry, rooms *room.Registry, locks *lock.Manager, startedAt time.Time) *Handler {
	return &Handler{conns: conns, rooms: rooms, locks: locks, startedAt: startedAt}
}

func splitLockKey(key types.LockKeyType) (resourceType, resourceUUID, subResourceID string) {
	parts := strings.SplitN(string(key), ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	default:
		return string(key), "", ""
	}
}

type lockDTO struct {
	ResourceType   string    `json:"resourceType"`
	ResourceUUID   string    `json:"resourceUuid"`
	SubResourceID  string    `json:"subResourceId"`
	HolderUserID   string    `json:"holderUserId"`
	HolderUsername string    `json:"holderUsername"`
	LockedAt       time.Time `json:"lockedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Remaining      string    `json:"remaining"`
}

func (h *Handler) locksByRoom() map[types.RoomIDType][]lockDTO {
	out := make(map[types.RoomIDType][]lockDTO)
	now := time.Now()
	for _, snap := range h.locks.AllLocks() {
		resourceType, resourceUUID, subResourceID := splitLockKey(snap.LockKey)
		roomID := types.RoomIDType(resourceType + ":" + resourceUUID)
		out[roomID] = append(out[roomID], lockDTO{
			ResourceType:   resourceType,
			ResourceUUID:   resourceUUID,
			SubResourceID:  subResourceID,
			HolderUserID:   string(snap.HolderUserID),
			HolderUsername: snap.HolderUsername,
			LockedAt:       snap.LockedAt,
			ExpiresAt:      snap.ExpiresAt,
			Remaining:      formatDuration(snap.ExpiresAt.Sub(now)),
		})
	}
	return out
}

type memberDTO struct {
	ConnectionID       string    `json:"connectionId"`
	UserID             string    `json:"userId"`
	Username           string    `json:"username"`
	JoinedAt           time.Time `json:"joinedAt"`
	CurrentSubResource *string   `json:"currentSubResource,omitempty"`
	SessionDuration    string    `json:"sessionDuration"`
}

type roomDTO struct {
	RoomID      string      `json:"roomId"`
	MemberCount int         `json:"memberCount"`
	Members     []memberDTO `json:"members"`
	Locks       []lockDTO   `json:"locks"`
}

func (h *Handler) roomSnapshots() []roomDTO {
	byLock := h.locksByRoom()
	now := time.Now()

	var out []roomDTO
	for _, snap := range h.rooms.AllRooms() {
		members := make([]memberDTO, 0, len(snap.Members))
		for _, m := range snap.Members {
			members = append(members, memberDTO{
				ConnectionID:       string(m.ConnectionID),
				UserID:             string(m.UserID),
				Username:           m.Username,
				JoinedAt:           m.JoinedAt,
				CurrentSubResource: m.CurrentSubResource,
				SessionDuration:    formatDuration(now.Sub(m.JoinedAt)),
			})
		}
		out = append(out, roomDTO{
			RoomID:      string(snap.RoomID),
			MemberCount: len(snap.Members),
			Members:     members,
			Locks:       byLock[snap.RoomID],
		})
	}
	return out
}

// Rooms handles GET /admin-socket/rooms: rooms with their members and locks.
func (h *Handler) Rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.roomSnapshots()})
}

type connectionDTO struct {
	ConnectionID string    `json:"connectionId"`
	RemoteAddr   string    `json:"remoteAddr"`
	UserAgent    string    `json:"userAgent"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Uptime       string    `json:"uptime"`
}

type userDTO struct {
	UserID          string          `json:"userId"`
	Username        string          `json:"username"`
	ConnectionCount int             `json:"connectionCount"`
	Connections     []connectionDTO `json:"connections"`
}

func (h *Handler) userSnapshots() []userDTO {
	now := time.Now()
	byUser := make(map[types.UserIDType]*userDTO)
	var order []types.UserIDType

	for _, entry := range h.conns.Snapshot() {
		if entry.User == nil {
			continue
		}
		u, ok := byUser[entry.User.UserID]
		if !ok {
			u = &userDTO{UserID: string(entry.User.UserID), Username: entry.User.Username}
			byUser[entry.User.UserID] = u
			order = append(order, entry.User.UserID)
		}
		u.Connections = append(u.Connections, connectionDTO{
			ConnectionID: string(entry.Sender.ConnectionID()),
			RemoteAddr:   entry.Metadata.RemoteAddr,
			UserAgent:    entry.Metadata.UserAgent,
			ConnectedAt:  entry.Metadata.ConnectedAt,
			Uptime:       formatDuration(now.Sub(entry.Metadata.ConnectedAt)),
		})
		u.ConnectionCount = len(u.Connections)
	}

	out := make([]userDTO, 0, len(order))
	for _, uid := range order {
		out = append(out, *byUser[uid])
	}
	return out
}

// Users handles GET /admin-socket/users: users aggregated across connections.
func (h *Handler) Users(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.userSnapshots()})
}

// Metrics handles GET /admin-socket/metrics: top-level counts plus gateway
// uptime. The full Prometheus exposition (including the event-processing
// histogram) lives on the standard /metrics endpoint; this is the
// human-readable operator summary.
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": gin.H{"active": h.conns.Len()},
		"rooms":       gin.H{"active": len(h.rooms.AllRooms())},
		"locks":       gin.H{"held": len(h.locks.AllLocks())},
		"uptime":      formatDuration(time.Since(h.startedAt)),
	})
}

// Overview handles GET /admin-socket/overview: a single detailed snapshot
// combining rooms, users, and locks.
func (h *Handler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":      formatDuration(time.Since(h.startedAt)),
		"connections": gin.H{"active": h.conns.Len()},
		"rooms":       h.roomSnapshots(),
		"users":       h.userSnapshots(),
	})
}

// AggregationSockets handles GET /admin-socket/aggregations/sockets.
func (h *Handler) AggregationSockets(c *gin.Context) {
	now := time.Now()
	var out []connectionDTO
	for _, entry := range h.conns.Snapshot() {
		out = append(out, connectionDTO{
			ConnectionID: string(entry.Sender.ConnectionID()),
			RemoteAddr:   entry.Metadata.RemoteAddr,
			UserAgent:    entry.Metadata.UserAgent,
			ConnectedAt:  entry.Metadata.ConnectedAt,
			Uptime:       formatDuration(now.Sub(entry.Metadata.ConnectedAt)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sockets": out})
}

// AggregationRooms handles GET /admin-socket/aggregations/rooms.
func (h *Handler) AggregationRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.roomSnapshots()})
}

// AggregationUsers handles GET /admin-socket/aggregations/users.
func (h *Handler) AggregationUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.userSnapshots()})
}
