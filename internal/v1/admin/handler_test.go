package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

type fakeSender struct {
	id   types.ConnectionIDType
	user types.UserIDType
}

func (f *fakeSender) ConnectionID() types.ConnectionIDType { return f.id }
func (f *fakeSender) UserID() types.UserIDType             { return f.user }
func (f *fakeSender) Username() string                     { return "user-" + string(f.user) }
func (f *fakeSender) Send(event string, payload any)       {}
func (f *fakeSender) Close()                               {}

// fixture builds a Handler over a connection admitted to a room with one
// held lock, for the read-only endpoints to report on.
func fixture(t *testing.T) *Handler {
	t.Helper()
	conns := connection.NewRegistry(10)
	rooms := room.NewRegistry(config.RoomLimits{Default: 10, AdminPanel: 10, Chat: 10})
	locks := lock.NewManager(conns, rooms, time.Hour, 10*time.Minute)

	sender := &fakeSender{id: "conn-1", user: "alice"}
	user := &types.AuthenticatedUser{UserID: "alice", Username: "Alice"}
	conns.Admit("conn-1", sender, user, types.ConnectionMetadata{
		RemoteAddr:  "10.0.0.1:1234",
		UserAgent:   "test-agent",
		ConnectedAt: time.Now().Add(-90 * time.Minute),
	})

	roomID := types.RoomIDType("resource:doc-1")
	rooms.Join(roomID, "conn-1", sender, "alice", "Alice")
	rooms.TrackJoin(roomID, "conn-1")

	key := lock.LockKey("resource", "doc-1", "page-1")
	require.Nil(t, locks.Acquire(key, "conn-1", "alice", "Alice"))

	return NewHandler(conns, rooms, locks, time.Now().Add(-2*time.Hour))
}

func doGet(h gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	h(c)

	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

// TestRooms_ReportsMembersAndLocks: the rooms snapshot
// includes the member roster and the lock held within that room.
func TestRooms_ReportsMembersAndLocks(t *testing.T) {
	h := fixture(t)
	w, body := doGet(h.Rooms)
	require.Equal(t, http.StatusOK, w.Code)

	rooms, ok := body["rooms"].([]any)
	require.True(t, ok)
	require.Len(t, rooms, 1)

	r := rooms[0].(map[string]any)
	assert.Equal(t, "resource:doc-1", r["roomId"])
	assert.Equal(t, float64(1), r["memberCount"])

	members := r["members"].([]any)
	require.Len(t, members, 1)
	member := members[0].(map[string]any)
	assert.Equal(t, "conn-1", member["connectionId"])
	assert.Equal(t, "alice", member["userId"])

	locks := r["locks"].([]any)
	require.Len(t, locks, 1)
	lockDTO := locks[0].(map[string]any)
	assert.Equal(t, "resource", lockDTO["resourceType"])
	assert.Equal(t, "doc-1", lockDTO["resourceUuid"])
	assert.Equal(t, "page-1", lockDTO["subResourceId"])
	assert.Equal(t, "alice", lockDTO["holderUserId"])
}

// TestUsers_AggregatesConnectionsByUser exercises the per-user
// connection aggregation.
func TestUsers_AggregatesConnectionsByUser(t *testing.T) {
	h := fixture(t)
	w, body := doGet(h.Users)
	require.Equal(t, http.StatusOK, w.Code)

	users := body["users"].([]any)
	require.Len(t, users, 1)
	u := users[0].(map[string]any)
	assert.Equal(t, "alice", u["userId"])
	assert.Equal(t, float64(1), u["connectionCount"])

	conns := u["connections"].([]any)
	require.Len(t, conns, 1)
	c := conns[0].(map[string]any)
	assert.Equal(t, "conn-1", c["connectionId"])
	assert.Equal(t, "10.0.0.1:1234", c["remoteAddr"])
}

// TestMetrics_ReportsCountsAndUptime exercises the summary endpoint.
func TestMetrics_ReportsCountsAndUptime(t *testing.T) {
	h := fixture(t)
	w, body := doGet(h.Metrics)
	require.Equal(t, http.StatusOK, w.Code)

	connections := body["connections"].(map[string]any)
	assert.Equal(t, float64(1), connections["active"])

	rooms := body["rooms"].(map[string]any)
	assert.Equal(t, float64(1), rooms["active"])

	locksEntry := body["locks"].(map[string]any)
	assert.Equal(t, float64(1), locksEntry["held"])

	uptime, ok := body["uptime"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, uptime)
}

// TestOverview_CombinesRoomsUsersAndUptime exercises the detailed
// combined snapshot.
func TestOverview_CombinesRoomsUsersAndUptime(t *testing.T) {
	h := fixture(t)
	w, body := doGet(h.Overview)
	require.Equal(t, http.StatusOK, w.Code)

	assert.NotEmpty(t, body["uptime"])
	assert.NotEmpty(t, body["rooms"])
	assert.NotEmpty(t, body["users"])
	connections := body["connections"].(map[string]any)
	assert.Equal(t, float64(1), connections["active"])
}
