package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

type fakeSender struct {
	id   types.ConnectionIDType
	user types.UserIDType
	sent []string
}

func (f *fakeSender) ConnectionID() types.ConnectionIDType { return f.id }
func (f *fakeSender) UserID() types.UserIDType             { return f.user }
func (f *fakeSender) Username() string                     { return string(f.user) }
func (f *fakeSender) Send(event string, payload any)       { f.sent = append(f.sent, event) }
func (f *fakeSender) Close()                               {}

func testLimits() config.RoomLimits {
	return config.RoomLimits{Default: 3, AdminPanel: 5, Chat: 100}
}

func TestJoin_AcceptsUnderCapacity(t *testing.T) {
	reg := NewRegistry(testLimits())
	s := &fakeSender{id: "c1", user: "alice"}
	res := reg.Join("x:y", "c1", s, "alice", "alice")
	require.True(t, res.Accepted)
	assert.Equal(t, 1, res.CurrentUsers)
	assert.Equal(t, 3, res.MaxUsers)
}

// TestJoin_RejectsWhenFull: default cap 3, a
// fourth join is rejected with ROOM_FULL.
func TestJoin_RejectsWhenFull(t *testing.T) {
	reg := NewRegistry(testLimits())
	for i, id := range []string{"c1", "c2", "c3"} {
		res := reg.Join("x:y", types.ConnectionIDType(id), &fakeSender{id: types.ConnectionIDType(id), user: types.UserIDType(id)}, types.UserIDType(id), id)
		require.Truef(t, res.Accepted, "join %d", i)
	}

	fourth := reg.Join("x:y", "c4", &fakeSender{id: "c4", user: "u4"}, "u4", "u4")
	assert.False(t, fourth.Accepted)
	assert.Equal(t, 3, fourth.CurrentUsers)
	assert.Equal(t, 3, fourth.MaxUsers)
}

func TestLeave_IdempotentWhenNotMember(t *testing.T) {
	reg := NewRegistry(testLimits())
	wasMember, _ := reg.Leave("x:y", "ghost")
	assert.False(t, wasMember)
}

func TestLeave_RemovesMemberAndEmptyRoom(t *testing.T) {
	reg := NewRegistry(testLimits())
	reg.Join("x:y", "c1", &fakeSender{id: "c1", user: "alice"}, "alice", "alice")
	reg.TrackJoin("x:y", "c1")

	wasMember, remaining := reg.Leave("x:y", "c1")
	assert.True(t, wasMember)
	assert.Empty(t, remaining)

	_, current, _ := reg.QueryUsers("x:y")
	assert.Equal(t, 0, current)
}

func TestSetCurrentSubResource_UpdatesPresence(t *testing.T) {
	reg := NewRegistry(testLimits())
	reg.Join("x:y", "c1", &fakeSender{id: "c1", user: "alice"}, "alice", "alice")

	sub := "data-tab"
	ok, users := reg.SetCurrentSubResource("x:y", "c1", &sub)
	require.True(t, ok)
	require.Len(t, users, 1)
	require.NotNil(t, users[0].CurrentSubResource)
	assert.Equal(t, "data-tab", *users[0].CurrentSubResource)
}

func TestSetCurrentSubResource_FalseWhenNotMember(t *testing.T) {
	reg := NewRegistry(testLimits())
	reg.Join("x:y", "c1", &fakeSender{id: "c1", user: "alice"}, "alice", "alice")

	sub := "data-tab"
	ok, _ := reg.SetCurrentSubResource("x:y", "ghost", &sub)
	assert.False(t, ok)
}

func TestBroadcastExcept_SkipsSender(t *testing.T) {
	reg := NewRegistry(testLimits())
	s1 := &fakeSender{id: "c1", user: "alice"}
	s2 := &fakeSender{id: "c2", user: "bob"}
	reg.Join("x:y", "c1", s1, "alice", "alice")
	reg.Join("x:y", "c2", s2, "bob", "bob")

	reg.BroadcastExcept("x:y", "c1", "presence:updated", nil)

	assert.Empty(t, s1.sent)
	assert.Equal(t, []string{"presence:updated"}, s2.sent)
}

func TestRemoveEverywhere_ClearsAllRoomMemberships(t *testing.T) {
	reg := NewRegistry(testLimits())
	s := &fakeSender{id: "c1", user: "alice"}
	reg.Join("x:y", "c1", s, "alice", "alice")
	reg.TrackJoin("x:y", "c1")
	reg.Join("a:b", "c1", s, "alice", "alice")
	reg.TrackJoin("a:b", "c1")

	affected := reg.RemoveEverywhere("c1")
	assert.ElementsMatch(t, []types.RoomIDType{"x:y", "a:b"}, affected)
	assert.False(t, reg.IsMember("x:y", "c1"))
	assert.False(t, reg.IsMember("a:b", "c1"))
}

func TestCapacityFor_UsesResourceTypePrefix(t *testing.T) {
	reg := NewRegistry(testLimits())
	res := reg.Join("admin_panel:1", "c1", &fakeSender{id: "c1", user: "alice"}, "alice", "alice")
	assert.Equal(t, 5, res.MaxUsers)
}

func TestJoin_CapacityCrossedAtNinetyPercent(t *testing.T) {
	reg := NewRegistry(config.RoomLimits{Default: 10})

	var last JoinResult
	for i := 0; i < 9; i++ {
		id := types.ConnectionIDType(rune('a' + i))
		last = reg.Join("doc:d1", id, &fakeSender{id: id}, types.UserIDType(id), string(id))
		require.True(t, last.Accepted)
	}
	assert.True(t, last.CapacityCrossed, "9 of 10 members is 90%")

	// Every further arrival above the threshold re-reports the warning.
	again := reg.Join("doc:d1", "j", &fakeSender{id: "j"}, "j", "j")
	require.True(t, again.Accepted)
	assert.True(t, again.CapacityCrossed)
}

func TestJoin_CapacityNotCrossedBelowThreshold(t *testing.T) {
	reg := NewRegistry(config.RoomLimits{Default: 10})
	r := reg.Join("doc:d1", "c1", &fakeSender{id: "c1"}, "alice", "alice")
	require.True(t, r.Accepted)
	assert.False(t, r.CapacityCrossed)
}

func TestTouch_UpdatesLastActivity(t *testing.T) {
	reg := NewRegistry(testLimits())
	reg.Join("doc:d1", "c1", &fakeSender{id: "c1"}, "alice", "alice")

	past := time.Now().Add(-time.Hour)
	reg.Touch("doc:d1", "c1", past)

	users, _, _ := reg.QueryUsers("doc:d1")
	require.Len(t, users, 1)
	assert.True(t, users[0].LastActivity.Equal(past))

	// Unknown members and rooms are ignored.
	reg.Touch("doc:d1", "ghost", past)
	reg.Touch("nope:x", "c1", past)
}

func TestAllRooms_ReturnsIndependentSnapshots(t *testing.T) {
	reg := NewRegistry(testLimits())
	reg.Join("doc:d1", "c1", &fakeSender{id: "c1"}, "alice", "alice")
	reg.Join("doc:d2", "c2", &fakeSender{id: "c2"}, "bob", "bob")

	snaps := reg.AllRooms()
	require.Len(t, snaps, 2)

	// Mutating the snapshot must not touch the registry.
	snaps[0].Members[0].Username = "mutated"
	users, _, _ := reg.QueryUsers(snaps[0].RoomID)
	assert.NotEqual(t, "mutated", users[0].Username)
}

func TestSendTo_ReachesOnlyTheTarget(t *testing.T) {
	reg := NewRegistry(testLimits())
	s1 := &fakeSender{id: "c1"}
	s2 := &fakeSender{id: "c2"}
	reg.Join("doc:d1", "c1", s1, "alice", "alice")
	reg.Join("doc:d1", "c2", s2, "bob", "bob")

	reg.SendTo("doc:d1", "c1", "lock:expiring_soon", nil)

	assert.Equal(t, []string{"lock:expiring_soon"}, s1.sent)
	assert.Empty(t, s2.sent)
}

func TestQueryUsers_UnknownRoomReportsCapacityOnly(t *testing.T) {
	reg := NewRegistry(testLimits())
	users, current, max := reg.QueryUsers("ghost:room")
	assert.Empty(t, users)
	assert.Equal(t, 0, current)
	assert.Equal(t, 3, max)
}
