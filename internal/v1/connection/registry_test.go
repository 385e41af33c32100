package connection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

type fakeSender struct {
	id     types.ConnectionIDType
	user   types.UserIDType
	sent   []sentFrame
	closed bool
}

type sentFrame struct {
	event   string
	payload any
}

func (f *fakeSender) ConnectionID() types.ConnectionIDType { return f.id }
func (f *fakeSender) UserID() types.UserIDType             { return f.user }
func (f *fakeSender) Username() string                     { return "user-" + string(f.user) }
func (f *fakeSender) Send(event string, payload any) {
	f.sent = append(f.sent, sentFrame{event, payload})
}
func (f *fakeSender) Close() { f.closed = true }

func admitNth(r *Registry, userID types.UserIDType, connID types.ConnectionIDType) AdmitDecision {
	sender := &fakeSender{id: connID, user: userID}
	return r.AdmitIfUnderCap(connID, sender, &types.AuthenticatedUser{UserID: userID}, types.ConnectionMetadata{})
}

func TestAdmitIfUnderCap_AllowsUnderCap(t *testing.T) {
	r := NewRegistry(5)
	d := admitNth(r, "alice", "c1")
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, d.CurrentCount)
	assert.False(t, d.Warn)
	assert.Equal(t, 1, r.Count("alice"))
}

// TestCapEnforcement_WarnsAtThresholdRejectsPastCap: cap 5,
// the 4th connection is the first to warn (80%), the 6th is rejected.
func TestCapEnforcement_WarnsAtThresholdRejectsPastCap(t *testing.T) {
	r := NewRegistry(5)

	for i := 0; i < 4; i++ {
		d := admitNth(r, "userA", types.ConnectionIDType("conn-"+string(rune('0'+i))))
		require.True(t, d.Admitted)
		// The connection that reaches exactly 80% of the cap is the first
		// one warned.
		require.Equal(t, i == 3, d.Warn, "connection %d", i+1)
	}

	fifth := admitNth(r, "userA", "conn-4")
	require.True(t, fifth.Admitted)
	assert.Equal(t, 5, fifth.CurrentCount)
	assert.Equal(t, 100, fifth.PercentageUsed)
	assert.True(t, fifth.Warn)

	sixth := admitNth(r, "userA", "conn-5")
	assert.False(t, sixth.Admitted)
	assert.Equal(t, 5, sixth.CurrentCount)
	assert.Equal(t, 5, sixth.Limit)

	assert.Equal(t, 5, r.Count("userA"))

	removed := r.Remove("conn-4")
	require.NotNil(t, removed)
	assert.Equal(t, 4, r.Count("userA"))

	again := admitNth(r, "userA", "conn-6")
	assert.True(t, again.Admitted)
}

// TestAdmitIfUnderCap_ConcurrentHandshakesNeverExceedCap races many
// simultaneous admissions for one user against the cap; the final count
// must never overshoot, regardless of interleaving.
func TestAdmitIfUnderCap_ConcurrentHandshakesNeverExceedCap(t *testing.T) {
	r := NewRegistry(5)

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := types.ConnectionIDType(fmt.Sprintf("conn-%d", i))
			if admitNth(r, "userA", connID).Admitted {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), admitted.Load())
	assert.Equal(t, 5, r.Count("userA"))
}

func TestRemove_IdempotentAndUnknown(t *testing.T) {
	r := NewRegistry(5)
	assert.Nil(t, r.Remove("missing"))

	r.Admit("c1", &fakeSender{id: "c1", user: "bob"}, &types.AuthenticatedUser{UserID: "bob"}, types.ConnectionMetadata{})
	first := r.Remove("c1")
	require.NotNil(t, first)
	second := r.Remove("c1")
	assert.Nil(t, second)
}

func TestSnapshot_ReturnsAllAdmitted(t *testing.T) {
	r := NewRegistry(5)
	r.Admit("c1", &fakeSender{id: "c1", user: "bob"}, &types.AuthenticatedUser{UserID: "bob"}, types.ConnectionMetadata{})
	r.Admit("c2", &fakeSender{id: "c2", user: "carol"}, &types.AuthenticatedUser{UserID: "carol"}, types.ConnectionMetadata{})

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 2, r.Len())
}
