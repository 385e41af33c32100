package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/ratelimit"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWS is an in-memory wsConn double. ReadMessage is never exercised here:
// these tests drive the dispatcher directly via Dispatch rather than through
// Conn.ReadPump, so only the write side needs to be real.
type fakeWS struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	block   chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{block: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	<-f.block
	return 0, nil, errFakeWSClosed
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.block)
	}
	return nil
}

func (f *fakeWS) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakeWS) SetWriteDeadline(t time.Time) error  { return nil }
func (f *fakeWS) SetPongHandler(h func(string) error) {}

func (f *fakeWS) frames(t *testing.T) []transport.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Frame, 0, len(f.written))
	for _, raw := range f.written {
		var fr transport.Frame
		require.NoError(t, json.Unmarshal(raw, &fr))
		out = append(out, fr)
	}
	return out
}

type errFakeWSClosedType struct{}

func (errFakeWSClosedType) Error() string { return "fakeWS closed" }

var errFakeWSClosed error = errFakeWSClosedType{}

// fakeValidator is an in-memory types.ResourceValidator double, keyed by
// "resourceType:uuid".
type fakeValidator struct {
	mu        sync.Mutex
	resources map[string]*types.Resource
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{resources: make(map[string]*types.Resource)}
}

func (v *fakeValidator) put(resourceType, uuid, status string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resources[resourceType+":"+uuid] = &types.Resource{ResourceType: resourceType, UUID: uuid, Status: status}
}

func (v *fakeValidator) FindOne(_ context.Context, resourceType, uuid string) (*types.Resource, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.resources[resourceType+":"+uuid]; ok {
		return r, nil
	}
	return nil, types.ErrResourceNotFound
}

func (v *fakeValidator) IsResourceOpen(r *types.Resource) bool {
	return r.Status == "open" || r.Status == "active"
}

func testConfig() *config.Config {
	return &config.Config{
		RoomLimits: config.RoomLimits{
			Default:    3,
			AdminPanel: 5,
			Chat:       100,
			ByType:     map[string]int{"resourceType": 2},
		},
		LockTTL:        time.Hour,
		WarningTime:    10 * time.Minute,
		EnableAutoLock: true,
	}
}

// harness wires a Dispatcher against real collaborators so tests exercise
// the same code paths production does, with only the resource validator and
// the WebSocket transport faked out.
type harness struct {
	d         *Dispatcher
	conns     *connection.Registry
	rooms     *room.Registry
	locks     *lock.Manager
	rl        *ratelimit.SocketLimiter
	validator *fakeValidator
	cfg       *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	conns := connection.NewRegistry(10)
	rooms := room.NewRegistry(cfg.RoomLimits)
	locks := lock.NewManager(conns, rooms, cfg.LockTTL, cfg.WarningTime)
	rl := ratelimit.NewSocketLimiter()
	validator := newFakeValidator()
	d := New(conns, rooms, locks, rl, validator, cfg)
	return &harness{d: d, conns: conns, rooms: rooms, locks: locks, rl: rl, validator: validator, cfg: cfg}
}

// newConn admits a connection backed by a fakeWS, starting its write pump so
// frames sent via conn.Send land in the returned fakeWS for inspection.
func (h *harness) newConn(t *testing.T, connID types.ConnectionIDType, userID types.UserIDType, username string) (*transport.Conn, *fakeWS) {
	t.Helper()
	ws := newFakeWS()
	user := &types.AuthenticatedUser{UserID: userID, Username: username}
	conn := transport.NewConn(ws, connID, user, h.d, time.Hour, time.Hour)
	go conn.WritePump()
	t.Cleanup(conn.Close)

	h.conns.Admit(connID, conn, user, types.ConnectionMetadata{ConnectedAt: time.Now()})
	return conn, ws
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func decodePayload(t *testing.T, f transport.Frame, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Payload, into))
}

// waitForEvent waits for a frame named event to appear in ws and returns it.
// Broadcasts fan out to every room member, so tests with more than one
// connection must look an event up by name rather than assume a fixed
// position in the frame sequence.
func waitForEvent(t *testing.T, ws *fakeWS, event string) transport.Frame {
	t.Helper()
	var found transport.Frame
	require.Eventually(t, func() bool {
		for _, f := range ws.frames(t) {
			if f.Event == event {
				found = f
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "event %q was never observed", event)
	return found
}

func TestDispatch_UnknownEvent_NoFrameSent(t *testing.T) {
	h := newHarness(t)
	conn, ws := h.newConn(t, "c1", "alice", "Alice")

	h.d.Dispatch(context.Background(), conn, "not:a:real:event", nil)

	require.Never(t, func() bool { return len(ws.frames(t)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestDispatch_MalformedPayload_EmitsSocketError(t *testing.T) {
	h := newHarness(t)
	conn, ws := h.newConn(t, "c1", "alice", "Alice")

	h.d.Dispatch(context.Background(), conn, "room:join", json.RawMessage(`not-json`))

	require.Eventually(t, func() bool { return len(ws.frames(t)) > 0 }, time.Second, 5*time.Millisecond)
	frames := ws.frames(t)
	assert.Equal(t, "socket:error", frames[0].Event)
}

// TestDispatch_RateLimitShortCircuitsHandler: once the
// room:join rule's 2-per-5s budget is spent, the third call never reaches
// handleRoomJoin at all — only rate_limit_exceeded is emitted, not a second
// room:joined for the same payload.
func TestDispatch_RateLimitShortCircuitsHandler(t *testing.T) {
	h := newHarness(t)
	conn, ws := h.newConn(t, "c1", "alice", "Alice")
	payload := mustMarshal(t, roomJoinPayload{RoomID: "room:rate-limit-test"})

	h.d.Dispatch(context.Background(), conn, "room:join", payload)
	h.d.Dispatch(context.Background(), conn, "room:join", payload)
	h.d.Dispatch(context.Background(), conn, "room:join", payload)

	require.Eventually(t, func() bool { return len(ws.frames(t)) >= 3 }, time.Second, 5*time.Millisecond)
	frames := ws.frames(t)
	assert.Equal(t, "room:joined", frames[0].Event)
	assert.Equal(t, "room:joined", frames[1].Event)
	assert.Equal(t, "rate_limit_exceeded", frames[2].Event)
}

// TestDisconnect_ReleasesLocksAndLeavesRooms covers disconnect cleanup: a
// connection holding a lock and a room membership loses both, and
// its peer observes the departure.
func TestDisconnect_ReleasesLocksAndLeavesRooms(t *testing.T) {
	h := newHarness(t)
	holder, _ := h.newConn(t, "c-holder", "alice", "Alice")
	peer, peerWS := h.newConn(t, "c-peer", "bob", "Bob")

	h.d.Dispatch(context.Background(), holder, "room:join", mustMarshal(t, roomJoinPayload{RoomID: "lobby"}))
	h.d.Dispatch(context.Background(), peer, "room:join", mustMarshal(t, roomJoinPayload{RoomID: "lobby"}))

	key := lock.LockKey("resource", "doc-1", "page-1")
	require.Nil(t, h.locks.Acquire(key, holder.ConnectionID(), holder.UserID(), holder.Username()))
	require.NotNil(t, h.locks.Get(key))

	h.d.Disconnect(holder.ConnectionID())

	assert.Nil(t, h.locks.Get(key))
	assert.False(t, h.rooms.IsMember("lobby", holder.ConnectionID()))

	require.Eventually(t, func() bool {
		for _, f := range peerWS.frames(t) {
			if f.Event == "user_left" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// panicValidator blows up inside the handler, standing in for a programming
// error in a dependency.
type panicValidator struct{}

func (panicValidator) FindOne(_ context.Context, _, _ string) (*types.Resource, error) {
	panic("validator exploded")
}

func (panicValidator) IsResourceOpen(_ *types.Resource) bool { return true }

// TestDispatch_PanicIsRecovered: a panic inside a handler
// surfaces as a generic INTERNAL socket:error and the connection keeps
// working — it is never disconnected for an operational failure.
func TestDispatch_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	d := New(h.conns, h.rooms, h.locks, h.rl, panicValidator{}, h.cfg)
	conn, ws := h.newConn(t, "c1", "alice", "Alice")

	d.Dispatch(context.Background(), conn, "resource:join", mustMarshal(t, resourceJoinPayload{
		ResourceType: "resource",
		ResourceUUID: testResourceUUID,
	}))

	frame := waitForEvent(t, ws, "socket:error")
	var body struct {
		Category  string `json:"category"`
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	decodePayload(t, frame, &body)
	assert.Equal(t, "INTERNAL", body.Category)
	assert.Equal(t, "INTERNAL_ERROR", body.ErrorCode)
	assert.NotContains(t, body.Message, "validator exploded", "panic detail must not leak to the client")

	// The connection survives and the next event is served normally.
	d.Dispatch(context.Background(), conn, "room:join", mustMarshal(t, roomJoinPayload{RoomID: "lobby"}))
	waitForEvent(t, ws, "room:joined")
}

// TestDisconnect_PeersSeeConsistentRoster: after a disconnect, the
// presence:updated broadcast carries the post-removal roster.
func TestDisconnect_PeersSeeConsistentRoster(t *testing.T) {
	h := newHarness(t)
	leaver, _ := h.newConn(t, "c-leaver", "alice", "Alice")
	peer, peerWS := h.newConn(t, "c-peer", "bob", "Bob")

	h.d.Dispatch(context.Background(), leaver, "room:join", mustMarshal(t, roomJoinPayload{RoomID: "lobby"}))
	h.d.Dispatch(context.Background(), peer, "room:join", mustMarshal(t, roomJoinPayload{RoomID: "lobby"}))
	waitForEvent(t, peerWS, "room:joined")

	h.d.Disconnect(leaver.ConnectionID())

	require.Eventually(t, func() bool {
		for _, f := range peerWS.frames(t) {
			if f.Event != "presence:updated" {
				continue
			}
			var body struct {
				EventType string             `json:"eventType"`
				Users     []types.RoomMember `json:"users"`
			}
			decodePayload(t, f, &body)
			if body.EventType != "user_left" {
				continue
			}
			return len(body.Users) == 1 && body.Users[0].UserID == "bob"
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
