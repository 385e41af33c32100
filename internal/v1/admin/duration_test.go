package admin

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0d 0h 0m 0s"},
		{42 * time.Second, "0d 0h 0m 42s"},
		{90 * time.Minute, "0d 1h 30m 0s"},
		{26*time.Hour + 3*time.Minute + 5*time.Second, "1d 2h 3m 5s"},
		{-time.Minute, "0d 0h 0m 0s"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, formatDuration(c.in), "formatDuration(%v)", c.in)
	}
}

func TestAggregationSockets(t *testing.T) {
	h := fixture(t)
	w, body := doGet(h.AggregationSockets)
	require.Equal(t, http.StatusOK, w.Code)

	sockets := body["sockets"].([]any)
	require.Len(t, sockets, 1)
	s := sockets[0].(map[string]any)
	assert.Equal(t, "conn-1", s["connectionId"])
	assert.Equal(t, "test-agent", s["userAgent"])
	assert.NotEmpty(t, s["uptime"])
}

func TestAggregationRoomsAndUsers_MirrorTheSnapshots(t *testing.T) {
	h := fixture(t)

	w, body := doGet(h.AggregationRooms)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["rooms"].([]any), 1)

	w, body = doGet(h.AggregationUsers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["users"].([]any), 1)
}
