package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/transport"
)

// handleHeartbeat implements user:heartbeat: it touches every
// room the connection belongs to with the reported (or server) timestamp so
// the activity sweeper sees it as alive. A malformed payload is logged, not
// surfaced to the client; heartbeats never fail.
func handleHeartbeat(ctx context.Context, d *Dispatcher, conn *transport.Conn, payload json.RawMessage) *gatewayerr.Error {
	var p heartbeatPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			logging.Warn(ctx, "malformed user:heartbeat payload", zap.String("connection_id", string(conn.ConnectionID())), zap.Error(err))
			return nil
		}
	}

	ts := time.Now()
	if p.LastActivity != nil {
		ts = *p.LastActivity
	}
	for _, roomID := range d.rooms.RoomsOf(conn.ConnectionID()) {
		d.rooms.Touch(roomID, conn.ConnectionID(), ts)
	}
	return nil
}
