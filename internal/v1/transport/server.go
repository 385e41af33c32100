package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/auth"
	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/connection"
	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// rejectFlushDelay is the pause between writing a handshake rejection frame
// and closing the socket, so the client reads the reason before the close.
const rejectFlushDelay = 100 * time.Millisecond

// Server is the HTTP/WebSocket front door: it checks origin, upgrades,
// authenticates, admits against the per-user connection cap, and starts a
// Conn's pumps.
type Server struct {
	validator  auth.Validator
	conns      *connection.Registry
	dispatcher Dispatcher

	allowedOrigins []string
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// NewServer builds a Server. pongTimeout should comfortably exceed
// cfg.PingInterval; a single missed pong within one interval is not itself
// fatal.
func NewServer(validator auth.Validator, conns *connection.Registry, dispatcher Dispatcher, cfg *config.Config) *Server {
	return &Server{
		validator:      validator,
		conns:          conns,
		dispatcher:     dispatcher,
		allowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PingTimeout,
	}
}

func (s *Server) validateOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
		if allowedURL, err := url.Parse(allowed); err == nil && allowedURL.Host == originURL.Host && allowedURL.Scheme == originURL.Scheme {
			return true
		}
	}
	return false
}

// ServeWs upgrades the request to a WebSocket, authenticates the bearer
// token, checks the per-user connection cap, and starts the connection's
// pumps. The handshake outcome is always delivered over the socket itself:
// authenticated{success:true, user} (+ connection:warning
// at ≥80% of the cap) on admit; authenticated{success:false, error} or
// connection:rejected followed by a flush-delayed close otherwise.
func (s *Server) ServeWs(c *gin.Context) {
	if !s.validateOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "ORIGIN_NOT_ALLOWED"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return s.validateOrigin(r) },
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	token := extractToken(c.Request)
	user, gwErr := s.validator.ValidateToken(token)
	if gwErr != nil {
		metrics.ConnectionsRejected.WithLabelValues(gwErr.Code).Inc()
		rejectAndClose(ws, "authenticated", map[string]any{
			"success": false,
			"error":   gwErr.Code,
			"message": gwErr.Message,
		})
		return
	}

	connID := types.ConnectionIDType(uuid.NewString())
	conn := NewConn(ws, connID, user, s.dispatcher, s.pingInterval, s.pongTimeout)

	meta := types.ConnectionMetadata{
		RemoteAddr:  c.Request.RemoteAddr,
		UserAgent:   c.Request.UserAgent(),
		ConnectedAt: time.Now(),
	}

	// Check-and-insert under one registry lock: two concurrent handshakes
	// for the same user must never both slip past the cap.
	decision := s.conns.AdmitIfUnderCap(connID, conn, user, meta)
	if !decision.Admitted {
		metrics.ConnectionsRejected.WithLabelValues(gatewayerr.CodeMaxConnectionsExceeded).Inc()
		rejectAndClose(ws, "connection:rejected", map[string]any{
			"reason":     gatewayerr.CodeMaxConnectionsExceeded,
			"limit":      decision.Limit,
			"current":    decision.CurrentCount,
			"retryAfter": 5000,
		})
		return
	}

	conn.Send("authenticated", map[string]any{
		"success":      true,
		"connectionId": connID,
		"user":         user,
	})
	if decision.Warn {
		conn.Send("connection:warning", map[string]any{
			"limit":          decision.Limit,
			"current":        decision.CurrentCount,
			"percentageUsed": decision.PercentageUsed,
		})
	}

	go conn.WritePump()
	go conn.ReadPump(c.Request.Context(), func() {
		if d, ok := s.dispatcher.(Disconnecter); ok {
			d.Disconnect(connID)
		}
		s.conns.Remove(connID)
	})
}

// rejectAndClose writes a single framed event on a just-upgraded socket,
// waits briefly so the client can read it, and closes. Used only for
// handshake rejections, before a Conn and its pumps exist.
func rejectAndClose(ws *websocket.Conn, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err == nil {
		if frame, err := json.Marshal(Frame{Event: event, Payload: raw}); err == nil {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.TextMessage, frame)
		}
	}
	time.Sleep(rejectFlushDelay)
	ws.WriteMessage(websocket.CloseMessage, []byte{})
	ws.Close()
}

// extractToken pulls the bearer token from the handshake: the "auth.token"
// query parameter, falling back to a standard Authorization header.
func extractToken(r *http.Request) string {
	if tok := r.URL.Query().Get("auth.token"); tok != "" {
		return tok
	}
	authHeader := r.Header.Get("Authorization")
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// BroadcastShutdown notifies every admitted connection that the server is
// going away, as the first step of graceful shutdown.
func (s *Server) BroadcastShutdown(message string, reconnectIn time.Duration) {
	for _, entry := range s.conns.Snapshot() {
		entry.Sender.Send("server:shutdown", map[string]any{
			"message":     message,
			"reconnectIn": reconnectIn.Seconds(),
		})
	}
}
