package ratelimit

import (
	"sync"
	"time"

	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// VIOLATION_EXPIRY is how long a connection's violation counter survives
// without a new violation before it resets to zero.
const ViolationExpiry = 5 * time.Minute

// BanDuration is how long a banned connection is rejected before the ban
// lifts automatically.
const BanDuration = 5 * time.Minute

// Rule is the limit/window pair for one event name.
type Rule struct {
	Limit  int
	Window time.Duration
}

var defaultRule = Rule{Limit: 10, Window: time.Second}

var eventRules = map[string]Rule{
	"room:join":    {Limit: 2, Window: 5 * time.Second},
	"surgery:lock": {Limit: 5, Window: time.Second},
}

// RuleFor resolves the configured rule for an event name, falling back to
// the default {limit:10, window:1s}.
func RuleFor(event string) Rule {
	if r, ok := eventRules[event]; ok {
		return r
	}
	return defaultRule
}

// Penalty is the outcome of a single rate-limit check.
type Penalty int

const (
	// PenaltyNone means the event is allowed through.
	PenaltyNone Penalty = iota
	// PenaltyWarn means the event is rejected with a warning; the connection survives.
	PenaltyWarn
	// PenaltyDisconnect means the event is rejected with a warning and the connection
	// should be scheduled for disconnect after a brief flush delay.
	PenaltyDisconnect
	// PenaltyBan means the connection has just crossed the ban threshold: it
	// is registered as banned and should be disconnected.
	PenaltyBan
	// PenaltyDrop means the connection is inside an active ban window; the
	// event is rejected with rate_limit_exceeded and dropped, with no further
	// escalation.
	PenaltyDrop
)

// CheckResult carries everything the dispatcher needs to emit the
// appropriate rate_limit_exceeded / connection:banned payload.
type CheckResult struct {
	Penalty    Penalty
	Rule       Rule
	Violations int
	RetryAfter time.Duration
	BanReason  string
	BanUntil   time.Time
}

type violationState struct {
	count  int
	lastAt time.Time
}

type banState struct {
	until  time.Time
	reason string
}

type connectionState struct {
	mu         sync.Mutex
	windows    map[string][]time.Time
	violations violationState
	ban        *banState
}

// SocketLimiter is the per-connection, per-event-type sliding-window limiter
// guarding the dispatcher. One instance is shared process-wide; all state
// is keyed by connectionId so a reconnect under a new id starts clean (per
// the recorded open-question decision, see DESIGN.md).
type SocketLimiter struct {
	mu          sync.Mutex
	connections map[types.ConnectionIDType]*connectionState
	now         func() time.Time
}

// NewSocketLimiter builds an empty SocketLimiter.
func NewSocketLimiter() *SocketLimiter {
	return &SocketLimiter{
		connections: make(map[types.ConnectionIDType]*connectionState),
		now:         time.Now,
	}
}

func (l *SocketLimiter) stateFor(connID types.ConnectionIDType) *connectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.connections[connID]
	if !ok {
		cs = &connectionState{windows: make(map[string][]time.Time)}
		l.connections[connID] = cs
	}
	return cs
}

// Check runs the full ban-gate, window-scan, escalate-or-admit algorithm
// for one incoming event on one connection.
func (l *SocketLimiter) Check(connID types.ConnectionIDType, event string) CheckResult {
	rule := RuleFor(event)
	now := l.now()
	cs := l.stateFor(connID)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ban != nil {
		if now.Before(cs.ban.until) {
			metrics.RateLimitViolations.WithLabelValues(event).Inc()
			return CheckResult{
				Penalty:    PenaltyDrop,
				Rule:       rule,
				Violations: cs.violations.count,
				RetryAfter: cs.ban.until.Sub(now),
				BanReason:  cs.ban.reason,
				BanUntil:   cs.ban.until,
			}
		}
		cs.ban = nil
		cs.violations = violationState{}
	}

	if cs.violations.count > 0 && now.Sub(cs.violations.lastAt) > ViolationExpiry {
		cs.violations = violationState{}
	}

	window := cs.windows[event]
	cutoff := now.Add(-rule.Window)
	fresh := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			fresh = append(fresh, ts)
		}
	}

	if len(fresh) >= rule.Limit {
		cs.violations.count++
		cs.violations.lastAt = now
		cs.windows[event] = fresh
		metrics.RateLimitViolations.WithLabelValues(event).Inc()

		result := CheckResult{Rule: rule, Violations: cs.violations.count, RetryAfter: rule.Window}

		switch {
		case cs.violations.count >= 5:
			until := now.Add(BanDuration)
			cs.ban = &banState{until: until, reason: "RATE_LIMIT_ABUSE"}
			metrics.RateLimitBans.WithLabelValues("RATE_LIMIT_ABUSE").Inc()
			result.Penalty = PenaltyBan
			result.BanReason = "RATE_LIMIT_ABUSE"
			result.BanUntil = until
		case cs.violations.count >= 3:
			result.Penalty = PenaltyDisconnect
		default:
			result.Penalty = PenaltyWarn
		}
		return result
	}

	cs.windows[event] = append(fresh, now)
	return CheckResult{Penalty: PenaltyNone, Rule: rule, Violations: cs.violations.count}
}

// Disconnect drops the sliding-window state for a connection. Violations and
// bans are retained deliberately so a reconnecting abuser under the SAME
// connection id stays penalized; a fresh connection id starts clean (see
// DESIGN.md's recorded decision).
func (l *SocketLimiter) Disconnect(connID types.ConnectionIDType) {
	l.mu.Lock()
	cs, ok := l.connections[connID]
	l.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.windows = make(map[string][]time.Time)
	stillPenalized := cs.ban != nil || cs.violations.count > 0
	cs.mu.Unlock()

	if !stillPenalized {
		l.mu.Lock()
		delete(l.connections, connID)
		l.mu.Unlock()
	}
}
