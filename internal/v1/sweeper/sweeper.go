// Package sweeper implements the periodic activity sweep: log an inactivity
// warning for connections approaching LOCK_TTL and
// reap locks held by connections that have gone silent past LOCK_TTL. It
// scans snapshots rather than holding any room's or the lock manager's
// mutex across iterations, so it never contends with the hot path.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/lock"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
	"github.com/surgicollab/collab-gateway/internal/v1/room"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// Sweeper runs the periodic scan on a fixed interval until stopped.
type Sweeper struct {
	rooms *room.Registry
	locks *lock.Manager

	interval      time.Duration
	ttl           time.Duration
	warningBefore time.Duration

	now func() time.Time
}

// New builds a Sweeper. interval, ttl, and warningBefore are the
// config-resolved SweepInterval/LockTTL/WarningTime values.
func New(rooms *room.Registry, locks *lock.Manager, interval, ttl, warningBefore time.Duration) *Sweeper {
	return &Sweeper{
		rooms:         rooms,
		locks:         locks,
		interval:      interval,
		ttl:           ttl,
		warningBefore: warningBefore,
		now:           time.Now,
	}
}

// Run blocks, executing one sweep per interval, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce performs one full scan: classify every member
// across every room by inactivity window, log a warning for the ones in the
// warning window and reap locks held by the ones past LOCK_TTL. A connection
// present in multiple rooms is only timed out once, keyed by connection id.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := s.now()
	warnThreshold := s.ttl - s.warningBefore

	seenTimedOut := make(map[types.ConnectionIDType]bool)
	warned := 0
	timedOut := 0
	locksReleased := 0

	for _, snap := range s.rooms.AllRooms() {
		for _, member := range snap.Members {
			inactive := now.Sub(member.LastActivity)

			switch {
			case inactive >= s.ttl:
				if seenTimedOut[member.ConnectionID] {
					continue
				}
				seenTimedOut[member.ConnectionID] = true
				timedOut++
				released := s.locks.ReleaseInactivityTimeout(member.ConnectionID)
				locksReleased += len(released)
				if len(released) > 0 {
					logging.Info(ctx, "sweeper released locks for inactive connection",
						zap.String("connection_id", string(member.ConnectionID)),
						zap.Int("locks_released", len(released)),
						zap.Duration("inactive_for", inactive),
					)
				}
			case inactive >= warnThreshold:
				warned++
				logging.Info(ctx, "sweeper: connection approaching inactivity timeout",
					zap.String("connection_id", string(member.ConnectionID)),
					zap.String("room_id", string(snap.RoomID)),
					zap.Duration("inactive_for", inactive),
				)
			}
		}
	}

	if warned > 0 || timedOut > 0 {
		metrics.SweeperRuns.WithLabelValues("action").Inc()
		metrics.SweeperWarnings.Add(float64(warned))
		if locksReleased > 0 {
			metrics.SweeperLocksReleased.WithLabelValues("INACTIVITY_TIMEOUT").Add(float64(locksReleased))
		}
		logging.Info(ctx, "sweeper completed with action",
			zap.Int("warned", warned),
			zap.Int("timed_out", timedOut),
		)
	} else {
		metrics.SweeperRuns.WithLabelValues("idle").Inc()
	}
}
