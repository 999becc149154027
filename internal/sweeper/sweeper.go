// Package sweeper runs the periodic session housekeeping: TTL expiry and
// proactive check-ins for idle connected sessions.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/realtime"
	cronlib "github.com/robfig/cron/v3"
)

const (
	nudgeText     = "Are you still there? Let me know whenever you're ready to continue."
	nudgeStepText = "Are you still there? When you're ready, the next step is: "
)

// Store is the session state the sweeper reads and deletes.
type Store interface {
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error)
}

// Connections is the live connection registry.
type Connections interface {
	Send(ctx context.Context, sessionID string, out domain.OutboundFrame) error
	Close(sessionID string, reason realtime.CloseReason)
}

// Options configure a Sweeper.
type Options struct {
	TTL       time.Duration
	IdleAfter time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
}

// Sweeper expires sessions and nudges idle ones on a cron schedule.
type Sweeper struct {
	store  Store
	conns  Connections
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	scheduler *cronlib.Cron

	mu sync.Mutex
	// nudged maps a session to the last-interaction time it was nudged for, so
	// each idle period gets one check-in.
	nudged map[string]time.Time
}

// New creates a Sweeper.
func New(store Store, conns Connections, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		conns:  conns,
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		nudged: make(map[string]time.Time),
	}
}

// Start schedules the sweep. Runs never overlap; Stop waits for a sweep in
// progress.
func (s *Sweeper) Start(ctx context.Context) error {
	s.scheduler = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := s.scheduler.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.scheduler.Start()
	s.logger.Info("Session sweeper started", "interval", s.opts.Interval, "ttl", s.opts.TTL, "idle_after", s.opts.IdleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.scheduler == nil {
		return
	}
	<-s.scheduler.Stop().Done()
	s.logger.Info("Session sweeper stopped")
}

// Sweep runs one expiry and nudge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.expire(ctx)
	s.nudge(ctx)
}

func (s *Sweeper) expire(ctx context.Context) {
	if s.opts.TTL <= 0 {
		return
	}
	expired, err := s.store.DeleteExpiredSessions(ctx, s.opts.TTL)
	if err != nil {
		s.logger.Error("Sweeper failed to delete expired sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.nudged, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.conns.Close(id, realtime.CloseExpired)
	}
	s.logger.Info("Sweeper expired sessions", "count", len(expired))
}

func (s *Sweeper) nudge(ctx context.Context) {
	if s.opts.IdleAfter <= 0 {
		return
	}
	idle, err := s.store.ListIdleSessions(ctx, s.opts.IdleAfter)
	if err != nil {
		s.logger.Error("Sweeper failed to list idle sessions", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(idle))
	for _, sess := range idle {
		seen[sess.ID] = struct{}{}
		if at, ok := s.nudged[sess.ID]; ok && at.Equal(sess.LastInteraction) {
			continue
		}

		out := domain.OutboundFrame{
			Kind:      domain.ResponseProactive,
			Content:   nudgeText,
			SessionID: sess.ID,
			Timestamp: s.now().UTC(),
		}
		if step := sess.CurrentStep(); step != "" {
			out.Content = nudgeStepText + step + "."
		}
		if err := s.conns.Send(ctx, sess.ID, out); err != nil {
			s.logger.Debug("Sweeper could not nudge session", "session_id", sess.ID, "error", err)
			continue
		}
		s.nudged[sess.ID] = sess.LastInteraction
		s.logger.Info("Sent idle check-in", "session_id", sess.ID, "idle_since", sess.LastInteraction)
	}

	for id := range s.nudged {
		if _, ok := seen[id]; !ok {
			delete(s.nudged, id)
		}
	}
}
