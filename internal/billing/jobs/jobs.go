// Package jobs runs the billing service's periodic maintenance on a cron
// schedule.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/studyplan/internal/billing/model"
)

type SessionCleaner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type EventPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type LimiterCleaner interface {
	Cleanup()
}

type OverdueLister interface {
	Overdue(ctx context.Context, now time.Time) ([]model.PendingChange, error)
}

type OverdueGauge interface {
	SetOverduePending(n int)
}

type Config struct {
	SessionCleanup string
	PendingSweep   string
	EventRetention time.Duration
}

// Scheduler owns the cron runner and the stores its jobs touch.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	sessions SessionCleaner
	events   EventPruner
	limiter  LimiterCleaner
	overdue  OverdueLister
	gauge    OverdueGauge
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

func WithLimiter(l LimiterCleaner) Option { return func(s *Scheduler) { s.limiter = l } }
func WithGauge(g OverdueGauge) Option { return func(s *Scheduler) { s.gauge = g } }
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(cfg Config, sessions SessionCleaner, events EventPruner, overdue OverdueLister, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		overdue:  overdue,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "jobs")
	return s
}

// Register adds every job to the cron runner. It fails on a bad schedule.
func (s *Scheduler) Register(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SessionCleanup, func() { s.Cleanup(ctx) }); err != nil {
		return fmt.Errorf("schedule session cleanup %q: %w", s.cfg.SessionCleanup, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.PendingSweep, func() { s.SweepOverdue(ctx) }); err != nil {
		return fmt.Errorf("schedule pending sweep %q: %w", s.cfg.PendingSweep, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Cleanup removes expired sessions, stale rate-limit buckets and old
// processed-event records.
func (s *Scheduler) Cleanup(ctx context.Context) {
	if n, err := s.sessions.DeleteExpired(ctx); err != nil {
		s.logger.Error("cleanup expired sessions", "error", err)
	} else if n > 0 {
		s.logger.Info("cleaned up expired sessions", "count", n)
	}

	if s.limiter != nil {
		s.limiter.Cleanup()
	}

	if s.cfg.EventRetention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.EventRetention)
	if n, err := s.events.DeleteBefore(ctx, cutoff); err != nil {
		s.logger.Error("prune processed webhook events", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned processed webhook events", "count", n, "before", cutoff)
	}
}

// SweepOverdue reports open pending changes whose renewal has passed without
// being applied. Applying them is left to `billing reconcile`.
func (s *Scheduler) SweepOverdue(ctx context.Context) int {
	changes, err := s.overdue.Overdue(ctx, s.now())
	if err != nil {
		s.logger.Error("list overdue pending changes", "error", err)
		return 0
	}
	if s.gauge != nil {
		s.gauge.SetOverduePending(len(changes))
	}
	for _, pc := range changes {
		s.logger.Warn("pending change overdue",
			"pending_change_id", pc.ID,
			"subscription_id", pc.SubscriptionID,
			"scheduled_date", pc.ScheduledDate,
		)
	}
	return len(changes)
}
