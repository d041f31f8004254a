package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/studyplan/internal/billing/model"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	calls int
	err   error
}

func (f *fakeSessions) DeleteExpired(context.Context) (int64, error) {
	f.calls++
	return 2, f.err
}

type fakeEvents struct {
	cutoffs []time.Time
}

func (f *fakeEvents) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, nil
}

type fakeLimiter struct{ calls int }

func (f *fakeLimiter) Cleanup() { f.calls++ }

type fakeOverdue struct {
	changes []model.PendingChange
	err     error
	asked   time.Time
}

func (f *fakeOverdue) Overdue(_ context.Context, at time.Time) ([]model.PendingChange, error) {
	f.asked = at
	return f.changes, f.err
}

type fakeGauge struct{ value int }

func (f *fakeGauge) SetOverduePending(n int) { f.value = n }

func newScheduler(cfg Config) (*Scheduler, *fakeSessions, *fakeEvents, *fakeLimiter, *fakeOverdue, *fakeGauge) {
	sessions := &fakeSessions{}
	events := &fakeEvents{}
	limiter := &fakeLimiter{}
	overdue := &fakeOverdue{}
	gauge := &fakeGauge{value: -1}
	s := New(cfg, sessions, events, overdue,
		WithLimiter(limiter),
		WithGauge(gauge),
		WithClock(func() time.Time { return now }),
	)
	return s, sessions, events, limiter, overdue, gauge
}

func TestCleanup(t *testing.T) {
	s, sessions, events, limiter, _, _ := newScheduler(Config{EventRetention: 24 * time.Hour})

	s.Cleanup(context.Background())

	assert.Equal(t, 1, sessions.calls)
	assert.Equal(t, 1, limiter.calls)
	require.Len(t, events.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), events.cutoffs[0])
}

func TestCleanupContinuesAfterSessionError(t *testing.T) {
	s, sessions, events, limiter, _, _ := newScheduler(Config{})
	sessions.err = errors.New("database is locked")

	s.Cleanup(context.Background())

	assert.Equal(t, 1, limiter.calls)
	assert.Empty(t, events.cutoffs, "zero retention keeps every event")
}

func TestSweepOverdue(t *testing.T) {
	s, _, _, _, overdue, gauge := newScheduler(Config{})
	overdue.changes = []model.PendingChange{
		{ID: "a", SubscriptionID: 1, ScheduledDate: now.Add(-time.Hour)},
		{ID: "b", SubscriptionID: 2, ScheduledDate: now.Add(-2 * time.Hour)},
	}

	assert.Equal(t, 2, s.SweepOverdue(context.Background()))
	assert.Equal(t, 2, gauge.value)
	assert.Equal(t, now, overdue.asked)

	overdue.changes = nil
	assert.Equal(t, 0, s.SweepOverdue(context.Background()))
	assert.Equal(t, 0, gauge.value)
}

func TestSweepOverdueErrorLeavesGauge(t *testing.T) {
	s, _, _, _, overdue, gauge := newScheduler(Config{})
	overdue.err = errors.New("no such table")

	assert.Equal(t, 0, s.SweepOverdue(context.Background()))
	assert.Equal(t, -1, gauge.value)
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s, _, _, _, _, _ := newScheduler(Config{SessionCleanup: "@hourly", PendingSweep: "not a schedule"})
	assert.Error(t, s.Register(context.Background()))

	s, _, _, _, _, _ = newScheduler(Config{SessionCleanup: "@hourly", PendingSweep: "@every 15m"})
	require.NoError(t, s.Register(context.Background()))
	assert.Len(t, s.cron.Entries(), 2)
}

func TestRunStopsWithContext(t *testing.T) {
	s, _, _, _, _, _ := newScheduler(Config{SessionCleanup: "@hourly", PendingSweep: "@every 15m"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
