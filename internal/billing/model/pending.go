package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
	ChangeSwap      ChangeType = "swap"
	ChangeNone      ChangeType = "no_change"
)

type Timing string

const (
	TimingImmediate  Timing = "immediate"
	TimingNextPeriod Timing = "next_period"
)

// ParseTiming accepts an empty string, meaning the caller left timing to the
// change type.
func ParseTiming(s string) (Timing, error) {
	switch Timing(s) {
	case "", TimingImmediate, TimingNextPeriod:
		return Timing(s), nil
	}
	return "", fmt.Errorf("unknown timing %q", s)
}

// PendingStatus is the state of a deferred plan change. A change starts
// pending and moves once to applied, cancelled or failed.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "pending"
	PendingApplied   PendingStatus = "applied"
	PendingCancelled PendingStatus = "cancelled"
	PendingFailed    PendingStatus = "failed"
)

var pendingTransitions = map[PendingStatus][]PendingStatus{
	PendingOpen:      {PendingApplied, PendingCancelled, PendingFailed},
	PendingApplied:   {},
	PendingCancelled: {},
	PendingFailed:    {},
}

func (s PendingStatus) Valid() bool {
	_, ok := pendingTransitions[s]
	return ok
}

func (s PendingStatus) IsTerminal() bool {
	return s.Valid() && len(pendingTransitions[s]) == 0
}

func (s PendingStatus) CanTransitionTo(target PendingStatus) bool {
	for _, allowed := range pendingTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a pending change is moved out of a
// terminal state.
type ErrInvalidTransition struct {
	From, To PendingStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid pending change transition %s -> %s", e.From, e.To)
}

type PendingChange struct {
	ID                 string          `json:"id"`
	SubscriptionID     int64           `json:"subscription_id"`
	ChangeType         ChangeType      `json:"change_type"`
	Timing             Timing          `json:"timing"`
	TargetSubjectIDs   []string        `json:"target_subject_ids"`
	TargetSubjectCount int             `json:"target_subject_count"`
	TargetPrice        decimal.Decimal `json:"target_price"`
	ScheduledDate      time.Time       `json:"scheduled_date"`
	Status             PendingStatus   `json:"status"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	AppliedAt          *time.Time      `json:"applied_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Transition moves the change to target, or reports why it cannot.
func (p *PendingChange) Transition(target PendingStatus) error {
	if !p.Status.CanTransitionTo(target) {
		return &ErrInvalidTransition{From: p.Status, To: target}
	}
	p.Status = target
	return nil
}
