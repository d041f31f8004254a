package planchange

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
)

// Projection merges what an account has now with what it will have after its
// pending change applies.
type Projection struct {
	CurrentSubjects []string        `json:"currentSubjects"`
	CurrentCount    int             `json:"currentCount"`
	NextSubjects    []string        `json:"nextSubjects"`
	NextCount       int             `json:"nextCount"`
	NextPrice       decimal.Decimal `json:"nextPrice"`
	EffectiveDate   *time.Time      `json:"effectiveDate,omitempty"`
	PendingChangeID string          `json:"pendingChangeId,omitempty"`
}

func ProjectState(sub *model.Subscription, grants []string, pending *model.PendingChange, calc *pricing.Calculator) Projection {
	current := slices.Clone(grants)
	if current == nil {
		current = []string{}
	}
	slices.Sort(current)

	p := Projection{
		CurrentSubjects: current,
		CurrentCount:    len(current),
		NextSubjects:    current,
		NextCount:       len(current),
	}

	if pending != nil && pending.Status == model.PendingOpen {
		next := normalize(pending.TargetSubjectIDs)
		effective := pending.ScheduledDate
		p.NextSubjects = next
		p.NextCount = len(next)
		p.NextPrice = pending.TargetPrice
		p.EffectiveDate = &effective
		p.PendingChangeID = pending.ID
		return p
	}

	if sub != nil {
		p.NextPrice = sub.CustomPrice
		return p
	}
	p.NextPrice = calc.MustPrice(len(current))
	return p
}

// AccountView is everything the account page shows about billing.
type AccountView struct {
	Subscription  *model.Subscription  `json:"subscription"`
	PendingChange *model.PendingChange `json:"pendingChange,omitempty"`
	Projection    Projection           `json:"projection"`
}

func (s *Service) View(ctx context.Context, accountID int64) (*AccountView, error) {
	sub, err := s.subscriptions.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	grants, err := s.grants.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	var pending *model.PendingChange
	if sub != nil {
		pending, err = s.pending.GetOpen(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("load pending change: %w", err)
		}
	}

	return &AccountView{
		Subscription:  sub,
		PendingChange: pending,
		Projection:    ProjectState(sub, grants, pending, s.pricing),
	}, nil
}
