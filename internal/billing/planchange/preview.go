package planchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
)

type Preview struct {
	CurrentPrice    decimal.Decimal  `json:"currentPrice"`
	NewPrice        decimal.Decimal  `json:"newPrice"`
	ProrationAmount decimal.Decimal  `json:"prorationAmount"`
	IsUpgrade       bool             `json:"isUpgrade"`
	IsDowngrade     bool             `json:"isDowngrade"`
	ChangeType      model.ChangeType `json:"changeType"`
	EffectiveDate   time.Time        `json:"effectiveDate"`
	Estimated       bool             `json:"estimated"`
}

// Preview reports what ChangePlan would do without doing it. Failures other
// than bad input degrade to a pricing-only estimate.
func (s *Service) Preview(ctx context.Context, accountID int64, targetIDs []string) (*Preview, error) {
	target := normalize(targetIDs)
	if len(target) == 0 {
		return nil, apperror.InvalidArgument("select at least one subject")
	}

	preview, err := s.preview(ctx, accountID, target)
	if err == nil {
		return preview, nil
	}
	switch apperror.KindOf(err) {
	case apperror.KindInvalidArgument, apperror.KindNotFound, apperror.KindConflict:
		return nil, err
	}

	s.logger.Warn("preview degraded to estimate", "account_id", accountID, "error", err)
	return s.Estimate(len(target))
}

// Estimate prices count subjects with no knowledge of the current plan.
func (s *Service) Estimate(count int) (*Preview, error) {
	price, err := s.pricing.Price(count)
	if err != nil {
		return nil, err
	}
	return &Preview{
		CurrentPrice:    decimal.Zero,
		NewPrice:        price,
		ProrationAmount: decimal.Zero,
		EffectiveDate:   s.now().UTC(),
		Estimated:       true,
	}, nil
}

func (s *Service) preview(ctx context.Context, accountID int64, target []string) (*Preview, error) {
	var (
		st      state
		unknown []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		unknown, err = s.subjects.Unknown(gctx, target)
		return err
	})
	g.Go(func() error {
		var err error
		st.grants, err = s.grants.List(gctx, accountID)
		return err
	})
	g.Go(func() error {
		sub, err := s.subscriptions.GetByAccountID(gctx, accountID)
		if err != nil || sub == nil {
			return err
		}
		st.sub = sub
		st.pending, err = s.pending.GetOpen(gctx, sub.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load plan state: %w", err)
	}

	if len(unknown) > 0 {
		return nil, apperror.InvalidArgument("unknown subjects: " + strings.Join(unknown, ", "))
	}
	if st.sub == nil {
		return nil, apperror.NotFound("no subscription found")
	}

	p, err := classify(st.grants, target, st.pending)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	current := st.sub.CustomPrice
	preview := &Preview{
		CurrentPrice:    current,
		NewPrice:        current,
		ProrationAmount: decimal.Zero,
		ChangeType:      p.changeType,
		IsUpgrade:       p.changeType == model.ChangeUpgrade,
		IsDowngrade:     p.changeType == model.ChangeDowngrade,
		EffectiveDate:   now,
	}
	if p.changeType == model.ChangeNone || p.changeType == model.ChangeSwap {
		return preview, nil
	}

	next, err := s.pricing.Price(len(p.next))
	if err != nil {
		return nil, err
	}
	preview.NewPrice = next

	var start, end time.Time
	if st.sub.CurrentPeriodStart != nil {
		start = *st.sub.CurrentPeriodStart
	}
	if st.sub.CurrentPeriodEnd != nil {
		end = *st.sub.CurrentPeriodEnd
	}
	if preview.IsUpgrade {
		preview.ProrationAmount = Proration(current, next, start, end, now)
	}
	if preview.IsDowngrade && !end.IsZero() {
		preview.EffectiveDate = end
	}
	return preview, nil
}

// Proration is the charge for moving from current to next for the rest of the
// period. Price decreases are never credited.
func Proration(current, next decimal.Decimal, start, end, now time.Time) decimal.Decimal {
	if !next.GreaterThan(current) {
		return decimal.Zero
	}
	remaining := decimal.NewFromInt(1).Sub(PeriodProgress(start, end, now))
	return next.Sub(current).Mul(remaining).Round(2)
}

// PeriodProgress is the elapsed share of [start, end] at now, clamped to
// [0, 1]. An unknown or empty period counts as just started.
func PeriodProgress(start, end, now time.Time) decimal.Decimal {
	total := end.Sub(start)
	if start.IsZero() || total <= 0 {
		return decimal.Zero
	}
	progress := decimal.NewFromInt(int64(now.Sub(start))).Div(decimal.NewFromInt(int64(total)))
	switch {
	case progress.IsNegative():
		return decimal.Zero
	case progress.GreaterThan(decimal.NewFromInt(1)):
		return decimal.NewFromInt(1)
	}
	return progress
}
