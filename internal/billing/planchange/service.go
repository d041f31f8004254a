// Package planchange orchestrates changes to the set of subjects an account
// pays for. Stripe is always updated first; local state is written only after
// Stripe confirms, in a single transaction guarded by the subscription version.
package planchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/lock"
	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
	"github.com/dukerupert/studyplan/internal/billing/store"
	"github.com/dukerupert/studyplan/internal/billing/stripe"
	"github.com/dukerupert/studyplan/internal/websocket"
)

// Provider is the part of the billing provider the orchestrator drives.
type Provider interface {
	UpdateLineItems(ctx context.Context, subscriptionID string, items []pricing.LineItem, proration stripe.Proration) (*stripe.UpdateResult, error)
	PayInvoice(ctx context.Context, invoiceID string) (*stripe.PaymentResult, error)
}

type Recorder interface {
	PlanChange(operation, changeType string, err error)
}

type Notifier interface {
	Publish(accountID int64, msg websocket.Message)
}

type nopRecorder struct{}

func (nopRecorder) PlanChange(string, string, error) {}

type nopNotifier struct{}

func (nopNotifier) Publish(int64, websocket.Message) {}

type Service struct {
	db            *sql.DB
	subscriptions *store.SubscriptionStore
	grants        *store.GrantStore
	pending       *store.PendingChangeStore
	subjects      *store.SubjectStore
	pricing       *pricing.Calculator
	provider      Provider
	locker        lock.Locker
	recorder      Recorder
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(db *sql.DB, calc *pricing.Calculator, provider Provider, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		db:            db,
		subscriptions: store.NewSubscriptionStore(db),
		grants:        store.NewGrantStore(db),
		pending:       store.NewPendingChangeStore(db),
		subjects:      store.NewSubjectStore(db),
		pricing:       calc,
		provider:      provider,
		locker:        locker,
		recorder:      nopRecorder{},
		notifier:      nopNotifier{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "planchange")
	return s
}

// ChangeResult is returned by ChangePlan and ModifyPendingChange.
type ChangeResult struct {
	Success               bool             `json:"success"`
	Message               string           `json:"message"`
	ChangeType            model.ChangeType `json:"changeType"`
	NewSubjectCount       int              `json:"newSubjectCount"`
	NewPrice              decimal.Decimal  `json:"newPrice"`
	ImmediateChargeAmount *decimal.Decimal `json:"immediateChargeAmount,omitempty"`
	ChargedImmediately    *bool            `json:"chargedImmediately,omitempty"`
	InvoiceID             string           `json:"invoiceId,omitempty"`
	SubscriptionID        string           `json:"subscriptionId"`
	PendingChangeID       string           `json:"pendingChangeId,omitempty"`
	EffectiveDate         time.Time        `json:"effectiveDate"`
}

// state is what the account holds when a change starts.
type state struct {
	sub     *model.Subscription
	grants  []string
	pending *model.PendingChange
}

// ChangePlan moves the account to targetIDs. Upgrades and swaps take effect
// now; downgrades are recorded as a pending change applied at period end.
func (s *Service) ChangePlan(ctx context.Context, accountID int64, targetIDs []string, timing model.Timing) (result *ChangeResult, err error) {
	changeType := ""
	defer func() { s.recorder.PlanChange("change", changeType, err) }()

	target, err := s.validateTarget(ctx, targetIDs)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, release)

	st, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := checkChangeable(st.sub); err != nil {
		return nil, err
	}

	p, err := classify(st.grants, target, st.pending)
	if err != nil {
		return nil, err
	}
	changeType = string(p.changeType)
	if err := checkTiming(p.changeType, timing); err != nil {
		return nil, err
	}

	switch p.changeType {
	case model.ChangeUpgrade:
		return s.upgrade(ctx, st, p)
	case model.ChangeSwap:
		return s.swap(ctx, st, p)
	case model.ChangeDowngrade:
		return s.downgrade(ctx, st, p)
	default:
		return nil, apperror.Conflict("your plan already includes exactly these subjects")
	}
}

func (s *Service) upgrade(ctx context.Context, st *state, p plan) (*ChangeResult, error) {
	count := len(p.next)
	price, items, err := s.quote(count)
	if err != nil {
		return nil, err
	}
	stripeSubID := *st.sub.StripeSubscriptionID

	update, err := s.provider.UpdateLineItems(ctx, stripeSubID, items, stripe.ProrationAlwaysInvoice)
	if err != nil {
		return nil, apperror.External("stripe", err)
	}

	charged := update.InvoiceStatus == "paid"
	if update.InvoiceID != "" && update.InvoiceStatus == "open" && update.AmountDue > 0 {
		payment, err := s.provider.PayInvoice(ctx, update.InvoiceID)
		switch {
		case err != nil:
			s.logger.Warn("proration invoice payment failed",
				"account_id", st.sub.AccountID, "invoice_id", update.InvoiceID, "error", err)
		case !payment.Paid:
			s.logger.Info("proration invoice not paid",
				"account_id", st.sub.AccountID, "invoice_id", update.InvoiceID, "reason", payment.FailureReason)
		default:
			charged = true
		}
	}

	err = store.RunInTx(ctx, s.db, func(tx *store.Tx) error {
		if err := tx.Grants.Replace(ctx, st.sub.AccountID, p.grants); err != nil {
			return err
		}
		if st.pending != nil {
			st.pending.TargetSubjectIDs = p.next
			st.pending.TargetSubjectCount = count
			st.pending.TargetPrice = price
			if err := tx.PendingChanges.ReplaceTarget(ctx, st.pending); err != nil {
				return err
			}
		}
		return tx.Subscriptions.UpdatePlan(ctx, st.sub.ID, st.sub.Version, count, price)
	})
	if err != nil {
		if charged {
			s.logger.Error("proration invoice paid for an upgrade that was not saved",
				"account_id", st.sub.AccountID, "invoice_id", update.InvoiceID)
		}
		return nil, s.localWriteFailed(ctx, st, "upgrade", err)
	}

	s.logger.Info("plan upgraded",
		"account_id", st.sub.AccountID, "subjects", len(p.grants), "next_count", count, "charged", charged)
	s.publish(st, model.ChangeUpgrade, count)

	amount := decimal.New(update.AmountDue, -2)
	result := &ChangeResult{
		Success:               true,
		Message:               fmt.Sprintf("Your plan now includes %d subjects.", len(p.grants)),
		ChangeType:            model.ChangeUpgrade,
		NewSubjectCount:       count,
		NewPrice:              price,
		ImmediateChargeAmount: &amount,
		ChargedImmediately:    &charged,
		InvoiceID:             update.InvoiceID,
		SubscriptionID:        stripeSubID,
		EffectiveDate:         s.now().UTC(),
	}
	if st.pending != nil {
		result.PendingChangeID = st.pending.ID
	}
	return result, nil
}

// swap exchanges subjects without changing the count, so Stripe is not involved.
func (s *Service) swap(ctx context.Context, st *state, p plan) (*ChangeResult, error) {
	err := store.RunInTx(ctx, s.db, func(tx *store.Tx) error {
		if err := tx.Grants.Replace(ctx, st.sub.AccountID, p.grants); err != nil {
			return err
		}
		return tx.Subscriptions.UpdatePlan(ctx, st.sub.ID, st.sub.Version, st.sub.SubjectCount, st.sub.CustomPrice)
	})
	if err != nil {
		return nil, saveFailed("swap", err)
	}

	s.logger.Info("subjects swapped", "account_id", st.sub.AccountID, "subjects", strings.Join(p.grants, ","))
	s.publish(st, model.ChangeSwap, st.sub.SubjectCount)

	return &ChangeResult{
		Success:         true,
		Message:         "Your subjects have been updated.",
		ChangeType:      model.ChangeSwap,
		NewSubjectCount: st.sub.SubjectCount,
		NewPrice:        st.sub.CustomPrice,
		SubscriptionID:  *st.sub.StripeSubscriptionID,
		EffectiveDate:   s.now().UTC(),
	}, nil
}

// downgrade reprices Stripe for the next period and records the pending
// change. Grants stay as they are until the change is applied.
func (s *Service) downgrade(ctx context.Context, st *state, p plan) (*ChangeResult, error) {
	count := len(p.next)
	price, items, err := s.quote(count)
	if err != nil {
		return nil, err
	}
	stripeSubID := *st.sub.StripeSubscriptionID
	effective := *st.sub.CurrentPeriodEnd

	if _, err := s.provider.UpdateLineItems(ctx, stripeSubID, items, stripe.ProrationNone); err != nil {
		return nil, apperror.External("stripe", err)
	}

	var pendingID string
	err = store.RunInTx(ctx, s.db, func(tx *store.Tx) error {
		if st.pending != nil {
			st.pending.TargetSubjectIDs = p.next
			st.pending.TargetSubjectCount = count
			st.pending.TargetPrice = price
			st.pending.ScheduledDate = effective
			if err := tx.PendingChanges.ReplaceTarget(ctx, st.pending); err != nil {
				return err
			}
			pendingID = st.pending.ID
		} else {
			created, err := tx.PendingChanges.Create(ctx, &model.PendingChange{
				SubscriptionID:     st.sub.ID,
				ChangeType:         model.ChangeDowngrade,
				Timing:             model.TimingNextPeriod,
				TargetSubjectIDs:   p.next,
				TargetSubjectCount: count,
				TargetPrice:        price,
				ScheduledDate:      effective,
			})
			if err != nil {
				return err
			}
			pendingID = created.ID
		}
		return tx.Subscriptions.UpdatePlan(ctx, st.sub.ID, st.sub.Version, count, price)
	})
	if err != nil {
		return nil, s.localWriteFailed(ctx, st, "downgrade", err)
	}

	s.logger.Info("downgrade scheduled",
		"account_id", st.sub.AccountID, "pending_change_id", pendingID, "next_count", count, "effective", effective)
	s.publish(st, model.ChangeDowngrade, count)

	return &ChangeResult{
		Success:         true,
		Message:         fmt.Sprintf("Your plan will change to %d subjects on %s.", count, effective.Format("January 2, 2006")),
		ChangeType:      model.ChangeDowngrade,
		NewSubjectCount: count,
		NewPrice:        price,
		SubscriptionID:  stripeSubID,
		PendingChangeID: pendingID,
		EffectiveDate:   effective,
	}, nil
}

func (s *Service) validateTarget(ctx context.Context, ids []string) ([]string, error) {
	target := normalize(ids)
	if len(target) == 0 {
		return nil, apperror.InvalidArgument("select at least one subject")
	}
	unknown, err := s.subjects.Unknown(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("validate subjects: %w", err)
	}
	if len(unknown) > 0 {
		return nil, apperror.InvalidArgument("unknown subjects: " + strings.Join(unknown, ", "))
	}
	return target, nil
}

func (s *Service) load(ctx context.Context, accountID int64) (*state, error) {
	sub, err := s.subscriptions.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, apperror.NotFound("no subscription found")
	}
	grants, err := s.grants.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	pending, err := s.pending.GetOpen(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("load pending change: %w", err)
	}
	return &state{sub: sub, grants: grants, pending: pending}, nil
}

func checkChangeable(sub *model.Subscription) error {
	if !sub.Status.CanChangePlan() {
		return apperror.Conflict(fmt.Sprintf("subscription is %s and cannot be changed", sub.Status))
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		return apperror.Conflict("subscription is not linked to Stripe yet")
	}
	if sub.CurrentPeriodEnd == nil {
		return apperror.Conflict("subscription has no billing period yet")
	}
	return nil
}

func (s *Service) quote(count int) (decimal.Decimal, []pricing.LineItem, error) {
	price, err := s.pricing.Price(count)
	if err != nil {
		return decimal.Zero, nil, err
	}
	items, err := s.pricing.LineItems(count)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return price, items, nil
}

func (s *Service) acquire(ctx context.Context, accountID int64) (lock.Release, error) {
	release, err := s.locker.TryAcquire(ctx, lock.Key(accountID))
	if errors.Is(err, lock.ErrHeld) {
		return nil, apperror.Conflict("another plan change is in progress")
	}
	if err != nil {
		return nil, fmt.Errorf("acquire plan change lock: %w", err)
	}
	return release, nil
}

func (s *Service) release(ctx context.Context, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("release plan change lock", "error", err)
	}
}

// localWriteFailed handles a local write that failed after Stripe accepted the
// change. Stripe is put back on the count the subscription row still bills;
// if that fails too, the two disagree until someone reconciles by hand.
func (s *Service) localWriteFailed(ctx context.Context, st *state, op string, err error) error {
	stripeSubID := ""
	if st.sub.StripeSubscriptionID != nil {
		stripeSubID = *st.sub.StripeSubscriptionID
	}
	logger := s.logger.With("op", op, "account_id", st.sub.AccountID, "stripe_subscription_id", stripeSubID)
	logger.Error("local write failed after stripe update", "error", err)

	if stripeSubID != "" {
		s.revert(ctx, logger, stripeSubID, st.sub.SubjectCount)
	}
	return saveFailed(op, err)
}

// revert replaces the Stripe line items with those for count, without proration.
func (s *Service) revert(ctx context.Context, logger *slog.Logger, stripeSubID string, count int) {
	items, err := s.pricing.LineItems(count)
	if err != nil || len(items) == 0 {
		logger.Error("stripe line items not reverted", "count", count, "error", err)
		return
	}
	if _, err := s.provider.UpdateLineItems(context.WithoutCancel(ctx), stripeSubID, items, stripe.ProrationNone); err != nil {
		logger.Error("stripe line items not reverted, reconcile manually", "count", count, "error", err)
		return
	}
	logger.Warn("stripe line items reverted", "count", count)
}

func saveFailed(op string, err error) error {
	if errors.Is(err, store.ErrStaleVersion) || errors.Is(err, store.ErrNotPending) {
		return apperror.Wrap(apperror.KindConflict, "subscription changed while the request was processed, please retry", err)
	}
	return fmt.Errorf("%s: save plan: %w", op, err)
}

func (s *Service) publish(st *state, changeType model.ChangeType, count int) {
	s.notifier.Publish(st.sub.AccountID, websocket.NewMessage("subscription", "updated", st.sub.ID, map[string]any{
		"change_type":   string(changeType),
		"subject_count": count,
	}))
}
