// Package reconcile applies Stripe webhook events to local billing state.
// Delivery is at least once, so every handler is safe to run twice and
// processed event ids are recorded to skip exact replays.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
	"github.com/dukerupert/studyplan/internal/billing/store"
	billingstripe "github.com/dukerupert/studyplan/internal/billing/stripe"
	"github.com/dukerupert/studyplan/internal/websocket"
)

// Outcomes reported per event.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeStale     = "stale"
	OutcomeError     = "error"
)

type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billingstripe.SubscriptionInfo, error)
}

type Archiver interface {
	Put(ctx context.Context, eventID, eventType string, created time.Time, payload []byte) (string, error)
}

type Mailer interface {
	SendPlanChangeApplied(ctx context.Context, toEmail string, subjectCount int, price decimal.Decimal, currency string) error
	SendPlanChangeFailed(ctx context.Context, toEmail, reason string) error
}

type Recorder interface {
	WebhookEvent(eventType, outcome string)
	PendingTransition(status string)
}

type Notifier interface {
	Publish(accountID int64, msg websocket.Message)
}

type Reconciler struct {
	db            *sql.DB
	accounts      *store.AccountStore
	subscriptions *store.SubscriptionStore
	pending       *store.PendingChangeStore
	events        *store.WebhookEventStore
	subjects      *store.SubjectStore
	pricing       *pricing.Calculator
	fetcher       SubscriptionFetcher
	archiver      Archiver
	mailer        Mailer
	recorder      Recorder
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Reconciler)

func WithArchiver(a Archiver) Option { return func(r *Reconciler) { r.archiver = a } }
func WithMailer(m Mailer) Option { return func(r *Reconciler) { r.mailer = m } }
func WithRecorder(rec Recorder) Option { return func(r *Reconciler) { r.recorder = rec } }
func WithNotifier(n Notifier) Option { return func(r *Reconciler) { r.notifier = n } }
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(db *sql.DB, calc *pricing.Calculator, fetcher SubscriptionFetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:            db,
		accounts:      store.NewAccountStore(db),
		subscriptions: store.NewSubscriptionStore(db),
		pending:       store.NewPendingChangeStore(db),
		events:        store.NewWebhookEventStore(db),
		subjects:      store.NewSubjectStore(db),
		pricing:       calc,
		fetcher:       fetcher,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

// HandleEvent applies one verified event. An error means the event should be
// redelivered.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	processed, err := r.events.Processed(ctx, event.ID)
	if err != nil {
		r.record(string(event.Type), OutcomeError)
		return err
	}
	if processed {
		r.logger.Debug("duplicate event skipped", "event_id", event.ID, "type", event.Type)
		r.record(string(event.Type), OutcomeDuplicate)
		return nil
	}

	r.archive(ctx, event)
	return r.Replay(ctx, event)
}

// Replay applies event even if it was processed before. Used for manual
// reconciliation from the archive.
func (r *Reconciler) Replay(ctx context.Context, event stripe.Event) error {
	outcome, err := r.dispatch(ctx, event)
	if err != nil {
		r.logger.Error("webhook event failed", "event_id", event.ID, "type", event.Type, "error", err)
		r.record(string(event.Type), OutcomeError)
		return err
	}

	if err := r.events.Record(ctx, event.ID, string(event.Type)); err != nil {
		r.record(string(event.Type), OutcomeError)
		return err
	}
	r.logger.Info("webhook event handled", "event_id", event.ID, "type", event.Type, "outcome", outcome)
	r.record(string(event.Type), outcome)
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event stripe.Event) (string, error) {
	if event.Data == nil {
		return OutcomeIgnored, nil
	}
	switch event.Type {
	case "checkout.session.completed":
		return r.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return r.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return r.handlePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return r.handlePaymentFailed(ctx, event)
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (string, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return OutcomeIgnored, nil
	}

	accountID, err := strconv.ParseInt(sess.Metadata[billingstripe.MetadataAccountID], 10, 64)
	if err != nil {
		r.logger.Warn("checkout session without account id", "session_id", sess.ID)
		return OutcomeIgnored, nil
	}
	subjects, err := r.knownSubjects(ctx, sess.Metadata[billingstripe.MetadataSubjectIDs])
	if err != nil {
		return "", err
	}
	if len(subjects) == 0 {
		r.logger.Error("checkout session without known subjects, reconcile manually",
			"session_id", sess.ID, "account_id", accountID, "subscription_id", sess.Subscription.ID)
		return OutcomeIgnored, nil
	}

	info, err := r.fetcher.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return "", fmt.Errorf("fetch subscription %s: %w", sess.Subscription.ID, err)
	}
	customerID := info.CustomerID
	if sess.Customer != nil && sess.Customer.ID != "" {
		customerID = sess.Customer.ID
	}
	price, err := r.pricing.Price(len(subjects))
	if err != nil {
		return "", err
	}

	var sub *model.Subscription
	err = store.RunInTx(ctx, r.db, func(tx *store.Tx) error {
		if err := tx.Accounts.UpdateStripeCustomerID(ctx, accountID, customerID); err != nil {
			return err
		}
		var err error
		sub, err = tx.Subscriptions.Upsert(ctx, store.UpsertParams{
			AccountID:            accountID,
			StripeCustomerID:     customerID,
			StripeSubscriptionID: info.ID,
			Status:               model.StatusActive,
			SubjectCount:         len(subjects),
			CustomPrice:          price,
			CurrentPeriodStart:   timePtr(info.CurrentPeriodStart),
			CurrentPeriodEnd:     timePtr(info.CurrentPeriodEnd),
			CancelAtPeriodEnd:    info.CancelAtPeriodEnd,
		})
		if err != nil {
			return err
		}
		// A change left open on a previous subscription no longer applies.
		open, err := tx.PendingChanges.GetOpen(ctx, sub.ID)
		if err != nil {
			return err
		}
		if open != nil {
			if err := tx.PendingChanges.MarkCancelled(ctx, open.ID); err != nil {
				return err
			}
		}
		return tx.Grants.Replace(ctx, accountID, subjects)
	})
	if err != nil {
		return "", fmt.Errorf("record checkout: %w", err)
	}

	r.publish(sub, "created")
	return OutcomeProcessed, nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) (string, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return "", fmt.Errorf("unmarshal subscription: %w", err)
	}

	sub, err := r.subscriptions.GetByStripeID(ctx, ss.ID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeIgnored, nil
	}

	start, end := billingstripe.Period(&ss)
	applied, err := r.subscriptions.Sync(ctx, sub.ID, store.SyncParams{
		Status:             model.SubscriptionStatus(ss.Status),
		CurrentPeriodStart: timePtr(start),
		CurrentPeriodEnd:   timePtr(end),
		CancelAtPeriodEnd:  ss.CancelAtPeriodEnd,
		EventAt:            time.Unix(event.Created, 0).UTC(),
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeStale, nil
	}

	r.publish(sub, "updated")
	return OutcomeProcessed, nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (string, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return "", fmt.Errorf("unmarshal subscription: %w", err)
	}

	sub, err := r.subscriptions.GetByStripeID(ctx, ss.ID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeIgnored, nil
	}
	canceled, err := r.subscriptions.Cancel(ctx, sub.ID, time.Unix(event.Created, 0).UTC())
	if err != nil {
		return "", err
	}
	if !canceled {
		return OutcomeStale, nil
	}

	r.publish(sub, "canceled")
	return OutcomeProcessed, nil
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("unmarshal invoice: %w", err)
	}

	sub, err := r.subscriptionForInvoice(ctx, &inv)
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}
	if sub.Status == model.StatusCanceled {
		return OutcomeIgnored, nil
	}
	if sub.Status != model.StatusActive {
		if _, err := r.subscriptions.UpdateStatus(ctx, sub.ID, model.StatusActive); err != nil {
			return "", err
		}
	}

	if inv.BillingReason == "subscription_cycle" {
		changes, err := r.pending.ListOpenNextPeriod(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		for _, pc := range changes {
			r.apply(ctx, pc)
		}
	}
	return OutcomeProcessed, nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, event stripe.Event) (string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("unmarshal invoice: %w", err)
	}

	sub, err := r.subscriptionForInvoice(ctx, &inv)
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}
	changed, err := r.subscriptions.UpdateStatus(ctx, sub.ID, model.StatusPastDue)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeIgnored, nil
	}

	r.publish(sub, "past_due")
	return OutcomeProcessed, nil
}

func (r *Reconciler) subscriptionForInvoice(ctx context.Context, inv *stripe.Invoice) (*model.Subscription, error) {
	subID := billingstripe.SubscriptionIDFromInvoice(inv)
	if subID == "" {
		return nil, nil
	}
	return r.subscriptions.GetByStripeID(ctx, subID)
}

// ApplyReport counts what ApplyDue did.
type ApplyReport struct {
	Applied int
	Failed  int
	Skipped int
}

// ApplyDue applies every open pending change on an active subscription whose
// scheduled date has passed. It covers renewals whose webhook never arrived.
func (r *Reconciler) ApplyDue(ctx context.Context, now time.Time) (ApplyReport, error) {
	changes, err := r.pending.ListOverdue(ctx, now)
	if err != nil {
		return ApplyReport{}, err
	}

	var report ApplyReport
	for _, pc := range changes {
		switch r.apply(ctx, pc) {
		case model.PendingApplied:
			report.Applied++
		case model.PendingFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// Overdue lists open pending changes that should already have been applied.
func (r *Reconciler) Overdue(ctx context.Context, now time.Time) ([]model.PendingChange, error) {
	return r.pending.ListOverdue(ctx, now)
}

// apply moves one pending change to applied, or to failed with a reason. It
// returns the status the change ended in, or "" if someone else resolved it.
func (r *Reconciler) apply(ctx context.Context, pc model.PendingChange) model.PendingStatus {
	logger := r.logger.With("pending_change_id", pc.ID, "subscription_id", pc.SubscriptionID)

	var sub *model.Subscription
	err := store.RunInTx(ctx, r.db, func(tx *store.Tx) error {
		var err error
		sub, err = tx.Subscriptions.GetByID(ctx, pc.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("subscription %d no longer exists", pc.SubscriptionID)
		}
		if len(pc.TargetSubjectIDs) == 0 || len(pc.TargetSubjectIDs) != pc.TargetSubjectCount {
			return fmt.Errorf("target lists %d subjects but counts %d", len(pc.TargetSubjectIDs), pc.TargetSubjectCount)
		}
		if err := tx.Grants.Replace(ctx, sub.AccountID, pc.TargetSubjectIDs); err != nil {
			return err
		}
		if err := tx.Subscriptions.UpdatePlan(ctx, sub.ID, sub.Version, pc.TargetSubjectCount, pc.TargetPrice); err != nil {
			return err
		}
		return tx.PendingChanges.MarkApplied(ctx, pc.ID, r.now())
	})

	switch {
	case errors.Is(err, store.ErrNotPending):
		logger.Info("pending change already resolved")
		return ""
	case err != nil:
		reason := err.Error()
		logger.Error("apply pending change failed", "error", err)
		if markErr := r.pending.MarkFailed(ctx, pc.ID, reason); markErr != nil {
			logger.Error("mark pending change failed", "error", markErr)
			return ""
		}
		r.transition(model.PendingFailed)
		if sub != nil {
			r.notifyFailed(ctx, sub, reason)
		}
		return model.PendingFailed
	}

	logger.Info("pending change applied", "subject_count", pc.TargetSubjectCount)
	r.transition(model.PendingApplied)
	r.notifyApplied(ctx, sub, pc)
	return model.PendingApplied
}

func (r *Reconciler) notifyApplied(ctx context.Context, sub *model.Subscription, pc model.PendingChange) {
	if r.notifier != nil {
		r.notifier.Publish(sub.AccountID, websocket.NewMessage("pending_change", "applied", sub.ID, map[string]any{
			"pending_change_id": pc.ID,
			"subject_count":     pc.TargetSubjectCount,
		}))
	}
	if r.mailer == nil {
		return
	}
	email, ok := r.accountEmail(ctx, sub.AccountID)
	if !ok {
		return
	}
	if err := r.mailer.SendPlanChangeApplied(ctx, email, pc.TargetSubjectCount, pc.TargetPrice, r.pricing.Currency()); err != nil {
		r.logger.Warn("send plan change applied email", "account_id", sub.AccountID, "error", err)
	}
}

func (r *Reconciler) notifyFailed(ctx context.Context, sub *model.Subscription, reason string) {
	if r.notifier != nil {
		r.notifier.Publish(sub.AccountID, websocket.NewMessage("pending_change", "failed", sub.ID, nil))
	}
	if r.mailer == nil {
		return
	}
	email, ok := r.accountEmail(ctx, sub.AccountID)
	if !ok {
		return
	}
	if err := r.mailer.SendPlanChangeFailed(ctx, email, reason); err != nil {
		r.logger.Warn("send plan change failed email", "account_id", sub.AccountID, "error", err)
	}
}

func (r *Reconciler) accountEmail(ctx context.Context, accountID int64) (string, bool) {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil || account == nil {
		r.logger.Warn("look up account email", "account_id", accountID, "error", err)
		return "", false
	}
	return account.Email, true
}

func (r *Reconciler) archive(ctx context.Context, event stripe.Event) {
	if r.archiver == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("marshal event for archive", "event_id", event.ID, "error", err)
		return
	}
	if _, err := r.archiver.Put(ctx, event.ID, string(event.Type), time.Unix(event.Created, 0), payload); err != nil {
		r.logger.Warn("archive webhook event", "event_id", event.ID, "error", err)
	}
}

func (r *Reconciler) publish(sub *model.Subscription, action string) {
	if r.notifier == nil || sub == nil {
		return
	}
	r.notifier.Publish(sub.AccountID, websocket.NewMessage("subscription", action, sub.ID, nil))
}

func (r *Reconciler) record(eventType, outcome string) {
	if r.recorder != nil {
		r.recorder.WebhookEvent(eventType, outcome)
	}
}

func (r *Reconciler) transition(status model.PendingStatus) {
	if r.recorder != nil {
		r.recorder.PendingTransition(string(status))
	}
}

// knownSubjects parses the comma-separated subject metadata into a sorted,
// deduplicated list and drops ids missing from the catalog.
func (r *Reconciler) knownSubjects(ctx context.Context, metadata string) ([]string, error) {
	ids := splitSubjects(metadata)
	unknown, err := r.subjects.Unknown(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(unknown) == 0 {
		return ids, nil
	}
	r.logger.Warn("dropping unknown subjects from checkout", "subjects", strings.Join(unknown, ","))
	return slices.DeleteFunc(ids, func(id string) bool { return slices.Contains(unknown, id) }), nil
}

func splitSubjects(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
