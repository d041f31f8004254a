package planchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/store"
	"github.com/dukerupert/studyplan/internal/billing/stripe"
	"github.com/dukerupert/studyplan/internal/websocket"
)

// UndoPendingChange cancels an open pending change and puts Stripe and the
// subscription back on the count the account is actually using.
func (s *Service) UndoPendingChange(ctx context.Context, accountID int64, changeID string) (err error) {
	changeType := ""
	defer func() { s.recorder.PlanChange("undo", changeType, err) }()

	if changeID == "" {
		return apperror.InvalidArgument("changeId is required")
	}

	release, err := s.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer s.release(ctx, release)

	pc, err := s.pending.GetByID(ctx, changeID)
	if err != nil {
		return fmt.Errorf("load pending change: %w", err)
	}
	if pc == nil || pc.Status != model.PendingOpen {
		return apperror.NotFound("pending change not found or already resolved")
	}
	changeType = string(pc.ChangeType)

	sub, err := s.subscriptions.GetByID(ctx, pc.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return apperror.NotFound("pending change not found or already resolved")
	}
	if sub.AccountID != accountID {
		return apperror.Forbidden("this pending change belongs to another account")
	}
	if err := checkChangeable(sub); err != nil {
		return err
	}

	grants, err := s.grants.List(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	count := len(grants)
	price, items, err := s.quote(count)
	if err != nil {
		return err
	}

	if pc.ChangeType == model.ChangeDowngrade {
		if _, err := s.provider.UpdateLineItems(ctx, *sub.StripeSubscriptionID, items, stripe.ProrationNone); err != nil {
			return apperror.External("stripe", err)
		}
	}

	st := &state{sub: sub, grants: grants, pending: pc}
	err = store.RunInTx(ctx, s.db, func(tx *store.Tx) error {
		if err := tx.PendingChanges.MarkCancelled(ctx, pc.ID); err != nil {
			return err
		}
		return tx.Subscriptions.UpdatePlan(ctx, sub.ID, sub.Version, count, price)
	})
	if errors.Is(err, store.ErrNotPending) {
		return apperror.NotFound("pending change not found or already resolved")
	}
	if err != nil {
		if pc.ChangeType != model.ChangeDowngrade {
			return saveFailed("undo", err)
		}
		return s.localWriteFailed(ctx, st, "undo", err)
	}

	s.logger.Info("pending change cancelled", "account_id", accountID, "pending_change_id", pc.ID, "count", count)
	s.notifier.Publish(accountID, websocket.NewMessage("pending_change", "cancelled", sub.ID, map[string]any{
		"pending_change_id": pc.ID,
		"subject_count":     count,
	}))
	return nil
}

// ModifyPendingChange keeps more of the account's current subjects after the
// scheduled downgrade. Restored subjects must still be granted today.
func (s *Service) ModifyPendingChange(ctx context.Context, accountID int64, restoreIDs []string) (result *ChangeResult, err error) {
	defer func() { s.recorder.PlanChange("modify", string(model.ChangeDowngrade), err) }()

	restore := normalize(restoreIDs)
	if len(restore) == 0 {
		return nil, apperror.InvalidArgument("select at least one subject to keep")
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
	if st.pending == nil || st.pending.ChangeType != model.ChangeDowngrade {
		return nil, apperror.NotFound("no pending change to modify")
	}
	if err := checkChangeable(st.sub); err != nil {
		return nil, err
	}
	if missing := difference(restore, st.grants); len(missing) > 0 {
		return nil, apperror.InvalidArgument("you can only keep subjects you currently have")
	}

	next := union(st.pending.TargetSubjectIDs, restore)
	if sameSet(next, st.pending.TargetSubjectIDs) {
		return nil, apperror.Conflict("these subjects are already kept")
	}

	return s.downgrade(ctx, st, plan{changeType: model.ChangeDowngrade, next: next})
}
