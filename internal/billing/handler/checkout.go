package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
)

// CheckoutProvider is the part of the Stripe client used to start and manage
// subscriptions.
type CheckoutProvider interface {
	CreateCustomer(ctx context.Context, accountID int64, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID string, accountID int64, subjectIDs []string, items []pricing.LineItem) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type CheckoutAccounts interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	UpdateStripeCustomerID(ctx context.Context, id int64, customerID string) error
}

type SubscriptionGetter interface {
	GetByAccountID(ctx context.Context, accountID int64) (*model.Subscription, error)
}

type SubjectChecker interface {
	Unknown(ctx context.Context, ids []string) ([]string, error)
}

type CheckoutHandler struct {
	provider      CheckoutProvider
	accounts      CheckoutAccounts
	subscriptions SubscriptionGetter
	subjects      SubjectChecker
	pricing       *pricing.Calculator
	baseURL       string
	logger        *slog.Logger
}

func NewCheckoutHandler(
	provider CheckoutProvider,
	accounts CheckoutAccounts,
	subscriptions SubscriptionGetter,
	subjects SubjectChecker,
	calc *pricing.Calculator,
	baseURL string,
	logger *slog.Logger,
) *CheckoutHandler {
	return &CheckoutHandler{
		provider:      provider,
		accounts:      accounts,
		subscriptions: subscriptions,
		subjects:      subjects,
		pricing:       calc,
		baseURL:       baseURL,
		logger:        logger,
	}
}

// CreateCheckoutSession handles POST /api/checkout and returns the hosted
// checkout URL for a first subscription.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := AccountIDFromContext(ctx)

	var req struct {
		SubjectIDs []string `json:"subjectIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	subjects := compact(req.SubjectIDs)
	if len(subjects) == 0 {
		writeError(w, h.logger, apperror.InvalidArgument("select at least one subject"))
		return
	}
	unknown, err := h.subjects.Unknown(ctx, subjects)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(unknown) > 0 {
		writeError(w, h.logger, apperror.InvalidArgument(fmt.Sprintf("unknown subjects: %s", strings.Join(unknown, ", "))))
		return
	}

	sub, err := h.subscriptions.GetByAccountID(ctx, accountID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if sub != nil && sub.Status.CanChangePlan() {
		writeError(w, h.logger, apperror.Conflict("you already have a subscription; change your plan instead"))
		return
	}

	account, err := h.accounts.GetByID(ctx, accountID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if account == nil {
		writeError(w, h.logger, apperror.NotFound("account not found"))
		return
	}

	customerID := ""
	if account.StripeCustomerID != nil {
		customerID = *account.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = h.provider.CreateCustomer(ctx, account.ID, account.Email)
		if err != nil {
			writeError(w, h.logger, apperror.External("stripe", err))
			return
		}
		if err := h.accounts.UpdateStripeCustomerID(ctx, account.ID, customerID); err != nil {
			h.logger.Error("save stripe customer id", "account_id", account.ID, "error", err)
		}
	}

	items, err := h.pricing.LineItems(len(subjects))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	url, err := h.provider.CreateCheckoutSession(ctx, customerID, account.ID, subjects, items)
	if err != nil {
		writeError(w, h.logger, apperror.External("stripe", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// BillingPortal handles POST /api/billing-portal.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.accounts.GetByID(ctx, AccountIDFromContext(ctx))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if account == nil {
		writeError(w, h.logger, apperror.NotFound("account not found"))
		return
	}
	if account.StripeCustomerID == nil || *account.StripeCustomerID == "" {
		writeError(w, h.logger, apperror.InvalidArgument("no billing account"))
		return
	}

	url, err := h.provider.CreateBillingPortalSession(ctx, *account.StripeCustomerID, h.baseURL+"/account")
	if err != nil {
		writeError(w, h.logger, apperror.External("stripe", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
