package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/studyplan/internal/billing/pricing"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetadataAccountID    = "account_id"
	MetadataSubjectIDs   = "subject_ids"
	MetadataSubjectCount = "subject_count"
)

// Proration is Stripe's proration_behavior for subscription item changes.
type Proration string

const (
	ProrationAlwaysInvoice Proration = "always_invoice"
	ProrationNone          Proration = "none"
)

type Config struct {
	SecretKey         string
	WebhookSecret     string
	BasePriceID       string
	AdditionalPriceID string
	SuccessURL        string
	CancelURL         string
}

// Observer is told how long each Stripe call took and whether it failed.
type Observer func(operation string, elapsed time.Duration, err error)

type Client struct {
	cfg     Config
	observe Observer
	logger  *slog.Logger
}

type Option func(*Client)

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observe = o
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	stripe.Key = cfg.SecretKey
	c := &Client{
		cfg:     cfg,
		observe: func(string, time.Duration, error) {},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if a secret key is set.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

// SubscriptionInfo is the provider-side view of a subscription.
type SubscriptionInfo struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// UpdateResult describes a line item change and the invoice it produced.
type UpdateResult struct {
	SubscriptionID string
	InvoiceID      string
	InvoiceStatus  string
	AmountDue      int64
	Currency       string
}

// PaymentResult is the outcome of paying an invoice. A declined card is a
// result, not an error.
type PaymentResult struct {
	InvoiceID     string
	Paid          bool
	AmountPaid    int64
	FailureReason string
}

func (c *Client) track(op string, start time.Time, err error) {
	c.observe(op, time.Since(start), err)
	if err != nil {
		logStripeError(c.logger, op, err)
	}
}

// CreateCustomer creates a Stripe customer and returns the customer ID.
func (c *Client) CreateCustomer(ctx context.Context, accountID int64, email string) (id string, err error) {
	defer func(start time.Time) { c.track("create_customer", start, err) }(time.Now())

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata(MetadataAccountID, strconv.FormatInt(accountID, 10))
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession starts a subscription checkout for the given subjects
// and returns the hosted checkout URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID string, accountID int64, subjectIDs []string, items []pricing.LineItem) (url string, err error) {
	defer func(start time.Time) { c.track("create_checkout_session", start, err) }(time.Now())

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(item.PriceID),
			Quantity: stripe.Int64(item.Quantity),
		})
	}

	metadata := map[string]string{
		MetadataAccountID:    strconv.FormatInt(accountID, 10),
		MetadataSubjectIDs:   strings.Join(subjectIDs, ","),
		MetadataSubjectCount: strconv.Itoa(len(subjectIDs)),
	}
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(strconv.FormatInt(accountID, 10)),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:         lineItems,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := checksession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreateBillingPortalSession creates a Stripe billing portal session and returns the URL.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (url string, err error) {
	defer func(start time.Time) { c.track("create_billing_portal_session", start, err) }(time.Now())

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// GetSubscription fetches the subscription with its items.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (info *SubscriptionInfo, err error) {
	defer func(start time.Time) { c.track("get_subscription", start, err) }(time.Now())

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	return subscriptionInfo(sub), nil
}

// UpdateLineItems makes items the subscription's exact set of billed prices.
func (c *Client) UpdateLineItems(ctx context.Context, subscriptionID string, items []pricing.LineItem, proration Proration) (result *UpdateResult, err error) {
	defer func(start time.Time) { c.track("update_line_items", start, err) }(time.Now())

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := subscription.Get(subscriptionID, getParams)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}

	var existing []*stripe.SubscriptionItem
	if current.Items != nil {
		existing = current.Items.Data
	}

	params := &stripe.SubscriptionParams{
		Items:             ItemParams(existing, items),
		ProrationBehavior: stripe.String(string(proration)),
	}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	params.AddMetadata(MetadataSubjectCount, strconv.FormatInt(totalQuantity(items), 10))

	updated, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("update stripe subscription items: %w", err)
	}

	result = &UpdateResult{SubscriptionID: updated.ID}
	// Only an invoice generated by this update is relevant; with no proration
	// Stripe leaves latest_invoice pointing at the last cycle invoice.
	if inv := updated.LatestInvoice; inv != nil && proration == ProrationAlwaysInvoice {
		result.InvoiceID = inv.ID
		result.InvoiceStatus = string(inv.Status)
		result.AmountDue = inv.AmountDue
		result.Currency = string(inv.Currency)
	}
	return result, nil
}

// PayInvoice attempts to collect an open invoice right away.
func (c *Client) PayInvoice(ctx context.Context, invoiceID string) (result *PaymentResult, err error) {
	defer func(start time.Time) { c.track("pay_invoice", start, err) }(time.Now())

	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	inv, err := invoice.Pay(invoiceID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return &PaymentResult{InvoiceID: invoiceID, FailureReason: stripeErr.Msg}, nil
		}
		return nil, fmt.Errorf("pay invoice: %w", err)
	}
	return &PaymentResult{
		InvoiceID:  inv.ID,
		Paid:       inv.Status == stripe.InvoiceStatusPaid,
		AmountPaid: inv.AmountPaid,
	}, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
// Events from other API versions are accepted; handlers read only stable fields.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// ItemParams builds the item changes that turn existing into want: matching
// prices get their quantity updated, missing prices are added and any other
// existing item is deleted.
func ItemParams(existing []*stripe.SubscriptionItem, want []pricing.LineItem) []*stripe.SubscriptionItemsParams {
	wanted := make(map[string]int64, len(want))
	for _, item := range want {
		wanted[item.PriceID] += item.Quantity
	}

	var params []*stripe.SubscriptionItemsParams
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		if item == nil || item.Price == nil {
			continue
		}
		qty, ok := wanted[item.Price.ID]
		if !ok || qty == 0 || seen[item.Price.ID] {
			params = append(params, &stripe.SubscriptionItemsParams{
				ID:      stripe.String(item.ID),
				Deleted: stripe.Bool(true),
			})
			continue
		}
		seen[item.Price.ID] = true
		params = append(params, &stripe.SubscriptionItemsParams{
			ID:       stripe.String(item.ID),
			Quantity: stripe.Int64(qty),
		})
	}

	priceIDs := make([]string, 0, len(wanted))
	for priceID := range wanted {
		priceIDs = append(priceIDs, priceID)
	}
	sort.Strings(priceIDs)
	for _, priceID := range priceIDs {
		if seen[priceID] || wanted[priceID] == 0 {
			continue
		}
		params = append(params, &stripe.SubscriptionItemsParams{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(wanted[priceID]),
		})
	}
	return params
}

func subscriptionInfo(sub *stripe.Subscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		info.CustomerID = sub.Customer.ID
	}
	info.CurrentPeriodStart, info.CurrentPeriodEnd = Period(sub)
	return info
}

// Period returns the subscription's current billing period, read from its
// first item.
func Period(sub *stripe.Subscription) (start, end time.Time) {
	if sub == nil || sub.Items == nil {
		return time.Time{}, time.Time{}
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			return time.Unix(item.CurrentPeriodStart, 0).UTC(), time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return time.Time{}, time.Time{}
}

// SubscriptionIDFromInvoice extracts the subscription ID from an invoice's parent.
func SubscriptionIDFromInvoice(inv *stripe.Invoice) string {
	if inv != nil && inv.Parent != nil &&
		inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func totalQuantity(items []pricing.LineItem) int64 {
	var n int64
	for _, item := range items {
		n += item.Quantity
	}
	return n
}

func logStripeError(logger *slog.Logger, op string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		logger.Error("stripe API error",
			"operation", op,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return
	}
	logger.Error("stripe request failed", "operation", op, "error", err)
}
