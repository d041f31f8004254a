package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/studyplan/internal/billing/pricing"
)

func item(id, priceID string, qty int64) *stripe.SubscriptionItem {
	return &stripe.SubscriptionItem{ID: id, Price: &stripe.Price{ID: priceID}, Quantity: qty}
}

func TestItemParamsUpdatesExistingQuantities(t *testing.T) {
	existing := []*stripe.SubscriptionItem{
		item("si_base", "price_base", 1),
		item("si_add", "price_add", 2),
	}
	want := []pricing.LineItem{{PriceID: "price_base", Quantity: 1}, {PriceID: "price_add", Quantity: 4}}

	params := ItemParams(existing, want)
	require.Len(t, params, 2)
	assert.Equal(t, "si_base", *params[0].ID)
	assert.Equal(t, int64(1), *params[0].Quantity)
	assert.Equal(t, "si_add", *params[1].ID)
	assert.Equal(t, int64(4), *params[1].Quantity)
}

func TestItemParamsDeletesDroppedPrices(t *testing.T) {
	existing := []*stripe.SubscriptionItem{
		item("si_base", "price_base", 1),
		item("si_add", "price_add", 2),
		item("si_legacy", "price_legacy", 1),
	}
	want := []pricing.LineItem{{PriceID: "price_base", Quantity: 1}}

	params := ItemParams(existing, want)
	require.Len(t, params, 3)
	assert.Nil(t, params[0].Deleted)
	assert.True(t, *params[1].Deleted)
	assert.Equal(t, "si_add", *params[1].ID)
	assert.True(t, *params[2].Deleted)
	assert.Equal(t, "si_legacy", *params[2].ID)
}

func TestItemParamsAddsNewPrices(t *testing.T) {
	existing := []*stripe.SubscriptionItem{item("si_base", "price_base", 1)}
	want := []pricing.LineItem{{PriceID: "price_base", Quantity: 1}, {PriceID: "price_add", Quantity: 2}}

	params := ItemParams(existing, want)
	require.Len(t, params, 2)
	assert.Nil(t, params[1].ID)
	assert.Equal(t, "price_add", *params[1].Price)
	assert.Equal(t, int64(2), *params[1].Quantity)
}

func TestPeriodReadsFirstItem(t *testing.T) {
	sub := &stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
		{ID: "si_1", CurrentPeriodStart: 1790812800, CurrentPeriodEnd: 1793491200},
	}}}
	start, end := Period(sub)
	assert.Equal(t, time.Unix(1790812800, 0).UTC(), start)
	assert.Equal(t, time.Unix(1793491200, 0).UTC(), end)

	start, end = Period(&stripe.Subscription{})
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())
}

func TestSubscriptionIDFromInvoice(t *testing.T) {
	inv := &stripe.Invoice{Parent: &stripe.InvoiceParent{
		SubscriptionDetails: &stripe.InvoiceParentSubscriptionDetails{
			Subscription: &stripe.Subscription{ID: "sub_123"},
		},
	}}
	assert.Equal(t, "sub_123", SubscriptionIDFromInvoice(inv))
	assert.Equal(t, "", SubscriptionIDFromInvoice(&stripe.Invoice{}))
	assert.Equal(t, "", SubscriptionIDFromInvoice(nil))
}

func TestConstructWebhookEvent(t *testing.T) {
	c := NewClient(Config{WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.payment_failed","data":{"object":{"id":"in_1","object":"invoice"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	event, err := c.ConstructWebhookEvent(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, stripe.EventType("invoice.payment_failed"), event.Type)

	_, err = c.ConstructWebhookEvent(payload, "t=1,v1=bogus")
	assert.Error(t, err)
}

// useTestBackend points the Stripe SDK at handler for the duration of the test.
func useTestBackend(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	stripe.SetBackend(stripe.APIBackend, backend)
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, nil) })
}

func writeStripeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestPayInvoiceCardDeclined(t *testing.T) {
	useTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/invoices/in_123/pay", r.URL.Path)
		writeStripeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]any{
				"type":    "card_error",
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	})

	var ops []string
	c := NewClient(Config{SecretKey: "sk_test_123"}, WithObserver(func(op string, _ time.Duration, _ error) {
		ops = append(ops, op)
	}))

	result, err := c.PayInvoice(context.Background(), "in_123")
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.Equal(t, "Your card was declined.", result.FailureReason)
	assert.Equal(t, []string{"pay_invoice"}, ops)
}

func TestPayInvoicePaid(t *testing.T) {
	useTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeStripeJSON(w, http.StatusOK, map[string]any{
			"id": "in_123", "object": "invoice", "status": "paid", "amount_paid": 1600,
		})
	})

	c := NewClient(Config{SecretKey: "sk_test_123"})
	result, err := c.PayInvoice(context.Background(), "in_123")
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, int64(1600), result.AmountPaid)
}

func TestUpdateLineItems(t *testing.T) {
	forms := make(chan url.Values, 1)
	useTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeStripeJSON(w, http.StatusOK, map[string]any{
				"id": "sub_123", "object": "subscription",
				"items": map[string]any{"object": "list", "data": []any{
					map[string]any{"id": "si_base", "object": "subscription_item", "quantity": 1, "price": map[string]any{"id": "price_base"}},
				}},
			})
		case http.MethodPost:
			assert.NoError(t, r.ParseForm())
			forms <- r.PostForm
			writeStripeJSON(w, http.StatusOK, map[string]any{
				"id": "sub_123", "object": "subscription",
				"latest_invoice": map[string]any{
					"id": "in_9", "object": "invoice", "status": "open", "amount_due": 1600, "currency": "eur",
				},
			})
		}
	})

	c := NewClient(Config{SecretKey: "sk_test_123"})
	result, err := c.UpdateLineItems(context.Background(), "sub_123", []pricing.LineItem{
		{PriceID: "price_base", Quantity: 1},
		{PriceID: "price_add", Quantity: 2},
	}, ProrationAlwaysInvoice)
	require.NoError(t, err)

	form := <-forms
	assert.Equal(t, "in_9", result.InvoiceID)
	assert.Equal(t, "open", result.InvoiceStatus)
	assert.Equal(t, int64(1600), result.AmountDue)
	assert.Equal(t, []string{"always_invoice"}, form["proration_behavior"])
	assert.Equal(t, []string{"si_base"}, form["items[0][id]"])
	assert.Equal(t, []string{"price_add"}, form["items[1][price]"])
	assert.Equal(t, []string{"2"}, form["items[1][quantity]"])
	assert.Equal(t, []string{"3"}, form["metadata[subject_count]"])
}
