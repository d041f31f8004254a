package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/planchange"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
)

const testAccount int64 = 7

func authed(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(WithAccountID(req.Context(), testAccount))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type fakePlans struct {
	gotAccount int64
	gotIDs     []string
	gotTiming  model.Timing
	gotChange  string
	err        error
}

func (f *fakePlans) Preview(_ context.Context, accountID int64, ids []string) (*planchange.Preview, error) {
	f.gotAccount, f.gotIDs = accountID, ids
	if f.err != nil {
		return nil, f.err
	}
	return &planchange.Preview{NewPrice: decimal.RequireFromString("28"), IsUpgrade: true, ChangeType: model.ChangeUpgrade}, nil
}

func (f *fakePlans) ChangePlan(_ context.Context, accountID int64, ids []string, timing model.Timing) (*planchange.ChangeResult, error) {
	f.gotAccount, f.gotIDs, f.gotTiming = accountID, ids, timing
	if f.err != nil {
		return nil, f.err
	}
	return &planchange.ChangeResult{Success: true, ChangeType: model.ChangeDowngrade, NewSubjectCount: len(ids)}, nil
}

func (f *fakePlans) UndoPendingChange(_ context.Context, accountID int64, changeID string) error {
	f.gotAccount, f.gotChange = accountID, changeID
	return f.err
}

func (f *fakePlans) ModifyPendingChange(_ context.Context, accountID int64, ids []string) (*planchange.ChangeResult, error) {
	f.gotAccount, f.gotIDs = accountID, ids
	if f.err != nil {
		return nil, f.err
	}
	return &planchange.ChangeResult{Success: true, ChangeType: model.ChangeDowngrade}, nil
}

func (f *fakePlans) View(_ context.Context, accountID int64) (*planchange.AccountView, error) {
	f.gotAccount = accountID
	if f.err != nil {
		return nil, f.err
	}
	return &planchange.AccountView{Projection: planchange.Projection{CurrentCount: 2, NextCount: 1}}, nil
}

func TestPlanChangePreview(t *testing.T) {
	plans := &fakePlans{}
	h := NewPlanChangeHandler(plans, slog.Default())

	rec := httptest.NewRecorder()
	h.Preview(rec, authed("POST", "/api/plan-change-preview", `{"newSubjectIds":["mathematics","physics"]}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testAccount, plans.gotAccount)
	assert.Equal(t, []string{"mathematics", "physics"}, plans.gotIDs)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["isUpgrade"])
	assert.Equal(t, "28", body["newPrice"])
}

func TestPlanChangeTiming(t *testing.T) {
	plans := &fakePlans{}
	h := NewPlanChangeHandler(plans, slog.Default())

	rec := httptest.NewRecorder()
	h.Change(rec, authed("POST", "/api/plan-change", `{"newSubjectIds":["mathematics"],"timing":"next_period"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TimingNextPeriod, plans.gotTiming)

	rec = httptest.NewRecorder()
	h.Change(rec, authed("POST", "/api/plan-change", `{"newSubjectIds":["mathematics"],"timing":"tomorrow"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Change(rec, authed("POST", "/api/plan-change", `{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON", decodeBody(t, rec)["error"])
}

func TestPlanChangeErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		msg  string
	}{
		{"no change", apperror.Conflict("your plan already includes exactly these subjects"), http.StatusConflict, "your plan already includes exactly these subjects"},
		{"bad input", apperror.InvalidArgument("select at least one subject"), http.StatusBadRequest, "select at least one subject"},
		{"stripe down", apperror.External("stripe", errors.New("timeout")), http.StatusBadGateway, ""},
		{"internal", errors.New("database is locked"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPlanChangeHandler(&fakePlans{err: tt.err}, slog.Default())
			rec := httptest.NewRecorder()
			h.Change(rec, authed("POST", "/api/plan-change", `{"newSubjectIds":["mathematics"]}`))

			assert.Equal(t, tt.want, rec.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, decodeBody(t, rec)["error"])
			}
			assert.NotContains(t, rec.Body.String(), "database is locked")
		})
	}
}

func TestUndoPendingChange(t *testing.T) {
	plans := &fakePlans{}
	h := NewPlanChangeHandler(plans, slog.Default())

	rec := httptest.NewRecorder()
	h.Undo(rec, authed("POST", "/api/undo-pending-change", `{"changeId":"pc_1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pc_1", plans.gotChange)
	assert.NotEmpty(t, decodeBody(t, rec)["message"])

	rec = httptest.NewRecorder()
	h.Undo(rec, authed("POST", "/api/undo-pending-change", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, tt := range []struct {
		err  error
		want int
	}{
		{apperror.NotFound("pending change not found"), http.StatusNotFound},
		{apperror.Forbidden("not your pending change"), http.StatusForbidden},
	} {
		h := NewPlanChangeHandler(&fakePlans{err: tt.err}, slog.Default())
		rec := httptest.NewRecorder()
		h.Undo(rec, authed("POST", "/api/undo-pending-change", `{"changeId":"pc_1"}`))
		assert.Equal(t, tt.want, rec.Code)
	}
}

func TestModifyPendingChangeMergesInputs(t *testing.T) {
	plans := &fakePlans{}
	h := NewPlanChangeHandler(plans, slog.Default())

	rec := httptest.NewRecorder()
	h.Modify(rec, authed("POST", "/api/modify-pending-change", `{"subjectId":"physics","restoreSubjectIds":["chemistry"]}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"chemistry", "physics"}, plans.gotIDs)

	rec = httptest.NewRecorder()
	h.Modify(rec, authed("POST", "/api/modify-pending-change", `{"subjectId":"physics"}`))
	assert.Equal(t, []string{"physics"}, plans.gotIDs)
}

func TestSubscriptionView(t *testing.T) {
	plans := &fakePlans{}
	h := NewPlanChangeHandler(plans, slog.Default())

	rec := httptest.NewRecorder()
	h.Subscription(rec, authed("GET", "/api/subscription", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	projection := decodeBody(t, rec)["projection"].(map[string]any)
	assert.Equal(t, float64(1), projection["nextCount"])
}

type fakeVerifier struct {
	event stripe.Event
	err   error
}

func (f *fakeVerifier) ConstructWebhookEvent(payload []byte, sig string) (stripe.Event, error) {
	if f.err != nil {
		return stripe.Event{}, f.err
	}
	return f.event, nil
}

type fakeEvents struct {
	handled []string
	err     error
}

func (f *fakeEvents) HandleEvent(_ context.Context, event stripe.Event) error {
	f.handled = append(f.handled, event.ID)
	return f.err
}

func TestWebhook(t *testing.T) {
	verifier := &fakeVerifier{event: stripe.Event{ID: "evt_1", Type: "invoice.payment_succeeded"}}
	events := &fakeEvents{}
	h := NewWebhookHandler(verifier, events, slog.Default())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evt_1"}, events.handled)

	events.err = errors.New("database is locked")
	rec = httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	events := &fakeEvents{}
	h := NewWebhookHandler(&fakeVerifier{err: errors.New("no signatures found")}, events, slog.Default())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, events.handled)
}

type fakeProvider struct {
	customers int
	items     []pricing.LineItem
	subjects  []string
	portalFor string
}

func (f *fakeProvider) CreateCustomer(_ context.Context, accountID int64, email string) (string, error) {
	f.customers++
	return "cus_new", nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, customerID string, accountID int64, subjectIDs []string, items []pricing.LineItem) (string, error) {
	f.subjects, f.items = subjectIDs, items
	return "https://checkout.stripe.test/" + customerID, nil
}

func (f *fakeProvider) CreateBillingPortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.portalFor = customerID
	return "https://billing.stripe.test/" + customerID, nil
}

type fakeAccounts struct {
	account *model.Account
	savedID string
}

func (f *fakeAccounts) GetByID(context.Context, int64) (*model.Account, error) { return f.account, nil }

func (f *fakeAccounts) UpdateStripeCustomerID(_ context.Context, _ int64, customerID string) error {
	f.savedID = customerID
	f.account.StripeCustomerID = &customerID
	return nil
}

type fakeSubscriptions struct{ sub *model.Subscription }

func (f *fakeSubscriptions) GetByAccountID(context.Context, int64) (*model.Subscription, error) {
	return f.sub, nil
}

type fakeSubjects struct{}

func (fakeSubjects) Unknown(_ context.Context, ids []string) ([]string, error) {
	var unknown []string
	for _, id := range ids {
		if id == "astrology" {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

func newCheckoutHandler(account *model.Account, sub *model.Subscription) (*CheckoutHandler, *fakeProvider, *fakeAccounts) {
	provider := &fakeProvider{}
	accounts := &fakeAccounts{account: account}
	calc := pricing.New(pricing.Config{
		BasePrice:         decimal.RequireFromString("12"),
		AdditionalPrice:   decimal.RequireFromString("8"),
		BasePriceID:       "price_base",
		AdditionalPriceID: "price_add",
		Currency:          "eur",
	})
	h := NewCheckoutHandler(provider, accounts, &fakeSubscriptions{sub: sub}, fakeSubjects{}, calc, "https://billing.test", slog.Default())
	return h, provider, accounts
}

func TestCheckoutCreatesCustomerOnce(t *testing.T) {
	h, provider, accounts := newCheckoutHandler(&model.Account{ID: testAccount, Email: "a@example.com"}, nil)

	rec := httptest.NewRecorder()
	h.CreateCheckoutSession(rec, authed("POST", "/api/checkout", `{"subjectIds":["physics","mathematics","physics"]}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://checkout.stripe.test/cus_new", decodeBody(t, rec)["url"])
	assert.Equal(t, "cus_new", accounts.savedID)
	assert.Equal(t, []string{"mathematics", "physics"}, provider.subjects)
	assert.Equal(t, []pricing.LineItem{
		{PriceID: "price_base", Quantity: 1},
		{PriceID: "price_add", Quantity: 1},
	}, provider.items)

	rec = httptest.NewRecorder()
	h.CreateCheckoutSession(rec, authed("POST", "/api/checkout", `{"subjectIds":["physics"]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, provider.customers)
}

func TestCheckoutValidation(t *testing.T) {
	active := &model.Subscription{Status: model.StatusActive}
	canceled := &model.Subscription{Status: model.StatusCanceled}

	tests := []struct {
		name string
		sub  *model.Subscription
		body string
		want int
	}{
		{"no subjects", nil, `{"subjectIds":[]}`, http.StatusBadRequest},
		{"unknown subject", nil, `{"subjectIds":["astrology"]}`, http.StatusBadRequest},
		{"already subscribed", active, `{"subjectIds":["physics"]}`, http.StatusConflict},
		{"resubscribe after cancel", canceled, `{"subjectIds":["physics"]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newCheckoutHandler(&model.Account{ID: testAccount, Email: "a@example.com"}, tt.sub)
			rec := httptest.NewRecorder()
			h.CreateCheckoutSession(rec, authed("POST", "/api/checkout", tt.body))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBillingPortal(t *testing.T) {
	h, _, _ := newCheckoutHandler(&model.Account{ID: testAccount, Email: "a@example.com"}, nil)
	rec := httptest.NewRecorder()
	h.BillingPortal(rec, authed("POST", "/api/billing-portal", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	customer := "cus_1"
	h, provider, _ := newCheckoutHandler(&model.Account{ID: testAccount, Email: "a@example.com", StripeCustomerID: &customer}, nil)
	rec = httptest.NewRecorder()
	h.BillingPortal(rec, authed("POST", "/api/billing-portal", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cus_1", provider.portalFor)
}

type fakeLoginAccounts struct{ emails []string }

func (f *fakeLoginAccounts) GetOrCreate(_ context.Context, email string) (*model.Account, error) {
	f.emails = append(f.emails, email)
	return &model.Account{ID: testAccount, Email: email}, nil
}

type fakeSessions struct {
	sessions map[string]*model.Session
	deleted  []int64
}

func (f *fakeSessions) Create(_ context.Context, accountID int64) (*model.Session, error) {
	sess := &model.Session{ID: 1, Token: "tok_1", AccountID: accountID, ExpiresAt: time.Now().Add(time.Hour)}
	f.sessions[sess.Token] = sess
	return sess, nil
}

func (f *fakeSessions) GetByToken(_ context.Context, token string) (*model.Session, error) {
	return f.sessions[token], nil
}

func (f *fakeSessions) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeMagicLinks struct{ sent map[string]string }

func (f *fakeMagicLinks) Configured() bool { return true }

func (f *fakeMagicLinks) SendMagicLink(_ context.Context, to, token string) error {
	f.sent[to] = token
	return nil
}

func TestLoginVerifyLogout(t *testing.T) {
	accounts := &fakeLoginAccounts{}
	sessions := &fakeSessions{sessions: map[string]*model.Session{}}
	mailer := &fakeMagicLinks{sent: map[string]string{}}
	h := NewAuthHandler(accounts, sessions, mailer, "https://billing.test", slog.Default())

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest("POST", "/login", strings.NewReader(`{"email":" A@Example.com "}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a@example.com"}, accounts.emails)
	assert.Equal(t, "tok_1", mailer.sent["a@example.com"])

	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest("GET", "/auth/verify?token=tok_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, "tok_1", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest("GET", "/auth/verify?token=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok_1"})
	rec = httptest.NewRecorder()
	h.Logout(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{1}, sessions.deleted)
}

func TestLoginRejectsBadEmail(t *testing.T) {
	accounts := &fakeLoginAccounts{}
	h := NewAuthHandler(accounts, &fakeSessions{sessions: map[string]*model.Session{}}, nil, "http://localhost", slog.Default())

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest("POST", "/login", strings.NewReader(`{"email":"not an email"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, accounts.emails)
}

type fakeSubjectList struct{}

func (fakeSubjectList) List(context.Context) ([]model.Subject, error) {
	return []model.Subject{{ID: "mathematics", Name: "Mathematics"}}, nil
}

func TestSubjects(t *testing.T) {
	h := NewAccountHandler(fakeSubjectList{}, &fakeAccounts{account: &model.Account{ID: testAccount, Email: "a@example.com"}}, slog.Default())

	rec := httptest.NewRecorder()
	h.Subjects(rec, authed("GET", "/api/subjects", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"mathematics"`)

	rec = httptest.NewRecorder()
	h.Me(rec, authed("GET", "/api/account", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a@example.com", decodeBody(t, rec)["email"])
}
