package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Session is a login session. Token holds the raw bearer token and is only
// populated by SessionStore.Create; the database keeps its hash.
type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"-"`
	TokenHash string    `json:"-"`
	AccountID int64     `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusUnpaid     SubscriptionStatus = "unpaid"
)

// CanChangePlan reports whether the subscription may still be modified.
func (s SubscriptionStatus) CanChangePlan() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

type Subscription struct {
	ID                   int64              `json:"id"`
	AccountID            int64              `json:"account_id"`
	StripeCustomerID     *string            `json:"stripe_customer_id"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id"`
	Status               SubscriptionStatus `json:"status"`
	SubjectCount         int                `json:"subject_count"`
	CustomPrice          decimal.Decimal    `json:"custom_price"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	Version              int64              `json:"version"`
	LastEventAt          *time.Time         `json:"-"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}
