// Package pricing maps a subject count to a monthly price and to the Stripe
// line items that bill it.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/studyplan/internal/apperror"
)

// LineItem is one billable Stripe price with its quantity.
type LineItem struct {
	PriceID  string `json:"price_id"`
	Quantity int64  `json:"quantity"`
}

type Config struct {
	BasePrice         decimal.Decimal
	AdditionalPrice   decimal.Decimal
	BasePriceID       string
	AdditionalPriceID string
	Currency          string
}

// Calculator prices a subscription: the first subject costs BasePrice and
// each further subject costs AdditionalPrice.
type Calculator struct {
	cfg Config
}

func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Currency() string {
	return c.cfg.Currency
}

// Price returns the monthly price for subjectCount subjects, rounded to cents.
func (c *Calculator) Price(subjectCount int) (decimal.Decimal, error) {
	if err := validateCount(subjectCount); err != nil {
		return decimal.Zero, err
	}
	if subjectCount == 0 {
		return decimal.Zero, nil
	}
	extra := decimal.NewFromInt(int64(subjectCount - 1))
	return c.cfg.BasePrice.Add(c.cfg.AdditionalPrice.Mul(extra)).Round(2), nil
}

// LineItems returns the Stripe items billing subjectCount subjects. Zero
// subjects bill nothing.
func (c *Calculator) LineItems(subjectCount int) ([]LineItem, error) {
	if err := validateCount(subjectCount); err != nil {
		return nil, err
	}
	if subjectCount == 0 {
		return nil, nil
	}
	items := []LineItem{{PriceID: c.cfg.BasePriceID, Quantity: 1}}
	if subjectCount > 1 {
		items = append(items, LineItem{PriceID: c.cfg.AdditionalPriceID, Quantity: int64(subjectCount - 1)})
	}
	return items, nil
}

// MustPrice is Price for counts already known to be valid.
func (c *Calculator) MustPrice(subjectCount int) decimal.Decimal {
	p, err := c.Price(subjectCount)
	if err != nil {
		panic(err)
	}
	return p
}

func validateCount(n int) error {
	if n < 0 {
		return apperror.InvalidArgument(fmt.Sprintf("subject count must not be negative, got %d", n))
	}
	return nil
}
