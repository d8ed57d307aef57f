// Package metering computes billable units for inference requests and keeps per-account
// usage counters.
package metering

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"

	"github.com/kyegomez/KosmosX-API/internal/shared/apperr"
	"github.com/kyegomez/KosmosX-API/internal/shared/database"
	"github.com/kyegomez/KosmosX-API/internal/shared/keylock"
	"github.com/kyegomez/KosmosX-API/internal/shared/models"
)

// Minimum charges per request
const (
	MinTextTokens int64 = 100
	MinImages     int64 = 1
)

// Cost is an amount of billable units in one category
type Cost struct {
	Category models.Category `json:"category"`
	Units    int64           `json:"units"`
}

// Store is where counters live. *database.DB implements it.
type Store interface {
	AddUsage(ctx context.Context, identity string, category models.Category, amount int64) error
	GetAccountByIdentity(ctx context.Context, identity string) (*models.Account, error)
}

type Meter struct {
	store Store
	locks *keylock.Locks
	rates atomic.Pointer[Rates]
}

// NewMeter creates a meter. locks must be the set shared with the credential store.
func NewMeter(store Store, locks *keylock.Locks, rates Rates) *Meter {
	m := &Meter{store: store, locks: locks}
	m.SetRates(rates)
	return m
}

// Rates returns the prices currently in effect
func (m *Meter) Rates() Rates {
	return *m.rates.Load()
}

// SetRates swaps prices without blocking readers
func (m *Meter) SetRates(r Rates) {
	m.rates.Store(&r)
}

// CountTokens approximates tokens as whitespace-separated words
func CountTokens(text string) int64 {
	return int64(len(strings.Fields(text)))
}

// Minimum returns the smallest charge for a category
func Minimum(category models.Category) int64 {
	if category == models.CategoryImagesProcessed {
		return MinImages
	}
	return MinTextTokens
}

// Estimate is a pre-flight cost for capacity planning. It never reserves anything.
func (m *Meter) Estimate(p models.Payload) Cost {
	units := CountTokens(p.Text)
	if p.IsImage() {
		units = int64(len(p.Images))
	}
	return Cost{Category: p.Category(), Units: max(Minimum(p.Category()), units)}
}

// Actual is the post-inference cost. Runner-reported token usage wins over counting.
func (m *Meter) Actual(p models.Payload, result *models.GenerationResult) Cost {
	if p.IsImage() {
		return Cost{Category: models.CategoryImagesProcessed, Units: max(MinImages, int64(len(p.Images)))}
	}

	var units int64
	if result != nil && result.Usage != nil && result.Usage.TotalTokens > 0 {
		units = int64(result.Usage.TotalTokens)
	} else {
		units = CountTokens(p.Text)
		if result != nil {
			units += CountTokens(result.Text)
		}
	}
	return Cost{Category: models.CategoryTextTokens, Units: max(MinTextTokens, units)}
}

// Charge adds amount to the account's counter for category, raised to the category
// minimum. It returns the amount recorded.
func (m *Meter) Charge(ctx context.Context, identity string, category models.Category, amount int64) (int64, error) {
	amount = max(amount, Minimum(category))

	unlock := m.locks.Lock(identity)
	defer unlock()

	if err := m.store.AddUsage(ctx, identity, category, amount); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, apperr.New(apperr.KindNotFound, "account not found")
		}
		return 0, apperr.Wrap(apperr.KindStorage, "usage storage unavailable", err)
	}
	return amount, nil
}

// UsageSnapshot returns the account's accumulated usage per category
func (m *Meter) UsageSnapshot(ctx context.Context, identity string) (map[models.Category]int64, error) {
	account, err := m.store.GetAccountByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "account not found")
		}
		return nil, apperr.Wrap(apperr.KindStorage, "usage storage unavailable", err)
	}
	return account.Usage(), nil
}

// InvoiceLine prices one category
type InvoiceLine struct {
	Category  models.Category `json:"category"`
	Units     int64           `json:"units"`
	UnitPrice float64         `json:"unit_price_usd"`
	AmountUSD float64         `json:"amount_usd"`
}

// Invoice is a priced usage snapshot
type Invoice struct {
	Lines      []InvoiceLine `json:"lines"`
	TotalUSD   float64       `json:"total_usd"`
	TotalCents int64         `json:"total_cents"`
}

// Bill prices a usage snapshot with the current rates
func (m *Meter) Bill(usage map[models.Category]int64) Invoice {
	r := m.Rates()

	text := usage[models.CategoryTextTokens]
	images := usage[models.CategoryImagesProcessed]

	lines := []InvoiceLine{
		{
			Category:  models.CategoryTextTokens,
			Units:     text,
			UnitPrice: r.TextPer1K / 1000,
			AmountUSD: float64(text) / 1000 * r.TextPer1K,
		},
		{
			Category:  models.CategoryImagesProcessed,
			Units:     images,
			UnitPrice: r.PerImage,
			AmountUSD: float64(images) * r.PerImage,
		},
	}

	var total float64
	for _, l := range lines {
		total += l.AmountUSD
	}
	cents := int64(math.Round(total * 100))

	return Invoice{Lines: lines, TotalUSD: float64(cents) / 100, TotalCents: cents}
}
