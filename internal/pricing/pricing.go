// Package pricing resolves currency prices in a common quote unit (USDT) for
// cross-currency ROI normalization. A price lookup may fail independently per
// currency; callers treat failures as non-fatal and degrade gracefully.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no price is known for a currency.
var ErrPriceUnavailable = fmt.Errorf("pricing: price unavailable")

// Source resolves the USDT price of one currency unit.
type Source interface {
	Price(ctx context.Context, currency string) (decimal.Decimal, error)
}

// StaticSource serves prices from a fixed map. Used in tests and as a
// fallback when no live source is configured. Stable quote currencies
// (USDT, USD) always price at 1.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a static price source.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &StaticSource{prices: prices}
}

func (s *StaticSource) Price(_ context.Context, currency string) (decimal.Decimal, error) {
	if isStable(currency) {
		return decimal.New(1, 0), nil
	}
	p, ok := s.prices[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, currency)
	}
	return p, nil
}

func isStable(currency string) bool {
	return currency == "USDT" || currency == "USD" || currency == "USDC"
}
