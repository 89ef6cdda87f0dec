// Package limits enforces caps on the capital a follower may commit to
// copy-trading allocations.
//
// Two limits apply when a follower funds a market: a per-market cap on the
// committed value in any single symbol, and an aggregate cap on everything
// the follower has committed under the same leader. Values are compared in a
// common quote unit (USDT), so callers price both allocation legs before
// checking.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when an allocation would push a
	// single market's committed value beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market allocation limit exceeded")

	// ErrLeaderLimitExceeded is returned when an allocation would push the
	// follower's aggregate committed value under one leader beyond the
	// per-leader maximum.
	ErrLeaderLimitExceeded = errors.New("limits: per-leader allocation limit exceeded")
)

// AllocationLimiter enforces allocation caps.
type AllocationLimiter struct {
	// MaxPerMarket is the maximum committed value in any single symbol.
	MaxPerMarket decimal.Decimal

	// MaxPerLeader is the maximum aggregate committed value across all of
	// a follower's markets under one leader.
	MaxPerLeader decimal.Decimal
}

// NewAllocationLimiter creates a limiter with the given per-market and
// per-leader caps.
func NewAllocationLimiter(maxPerMarket, maxPerLeader decimal.Decimal) *AllocationLimiter {
	return &AllocationLimiter{
		MaxPerMarket: maxPerMarket,
		MaxPerLeader: maxPerLeader,
	}
}

// CheckLimit validates whether committing addValue to targetSymbol respects
// both caps.
//
// Parameters:
//   - targetSymbol: the market being funded
//   - addValue: the value of the new commitment in the common quote unit
//   - existing: map of symbol to currently committed value for this
//     follower under the same leader
//
// Returns nil if the allocation is within limits, or an error describing
// the violation.
func (l *AllocationLimiter) CheckLimit(
	targetSymbol string,
	addValue decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	newInMarket := existing[targetSymbol].Add(addValue)
	if newInMarket.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	total := newInMarket
	for symbol, value := range existing {
		if symbol == targetSymbol {
			continue // already counted via newInMarket above
		}
		total = total.Add(value)
	}

	if total.GreaterThan(l.MaxPerLeader) {
		return ErrLeaderLimitExceeded
	}

	return nil
}
