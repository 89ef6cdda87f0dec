package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(50000))

	err := limiter.CheckLimit("BTC/USDT", d(1000), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(50000))

	// Existing commitment of 9500 + new 1000 = 10500 > 10000.
	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(9500),
	}

	err := limiter.CheckLimit("BTC/USDT", d(1000), existing)
	if err != ErrMarketLimitExceeded {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMarketBoundaryAllowed(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(50000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(9000),
	}

	// Exactly at the cap is allowed.
	err := limiter.CheckLimit("BTC/USDT", d(1000), existing)
	if err != nil {
		t.Errorf("commitment at the cap should pass, got %v", err)
	}
}

func TestCheckLimit_PerLeaderExceeded(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(20000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(9000),
		"ETH/USDT": d(8000),
	}

	// New market of 5000: total = 5000 + 9000 + 8000 = 22000 > 20000.
	err := limiter.CheckLimit("SOL/USDT", d(5000), existing)
	if err != ErrLeaderLimitExceeded {
		t.Errorf("expected ErrLeaderLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_TargetMarketCountedOnce(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(20000))

	existing := map[string]decimal.Decimal{
		"BTC/USDT": d(6000),
		"ETH/USDT": d(7000),
	}

	// Total = (6000 + 5000) + 7000 = 18000 < 20000; the target symbol must
	// not be double counted in the aggregate.
	err := limiter.CheckLimit("BTC/USDT", d(5000), existing)
	if err != ErrMarketLimitExceeded {
		t.Errorf("expected per-market failure before leader cap, got %v", err)
	}

	smaller := limiter.CheckLimit("BTC/USDT", d(4000), existing)
	if smaller != nil {
		t.Errorf("expected no error when both caps hold, got %v", smaller)
	}
}

func TestCheckLimit_NilExisting(t *testing.T) {
	limiter := NewAllocationLimiter(d(10000), d(50000))

	err := limiter.CheckLimit("BTC/USDT", d(5000), nil)
	if err != nil {
		t.Errorf("nil existing map should be treated as empty, got %v", err)
	}
}
