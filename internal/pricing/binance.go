package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// BinanceSource resolves live ticker prices from Binance, with a short
// in-process cache so a burst of stats reads does not hammer the ticker API.
type BinanceSource struct {
	client *binance.Client

	mu     sync.Mutex
	cached map[string]cachedPrice
	ttl    time.Duration
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewBinanceSource creates a Binance-backed price source. Ticker lookups are
// public endpoints, so no API keys are required.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{
		client: binance.NewClient("", ""),
		cached: make(map[string]cachedPrice),
		ttl:    30 * time.Second,
	}
}

func (s *BinanceSource) Price(ctx context.Context, currency string) (decimal.Decimal, error) {
	if isStable(currency) {
		return decimal.New(1, 0), nil
	}

	s.mu.Lock()
	if c, ok := s.cached[currency]; ok && time.Since(c.fetchedAt) < s.ttl {
		s.mu.Unlock()
		return c.price, nil
	}
	s.mu.Unlock()

	symbol := currency + "USDT"
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, currency, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, currency)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: bad ticker price %q", ErrPriceUnavailable, currency, prices[0].Price)
	}

	s.mu.Lock()
	s.cached[currency] = cachedPrice{price: price, fetchedAt: time.Now()}
	s.mu.Unlock()

	return price, nil
}
