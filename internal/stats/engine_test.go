package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/cache"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/pricing"
	"github.com/copytrade/copy-engine/internal/stats"
	"github.com/copytrade/copy-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// brokenCache fails every operation, standing in for an unreachable Redis.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenCache) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}

// seedClosedTrade appends one CLOSED leader trade.
func seedClosedTrade(t *testing.T, ms *store.MemoryStore, leaderID string, profit, cost float64, closedAt time.Time) {
	t.Helper()
	seedTrade(t, ms, model.Trade{
		LeaderID: leaderID, IsLeaderTrade: true, Symbol: "BTC/USDT",
		Status: model.TradeClosed, Profit: d(profit), Cost: d(cost),
		OpenedAt: closedAt.Add(-time.Hour), ClosedAt: &closedAt,
	})
}

var tradeSeq int

func seedTrade(t *testing.T, ms *store.MemoryStore, tr model.Trade) {
	t.Helper()
	tradeSeq++
	if tr.ID == "" {
		tr.ID = decimal.NewFromInt(int64(tradeSeq)).String()
	}
	if err := ms.InsertTrade(context.Background(), &tr); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestLeaderStats_WinRateAndROI(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, nil)

	now := time.Now().UTC()
	// 5 closed trades, 3 winning, profit 120 on volume 1000.
	seedClosedTrade(t, ms, "leader1", 50, 200, now)
	seedClosedTrade(t, ms, "leader1", 40, 200, now)
	seedClosedTrade(t, ms, "leader1", 60, 200, now)
	seedClosedTrade(t, ms, "leader1", -20, 200, now)
	seedClosedTrade(t, ms, "leader1", -10, 200, now)
	// Open trades never count.
	seedTrade(t, ms, model.Trade{
		LeaderID: "leader1", IsLeaderTrade: true, Symbol: "BTC/USDT",
		Status: model.TradeOpen, Profit: d(999), Cost: d(999), OpenedAt: now,
	})

	ms.PutFollower(model.Follower{ID: "f1", UserID: "u1", LeaderID: "leader1", Status: model.FollowerActive})
	ms.PutFollower(model.Follower{ID: "f2", UserID: "u2", LeaderID: "leader1", Status: model.FollowerPaused})
	ms.PutFollower(model.Follower{ID: "f3", UserID: "u3", LeaderID: "leader1", Status: model.FollowerStopped})

	st, err := eng.LeaderStats(context.Background(), "leader1")
	if err != nil {
		t.Fatalf("leader stats failed: %v", err)
	}

	if st.TotalTrades != 5 || st.WinningTrades != 3 {
		t.Errorf("expected 5 trades / 3 winning, got %d / %d", st.TotalTrades, st.WinningTrades)
	}
	if !st.WinRate.Equal(d(60)) {
		t.Errorf("expected win rate 60, got %s", st.WinRate)
	}
	if !st.TotalProfit.Equal(d(120)) {
		t.Errorf("expected profit 120, got %s", st.TotalProfit)
	}
	if !st.ROI.Equal(d(12)) {
		t.Errorf("expected ROI 12, got %s", st.ROI)
	}
	if st.Followers != 2 {
		t.Errorf("stopped followers must not count: got %d", st.Followers)
	}
}

func TestLeaderStats_ZeroTrades(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, nil)

	st, err := eng.LeaderStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("leader stats failed: %v", err)
	}
	if st.TotalTrades != 0 {
		t.Errorf("expected 0 trades, got %d", st.TotalTrades)
	}
	if !st.WinRate.IsZero() || !st.ROI.IsZero() {
		t.Errorf("zero trades must yield zero rates, got winRate=%s roi=%s", st.WinRate, st.ROI)
	}
}

func TestLeaderStats_BrokenCacheStillServes(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, brokenCache{}, nil)

	now := time.Now().UTC()
	seedClosedTrade(t, ms, "leader1", 10, 100, now)

	st, err := eng.LeaderStats(context.Background(), "leader1")
	if err != nil {
		t.Fatalf("stats must survive a broken cache: %v", err)
	}
	if st.TotalTrades != 1 || !st.ROI.Equal(d(10)) {
		t.Errorf("unexpected stats with broken cache: %+v", st)
	}
}

func TestLeaderStats_CachedUntilInvalidated(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, cache.NewMemoryCache(), nil)

	now := time.Now().UTC()
	seedClosedTrade(t, ms, "leader1", 10, 100, now)

	first, err := eng.LeaderStats(context.Background(), "leader1")
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}

	// A new trade is invisible until the cache entry is dropped.
	seedClosedTrade(t, ms, "leader1", 30, 100, now)

	cached, err := eng.LeaderStats(context.Background(), "leader1")
	if err != nil {
		t.Fatalf("cached read failed: %v", err)
	}
	if cached.TotalTrades != first.TotalTrades {
		t.Errorf("expected stale cached stats, got %d trades", cached.TotalTrades)
	}

	eng.InvalidateTradeRelatedCaches(context.Background(), "leader1", nil, nil)

	fresh, err := eng.LeaderStats(context.Background(), "leader1")
	if err != nil {
		t.Fatalf("fresh read failed: %v", err)
	}
	if fresh.TotalTrades != 2 {
		t.Errorf("expected 2 trades after invalidation, got %d", fresh.TotalTrades)
	}
}

func TestFollowerStats_ROIOverAllocationValue(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := pricing.NewStaticSource(map[string]decimal.Decimal{"BTC": d(50000)})
	eng := stats.NewEngine(ms, nil, prices)

	now := time.Now().UTC()
	seedTrade(t, ms, model.Trade{
		LeaderID: "leader1", FollowerID: "f1", Symbol: "BTC/USDT",
		Status: model.TradeClosed, Profit: d(500), Cost: d(2000),
		OpenedAt: now.Add(-time.Hour), ClosedAt: &now,
	})
	ms.PutAllocation(model.FollowerAllocation{
		ID: "a1", FollowerID: "f1", LeaderID: "leader1", UserID: "u1",
		Symbol: "BTC/USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		BaseAmount: d(0.1), QuoteAmount: d(5000),
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	})

	st, err := eng.FollowerStats(context.Background(), "f1")
	if err != nil {
		t.Fatalf("follower stats failed: %v", err)
	}

	// 0.1 BTC * 50000 + 5000 USDT = 10000; ROI = 500/10000 = 5%.
	if !st.AllocationValue.Equal(d(10000)) {
		t.Errorf("expected allocation value 10000, got %s", st.AllocationValue)
	}
	if !st.ROI.Equal(d(5)) {
		t.Errorf("expected ROI 5, got %s", st.ROI)
	}
	if !st.WinRate.Equal(d(100)) {
		t.Errorf("expected win rate 100, got %s", st.WinRate)
	}
}

func TestFollowerStats_PriceFailureDropsLeg(t *testing.T) {
	ms := store.NewMemoryStore()
	// No price known for OBSCURE; its leg drops out of the denominator.
	prices := pricing.NewStaticSource(nil)
	eng := stats.NewEngine(ms, nil, prices)

	now := time.Now().UTC()
	seedTrade(t, ms, model.Trade{
		LeaderID: "leader1", FollowerID: "f1", Symbol: "OBSCURE/USDT",
		Status: model.TradeClosed, Profit: d(100), Cost: d(400),
		OpenedAt: now.Add(-time.Hour), ClosedAt: &now,
	})
	ms.PutAllocation(model.FollowerAllocation{
		ID: "a1", FollowerID: "f1", LeaderID: "leader1", UserID: "u1",
		Symbol: "OBSCURE/USDT", BaseCurrency: "OBSCURE", QuoteCurrency: "USDT",
		BaseAmount: d(1000), QuoteAmount: d(2000),
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	})

	st, err := eng.FollowerStats(context.Background(), "f1")
	if err != nil {
		t.Fatalf("follower stats failed: %v", err)
	}

	// Only the priceable USDT leg counts: ROI = 100/2000 = 5%.
	if !st.AllocationValue.Equal(d(2000)) {
		t.Errorf("expected allocation value 2000, got %s", st.AllocationValue)
	}
	if !st.ROI.Equal(d(5)) {
		t.Errorf("expected ROI 5, got %s", st.ROI)
	}
}

func TestFollowerStats_NoAllocationsZeroROI(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, pricing.NewStaticSource(nil))

	now := time.Now().UTC()
	seedTrade(t, ms, model.Trade{
		LeaderID: "leader1", FollowerID: "f1", Symbol: "BTC/USDT",
		Status: model.TradeClosed, Profit: d(10), Cost: d(100),
		OpenedAt: now.Add(-time.Hour), ClosedAt: &now,
	})

	st, err := eng.FollowerStats(context.Background(), "f1")
	if err != nil {
		t.Fatalf("follower stats failed: %v", err)
	}
	if !st.ROI.IsZero() {
		t.Errorf("ROI over a zero denominator must be zero, got %s", st.ROI)
	}
}

func TestAllocationStats_Utilization(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, nil)

	now := time.Now().UTC()
	ms.PutAllocation(model.FollowerAllocation{
		ID: "a1", FollowerID: "f1", LeaderID: "leader1", UserID: "u1",
		Symbol: "BTC/USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		BaseAmount: d(2), BaseUsedAmount: d(0.5),
		QuoteAmount: d(1000), QuoteUsedAmount: d(333),
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	})
	seedTrade(t, ms, model.Trade{
		LeaderID: "leader1", FollowerID: "f1", AllocationID: "a1",
		Symbol: "BTC/USDT", Status: model.TradeClosed, Profit: d(25), Cost: d(100),
		OpenedAt: now.Add(-time.Hour), ClosedAt: &now,
	})

	st, err := eng.AllocationStats(context.Background(), "a1")
	if err != nil {
		t.Fatalf("allocation stats failed: %v", err)
	}

	if !st.BaseUtilization.Equal(d(25)) {
		t.Errorf("expected base utilization 25, got %s", st.BaseUtilization)
	}
	if !st.QuoteUtilization.Equal(d(33.3)) {
		t.Errorf("expected quote utilization 33.3, got %s", st.QuoteUtilization)
	}
	if st.TotalTrades != 1 || !st.TotalProfit.Equal(d(25)) {
		t.Errorf("unexpected trade aggregate: %+v", st)
	}
}

func TestBatchLeaderStats_MatchesIndividual(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, nil)

	now := time.Now().UTC()
	seedClosedTrade(t, ms, "leader1", 50, 500, now)
	seedClosedTrade(t, ms, "leader1", -10, 500, now)
	seedClosedTrade(t, ms, "leader2", 30, 300, now)
	ms.PutFollower(model.Follower{ID: "f1", UserID: "u1", LeaderID: "leader1", Status: model.FollowerActive})

	batch, err := eng.BatchLeaderStats(context.Background(), []string{"leader1", "leader2", "leader3"})
	if err != nil {
		t.Fatalf("batch stats failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries in input order, got %d", len(batch))
	}

	for _, b := range batch {
		single, err := eng.LeaderStats(context.Background(), b.LeaderID)
		if err != nil {
			t.Fatalf("individual stats failed: %v", err)
		}
		if b.TotalTrades != single.TotalTrades ||
			!b.WinRate.Equal(single.WinRate) ||
			!b.ROI.Equal(single.ROI) ||
			b.Followers != single.Followers {
			t.Errorf("batch and individual stats diverge for %s: %+v vs %+v",
				b.LeaderID, b, single)
		}
	}

	// A leader with no trades is still present with zeros.
	if batch[2].LeaderID != "leader3" || batch[2].TotalTrades != 0 || !batch[2].WinRate.IsZero() {
		t.Errorf("expected zeroed entry for leaderless input, got %+v", batch[2])
	}
}

func TestLeaderDailyPerformance_Buckets(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := stats.NewEngine(ms, nil, nil)

	now := time.Now().UTC()
	seedClosedTrade(t, ms, "leader1", 10, 100, now)
	seedClosedTrade(t, ms, "leader1", 20, 100, now)
	seedClosedTrade(t, ms, "leader1", 5, 100, now.AddDate(0, 0, -2))
	// Outside the 7 day window.
	seedClosedTrade(t, ms, "leader1", 99, 100, now.AddDate(0, 0, -30))

	perf, err := eng.LeaderDailyPerformance(context.Background(), "leader1", 7)
	if err != nil {
		t.Fatalf("daily performance failed: %v", err)
	}

	if len(perf.Buckets) != 2 {
		t.Fatalf("expected 2 daily buckets, got %d", len(perf.Buckets))
	}
	today := perf.Buckets[len(perf.Buckets)-1]
	if today.Trades != 2 || !today.Profit.Equal(d(30)) {
		t.Errorf("unexpected todays bucket: %+v", today)
	}
}
