// Package stats computes leader, follower, and allocation performance
// metrics on demand from the trade ledger. Nothing here is stored as the
// sole source of truth: every number is recomputed from trades, with a
// time-boxed cache to bound recomputation cost under read load.
//
// The cache is best-effort and sits outside any transactional boundary.
// Cache and price-lookup failures degrade gracefully; they never fail a
// stats read.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/cache"
	"github.com/copytrade/copy-engine/internal/metrics"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/pricing"
	"github.com/copytrade/copy-engine/internal/store"
)

// Cache TTLs per entity kind.
const (
	leaderStatsTTL     = 5 * time.Minute
	followerStatsTTL   = 5 * time.Minute
	allocationStatsTTL = 3 * time.Minute
	dailyStatsTTL      = time.Hour
)

// dailyWindows are the trailing-day windows served by the API; invalidation
// clears all of them.
var dailyWindows = []int{7, 30, 90}

// LeaderStats is a leader's derived performance summary.
type LeaderStats struct {
	LeaderID      string          `json:"leader_id"`
	Followers     int             `json:"followers"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	WinRate       decimal.Decimal `json:"win_rate"` // percent, 2dp
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	ROI           decimal.Decimal `json:"roi"` // percent, 2dp
	ComputedAt    time.Time       `json:"computed_at"`
}

// FollowerStats is a follower's derived performance summary. The ROI
// denominator is the current active-allocation value in the common quote
// unit, with both allocation legs priced independently.
type FollowerStats struct {
	FollowerID      string          `json:"follower_id"`
	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	WinRate         decimal.Decimal `json:"win_rate"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	AllocationValue decimal.Decimal `json:"allocation_value"`
	ROI             decimal.Decimal `json:"roi"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// AllocationStats is one allocation's derived performance and utilization.
type AllocationStats struct {
	AllocationID     string          `json:"allocation_id"`
	Symbol           string          `json:"symbol"`
	IsActive         bool            `json:"is_active"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	BaseUsedAmount   decimal.Decimal `json:"base_used_amount"`
	QuoteAmount      decimal.Decimal `json:"quote_amount"`
	QuoteUsedAmount  decimal.Decimal `json:"quote_used_amount"`
	BaseUtilization  decimal.Decimal `json:"base_utilization"`  // percent, 2dp
	QuoteUtilization decimal.Decimal `json:"quote_utilization"` // percent, 2dp
	TotalTrades      int             `json:"total_trades"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// DailyPerformance is a leader's per-day closed-trade buckets over a
// trailing window.
type DailyPerformance struct {
	LeaderID   string                 `json:"leader_id"`
	Days       int                    `json:"days"`
	Buckets    []model.DailyAggregate `json:"buckets"`
	ComputedAt time.Time              `json:"computed_at"`
}

// Engine computes statistics. It only ever reads the trade ledger and
// allocation store; it never mutates them or any wallet.
type Engine struct {
	store  store.Store
	cache  cache.Cache
	prices pricing.Source
}

// NewEngine creates a statistics engine. Pass nil for cache to disable
// caching; pass nil for prices to skip ROI denominators that need pricing.
func NewEngine(st store.Store, c cache.Cache, prices pricing.Source) *Engine {
	return &Engine{store: st, cache: c, prices: prices}
}

// LeaderStats computes a leader's performance from CLOSED leader trades.
// Zero trades yield zero win rate and ROI, never a division by zero.
func (e *Engine) LeaderStats(ctx context.Context, leaderID string) (*LeaderStats, error) {
	key := leaderStatsKey(leaderID)
	var cached LeaderStats
	if e.cacheRead(ctx, "leader", key, &cached) {
		return &cached, nil
	}

	followers, err := e.store.CountActiveFollowers(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	agg, err := e.store.LeaderTradeAggregate(ctx, leaderID)
	if err != nil {
		return nil, err
	}

	stats := &LeaderStats{
		LeaderID:      leaderID,
		Followers:     followers,
		TotalTrades:   agg.TotalTrades,
		WinningTrades: agg.WinningTrades,
		WinRate:       ratio(decimal.NewFromInt(int64(agg.WinningTrades)), decimal.NewFromInt(int64(agg.TotalTrades))),
		TotalProfit:   agg.TotalProfit,
		TotalVolume:   agg.TotalVolume,
		ROI:           ratio(agg.TotalProfit, agg.TotalVolume),
		ComputedAt:    time.Now().UTC(),
	}
	e.cacheWrite(ctx, key, stats, leaderStatsTTL)
	return stats, nil
}

// FollowerStats computes a follower's performance from their CLOSED trades.
// A failed price lookup for one currency drops that leg's contribution to
// the ROI denominator with a warning; it never aborts the computation.
func (e *Engine) FollowerStats(ctx context.Context, followerID string) (*FollowerStats, error) {
	key := followerStatsKey(followerID)
	var cached FollowerStats
	if e.cacheRead(ctx, "follower", key, &cached) {
		return &cached, nil
	}

	agg, err := e.store.FollowerTradeAggregate(ctx, followerID)
	if err != nil {
		return nil, err
	}
	allocValue, err := e.allocationValue(ctx, followerID)
	if err != nil {
		return nil, err
	}

	stats := &FollowerStats{
		FollowerID:      followerID,
		TotalTrades:     agg.TotalTrades,
		WinningTrades:   agg.WinningTrades,
		WinRate:         ratio(decimal.NewFromInt(int64(agg.WinningTrades)), decimal.NewFromInt(int64(agg.TotalTrades))),
		TotalProfit:     agg.TotalProfit,
		AllocationValue: allocValue,
		ROI:             ratio(agg.TotalProfit, allocValue),
		ComputedAt:      time.Now().UTC(),
	}
	e.cacheWrite(ctx, key, stats, followerStatsTTL)
	return stats, nil
}

// AllocationStats computes one allocation's utilization and trade
// performance.
func (e *Engine) AllocationStats(ctx context.Context, allocationID string) (*AllocationStats, error) {
	key := allocationStatsKey(allocationID)
	var cached AllocationStats
	if e.cacheRead(ctx, "allocation", key, &cached) {
		return &cached, nil
	}

	alloc, err := e.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	agg, err := e.store.AllocationTradeAggregate(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	stats := &AllocationStats{
		AllocationID:     alloc.ID,
		Symbol:           alloc.Symbol,
		IsActive:         alloc.IsActive,
		BaseAmount:       alloc.BaseAmount,
		BaseUsedAmount:   alloc.BaseUsedAmount,
		QuoteAmount:      alloc.QuoteAmount,
		QuoteUsedAmount:  alloc.QuoteUsedAmount,
		BaseUtilization:  ratio(alloc.BaseUsedAmount, alloc.BaseAmount),
		QuoteUtilization: ratio(alloc.QuoteUsedAmount, alloc.QuoteAmount),
		TotalTrades:      agg.TotalTrades,
		TotalProfit:      agg.TotalProfit,
		ComputedAt:       time.Now().UTC(),
	}
	e.cacheWrite(ctx, key, stats, allocationStatsTTL)
	return stats, nil
}

// BatchLeaderStats computes stats for many leaders with exactly two bulk
// queries (one for follower counts, one for trade aggregates), regardless
// of how many leaders are requested. Used for leaderboard rendering.
func (e *Engine) BatchLeaderStats(ctx context.Context, leaderIDs []string) ([]LeaderStats, error) {
	counts, err := e.store.BatchFollowerCounts(ctx, leaderIDs)
	if err != nil {
		return nil, err
	}
	aggs, err := e.store.BatchLeaderTradeAggregates(ctx, leaderIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := make([]LeaderStats, 0, len(leaderIDs))
	for _, id := range leaderIDs {
		agg := aggs[id]
		result = append(result, LeaderStats{
			LeaderID:      id,
			Followers:     counts[id],
			TotalTrades:   agg.TotalTrades,
			WinningTrades: agg.WinningTrades,
			WinRate:       ratio(decimal.NewFromInt(int64(agg.WinningTrades)), decimal.NewFromInt(int64(agg.TotalTrades))),
			TotalProfit:   agg.TotalProfit,
			TotalVolume:   agg.TotalVolume,
			ROI:           ratio(agg.TotalProfit, agg.TotalVolume),
			ComputedAt:    now,
		})
	}
	return result, nil
}

// LeaderDailyPerformance buckets a leader's closed trades per day over the
// trailing window. Unknown windows are clamped to the nearest served one.
func (e *Engine) LeaderDailyPerformance(ctx context.Context, leaderID string, days int) (*DailyPerformance, error) {
	if days <= 0 {
		days = dailyWindows[0]
	}
	key := dailyKey(leaderID, days)
	var cached DailyPerformance
	if e.cacheRead(ctx, "daily", key, &cached) {
		return &cached, nil
	}

	buckets, err := e.store.LeaderDailyAggregates(ctx, leaderID, days)
	if err != nil {
		return nil, err
	}
	perf := &DailyPerformance{
		LeaderID:   leaderID,
		Days:       days,
		Buckets:    buckets,
		ComputedAt: time.Now().UTC(),
	}
	e.cacheWrite(ctx, key, perf, dailyStatsTTL)
	return perf, nil
}

// allocationValue prices a follower's active allocations in the common
// quote unit, pricing each leg independently.
func (e *Engine) allocationValue(ctx context.Context, followerID string) (decimal.Decimal, error) {
	allocs, err := e.store.ListActiveAllocationsByFollower(ctx, followerID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range allocs {
		a := &allocs[i]
		total = total.Add(e.priceLeg(ctx, a.BaseCurrency, a.BaseAmount))
		total = total.Add(e.priceLeg(ctx, a.QuoteCurrency, a.QuoteAmount))
	}
	return total, nil
}

func (e *Engine) priceLeg(ctx context.Context, currency string, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() || e.prices == nil {
		return decimal.Zero
	}
	price, err := e.prices.Price(ctx, currency)
	if err != nil {
		slog.Warn("price lookup failed, leg excluded from ROI denominator",
			"currency", currency, "err", err)
		return decimal.Zero
	}
	return amount.Mul(price)
}

// --- Cache plumbing ---

// InvalidateTradeRelatedCaches drops derived-stat cache entries after a
// ledger or allocation mutation. There is no automatic invalidation on
// write; every mutator must call this. Failures are logged and ignored.
func (e *Engine) InvalidateTradeRelatedCaches(ctx context.Context, leaderID string, followerIDs []string, allocationIDs []string) {
	if e.cache == nil {
		return
	}

	keys := make([]string, 0, 1+len(dailyWindows)+len(followerIDs)+len(allocationIDs))
	if leaderID != "" {
		keys = append(keys, leaderStatsKey(leaderID))
		for _, d := range dailyWindows {
			keys = append(keys, dailyKey(leaderID, d))
		}
	}
	for _, id := range followerIDs {
		keys = append(keys, followerStatsKey(id))
	}
	for _, id := range allocationIDs {
		keys = append(keys, allocationStatsKey(id))
	}

	if err := e.cache.Delete(ctx, keys...); err != nil {
		slog.Warn("stats cache invalidation failed", "leader", leaderID, "err", err)
	}
}

// cacheRead attempts a keyed cache read into dst. Any failure counts as a
// miss; cache trouble is a warning, never an error to the caller.
func (e *Engine) cacheRead(ctx context.Context, kind, key string, dst any) bool {
	if e.cache == nil {
		return false
	}
	val, found, err := e.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("stats cache read failed", "key", key, "err", err)
		metrics.StatsCacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	if !found || json.Unmarshal([]byte(val), dst) != nil {
		metrics.StatsCacheMisses.WithLabelValues(kind).Inc()
		return false
	}
	metrics.StatsCacheHits.WithLabelValues(kind).Inc()
	return true
}

// cacheWrite stores a computed value best-effort.
func (e *Engine) cacheWrite(ctx context.Context, key string, v any, ttl time.Duration) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, string(data), ttl); err != nil {
		slog.Warn("stats cache write failed", "key", key, "err", err)
	}
}

func leaderStatsKey(id string) string     { return fmt.Sprintf("leader:stats:%s", id) }
func followerStatsKey(id string) string   { return fmt.Sprintf("follower:stats:%s", id) }
func allocationStatsKey(id string) string { return fmt.Sprintf("allocation:stats:%s", id) }
func dailyKey(id string, days int) string { return fmt.Sprintf("leader:daily:%s:%d", id, days) }

// ratio returns numer/denom as a percentage rounded to 2 decimal places,
// or zero when the denominator is zero.
func ratio(numer, denom decimal.Decimal) decimal.Decimal {
	if denom.IsZero() {
		return decimal.Zero
	}
	return numer.Div(denom).Mul(decimal.NewFromInt(100)).Round(2)
}
