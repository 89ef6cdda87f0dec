package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// InTx holds the store lock for the whole unit of work, which serializes
// concurrent settlements the way row locks do in PostgreSQL, and restores a
// snapshot on error so rollback semantics match the real store.
type MemoryStore struct {
	mu           sync.RWMutex
	leaders      map[string]*model.Leader
	followers    map[string]*model.Follower
	allocations  map[string]*model.FollowerAllocation
	wallets      map[string]*model.Wallet
	trades       []model.Trade
	transactions []model.CopyTradingTransaction
	auditLogs    []model.AuditLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leaders:     make(map[string]*model.Leader),
		followers:   make(map[string]*model.Follower),
		allocations: make(map[string]*model.FollowerAllocation),
		wallets:     make(map[string]*model.Wallet),
	}
}

// --- Seed helpers (tests and development) ---

func (s *MemoryStore) PutLeader(l model.Leader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaders[l.ID] = &l
}

func (s *MemoryStore) PutFollower(f model.Follower) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followers[f.ID] = &f
}

func (s *MemoryStore) PutAllocation(a model.FollowerAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[a.ID] = &a
}

func (s *MemoryStore) PutWallet(w model.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = &w
}

// Transactions returns a copy of the appended wallet-event records.
func (s *MemoryStore) Transactions() []model.CopyTradingTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CopyTradingTransaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

// AuditLogs returns a copy of the appended audit entries.
func (s *MemoryStore) AuditLogs() []model.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditLog, len(s.auditLogs))
	copy(out, s.auditLogs)
	return out
}

// PutAuditLog appends an audit entry directly, bypassing the unit of work.
func (s *MemoryStore) PutAuditLog(e model.AuditLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, e)
}

// --- Leader / follower profiles ---

func (s *MemoryStore) GetLeader(_ context.Context, id string) (*model.Leader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderLocked(id)
}

func (s *MemoryStore) leaderLocked(id string) (*model.Leader, error) {
	l, ok := s.leaders[id]
	if !ok {
		return nil, fmt.Errorf("leader %s not found", id)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) GetFollower(_ context.Context, id string) (*model.Follower, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.followerLocked(id)
}

func (s *MemoryStore) followerLocked(id string) (*model.Follower, error) {
	f, ok := s.followers[id]
	if !ok {
		return nil, fmt.Errorf("follower %s not found", id)
	}
	copy := *f
	return &copy, nil
}

func (s *MemoryStore) CountActiveFollowers(_ context.Context, leaderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, f := range s.followers {
		if f.LeaderID == leaderID && f.Status != model.FollowerStopped {
			n++
		}
	}
	return n, nil
}

// --- Allocations ---

func (s *MemoryStore) GetAllocation(_ context.Context, id string) (*model.FollowerAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocationLocked(id)
}

func (s *MemoryStore) allocationLocked(id string) (*model.FollowerAllocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return nil, fmt.Errorf("allocation %s not found", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListActiveAllocationsByFollower(_ context.Context, followerID string) ([]model.FollowerAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAllocationsLocked(func(a *model.FollowerAllocation) bool {
		return a.FollowerID == followerID
	}), nil
}

func (s *MemoryStore) activeAllocationsLocked(match func(*model.FollowerAllocation) bool) []model.FollowerAllocation {
	var allocs []model.FollowerAllocation
	for _, a := range s.allocations {
		if a.IsActive && match(a) {
			allocs = append(allocs, *a)
		}
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].CreatedAt.Before(allocs[j].CreatedAt) })
	return allocs
}

// --- Wallets ---

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string, t model.WalletType) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletLocked(userID, currency, t), nil
}

func (s *MemoryStore) walletLocked(userID, currency string, t model.WalletType) *model.Wallet {
	for _, w := range s.wallets {
		if w.UserID == userID && w.Currency == currency && w.Type == t {
			copy := *w
			return &copy
		}
	}
	return nil
}

// --- Trade ledger ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) CountOpenTradesByFollower(_ context.Context, followerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.FollowerID == followerID && t.Status == model.TradeOpen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountOpenPositionsByLeader(_ context.Context, leaderID, symbol string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.LeaderID != leaderID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		switch t.Status {
		case model.TradeOpen, model.TradePending, model.TradePartiallyFilled:
			n++
		}
	}
	return n, nil
}

// --- Statistics queries ---

func (s *MemoryStore) aggregate(match func(*model.Trade) bool) model.TradeAggregate {
	agg := model.TradeAggregate{
		TotalProfit: decimal.Zero,
		TotalVolume: decimal.Zero,
	}
	for i := range s.trades {
		t := &s.trades[i]
		if t.Status != model.TradeClosed || !match(t) {
			continue
		}
		agg.TotalTrades++
		if t.Profit.IsPositive() {
			agg.WinningTrades++
		}
		agg.TotalProfit = agg.TotalProfit.Add(t.Profit)
		agg.TotalVolume = agg.TotalVolume.Add(t.Cost)
	}
	return agg
}

func (s *MemoryStore) LeaderTradeAggregate(_ context.Context, leaderID string) (model.TradeAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(func(t *model.Trade) bool {
		return t.LeaderID == leaderID && t.IsLeaderTrade
	}), nil
}

func (s *MemoryStore) FollowerTradeAggregate(_ context.Context, followerID string) (model.TradeAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(func(t *model.Trade) bool {
		return t.FollowerID == followerID
	}), nil
}

func (s *MemoryStore) AllocationTradeAggregate(_ context.Context, allocationID string) (model.TradeAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(func(t *model.Trade) bool {
		return t.AllocationID == allocationID
	}), nil
}

func (s *MemoryStore) BatchLeaderTradeAggregates(_ context.Context, leaderIDs []string) (map[string]model.TradeAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]model.TradeAggregate, len(leaderIDs))
	for _, id := range leaderIDs {
		agg := s.aggregate(func(t *model.Trade) bool {
			return t.LeaderID == id && t.IsLeaderTrade
		})
		if agg.TotalTrades > 0 {
			result[id] = agg
		}
	}
	return result, nil
}

func (s *MemoryStore) BatchFollowerCounts(_ context.Context, leaderIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(leaderIDs))
	for _, id := range leaderIDs {
		for _, f := range s.followers {
			if f.LeaderID == id && f.Status != model.FollowerStopped {
				result[id]++
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) LeaderDailyAggregates(_ context.Context, leaderID string, days int) ([]model.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	byDay := make(map[time.Time]*model.DailyAggregate)

	for i := range s.trades {
		t := &s.trades[i]
		if t.LeaderID != leaderID || !t.IsLeaderTrade || t.Status != model.TradeClosed {
			continue
		}
		if t.ClosedAt == nil || t.ClosedAt.Before(cutoff) {
			continue
		}
		day := t.ClosedAt.UTC().Truncate(24 * time.Hour)
		b, ok := byDay[day]
		if !ok {
			b = &model.DailyAggregate{Date: day, Profit: decimal.Zero, Volume: decimal.Zero}
			byDay[day] = b
		}
		b.Trades++
		b.Profit = b.Profit.Add(t.Profit)
		b.Volume = b.Volume.Add(t.Cost)
	}

	buckets := make([]model.DailyAggregate, 0, len(byDay))
	for _, b := range byDay {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Date.Before(buckets[j].Date) })
	return buckets, nil
}

// --- Audit ---

func (s *MemoryStore) ListAuditLogs(_ context.Context, entityType, entityID string) ([]model.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.AuditLog
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		e := s.auditLogs[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Unit of work ---

type memSnapshot struct {
	leaders      map[string]*model.Leader
	followers    map[string]*model.Follower
	allocations  map[string]*model.FollowerAllocation
	wallets      map[string]*model.Wallet
	transactions int
	auditLogs    int
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		leaders:      make(map[string]*model.Leader, len(s.leaders)),
		followers:    make(map[string]*model.Follower, len(s.followers)),
		allocations:  make(map[string]*model.FollowerAllocation, len(s.allocations)),
		wallets:      make(map[string]*model.Wallet, len(s.wallets)),
		transactions: len(s.transactions),
		auditLogs:    len(s.auditLogs),
	}
	for id, l := range s.leaders {
		copy := *l
		snap.leaders[id] = &copy
	}
	for id, f := range s.followers {
		copy := *f
		snap.followers[id] = &copy
	}
	for id, a := range s.allocations {
		copy := *a
		snap.allocations[id] = &copy
	}
	for id, w := range s.wallets {
		copy := *w
		snap.wallets[id] = &copy
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.leaders = snap.leaders
	s.followers = snap.followers
	s.allocations = snap.allocations
	s.wallets = snap.wallets
	s.transactions = s.transactions[:snap.transactions]
	s.auditLogs = s.auditLogs[:snap.auditLogs]
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memTx mutates the store directly; MemoryStore.InTx already holds the lock
// and rolls back via snapshot on error.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetWalletForUpdate(_ context.Context, userID, currency string, wt model.WalletType) (*model.Wallet, error) {
	return t.s.walletLocked(userID, currency, wt), nil
}

func (t *memTx) ApplyWalletDelta(_ context.Context, walletID string, delta decimal.Decimal) error {
	w, ok := t.s.wallets[walletID]
	if !ok {
		return fmt.Errorf("apply delta to wallet %s: no such wallet", walletID)
	}
	w.Balance = w.Balance.Add(delta)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) GetAllocationForUpdate(_ context.Context, id string) (*model.FollowerAllocation, error) {
	return t.s.allocationLocked(id)
}

func (t *memTx) InsertAllocation(_ context.Context, a *model.FollowerAllocation) error {
	copy := *a
	t.s.allocations[a.ID] = &copy
	return nil
}

func (t *memTx) UpdateAllocation(_ context.Context, a *model.FollowerAllocation) error {
	if _, ok := t.s.allocations[a.ID]; !ok {
		return fmt.Errorf("allocation %s not found", a.ID)
	}
	copy := *a
	copy.UpdatedAt = time.Now().UTC()
	t.s.allocations[a.ID] = &copy
	return nil
}

func (t *memTx) ListActiveAllocationsByFollower(_ context.Context, followerID string) ([]model.FollowerAllocation, error) {
	return t.s.activeAllocationsLocked(func(a *model.FollowerAllocation) bool {
		return a.FollowerID == followerID
	}), nil
}

func (t *memTx) ListActiveAllocationsByLeader(_ context.Context, leaderID, symbol string) ([]model.FollowerAllocation, error) {
	return t.s.activeAllocationsLocked(func(a *model.FollowerAllocation) bool {
		return a.LeaderID == leaderID && (symbol == "" || a.Symbol == symbol)
	}), nil
}

func (t *memTx) GetLeaderForUpdate(_ context.Context, id string) (*model.Leader, error) {
	return t.s.leaderLocked(id)
}

func (t *memTx) GetFollowerForUpdate(_ context.Context, id string) (*model.Follower, error) {
	return t.s.followerLocked(id)
}

func (t *memTx) ListFollowersByLeader(_ context.Context, leaderID string, statuses ...model.FollowerStatus) ([]model.Follower, error) {
	var followers []model.Follower
	for _, f := range t.s.followers {
		if f.LeaderID != leaderID {
			continue
		}
		if len(statuses) > 0 {
			ok := false
			for _, st := range statuses {
				if f.Status == st {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		followers = append(followers, *f)
	}
	sort.Slice(followers, func(i, j int) bool { return followers[i].CreatedAt.Before(followers[j].CreatedAt) })
	return followers, nil
}

func (t *memTx) UpdateLeaderStatus(_ context.Context, id string, status model.LeaderStatus, reason string) error {
	l, ok := t.s.leaders[id]
	if !ok {
		return fmt.Errorf("leader %s not found", id)
	}
	l.Status = status
	l.SuspensionReason = reason
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) UpdateFollowerStatus(_ context.Context, id string, status model.FollowerStatus) error {
	f, ok := t.s.followers[id]
	if !ok {
		return fmt.Errorf("follower %s not found", id)
	}
	f.Status = status
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, rec *model.CopyTradingTransaction) error {
	t.s.transactions = append(t.s.transactions, *rec)
	return nil
}

func (t *memTx) AppendAuditLog(_ context.Context, e *model.AuditLog) error {
	t.s.auditLogs = append(t.s.auditLogs, *e)
	return nil
}
