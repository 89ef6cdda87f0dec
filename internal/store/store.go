// Package store defines the persistence interface for the copy engine.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth.
// All writes that move funds happen through a Tx obtained from InTx so the
// unit of work is explicit; there is no ambient transaction.
type Store interface {
	// --- Leader / follower profiles ---

	// GetLeader retrieves a leader by ID.
	GetLeader(ctx context.Context, id string) (*model.Leader, error)

	// GetFollower retrieves a follower subscription by ID.
	GetFollower(ctx context.Context, id string) (*model.Follower, error)

	// CountActiveFollowers counts a leader's non-STOPPED followers.
	CountActiveFollowers(ctx context.Context, leaderID string) (int, error)

	// --- Allocations ---

	// GetAllocation retrieves an allocation by ID.
	GetAllocation(ctx context.Context, id string) (*model.FollowerAllocation, error)

	// ListActiveAllocationsByFollower returns a follower's active allocations.
	ListActiveAllocationsByFollower(ctx context.Context, followerID string) ([]model.FollowerAllocation, error)

	// --- Wallets ---

	// GetWallet looks up a wallet by (user, currency, type).
	// Returns (nil, nil) when no such wallet exists.
	GetWallet(ctx context.Context, userID, currency string, t model.WalletType) (*model.Wallet, error)

	// --- Trade ledger ---

	// InsertTrade appends one trade row to the ledger.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// CountOpenTradesByFollower counts the follower's trades in OPEN status.
	CountOpenTradesByFollower(ctx context.Context, followerID string) (int, error)

	// CountOpenPositionsByLeader counts the leader's trades in
	// OPEN/PENDING/PARTIALLY_FILLED status. Empty symbol means all symbols.
	CountOpenPositionsByLeader(ctx context.Context, leaderID, symbol string) (int, error)

	// --- Statistics queries (CLOSED trades only) ---

	LeaderTradeAggregate(ctx context.Context, leaderID string) (model.TradeAggregate, error)
	FollowerTradeAggregate(ctx context.Context, followerID string) (model.TradeAggregate, error)
	AllocationTradeAggregate(ctx context.Context, allocationID string) (model.TradeAggregate, error)

	// BatchLeaderTradeAggregates aggregates trades for many leaders in a
	// single query, keyed by leader ID. Leaders without closed trades are
	// absent from the result.
	BatchLeaderTradeAggregates(ctx context.Context, leaderIDs []string) (map[string]model.TradeAggregate, error)

	// BatchFollowerCounts counts non-STOPPED followers for many leaders in
	// a single query, keyed by leader ID.
	BatchFollowerCounts(ctx context.Context, leaderIDs []string) (map[string]int, error)

	// LeaderDailyAggregates buckets the leader's closed trades per day over
	// the trailing window.
	LeaderDailyAggregates(ctx context.Context, leaderID string, days int) ([]model.DailyAggregate, error)

	// --- Audit ---

	// ListAuditLogs returns audit entries for one entity, newest first.
	ListAuditLogs(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error)

	// --- Unit of work ---

	// InTx runs fn inside a single database transaction. Any error from fn
	// rolls the whole transaction back; nil commits it.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transaction-scoped write surface. Row-locking reads
// (SELECT ... FOR UPDATE semantics) live here so read-then-mutate sequences
// cannot lose updates under concurrency.
type Tx interface {
	// GetWalletForUpdate locks and returns a wallet row.
	// Returns (nil, nil) when no such wallet exists.
	GetWalletForUpdate(ctx context.Context, userID, currency string, t model.WalletType) (*model.Wallet, error)

	// ApplyWalletDelta adds delta (signed) to the wallet's balance.
	ApplyWalletDelta(ctx context.Context, walletID string, delta decimal.Decimal) error

	// GetAllocationForUpdate locks and returns an allocation row.
	GetAllocationForUpdate(ctx context.Context, id string) (*model.FollowerAllocation, error)

	InsertAllocation(ctx context.Context, a *model.FollowerAllocation) error
	UpdateAllocation(ctx context.Context, a *model.FollowerAllocation) error

	// ListActiveAllocationsByFollower returns a follower's active
	// allocations, locked for the duration of the transaction.
	ListActiveAllocationsByFollower(ctx context.Context, followerID string) ([]model.FollowerAllocation, error)

	// ListActiveAllocationsByLeader returns active allocations under one
	// leader, optionally restricted to a symbol, locked for the transaction.
	ListActiveAllocationsByLeader(ctx context.Context, leaderID, symbol string) ([]model.FollowerAllocation, error)

	// GetLeaderForUpdate locks and returns a leader row.
	GetLeaderForUpdate(ctx context.Context, id string) (*model.Leader, error)

	// GetFollowerForUpdate locks and returns a follower row.
	GetFollowerForUpdate(ctx context.Context, id string) (*model.Follower, error)

	// ListFollowersByLeader returns a leader's followers in the given
	// statuses (all statuses when none given).
	ListFollowersByLeader(ctx context.Context, leaderID string, statuses ...model.FollowerStatus) ([]model.Follower, error)

	UpdateLeaderStatus(ctx context.Context, id string, status model.LeaderStatus, reason string) error
	UpdateFollowerStatus(ctx context.Context, id string, status model.FollowerStatus) error

	// AppendTransaction appends an immutable wallet-event record.
	AppendTransaction(ctx context.Context, t *model.CopyTradingTransaction) error

	// AppendAuditLog appends an immutable audit entry.
	AppendAuditLog(ctx context.Context, e *model.AuditLog) error
}
