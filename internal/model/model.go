// Package model defines the core domain types shared across the copy engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WalletType distinguishes the per-purpose wallets a user holds for each
// currency. ECO is the general spendable balance; COPY_TRADING holds capital
// earmarked for copy-trading positions.
type WalletType string

const (
	WalletTypeSpot        WalletType = "SPOT"
	WalletTypeFiat        WalletType = "FIAT"
	WalletTypeEco         WalletType = "ECO"
	WalletTypeCopyTrading WalletType = "COPY_TRADING"
)

// Wallet is one (user, currency, type) balance row. The wallet row is
// authoritative for the current balance; transaction rows are for audit only.
type Wallet struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Type      WalletType      `json:"type" db:"type"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	InOrder   decimal.Decimal `json:"in_order" db:"in_order"` // reserved, not spendable
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.InOrder)
}

// LeaderStatus is the lifecycle state of a leader profile.
type LeaderStatus string

const (
	LeaderPending   LeaderStatus = "PENDING"
	LeaderActive    LeaderStatus = "ACTIVE"
	LeaderSuspended LeaderStatus = "SUSPENDED"
	LeaderInactive  LeaderStatus = "INACTIVE" // terminal, reached via deletion
	LeaderRejected  LeaderStatus = "REJECTED"
)

// Leader is a user who trades and is copied by followers. Statistics about a
// leader are always derived from the trade ledger; nothing on this row is a
// source of truth for performance.
type Leader struct {
	ID               string       `json:"id" db:"id"`
	UserID           string       `json:"user_id" db:"user_id"`
	DisplayName      string       `json:"display_name" db:"display_name"`
	Status           LeaderStatus `json:"status" db:"status"`
	SuspensionReason string       `json:"suspension_reason,omitempty" db:"suspension_reason"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// FollowerStatus is the lifecycle state of a follower subscription.
type FollowerStatus string

const (
	FollowerActive  FollowerStatus = "ACTIVE"
	FollowerPaused  FollowerStatus = "PAUSED"
	FollowerStopped FollowerStatus = "STOPPED" // terminal
)

// Follower is a user's subscription to mirror one leader's trades.
type Follower struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"user_id" db:"user_id"`
	LeaderID  string         `json:"leader_id" db:"leader_id"`
	Status    FollowerStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// FollowerAllocation is a follower's capital commitment to one symbol market,
// split into base and quote legs with used vs. total tracking.
//
// Invariant: used <= total for both legs at all times. The row is never
// deleted, only deactivated: it is the historical record of a commitment.
// On release the totals are collapsed to the used amounts so the row records
// exactly how much capital was actually deployed.
type FollowerAllocation struct {
	ID              string          `json:"id" db:"id"`
	FollowerID      string          `json:"follower_id" db:"follower_id"`
	LeaderID        string          `json:"leader_id" db:"leader_id"`
	UserID          string          `json:"user_id" db:"user_id"` // denormalized for wallet lookups
	Symbol          string          `json:"symbol" db:"symbol"`   // e.g. "BTC/USDT"
	BaseCurrency    string          `json:"base_currency" db:"base_currency"`
	QuoteCurrency   string          `json:"quote_currency" db:"quote_currency"`
	BaseAmount      decimal.Decimal `json:"base_amount" db:"base_amount"`
	BaseUsedAmount  decimal.Decimal `json:"base_used_amount" db:"base_used_amount"`
	QuoteAmount     decimal.Decimal `json:"quote_amount" db:"quote_amount"`
	QuoteUsedAmount decimal.Decimal `json:"quote_used_amount" db:"quote_used_amount"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeStatus is the execution state of one trade leg.
type TradeStatus string

const (
	TradeOpen            TradeStatus = "OPEN"
	TradePending         TradeStatus = "PENDING"
	TradePartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	TradeClosed          TradeStatus = "CLOSED" // immutable once reached
	TradeFailed          TradeStatus = "FAILED"
)

// Trade is one row of the trade ledger, the source of truth for all derived
// statistics. A row is either a leader's own trade (IsLeaderTrade) or a
// mirrored follower trade (FollowerID set).
type Trade struct {
	ID            string          `json:"id" db:"id"`
	LeaderID      string          `json:"leader_id" db:"leader_id"`
	FollowerID    string          `json:"follower_id,omitempty" db:"follower_id"`
	AllocationID  string          `json:"allocation_id,omitempty" db:"allocation_id"`
	IsLeaderTrade bool            `json:"is_leader_trade" db:"is_leader_trade"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Status        TradeStatus     `json:"status" db:"status"`
	Profit        decimal.Decimal `json:"profit" db:"profit"`
	Cost          decimal.Decimal `json:"cost" db:"cost"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// TransactionType classifies wallet-affecting copy-trading events.
type TransactionType string

const (
	TxAllocation   TransactionType = "ALLOCATION"   // ECO debit / COPY_TRADING credit on funding
	TxDeallocation TransactionType = "DEALLOCATION" // COPY_TRADING debit on release
	TxRefund       TransactionType = "REFUND"       // ECO credit on release
	TxProfitShare  TransactionType = "PROFIT_SHARE"
)

// CopyTradingTransaction is one row of the append-only wallet event ledger.
// Each row carries the pre/post balance of the specific wallet it touched,
// which makes the trail self-verifying independent of current wallet state.
// Rows are never used to compute current balances.
type CopyTradingTransaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	Type          TransactionType `json:"type" db:"type"`
	Currency      string          `json:"currency" db:"currency"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed delta applied to the wallet
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description   string          `json:"description" db:"description"`
	ReferenceID   string          `json:"reference_id,omitempty" db:"reference_id"` // allocation id
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// AuditLog is one append-only audit entry with before/after snapshots.
// Rows are never mutated or deleted.
type AuditLog struct {
	ID         string          `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Action     string          `json:"action" db:"action"`
	OldValue   json.RawMessage `json:"old_value,omitempty" db:"old_value"`
	NewValue   json.RawMessage `json:"new_value,omitempty" db:"new_value"`
	ActorID    string          `json:"actor_id,omitempty" db:"actor_id"`
	Reason     string          `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// TradeAggregate is the result of one bulk aggregation over CLOSED trades.
type TradeAggregate struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalVolume   decimal.Decimal `json:"total_volume"` // sum of cost
}

// DailyAggregate is one day's bucket of closed-trade performance.
type DailyAggregate struct {
	Date   time.Time       `json:"date"`
	Trades int             `json:"trades"`
	Profit decimal.Decimal `json:"profit"`
	Volume decimal.Decimal `json:"volume"`
}
