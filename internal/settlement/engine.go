// Package settlement moves funds between a follower's COPY_TRADING and ECO
// wallets as allocations move through their lifecycle, and keeps the
// allocation store consistent with those transfers.
//
// Every multi-wallet transfer runs inside one database transaction with the
// wallet rows locked, so no partial transfer is ever observable. Paired
// ledger rows carrying pre/post balances are appended for every transfer.
// All monetary values use shopspring/decimal, never float64 for money.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/limits"
	"github.com/copytrade/copy-engine/internal/metrics"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/pricing"
	"github.com/copytrade/copy-engine/internal/store"
)

// CacheInvalidator receives explicit invalidation signals after any
// operation that changes what derived statistics would report. Invalidation
// happens outside the settlement transaction and is best-effort.
type CacheInvalidator interface {
	InvalidateTradeRelatedCaches(ctx context.Context, leaderID string, followerIDs []string, allocationIDs []string)
}

// Event describes a completed settlement operation for broadcast to
// dashboards. Published after commit, never inside the transaction.
type Event struct {
	Type       string          `json:"type"`
	LeaderID   string          `json:"leader_id,omitempty"`
	FollowerID string          `json:"follower_id,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Returned   []ReturnedFund  `json:"returned,omitempty"`
}

// EventSink publishes settlement events. Implementations must not block.
type EventSink interface {
	Publish(e Event)
}

// ReturnedFund is one currency's worth of capital returned to an ECO wallet.
type ReturnedFund struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// StopResult summarizes a subscription stop.
type StopResult struct {
	FollowerID           string         `json:"follower_id"`
	AllocationsReleased  int            `json:"allocations_released"`
	Returned             []ReturnedFund `json:"returned"`
}

// DisableResult summarizes a leader market disable.
type DisableResult struct {
	LeaderID            string         `json:"leader_id"`
	Symbol              string         `json:"symbol"`
	Followers           int            `json:"followers"`
	AllocationsReleased int            `json:"allocations_released"`
	Returned            []ReturnedFund `json:"returned"`
}

// DeleteResult summarizes a leader deletion.
type DeleteResult struct {
	LeaderID            string         `json:"leader_id"`
	FollowersStopped    int            `json:"followers_stopped"`
	AllocationsReleased int            `json:"allocations_released"`
	Refunded            bool           `json:"refunded"`
	Returned            []ReturnedFund `json:"returned"`
}

// Engine orchestrates fund movement for allocation lifecycle events.
// It is the only component that mutates allocations or writes paired
// wallet/ledger rows; statistics never flow through here.
type Engine struct {
	store       store.Store
	prices      pricing.Source
	limiter     *limits.AllocationLimiter
	invalidator CacheInvalidator
	events      EventSink
}

// NewEngine creates a settlement engine. Pass nil for limiter, invalidator,
// or events if the corresponding collaborator is not needed.
func NewEngine(st store.Store, prices pricing.Source, limiter *limits.AllocationLimiter, invalidator CacheInvalidator, events EventSink) *Engine {
	return &Engine{
		store:       st,
		prices:      prices,
		limiter:     limiter,
		invalidator: invalidator,
		events:      events,
	}
}

// ReleaseAllocation returns an allocation's committed-but-unused capital to
// the follower's ECO wallets and deactivates the allocation, inside the
// caller's transaction. Releasing an already-inactive allocation is a no-op:
// zero wallet movement, zero new ledger rows.
func (e *Engine) ReleaseAllocation(ctx context.Context, tx store.Tx, allocationID string) ([]ReturnedFund, error) {
	alloc, err := tx.GetAllocationForUpdate(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	return e.release(ctx, tx, alloc)
}

// release implements the two-leg refund protocol. The caller must hold the
// allocation row locked in tx.
func (e *Engine) release(ctx context.Context, tx store.Tx, alloc *model.FollowerAllocation) ([]ReturnedFund, error) {
	if !alloc.IsActive {
		return nil, nil
	}

	legs := []struct {
		currency string
		total    decimal.Decimal
		used     decimal.Decimal
	}{
		{alloc.BaseCurrency, alloc.BaseAmount, alloc.BaseUsedAmount},
		{alloc.QuoteCurrency, alloc.QuoteAmount, alloc.QuoteUsedAmount},
	}

	now := time.Now().UTC()
	var returned []ReturnedFund

	for _, leg := range legs {
		toReturn := leg.total.Sub(leg.used)
		if !toReturn.IsPositive() {
			continue
		}

		src, err := tx.GetWalletForUpdate(ctx, alloc.UserID, leg.currency, model.WalletTypeCopyTrading)
		if err != nil {
			return nil, err
		}
		if src == nil {
			// Funds were never actually held in a copy-trading wallet
			// for this currency; nothing to move.
			slog.Warn("copy trading wallet missing, nothing to return",
				"user", alloc.UserID, "currency", leg.currency, "allocation", alloc.ID)
			continue
		}

		dst, err := tx.GetWalletForUpdate(ctx, alloc.UserID, leg.currency, model.WalletTypeEco)
		if err != nil {
			return nil, err
		}
		if dst == nil {
			// Skipping here would lose the user's funds.
			return nil, &WalletNotFoundError{UserID: alloc.UserID, Currency: leg.currency, Type: model.WalletTypeEco}
		}

		if err := tx.ApplyWalletDelta(ctx, src.ID, toReturn.Neg()); err != nil {
			return nil, err
		}
		if err := tx.ApplyWalletDelta(ctx, dst.ID, toReturn); err != nil {
			return nil, err
		}

		debit := &model.CopyTradingTransaction{
			ID:            uuid.New().String(),
			UserID:        alloc.UserID,
			WalletID:      src.ID,
			Type:          model.TxDeallocation,
			Currency:      leg.currency,
			Amount:        toReturn.Neg(),
			BalanceBefore: src.Balance,
			BalanceAfter:  src.Balance.Sub(toReturn),
			Description:   fmt.Sprintf("Unused %s returned from %s allocation", leg.currency, alloc.Symbol),
			ReferenceID:   alloc.ID,
			CreatedAt:     now,
		}
		if err := tx.AppendTransaction(ctx, debit); err != nil {
			return nil, err
		}

		credit := &model.CopyTradingTransaction{
			ID:            uuid.New().String(),
			UserID:        alloc.UserID,
			WalletID:      dst.ID,
			Type:          model.TxRefund,
			Currency:      leg.currency,
			Amount:        toReturn,
			BalanceBefore: dst.Balance,
			BalanceAfter:  dst.Balance.Add(toReturn),
			Description:   fmt.Sprintf("Refund of unused %s from %s allocation", leg.currency, alloc.Symbol),
			ReferenceID:   alloc.ID,
			CreatedAt:     now,
		}
		if err := tx.AppendTransaction(ctx, credit); err != nil {
			return nil, err
		}

		returned = append(returned, ReturnedFund{Currency: leg.currency, Amount: toReturn})
	}

	// Deactivate and collapse totals to the used amounts: the row stays
	// queryable as the record of how much capital was actually deployed.
	alloc.IsActive = false
	alloc.BaseAmount = alloc.BaseUsedAmount
	alloc.QuoteAmount = alloc.QuoteUsedAmount
	if err := tx.UpdateAllocation(ctx, alloc); err != nil {
		return nil, err
	}

	return returned, nil
}

// StopSubscription stops a follower's subscription and returns all unused
// allocation capital. Fails with ActiveTradesError while the follower has
// OPEN trades, and with model.ErrSubscriptionStopped if already stopped.
func (e *Engine) StopSubscription(ctx context.Context, followerID, actorID string) (*StopResult, error) {
	follower, err := e.store.GetFollower(ctx, followerID)
	if err != nil {
		return nil, err
	}
	if follower.Status == model.FollowerStopped {
		return nil, model.ErrSubscriptionStopped
	}

	open, err := e.store.CountOpenTradesByFollower(ctx, followerID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, &ActiveTradesError{Count: open}
	}

	result := &StopResult{FollowerID: followerID}
	var releasedIDs []string

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.GetFollowerForUpdate(ctx, followerID)
		if err != nil {
			return err
		}
		if err := model.ValidateFollowerTransition(locked.Status, model.FollowerStopped); err != nil {
			return err
		}

		allocs, err := tx.ListActiveAllocationsByFollower(ctx, followerID)
		if err != nil {
			return err
		}
		for i := range allocs {
			returned, err := e.release(ctx, tx, &allocs[i])
			if err != nil {
				return err
			}
			result.Returned = mergeReturned(result.Returned, returned)
			result.AllocationsReleased++
			releasedIDs = append(releasedIDs, allocs[i].ID)
		}

		if err := tx.UpdateFollowerStatus(ctx, followerID, model.FollowerStopped); err != nil {
			return err
		}

		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "follower",
			EntityID:   followerID,
			Action:     "subscription.stop",
			OldValue:   model.EncodeSnapshot(model.Snapshot{"status": locked.Status}),
			NewValue: model.EncodeSnapshot(model.Snapshot{
				"status":               model.FollowerStopped,
				"allocations_released": result.AllocationsReleased,
				"returned":             result.Returned,
			}),
			ActorID:   actorID,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues("stop").Inc()
		return nil, err
	}

	e.settled(ctx, "stop", result.Returned, follower.LeaderID, []string{followerID}, releasedIDs)
	e.publish(Event{
		Type:       "subscription_stopped",
		LeaderID:   follower.LeaderID,
		FollowerID: followerID,
		Returned:   result.Returned,
	})

	slog.Info("subscription stopped",
		"follower", followerID,
		"leader", follower.LeaderID,
		"allocations", result.AllocationsReleased,
		"returned", len(result.Returned),
	)
	return result, nil
}

// DisableLeaderMarket releases every follower allocation under one
// (leader, symbol) market. Fails with OpenPositionsError while the leader
// has OPEN/PENDING/PARTIALLY_FILLED trades on that symbol.
func (e *Engine) DisableLeaderMarket(ctx context.Context, leaderID, symbol, actorID string) (*DisableResult, error) {
	if symbol == "" {
		return nil, ErrSymbolRequired
	}
	if _, err := e.store.GetLeader(ctx, leaderID); err != nil {
		return nil, err
	}

	open, err := e.store.CountOpenPositionsByLeader(ctx, leaderID, symbol)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, &OpenPositionsError{Symbol: symbol, Count: open}
	}

	result := &DisableResult{LeaderID: leaderID, Symbol: symbol}
	var followerIDs, releasedIDs []string

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		allocs, err := tx.ListActiveAllocationsByLeader(ctx, leaderID, symbol)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		for i := range allocs {
			returned, err := e.release(ctx, tx, &allocs[i])
			if err != nil {
				return err
			}
			result.Returned = mergeReturned(result.Returned, returned)
			result.AllocationsReleased++
			releasedIDs = append(releasedIDs, allocs[i].ID)
			if !seen[allocs[i].FollowerID] {
				seen[allocs[i].FollowerID] = true
				followerIDs = append(followerIDs, allocs[i].FollowerID)
			}
		}
		result.Followers = len(followerIDs)

		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "leader",
			EntityID:   leaderID,
			Action:     "market.disable",
			NewValue: model.EncodeSnapshot(model.Snapshot{
				"symbol":               symbol,
				"followers_refunded":   result.Followers,
				"allocations_released": result.AllocationsReleased,
				"returned":             result.Returned,
			}),
			ActorID:   actorID,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues("market_disable").Inc()
		return nil, err
	}

	e.settled(ctx, "market_disable", result.Returned, leaderID, followerIDs, releasedIDs)
	e.publish(Event{Type: "market_disabled", LeaderID: leaderID, Symbol: symbol, Returned: result.Returned})

	slog.Info("leader market disabled",
		"leader", leaderID,
		"symbol", symbol,
		"followers", result.Followers,
		"allocations", result.AllocationsReleased,
	)
	return result, nil
}

// DeleteLeader retires a leader (status INACTIVE) and stops every active or
// paused follower. With refundFollowers, each follower's allocations are
// released first; without it, subscriptions are simply marked STOPPED with
// no fund movement. Fails with OpenPositionsError while the leader has open
// positions on any symbol.
func (e *Engine) DeleteLeader(ctx context.Context, leaderID string, refundFollowers bool, actorID string) (*DeleteResult, error) {
	leader, err := e.store.GetLeader(ctx, leaderID)
	if err != nil {
		return nil, err
	}

	open, err := e.store.CountOpenPositionsByLeader(ctx, leaderID, "")
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, &OpenPositionsError{Count: open}
	}

	result := &DeleteResult{LeaderID: leaderID, Refunded: refundFollowers}
	var followerIDs, releasedIDs []string

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.GetLeaderForUpdate(ctx, leaderID)
		if err != nil {
			return err
		}
		if err := model.ValidateLeaderTransition(locked.Status, model.LeaderInactive); err != nil {
			return err
		}

		followers, err := tx.ListFollowersByLeader(ctx, leaderID, model.FollowerActive, model.FollowerPaused)
		if err != nil {
			return err
		}

		for _, f := range followers {
			if refundFollowers {
				allocs, err := tx.ListActiveAllocationsByFollower(ctx, f.ID)
				if err != nil {
					return err
				}
				for i := range allocs {
					returned, err := e.release(ctx, tx, &allocs[i])
					if err != nil {
						return err
					}
					result.Returned = mergeReturned(result.Returned, returned)
					result.AllocationsReleased++
					releasedIDs = append(releasedIDs, allocs[i].ID)
				}
			}
			if err := tx.UpdateFollowerStatus(ctx, f.ID, model.FollowerStopped); err != nil {
				return err
			}
			result.FollowersStopped++
			followerIDs = append(followerIDs, f.ID)
		}

		if err := tx.UpdateLeaderStatus(ctx, leaderID, model.LeaderInactive, ""); err != nil {
			return err
		}

		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "leader",
			EntityID:   leaderID,
			Action:     "leader.delete",
			OldValue:   model.EncodeSnapshot(model.Snapshot{"status": locked.Status}),
			NewValue: model.EncodeSnapshot(model.Snapshot{
				"status":               model.LeaderInactive,
				"followers_stopped":    result.FollowersStopped,
				"allocations_released": result.AllocationsReleased,
				"refunded":             refundFollowers,
				"returned":             result.Returned,
			}),
			ActorID:   actorID,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues("leader_delete").Inc()
		return nil, err
	}

	e.settled(ctx, "leader_delete", result.Returned, leaderID, followerIDs, releasedIDs)
	e.publish(Event{Type: "leader_deleted", LeaderID: leaderID, Returned: result.Returned})

	slog.Info("leader deleted",
		"leader", leaderID,
		"status_was", leader.Status,
		"followers_stopped", result.FollowersStopped,
		"allocations", result.AllocationsReleased,
		"refunded", refundFollowers,
	)
	return result, nil
}

// settled records metrics and fires cache invalidation after a committed
// settlement. Both run outside the transaction.
func (e *Engine) settled(ctx context.Context, trigger string, returned []ReturnedFund, leaderID string, followerIDs, allocationIDs []string) {
	metrics.SettlementsTotal.WithLabelValues(trigger).Inc()
	for _, r := range returned {
		metrics.RefundedTotal.WithLabelValues(r.Currency).Add(r.Amount.InexactFloat64())
	}
	if e.invalidator != nil {
		e.invalidator.InvalidateTradeRelatedCaches(ctx, leaderID, followerIDs, allocationIDs)
	}
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// mergeReturned combines returned funds by currency, preserving first-seen
// currency order.
func mergeReturned(dst, add []ReturnedFund) []ReturnedFund {
	for _, r := range add {
		found := false
		for i := range dst {
			if dst[i].Currency == r.Currency {
				dst[i].Amount = dst[i].Amount.Add(r.Amount)
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, r)
		}
	}
	return dst
}
