package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/metrics"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/store"
)

// CreateAllocationRequest funds a market for a follower.
type CreateAllocationRequest struct {
	FollowerID    string          `json:"follower_id"`
	Symbol        string          `json:"symbol"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
}

// CreateAllocation commits a follower's capital to one symbol market, moving
// funds from the ECO wallets into the COPY_TRADING wallets. Both legs move
// inside one transaction; either leg failing rolls everything back.
func (e *Engine) CreateAllocation(ctx context.Context, req CreateAllocationRequest, actorID string) (*model.FollowerAllocation, error) {
	if req.Symbol == "" || req.BaseCurrency == "" || req.QuoteCurrency == "" {
		return nil, ErrSymbolRequired
	}
	if req.BaseAmount.IsNegative() || req.QuoteAmount.IsNegative() ||
		(req.BaseAmount.IsZero() && req.QuoteAmount.IsZero()) {
		return nil, ErrInvalidAmount
	}

	follower, err := e.store.GetFollower(ctx, req.FollowerID)
	if err != nil {
		return nil, err
	}
	switch follower.Status {
	case model.FollowerActive:
	case model.FollowerStopped:
		return nil, model.ErrSubscriptionStopped
	default:
		return nil, ErrFollowerNotActive
	}

	leader, err := e.store.GetLeader(ctx, follower.LeaderID)
	if err != nil {
		return nil, err
	}
	if leader.Status != model.LeaderActive {
		return nil, ErrLeaderNotActive
	}

	if err := e.checkLimits(ctx, follower.ID, req); err != nil {
		metrics.AllocationLimitRejections.Inc()
		return nil, err
	}

	now := time.Now().UTC()
	alloc := &model.FollowerAllocation{
		ID:              uuid.New().String(),
		FollowerID:      follower.ID,
		LeaderID:        follower.LeaderID,
		UserID:          follower.UserID,
		Symbol:          req.Symbol,
		BaseCurrency:    req.BaseCurrency,
		QuoteCurrency:   req.QuoteCurrency,
		BaseAmount:      req.BaseAmount,
		BaseUsedAmount:  decimal.Zero,
		QuoteAmount:     req.QuoteAmount,
		QuoteUsedAmount: decimal.Zero,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		legs := []struct {
			currency string
			amount   decimal.Decimal
		}{
			{req.BaseCurrency, req.BaseAmount},
			{req.QuoteCurrency, req.QuoteAmount},
		}

		for _, leg := range legs {
			if !leg.amount.IsPositive() {
				continue
			}

			eco, err := tx.GetWalletForUpdate(ctx, follower.UserID, leg.currency, model.WalletTypeEco)
			if err != nil {
				return err
			}
			if eco == nil {
				return &WalletNotFoundError{UserID: follower.UserID, Currency: leg.currency, Type: model.WalletTypeEco}
			}
			if eco.Available().LessThan(leg.amount) {
				return &InsufficientFundsError{Currency: leg.currency, Requested: leg.amount, Available: eco.Available()}
			}

			ct, err := tx.GetWalletForUpdate(ctx, follower.UserID, leg.currency, model.WalletTypeCopyTrading)
			if err != nil {
				return err
			}
			if ct == nil {
				return &WalletNotFoundError{UserID: follower.UserID, Currency: leg.currency, Type: model.WalletTypeCopyTrading}
			}

			if err := tx.ApplyWalletDelta(ctx, eco.ID, leg.amount.Neg()); err != nil {
				return err
			}
			if err := tx.ApplyWalletDelta(ctx, ct.ID, leg.amount); err != nil {
				return err
			}

			debit := &model.CopyTradingTransaction{
				ID:            uuid.New().String(),
				UserID:        follower.UserID,
				WalletID:      eco.ID,
				Type:          model.TxAllocation,
				Currency:      leg.currency,
				Amount:        leg.amount.Neg(),
				BalanceBefore: eco.Balance,
				BalanceAfter:  eco.Balance.Sub(leg.amount),
				Description:   fmt.Sprintf("%s committed to %s allocation", leg.currency, req.Symbol),
				ReferenceID:   alloc.ID,
				CreatedAt:     now,
			}
			if err := tx.AppendTransaction(ctx, debit); err != nil {
				return err
			}

			credit := &model.CopyTradingTransaction{
				ID:            uuid.New().String(),
				UserID:        follower.UserID,
				WalletID:      ct.ID,
				Type:          model.TxAllocation,
				Currency:      leg.currency,
				Amount:        leg.amount,
				BalanceBefore: ct.Balance,
				BalanceAfter:  ct.Balance.Add(leg.amount),
				Description:   fmt.Sprintf("%s received for %s allocation", leg.currency, req.Symbol),
				ReferenceID:   alloc.ID,
				CreatedAt:     now,
			}
			if err := tx.AppendTransaction(ctx, credit); err != nil {
				return err
			}
		}

		if err := tx.InsertAllocation(ctx, alloc); err != nil {
			return err
		}

		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     "allocation.create",
			NewValue: model.EncodeSnapshot(model.Snapshot{
				"symbol":       req.Symbol,
				"base_amount":  req.BaseAmount,
				"quote_amount": req.QuoteAmount,
			}),
			ActorID:   actorID,
			CreatedAt: now,
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues("allocate").Inc()
		return nil, err
	}

	e.settled(ctx, "allocate", nil, follower.LeaderID, []string{follower.ID}, nil)
	e.publish(Event{Type: "allocation_created", LeaderID: follower.LeaderID, FollowerID: follower.ID, Symbol: req.Symbol})

	slog.Info("allocation created",
		"allocation", alloc.ID,
		"follower", follower.ID,
		"symbol", req.Symbol,
		"base", req.BaseAmount.String(),
		"quote", req.QuoteAmount.String(),
	)
	return alloc, nil
}

// checkLimits prices the new commitment and the follower's existing active
// allocations in the common quote unit and runs them through the limiter.
// A failed price lookup drops that leg's contribution with a warning rather
// than blocking the allocation.
func (e *Engine) checkLimits(ctx context.Context, followerID string, req CreateAllocationRequest) error {
	if e.limiter == nil {
		return nil
	}

	existing, err := e.store.ListActiveAllocationsByFollower(ctx, followerID)
	if err != nil {
		return err
	}

	committed := make(map[string]decimal.Decimal, len(existing))
	for i := range existing {
		a := &existing[i]
		value := e.legValue(ctx, a.BaseCurrency, a.BaseAmount).
			Add(e.legValue(ctx, a.QuoteCurrency, a.QuoteAmount))
		committed[a.Symbol] = committed[a.Symbol].Add(value)
	}

	addValue := e.legValue(ctx, req.BaseCurrency, req.BaseAmount).
		Add(e.legValue(ctx, req.QuoteCurrency, req.QuoteAmount))

	return e.limiter.CheckLimit(req.Symbol, addValue, committed)
}

func (e *Engine) legValue(ctx context.Context, currency string, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() || e.prices == nil {
		return decimal.Zero
	}
	price, err := e.prices.Price(ctx, currency)
	if err != nil {
		slog.Warn("price lookup failed, leg excluded from limit value", "currency", currency, "err", err)
		return decimal.Zero
	}
	return amount.Mul(price)
}
