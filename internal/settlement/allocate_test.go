package settlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/limits"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/pricing"
	"github.com/copytrade/copy-engine/internal/settlement"
	"github.com/copytrade/copy-engine/internal/store"
)

func allocationRequest() settlement.CreateAllocationRequest {
	return settlement.CreateAllocationRequest{
		FollowerID:    "f1",
		Symbol:        "BTC/USDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		BaseAmount:    d(0.5),
		QuoteAmount:   d(1000),
	}
}

func seedAllocationWallets(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	seedWallet(t, ms, "w1", "u1", "BTC", model.WalletTypeEco, 2.0)
	seedWallet(t, ms, "w2", "u1", "BTC", model.WalletTypeCopyTrading, 0)
	seedWallet(t, ms, "w3", "u1", "USDT", model.WalletTypeEco, 5000)
	seedWallet(t, ms, "w4", "u1", "USDT", model.WalletTypeCopyTrading, 0)
}

func TestCreateAllocation_MovesFundsIntoCopyTrading(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)
	seedAllocationWallets(t, ms)

	alloc, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if alloc.ID == "" || !alloc.IsActive {
		t.Fatalf("expected active allocation with ID, got %+v", alloc)
	}
	if !alloc.BaseUsedAmount.IsZero() || !alloc.QuoteUsedAmount.IsZero() {
		t.Error("new allocation must start with zero used amounts")
	}

	if !walletBalance(t, ms, "u1", "BTC", model.WalletTypeEco).Equal(d(1.5)) {
		t.Errorf("BTC ECO should drop to 1.5, got %s",
			walletBalance(t, ms, "u1", "BTC", model.WalletTypeEco))
	}
	if !walletBalance(t, ms, "u1", "BTC", model.WalletTypeCopyTrading).Equal(d(0.5)) {
		t.Errorf("BTC copy-trading should hold 0.5, got %s",
			walletBalance(t, ms, "u1", "BTC", model.WalletTypeCopyTrading))
	}
	if !walletBalance(t, ms, "u1", "USDT", model.WalletTypeCopyTrading).Equal(d(1000)) {
		t.Errorf("USDT copy-trading should hold 1000, got %s",
			walletBalance(t, ms, "u1", "USDT", model.WalletTypeCopyTrading))
	}

	// Two paired ALLOCATION rows per leg.
	txs := ms.Transactions()
	if len(txs) != 4 {
		t.Fatalf("expected 4 ledger rows, got %d", len(txs))
	}
	for _, tx := range txs {
		if tx.Type != model.TxAllocation {
			t.Errorf("expected ALLOCATION rows, got %s", tx.Type)
		}
	}
}

func TestCreateAllocation_RoundTripWithRelease(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)
	seedAllocationWallets(t, ms)

	alloc, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Release with nothing used: every balance returns to its start.
	err = ms.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := eng.ReleaseAllocation(ctx, tx, alloc.ID)
		return err
	})
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if !walletBalance(t, ms, "u1", "BTC", model.WalletTypeEco).Equal(d(2.0)) {
		t.Errorf("BTC ECO should round-trip to 2.0, got %s",
			walletBalance(t, ms, "u1", "BTC", model.WalletTypeEco))
	}
	if !walletBalance(t, ms, "u1", "USDT", model.WalletTypeEco).Equal(d(5000)) {
		t.Errorf("USDT ECO should round-trip to 5000, got %s",
			walletBalance(t, ms, "u1", "USDT", model.WalletTypeEco))
	}
	if !walletBalance(t, ms, "u1", "BTC", model.WalletTypeCopyTrading).IsZero() ||
		!walletBalance(t, ms, "u1", "USDT", model.WalletTypeCopyTrading).IsZero() {
		t.Error("copy-trading wallets should drain on release")
	}
}

func TestCreateAllocation_InsufficientFunds(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)
	seedWallet(t, ms, "w1", "u1", "BTC", model.WalletTypeEco, 0.1)
	seedWallet(t, ms, "w2", "u1", "BTC", model.WalletTypeCopyTrading, 0)
	seedWallet(t, ms, "w3", "u1", "USDT", model.WalletTypeEco, 5000)
	seedWallet(t, ms, "w4", "u1", "USDT", model.WalletTypeCopyTrading, 0)

	_, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1")
	var fundsErr *settlement.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if fundsErr.Currency != "BTC" {
		t.Errorf("expected BTC shortfall, got %s", fundsErr.Currency)
	}

	// Nothing committed.
	if !walletBalance(t, ms, "u1", "BTC", model.WalletTypeEco).Equal(d(0.1)) {
		t.Error("ECO balance must be untouched after rejection")
	}
	if len(ms.Transactions()) != 0 {
		t.Errorf("expected zero ledger rows, got %d", len(ms.Transactions()))
	}
}

func TestCreateAllocation_InOrderFundsNotSpendable(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)
	ms.PutWallet(model.Wallet{
		ID: "w1", UserID: "u1", Currency: "BTC", Type: model.WalletTypeEco,
		Balance: d(1.0), InOrder: d(0.8),
	})
	seedWallet(t, ms, "w2", "u1", "BTC", model.WalletTypeCopyTrading, 0)

	req := allocationRequest()
	req.QuoteAmount = decimal.Zero

	_, err := eng.CreateAllocation(context.Background(), req, "u1")
	var fundsErr *settlement.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("expected InsufficientFundsError for reserved funds, got %v", err)
	}
}

func TestCreateAllocation_ValidationErrors(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)

	noSymbol := allocationRequest()
	noSymbol.Symbol = ""
	if _, err := eng.CreateAllocation(context.Background(), noSymbol, "u1"); !errors.Is(err, settlement.ErrSymbolRequired) {
		t.Errorf("expected ErrSymbolRequired, got %v", err)
	}

	zeroAmounts := allocationRequest()
	zeroAmounts.BaseAmount = decimal.Zero
	zeroAmounts.QuoteAmount = decimal.Zero
	if _, err := eng.CreateAllocation(context.Background(), zeroAmounts, "u1"); !errors.Is(err, settlement.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	negative := allocationRequest()
	negative.BaseAmount = d(-1)
	if _, err := eng.CreateAllocation(context.Background(), negative, "u1"); !errors.Is(err, settlement.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
}

func TestCreateAllocation_SubscriptionStates(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderActive)

	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerPaused)
	if _, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1"); !errors.Is(err, settlement.ErrFollowerNotActive) {
		t.Errorf("expected ErrFollowerNotActive for paused, got %v", err)
	}

	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerStopped)
	if _, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1"); !errors.Is(err, model.ErrSubscriptionStopped) {
		t.Errorf("expected ErrSubscriptionStopped, got %v", err)
	}
}

func TestCreateAllocation_LeaderNotActive(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedLeader(t, ms, "leader1", model.LeaderSuspended)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)

	if _, err := eng.CreateAllocation(context.Background(), allocationRequest(), "u1"); !errors.Is(err, settlement.ErrLeaderNotActive) {
		t.Errorf("expected ErrLeaderNotActive, got %v", err)
	}
}

func TestCreateAllocation_MarketLimitEnforced(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := pricing.NewStaticSource(map[string]decimal.Decimal{
		"BTC": d(50000),
	})
	limiter := limits.NewAllocationLimiter(d(30000), d(100000))
	eng := settlement.NewEngine(ms, prices, limiter, nil, nil)

	seedLeader(t, ms, "leader1", model.LeaderActive)
	seedFollower(t, ms, "f1", "u1", "leader1", model.FollowerActive)
	seedWallet(t, ms, "w1", "u1", "BTC", model.WalletTypeEco, 10)
	seedWallet(t, ms, "w2", "u1", "BTC", model.WalletTypeCopyTrading, 0)

	// 1 BTC at 50000 USDT exceeds the 30000 per-market cap.
	req := allocationRequest()
	req.BaseAmount = d(1)
	req.QuoteAmount = decimal.Zero

	_, err := eng.CreateAllocation(context.Background(), req, "u1")
	if !errors.Is(err, limits.ErrMarketLimitExceeded) {
		t.Fatalf("expected ErrMarketLimitExceeded, got %v", err)
	}

	// Under the cap it passes.
	req.BaseAmount = d(0.5)
	if _, err := eng.CreateAllocation(context.Background(), req, "u1"); err != nil {
		t.Fatalf("allocation under the cap should succeed: %v", err)
	}
}
