package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/model"
)

// Validation errors, rejected before any database write.
var (
	// ErrReasonRequired is returned when suspending a leader without a reason.
	ErrReasonRequired = errors.New("a reason is required to suspend a leader")

	// ErrSymbolRequired is returned when disabling a leader market without a symbol.
	ErrSymbolRequired = errors.New("a market symbol is required")

	// ErrInvalidAmount is returned for malformed allocation amounts.
	ErrInvalidAmount = errors.New("allocation amounts must be non-negative and at least one leg must be positive")

	// ErrLeaderNotActive is returned when funding a market under a leader
	// that is not in ACTIVE status.
	ErrLeaderNotActive = errors.New("leader is not active")

	// ErrFollowerNotActive is returned when funding a market on a
	// subscription that is not in ACTIVE status.
	ErrFollowerNotActive = errors.New("subscription is not active")
)

// WalletNotFoundError reports a wallet that must exist but does not. A
// missing destination wallet mid-transfer is a data-integrity problem, so the
// whole batch is rolled back rather than silently losing the user's funds.
type WalletNotFoundError struct {
	UserID   string
	Currency string
	Type     model.WalletType
}

func (e *WalletNotFoundError) Error() string {
	return fmt.Sprintf("%s %s wallet not found for user %s", e.Currency, e.Type, e.UserID)
}

// ActiveTradesError rejects stopping a subscription while trades are open.
type ActiveTradesError struct {
	Count int
}

func (e *ActiveTradesError) Error() string {
	return fmt.Sprintf("cannot stop subscription with %d active trades", e.Count)
}

// OpenPositionsError rejects leader-scope settlement while positions are
// open or pending.
type OpenPositionsError struct {
	Symbol string // empty for leader-wide checks
	Count  int
}

func (e *OpenPositionsError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("cannot disable market %s: %d open positions", e.Symbol, e.Count)
	}
	return fmt.Sprintf("leader has %d open positions", e.Count)
}

// InsufficientFundsError rejects an allocation the ECO wallet cannot cover.
type InsufficientFundsError struct {
	Currency  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: requested %s, available %s",
		e.Currency, e.Requested, e.Available)
}
