// Package engine implements the trade settlement core: the market, position,
// and wallet ledgers, and the coordinator that applies one trade atomically
// across all three.
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

// Every trade failure is one of the typed errors below. Each carries the
// context a caller needs to render an actionable message. Validation errors
// are detected before any mutation; commit-phase failures roll back fully,
// so no error ever leaves partial state behind.

// InsufficientFundsError means a wallet debit would drive the balance
// negative.
type InsufficientFundsError struct {
	UserID    string
	Requested decimal.Decimal
	Balance   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user %s requested %s, balance %s",
		e.UserID, e.Requested, e.Balance)
}

// InsufficientSharesError means a sell exceeds the held position.
type InsufficientSharesError struct {
	UserID    string
	MarketID  string
	Side      model.Side
	Requested decimal.Decimal
	Held      decimal.Decimal
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares: user %s holds %s %s on market %s, requested %s",
		e.UserID, e.Held, e.Side, e.MarketID, e.Requested)
}

// MarketResolvedError means the market has already been resolved.
type MarketResolvedError struct {
	MarketID string
}

func (e *MarketResolvedError) Error() string {
	return fmt.Sprintf("market %s is resolved", e.MarketID)
}

// MarketExpiredError means the market's end date has passed.
type MarketExpiredError struct {
	MarketID string
	EndDate  time.Time
}

func (e *MarketExpiredError) Error() string {
	return fmt.Sprintf("market %s expired at %s", e.MarketID, e.EndDate.Format(time.RFC3339))
}

// MarketNotFoundError means no market or question exists for the id.
type MarketNotFoundError struct {
	MarketID string
}

func (e *MarketNotFoundError) Error() string {
	return fmt.Sprintf("market %s not found", e.MarketID)
}

// PositionNotFoundError means the user holds no position to sell.
type PositionNotFoundError struct {
	UserID   string
	MarketID string
	Side     model.Side
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("no %s position for user %s on market %s", e.Side, e.UserID, e.MarketID)
}

// WalletNotFoundError means the user has no wallet account.
type WalletNotFoundError struct {
	UserID string
}

func (e *WalletNotFoundError) Error() string {
	return fmt.Sprintf("wallet for user %s not found", e.UserID)
}

// InvalidTradeSizeError means the amount or share count is not positive, or
// the side is unrecognized.
type InvalidTradeSizeError struct {
	Reason string
}

func (e *InvalidTradeSizeError) Error() string {
	return "invalid trade: " + e.Reason
}

// TradeConflictError surfaces only after the bounded retry budget for
// concurrent pool updates is exhausted; the caller should retry.
type TradeConflictError struct {
	MarketID string
	Attempts int
}

func (e *TradeConflictError) Error() string {
	return fmt.Sprintf("trade on market %s lost %d concurrent update races; retry", e.MarketID, e.Attempts)
}
