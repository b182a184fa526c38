// Package risk enforces per-user exposure limits checked before a trade is
// priced and committed.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a buy would push a user's
	// holding in one market past the per-market share cap.
	ErrMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrTradeSizeExceeded is returned when a single trade's gross amount
	// exceeds the per-trade cap.
	ErrTradeSizeExceeded = errors.New("risk: trade size limit exceeded")
)

// Limiter holds the exposure caps. A non-positive cap disables that check.
type Limiter struct {
	// MaxSharesPerMarket caps a user's share count on one side of one
	// market.
	MaxSharesPerMarket decimal.Decimal

	// MaxTradeAmount caps the gross cash size of a single trade.
	MaxTradeAmount decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxSharesPerMarket, maxTradeAmount decimal.Decimal) *Limiter {
	return &Limiter{
		MaxSharesPerMarket: maxSharesPerMarket,
		MaxTradeAmount:     maxTradeAmount,
	}
}

// CheckTradeAmount validates the gross cash size of one trade.
func (l *Limiter) CheckTradeAmount(gross decimal.Decimal) error {
	if l == nil || l.MaxTradeAmount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if gross.GreaterThan(l.MaxTradeAmount) {
		return ErrTradeSizeExceeded
	}
	return nil
}

// CheckBuy validates that a buy's minted shares keep the user's holding
// within the per-market cap.
func (l *Limiter) CheckBuy(heldShares, newShares decimal.Decimal) error {
	if l == nil || l.MaxSharesPerMarket.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if heldShares.Add(newShares).GreaterThan(l.MaxSharesPerMarket) {
		return ErrMarketLimitExceeded
	}
	return nil
}
