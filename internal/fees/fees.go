// Package fees computes the protocol fee taken from a gross trade amount and
// the referrer's cut of that fee. Pure functions, no persistence.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Type selects the fee schedule applied to a trade.
type Type string

const (
	// TypeTrade is the standard fee on buys and sells.
	TypeTrade Type = "TRADE"

	// TypeNone charges no fee (administrative credits, seeding).
	TypeNone Type = "NONE"
)

// FeeScale is the number of decimal places fees are rounded to.
const FeeScale int32 = 6

// ErrNegativeAmount is returned for negative gross amounts.
var ErrNegativeAmount = errors.New("fees: gross amount must not be negative")

// Split is the per-trade fee breakdown. It is not persisted as its own
// entity; it flows into the transaction log via the coordinator.
type Split struct {
	FeeCharged    decimal.Decimal `json:"fee_charged"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	ReferrerShare decimal.Decimal `json:"referrer_share"`
}

// Calculator holds the fee schedule. Construct with New; zero value charges
// nothing.
type Calculator struct {
	rates         map[Type]decimal.Decimal
	referrerShare decimal.Decimal // proportion of the fee, in [0, 1]
}

// New creates a Calculator with the given standard trade rate and referrer
// proportion. Rates are fractions (0.02 = 2%).
func New(tradeRate, referrerShare decimal.Decimal) *Calculator {
	return &Calculator{
		rates: map[Type]decimal.Decimal{
			TypeTrade: tradeRate,
			TypeNone:  decimal.Zero,
		},
		referrerShare: referrerShare,
	}
}

// Rate returns the fee rate for the given type, zero if unknown.
func (c *Calculator) Rate(t Type) decimal.Decimal {
	return c.rates[t]
}

// Compute splits a gross amount into fee, net, and referrer share. The fee
// rounds away from the trader (up) at FeeScale, so rounding residue always
// lands with the platform. ReferrerShare is zero when hasReferrer is false;
// it rounds down so referrer payout never exceeds the fee collected.
func (c *Calculator) Compute(grossAmount decimal.Decimal, t Type, hasReferrer bool) (Split, error) {
	if grossAmount.IsNegative() {
		return Split{}, ErrNegativeAmount
	}

	fee := grossAmount.Mul(c.rates[t]).RoundUp(FeeScale)
	net := grossAmount.Sub(fee)

	ref := decimal.Zero
	if hasReferrer && fee.IsPositive() {
		ref = fee.Mul(c.referrerShare).RoundDown(FeeScale)
	}

	return Split{
		FeeCharged:    fee,
		NetAmount:     net,
		ReferrerShare: ref,
	}, nil
}
