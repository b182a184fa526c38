// Package curve implements the bonding-curve pricing function for binary
// prediction markets backed by cash-denominated reserve pools.
//
// The instantaneous YES price is yesPool / (yesPool + noPool). A buy of net
// cash N deposits the full amount into the bought side's pool and mints
//
//	shares = N + otherPool * ln(1 + N/sidePool)
//
// which is the integral of 1/price over the cash inflow. A sell of k shares
// withdraws the gross proceeds G solving the exact inverse
//
//	k = G + otherPool * ln(sidePool / (sidePool - G))
//
// so buying and immediately selling the minted shares restores the pools
// exactly (fees, applied by the caller, make the round trip lossy).
//
// The curve keeps prices strictly inside (0, 1): the untouched pool never
// drains, and trades that would push a price past [MinPrice, MaxPrice] are
// rejected before any state changes hands.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math runs in float64 with results immediately
// converted back to decimal.
package curve

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

var (
	// ErrInvalidPool is returned when either reserve pool is not positive.
	ErrInvalidPool = errors.New("curve: reserve pools must be positive")

	// ErrNegativeTrade is returned for negative trade sizes. Zero-size
	// trades are a no-op, not an error.
	ErrNegativeTrade = errors.New("curve: trade size must not be negative")

	// ErrPriceBoundExceeded is returned when a trade would push the price
	// beyond [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("curve: trade would push price beyond allowed bounds")

	// MinPrice is the lowest allowed price (probability floor).
	// Prevents degenerate markets where shares become worthless.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest allowed price (probability ceiling).
	// Prevents degenerate markets where the outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.999)

	// Scale is the number of decimal places for share/cash rounding.
	Scale int32 = 8
)

// Quote is the result of pricing a buy against the current pools.
type Quote struct {
	Shares      decimal.Decimal
	AvgPrice    decimal.Decimal // netAmount / shares, the realized fill price
	NewYesPool  decimal.Decimal
	NewNoPool   decimal.Decimal
	PriceImpact decimal.Decimal // percent change of the traded side's price
}

// SellQuote is the result of pricing a sell against the current pools.
type SellQuote struct {
	GrossProceeds decimal.Decimal
	AvgPrice      decimal.Decimal // grossProceeds / shares
	NewYesPool    decimal.Decimal
	NewNoPool     decimal.Decimal
	PriceImpact   decimal.Decimal
}

// sidePrice returns pool_side / (pool_yes + pool_no) for the traded side.
func sidePrice(yes, no decimal.Decimal, side model.Side) decimal.Decimal {
	total := yes.Add(no)
	if side == model.SideYes {
		return yes.Div(total)
	}
	return no.Div(total)
}

// impact returns the percentage move from before to after, rounded to Scale.
func impact(before, after decimal.Decimal) decimal.Decimal {
	if before.IsZero() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	return after.Sub(before).Div(before).Mul(hundred).Round(Scale)
}

// QuoteBuy prices a buy of netAmount cash on the given side. The net amount
// (gross minus fee) enters the side's pool in full; the share count is the
// closed-form integral of 1/price over the inflow.
func QuoteBuy(yesPool, noPool decimal.Decimal, side model.Side, netAmount decimal.Decimal) (Quote, error) {
	if yesPool.LessThanOrEqual(decimal.Zero) || noPool.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidPool
	}
	if netAmount.IsNegative() {
		return Quote{}, ErrNegativeTrade
	}
	if netAmount.IsZero() {
		p := sidePrice(yesPool, noPool, side)
		return Quote{
			Shares:     decimal.Zero,
			AvgPrice:   p.Round(Scale),
			NewYesPool: yesPool,
			NewNoPool:  noPool,
		}, nil
	}

	sp := yesPool
	op := noPool
	if side == model.SideNo {
		sp, op = op, sp
	}

	newSide := sp.Add(netAmount)
	newTotal := newSide.Add(op)
	newPrice := newSide.Div(newTotal)
	if newPrice.GreaterThan(MaxPrice) {
		return Quote{}, ErrPriceBoundExceeded
	}

	// shares = N + other * ln((side+N)/side), computed in float64.
	nf := netAmount.InexactFloat64()
	sf := sp.InexactFloat64()
	of := op.InexactFloat64()
	sharesF := nf + of*math.Log((sf+nf)/sf)
	shares := decimal.NewFromFloat(sharesF).Round(Scale)

	avgPrice := netAmount.Div(shares).Round(Scale)

	newYes, newNo := newSide, op
	if side == model.SideNo {
		newYes, newNo = op, newSide
	}

	priceBefore := sidePrice(yesPool, noPool, side)
	priceAfter := sidePrice(newYes, newNo, side)

	return Quote{
		Shares:      shares,
		AvgPrice:    avgPrice,
		NewYesPool:  newYes,
		NewNoPool:   newNo,
		PriceImpact: impact(priceBefore, priceAfter),
	}, nil
}

// QuoteSell prices a sell of shares on the given side. The gross proceeds
// are the exact inverse of the buy integral, found by Newton iteration on
//
//	f(G) = G + other*ln(side/(side-G)) - shares
//
// which is strictly increasing and convex on (0, side), so the iteration
// converges from any interior starting point.
func QuoteSell(yesPool, noPool decimal.Decimal, side model.Side, shares decimal.Decimal) (SellQuote, error) {
	if yesPool.LessThanOrEqual(decimal.Zero) || noPool.LessThanOrEqual(decimal.Zero) {
		return SellQuote{}, ErrInvalidPool
	}
	if shares.IsNegative() {
		return SellQuote{}, ErrNegativeTrade
	}
	if shares.IsZero() {
		p := sidePrice(yesPool, noPool, side)
		return SellQuote{
			GrossProceeds: decimal.Zero,
			AvgPrice:      p.Round(Scale),
			NewYesPool:    yesPool,
			NewNoPool:     noPool,
		}, nil
	}

	sp := yesPool
	op := noPool
	if side == model.SideNo {
		sp, op = op, sp
	}

	gf, err := solveProceeds(sp.InexactFloat64(), op.InexactFloat64(), shares.InexactFloat64())
	if err != nil {
		return SellQuote{}, err
	}

	gross := decimal.NewFromFloat(gf).Round(Scale)
	newSide := sp.Sub(gross)
	if newSide.LessThanOrEqual(decimal.Zero) {
		return SellQuote{}, ErrPriceBoundExceeded
	}
	newTotal := newSide.Add(op)
	newPrice := newSide.Div(newTotal)
	if newPrice.LessThan(MinPrice) {
		return SellQuote{}, ErrPriceBoundExceeded
	}

	avgPrice := gross.Div(shares).Round(Scale)

	newYes, newNo := newSide, op
	if side == model.SideNo {
		newYes, newNo = op, newSide
	}

	priceBefore := sidePrice(yesPool, noPool, side)
	priceAfter := sidePrice(newYes, newNo, side)

	return SellQuote{
		GrossProceeds: gross,
		AvgPrice:      avgPrice,
		NewYesPool:    newYes,
		NewNoPool:     newNo,
		PriceImpact:   impact(priceBefore, priceAfter),
	}, nil
}

// solveProceeds finds G in (0, side) with G + other*ln(side/(side-G)) = k.
func solveProceeds(side, other, k float64) (float64, error) {
	// Start at the proceeds implied by the current instantaneous price.
	g := k * side / (side + other)
	hi := side * (1 - 1e-12)
	if g <= 0 || g >= hi {
		g = hi / 2
	}

	for i := 0; i < 64; i++ {
		f := g + other*math.Log(side/(side-g)) - k
		if math.Abs(f) < 1e-12 {
			return g, nil
		}
		deriv := 1 + other/(side-g)
		next := g - f/deriv

		// Keep the iterate inside (0, side).
		if next <= 0 {
			next = g / 2
		} else if next >= hi {
			next = (g + hi) / 2
		}
		g = next
	}

	f := g + other*math.Log(side/(side-g)) - k
	if math.Abs(f) < 1e-8 {
		return g, nil
	}
	// Non-convergence only happens when k demands draining the pool.
	return 0, ErrPriceBoundExceeded
}
