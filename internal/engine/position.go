package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/store"
)

// DustEpsilon is the share threshold below which a position is deleted
// rather than kept as a residue row.
var DustEpsilon = decimal.New(1, -6) // 0.000001

// PositionBook owns position rows. It merges buys with weighted-average
// price accounting and reports realized P&L on sells; it never touches the
// wallet itself.
type PositionBook struct{}

// NewPositionBook creates a position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{}
}

// Credit merges a fill into the (user, market, side) position. The merged
// average price is the share-weighted mean of the old and new fills.
func (b *PositionBook) Credit(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares, fillPrice decimal.Decimal, now time.Time) (*model.Position, error) {
	p, err := tx.GetPosition(ctx, userID, marketID, side)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		p = &model.Position{
			UserID:   userID,
			MarketID: marketID,
			Side:     side,
			Shares:   decimal.Zero,
			AvgPrice: fillPrice,
		}
	}

	newShares := p.Shares.Add(shares)
	if newShares.IsPositive() {
		weighted := p.AvgPrice.Mul(p.Shares).Add(fillPrice.Mul(shares))
		p.AvgPrice = weighted.Div(newShares)
	}
	p.Shares = newShares
	p.UpdatedAt = now

	if err := tx.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DebitResult is what a sell removed from the book.
type DebitResult struct {
	RealizedPnL decimal.Decimal // (fillPrice - avgPrice) * sharesSold
	AvgPrice    decimal.Decimal // cost basis of the shares sold
	Remaining   decimal.Decimal
	Closed      bool
}

// Debit removes shares from the (user, market, side) position, deleting the
// row when the remainder falls below DustEpsilon. Realized P&L is returned
// for the caller to credit; this keeps wallet writes in one place.
func (b *PositionBook) Debit(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares, fillPrice decimal.Decimal, now time.Time) (*DebitResult, error) {
	p, err := tx.GetPosition(ctx, userID, marketID, side)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &PositionNotFoundError{UserID: userID, MarketID: marketID, Side: side}
		}
		return nil, err
	}

	if shares.GreaterThan(p.Shares) {
		return nil, &InsufficientSharesError{
			UserID:    userID,
			MarketID:  marketID,
			Side:      side,
			Requested: shares,
			Held:      p.Shares,
		}
	}

	pnl := fillPrice.Sub(p.AvgPrice).Mul(shares)
	remaining := p.Shares.Sub(shares)

	if remaining.LessThan(DustEpsilon) {
		if err := tx.DeletePosition(ctx, userID, marketID, side); err != nil {
			return nil, err
		}
		return &DebitResult{
			RealizedPnL: pnl,
			AvgPrice:    p.AvgPrice,
			Remaining:   decimal.Zero,
			Closed:      true,
		}, nil
	}

	p.Shares = remaining
	p.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	return &DebitResult{
		RealizedPnL: pnl,
		AvgPrice:    p.AvgPrice,
		Remaining:   remaining,
	}, nil
}

// Held returns the current share count, zero if no position exists.
func (b *PositionBook) Held(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side) (decimal.Decimal, error) {
	p, err := tx.GetPosition(ctx, userID, marketID, side)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return p.Shares, nil
}
