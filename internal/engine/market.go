package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/curve"
	"github.com/babylon-markets/trade-engine/internal/metrics"
	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/store"
)

// MarketLedger owns a market's pooled reserves and liquidity counter. It is
// the single mutation point for pool state — no other component writes pool
// fields.
type MarketLedger struct {
	// DefaultSeed is the pool seed for lazily materialized markets whose
	// question does not specify one.
	DefaultSeed decimal.Decimal
}

// NewMarketLedger creates a ledger with the given default seed liquidity.
func NewMarketLedger(defaultSeed decimal.Decimal) *MarketLedger {
	return &MarketLedger{DefaultSeed: defaultSeed}
}

// Ensure returns the locked market row for id, materializing it with a
// symmetric seed pool on the first trade against a known question.
func (l *MarketLedger) Ensure(ctx context.Context, tx store.Tx, id string, now time.Time) (*model.Market, error) {
	m, err := tx.GetMarketForUpdate(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	q, err := tx.GetQuestion(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &MarketNotFoundError{MarketID: id}
		}
		return nil, err
	}

	seed := q.SeedLiquidity
	if seed.LessThanOrEqual(decimal.Zero) {
		seed = l.DefaultSeed
	}
	half := seed.Div(decimal.NewFromInt(2))

	m = &model.Market{
		ID:         q.ID,
		QuestionID: q.ID,
		YesPool:    half,
		NoPool:     half,
		Liquidity:  seed,
		EndDate:    q.EndDate,
		CreatedAt:  now,
	}
	if err := tx.CreateMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the materialization race; reload the winner's row.
			return tx.GetMarketForUpdate(ctx, id)
		}
		return nil, err
	}
	metrics.ActiveMarkets.Inc()
	return m, nil
}

// CheckTradeable validates the market accepts trades at the given instant.
func (l *MarketLedger) CheckTradeable(m *model.Market, now time.Time) error {
	if m.Resolved {
		return &MarketResolvedError{MarketID: m.ID}
	}
	if !now.Before(m.EndDate) {
		return &MarketExpiredError{MarketID: m.ID, EndDate: m.EndDate}
	}
	return nil
}

// ApplyBuy replaces the pools with the quote's post-trade pools and grows
// liquidity by the net cash that entered the pool.
func (l *MarketLedger) ApplyBuy(ctx context.Context, tx store.Tx, m *model.Market, q curve.Quote, netAmount decimal.Decimal) error {
	m.YesPool = q.NewYesPool
	m.NoPool = q.NewNoPool
	m.Liquidity = m.Liquidity.Add(netAmount)
	return tx.UpdateMarketPools(ctx, m.ID, m.YesPool, m.NoPool, m.Liquidity)
}

// ApplySell replaces the pools with the quote's post-trade pools and shrinks
// liquidity by the gross proceeds that left the pool.
func (l *MarketLedger) ApplySell(ctx context.Context, tx store.Tx, m *model.Market, q curve.SellQuote) error {
	m.YesPool = q.NewYesPool
	m.NoPool = q.NewNoPool
	m.Liquidity = m.Liquidity.Sub(q.GrossProceeds)
	return tx.UpdateMarketPools(ctx, m.ID, m.YesPool, m.NoPool, m.Liquidity)
}

// Resolve flags the market with its outcome. Settlement payout is handled
// elsewhere; resolved markets reject all further trades.
func (l *MarketLedger) Resolve(ctx context.Context, tx store.Tx, id string, outcome bool) error {
	m, err := tx.GetMarketForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &MarketNotFoundError{MarketID: id}
		}
		return err
	}
	if m.Resolved {
		return &MarketResolvedError{MarketID: id}
	}
	return tx.ResolveMarket(ctx, id, outcome)
}
