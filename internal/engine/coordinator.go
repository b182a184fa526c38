package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/curve"
	"github.com/babylon-markets/trade-engine/internal/fees"
	"github.com/babylon-markets/trade-engine/internal/metrics"
	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/risk"
	"github.com/babylon-markets/trade-engine/internal/store"
)

// Coordinator sequences one trade end-to-end: validation, pricing, fee
// split, and the atomic commit across the market, position, and wallet
// ledgers. It holds no state of its own.
//
// Each trade runs Validating → Pricing → FeeSplit → Committing inside one
// store transaction holding the market row, so the quote and the pool
// mutation it produces commit as one indivisible step per market. A
// transaction that loses a serialization race is retried from the top
// against the refreshed pool state; a quote is only valid against the pool
// it was computed from.
type Coordinator struct {
	store     store.Store
	fees      *fees.Calculator
	limits    *risk.Limiter
	markets   *MarketLedger
	positions *PositionBook
	wallets   *WalletLedger

	maxRetries int
}

// NewCoordinator creates a coordinator. maxRetries bounds how many times a
// trade is replayed after serialization conflicts before surfacing
// TradeConflictError.
func NewCoordinator(st store.Store, fc *fees.Calculator, lim *risk.Limiter, defaultSeed decimal.Decimal, maxRetries int) *Coordinator {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Coordinator{
		store:      st,
		fees:       fc,
		limits:     lim,
		markets:    NewMarketLedger(defaultSeed),
		positions:  NewPositionBook(),
		wallets:    NewWalletLedger(),
		maxRetries: maxRetries,
	}
}

// BuyReceipt is the settlement result returned to the API layer.
type BuyReceipt struct {
	TradeID     string          `json:"trade_id"`
	MarketID    string          `json:"market_id"`
	Side        model.Side      `json:"side"`
	Shares      decimal.Decimal `json:"shares"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	FeeCharged  decimal.Decimal `json:"fee_charged"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	NewYesPrice decimal.Decimal `json:"new_yes_price"`
	NewNoPrice  decimal.Decimal `json:"new_no_price"`
	PriceImpact decimal.Decimal `json:"price_impact"`
	NewBalance  decimal.Decimal `json:"new_balance"`
}

// SellReceipt is the settlement result of a sell.
type SellReceipt struct {
	TradeID        string          `json:"trade_id"`
	MarketID       string          `json:"market_id"`
	Side           model.Side      `json:"side"`
	SharesSold     decimal.Decimal `json:"shares_sold"`
	GrossProceeds  decimal.Decimal `json:"gross_proceeds"`
	NetProceeds    decimal.Decimal `json:"net_proceeds"`
	FeeCharged     decimal.Decimal `json:"fee_charged"`
	PnL            decimal.Decimal `json:"pnl"`
	NewYesPrice    decimal.Decimal `json:"new_yes_price"`
	NewNoPrice     decimal.Decimal `json:"new_no_price"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	NewBalance     decimal.Decimal `json:"new_balance"`
	PositionClosed bool            `json:"position_closed"`
}

// MarketState is the read-only snapshot served to callers.
type MarketState struct {
	MarketID   string          `json:"market_id"`
	YesPrice   decimal.Decimal `json:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	Resolved   bool            `json:"resolved"`
	Resolution *bool           `json:"resolution,omitempty"`
}

// Buy executes a buy of grossAmount cash on the given side of a market.
func (c *Coordinator) Buy(ctx context.Context, userID, marketID string, side model.Side, grossAmount decimal.Decimal) (*BuyReceipt, error) {
	if !side.Valid() {
		return nil, &InvalidTradeSizeError{Reason: "side must be YES or NO"}
	}
	if grossAmount.LessThanOrEqual(decimal.Zero) {
		return nil, &InvalidTradeSizeError{Reason: "amount must be positive"}
	}
	if err := c.limits.CheckTradeAmount(grossAmount); err != nil {
		return nil, err
	}

	var receipt *BuyReceipt
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			r, err := c.buyTx(ctx, tx, userID, marketID, side, grossAmount)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictRetries.Inc()
			continue
		}
		return nil, err
	}
	return nil, &TradeConflictError{MarketID: marketID, Attempts: c.maxRetries}
}

func (c *Coordinator) buyTx(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, grossAmount decimal.Decimal) (*BuyReceipt, error) {
	now := time.Now().UTC()
	tradeID := uuid.New().String()

	// Validating. Market row is locked first, then the wallet row; every
	// trade acquires in that order so concurrent trades cannot deadlock.
	m, err := c.markets.Ensure(ctx, tx, marketID, now)
	if err != nil {
		return nil, err
	}
	if err := c.markets.CheckTradeable(m, now); err != nil {
		return nil, err
	}

	w, err := tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &WalletNotFoundError{UserID: userID}
		}
		return nil, err
	}
	if w.Balance.LessThan(grossAmount) {
		return nil, &InsufficientFundsError{UserID: userID, Requested: grossAmount, Balance: w.Balance}
	}

	held, err := c.positions.Held(ctx, tx, userID, marketID, side)
	if err != nil {
		return nil, err
	}

	// FeeSplit, then Pricing on the net amount that actually enters the
	// pool.
	split, err := c.fees.Compute(grossAmount, fees.TypeTrade, w.ReferrerID != "")
	if err != nil {
		return nil, err
	}
	quote, err := curve.QuoteBuy(m.YesPool, m.NoPool, side, split.NetAmount)
	if err != nil {
		return nil, err
	}

	if err := c.limits.CheckBuy(held, quote.Shares); err != nil {
		return nil, err
	}

	// Committing. Any failure below aborts the transaction and rolls back
	// every write.
	wallet, err := c.wallets.Debit(ctx, tx, userID, grossAmount, model.TxnTradeBuy, tradeID, now)
	if err != nil {
		return nil, err
	}
	if err := c.markets.ApplyBuy(ctx, tx, m, quote, split.NetAmount); err != nil {
		return nil, err
	}
	if _, err := c.positions.Credit(ctx, tx, userID, marketID, side, quote.Shares, quote.AvgPrice, now); err != nil {
		return nil, err
	}
	if err := c.payReferrer(ctx, tx, w.ReferrerID, split.ReferrerShare, tradeID, now); err != nil {
		return nil, err
	}

	return &BuyReceipt{
		TradeID:     tradeID,
		MarketID:    marketID,
		Side:        side,
		Shares:      quote.Shares,
		AvgPrice:    quote.AvgPrice,
		FeeCharged:  split.FeeCharged,
		NetAmount:   split.NetAmount,
		NewYesPrice: m.YesPrice().Round(curve.Scale),
		NewNoPrice:  m.NoPrice().Round(curve.Scale),
		PriceImpact: quote.PriceImpact,
		NewBalance:  wallet.Balance,
	}, nil
}

// Sell executes a sell of shares on the given side of a market.
func (c *Coordinator) Sell(ctx context.Context, userID, marketID string, side model.Side, shares decimal.Decimal) (*SellReceipt, error) {
	if !side.Valid() {
		return nil, &InvalidTradeSizeError{Reason: "side must be YES or NO"}
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, &InvalidTradeSizeError{Reason: "share count must be positive"}
	}

	var receipt *SellReceipt
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			r, err := c.sellTx(ctx, tx, userID, marketID, side, shares)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictRetries.Inc()
			continue
		}
		return nil, err
	}
	return nil, &TradeConflictError{MarketID: marketID, Attempts: c.maxRetries}
}

func (c *Coordinator) sellTx(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares decimal.Decimal) (*SellReceipt, error) {
	now := time.Now().UTC()
	tradeID := uuid.New().String()

	// Validating.
	m, err := tx.GetMarketForUpdate(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &MarketNotFoundError{MarketID: marketID}
		}
		return nil, err
	}
	if err := c.markets.CheckTradeable(m, now); err != nil {
		return nil, err
	}

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

	// Pricing on the requested shares, then FeeSplit from gross proceeds.
	quote, err := curve.QuoteSell(m.YesPool, m.NoPool, side, shares)
	if err != nil {
		return nil, err
	}
	hasReferrer := false
	if w, err := tx.GetWalletForUpdate(ctx, userID); err == nil {
		hasReferrer = w.ReferrerID != ""
	}
	split, err := c.fees.Compute(quote.GrossProceeds, fees.TypeTrade, hasReferrer)
	if err != nil {
		return nil, err
	}

	// Committing.
	debit, err := c.positions.Debit(ctx, tx, userID, marketID, side, shares, quote.AvgPrice, now)
	if err != nil {
		return nil, err
	}
	if err := c.markets.ApplySell(ctx, tx, m, quote); err != nil {
		return nil, err
	}
	wallet, err := c.wallets.Credit(ctx, tx, userID, split.NetAmount, model.TxnTradeSell, tradeID, now)
	if err != nil {
		return nil, err
	}
	if err := c.wallets.RecordPnL(ctx, tx, userID, debit.RealizedPnL); err != nil {
		return nil, err
	}
	if err := c.payReferrer(ctx, tx, wallet.ReferrerID, split.ReferrerShare, tradeID, now); err != nil {
		return nil, err
	}

	return &SellReceipt{
		TradeID:        tradeID,
		MarketID:       marketID,
		Side:           side,
		SharesSold:     shares,
		GrossProceeds:  quote.GrossProceeds,
		NetProceeds:    split.NetAmount,
		FeeCharged:     split.FeeCharged,
		PnL:            debit.RealizedPnL,
		NewYesPrice:    m.YesPrice().Round(curve.Scale),
		NewNoPrice:     m.NoPrice().Round(curve.Scale),
		PriceImpact:    quote.PriceImpact,
		NewBalance:     wallet.Balance,
		PositionClosed: debit.Closed,
	}, nil
}

// payReferrer credits the referrer's cut of the fee. A referrer without a
// wallet forfeits the share to the platform.
func (c *Coordinator) payReferrer(ctx context.Context, tx store.Tx, referrerID string, share decimal.Decimal, tradeID string, now time.Time) error {
	if referrerID == "" || !share.IsPositive() {
		return nil
	}
	_, err := c.wallets.Credit(ctx, tx, referrerID, share, model.TxnReferralShare, tradeID, now)
	if err != nil {
		var notFound *WalletNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// State returns the display snapshot for a market. An unmaterialized market
// with a registered question reports its seed state without creating rows.
func (c *Coordinator) State(ctx context.Context, marketID string) (*MarketState, error) {
	m, err := c.store.GetMarket(ctx, marketID)
	if err == nil {
		return &MarketState{
			MarketID:   m.ID,
			YesPrice:   m.YesPrice().Round(curve.Scale),
			NoPrice:    m.NoPrice().Round(curve.Scale),
			Liquidity:  m.Liquidity,
			Resolved:   m.Resolved,
			Resolution: m.Resolution,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	q, err := c.store.GetQuestion(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &MarketNotFoundError{MarketID: marketID}
		}
		return nil, err
	}
	seed := q.SeedLiquidity
	if seed.LessThanOrEqual(decimal.Zero) {
		seed = c.markets.DefaultSeed
	}
	half := decimal.NewFromFloat(0.5)
	return &MarketState{
		MarketID:  q.ID,
		YesPrice:  half,
		NoPrice:   half,
		Liquidity: seed,
	}, nil
}

// CreateWallet provisions a wallet. A positive opening balance is applied
// through the ledger so it lands in the transaction log like any other
// credit.
func (c *Coordinator) CreateWallet(ctx context.Context, userID string, openingBalance decimal.Decimal, referrerID string) (*model.WalletAccount, error) {
	if openingBalance.IsNegative() {
		return nil, &InvalidTradeSizeError{Reason: "opening balance must not be negative"}
	}
	w := &model.WalletAccount{
		UserID:     userID,
		ReferrerID: referrerID,
	}
	if err := c.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	if openingBalance.IsPositive() {
		now := time.Now().UTC()
		err := c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := c.wallets.Credit(ctx, tx, userID, openingBalance, model.TxnAdminCredit, "", now)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return c.store.GetWallet(ctx, userID)
}

// Resolve flags a market with its outcome inside a unit of work.
func (c *Coordinator) Resolve(ctx context.Context, marketID string, outcome bool) error {
	return c.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return c.markets.Resolve(ctx, tx, marketID, outcome)
	})
}
