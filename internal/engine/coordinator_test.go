package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/babylon-markets/trade-engine/internal/fees"
	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/risk"
	"github.com/babylon-markets/trade-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tolerance = d(0.000001)

// newTestFees matches the production defaults: 2% trade fee, half to the
// referrer.
func newTestFees() *fees.Calculator {
	return fees.New(d(0.02), d(0.5))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	fc := newTestFees()
	lim := risk.NewLimiter(decimal.Zero, decimal.Zero) // disabled
	return NewCoordinator(st, fc, lim, d(1000), 3), st
}

func seedQuestion(t *testing.T, st store.Store, id string, seed decimal.Decimal, endDate time.Time) {
	t.Helper()
	err := st.CreateQuestion(context.Background(), &model.Question{
		ID:            id,
		Title:         "Will it rain tomorrow?",
		EndDate:       endDate,
		SeedLiquidity: seed,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed question: %v", err)
	}
}

func seedWallet(t *testing.T, c *Coordinator, userID string, balance decimal.Decimal, referrerID string) {
	t.Helper()
	if _, err := c.CreateWallet(context.Background(), userID, balance, referrerID); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func future() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}

// --- Buy ---

func TestBuy_SettlesAtomically(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	r, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if !r.FeeCharged.Equal(d(2)) {
		t.Errorf("fee should be $2, got %s", r.FeeCharged)
	}
	if !r.NetAmount.Equal(d(98)) {
		t.Errorf("net should be $98, got %s", r.NetAmount)
	}
	if !r.NewBalance.Equal(d(900)) {
		t.Errorf("balance should be $900 after $100 buy, got %s", r.NewBalance)
	}
	if r.NewYesPrice.LessThanOrEqual(d(0.5)) {
		t.Errorf("yes price should rise above 0.5, got %s", r.NewYesPrice)
	}
	if r.Shares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("shares should be positive, got %s", r.Shares)
	}

	m, err := st.GetMarket(ctx, "q1")
	if err != nil {
		t.Fatalf("market should be materialized: %v", err)
	}
	if !m.Liquidity.Equal(d(1098)) {
		t.Errorf("liquidity should be 1098 (seed + net), got %s", m.Liquidity)
	}
	if !m.YesPool.Add(m.NoPool).Equal(m.Liquidity) {
		t.Errorf("pools must sum to liquidity: %s + %s != %s", m.YesPool, m.NoPool, m.Liquidity)
	}

	positions, err := st.ListPositionsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if !positions[0].Shares.Equal(r.Shares) {
		t.Errorf("position shares %s should match receipt %s", positions[0].Shares, r.Shares)
	}

	txns, err := st.ListTransactionsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	var buy *model.Transaction
	for i := range txns {
		if txns[i].Type == model.TxnTradeBuy {
			buy = &txns[i]
		}
	}
	if buy == nil {
		t.Fatal("buy transaction not recorded")
	}
	if !buy.BalanceBefore.Equal(d(1000)) || !buy.BalanceAfter.Equal(d(900)) {
		t.Errorf("transaction balances should be 1000 → 900, got %s → %s",
			buy.BalanceBefore, buy.BalanceAfter)
	}
	if !buy.Amount.Equal(d(-100)) {
		t.Errorf("debit amount should be -100, got %s", buy.Amount)
	}
	if buy.RefID != r.TradeID {
		t.Errorf("transaction ref should be trade id %s, got %s", r.TradeID, buy.RefID)
	}
}

func TestBuy_UnknownMarket(t *testing.T) {
	c, _ := newTestCoordinator(t)
	seedWallet(t, c, "alice", d(1000), "")

	_, err := c.Buy(context.Background(), "alice", "nope", model.SideYes, d(10))
	var notFound *MarketNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected MarketNotFoundError, got %v", err)
	}
	if notFound.MarketID != "nope" {
		t.Errorf("error should carry the market id, got %q", notFound.MarketID)
	}
}

func TestBuy_InsufficientFundsRollsBackEverything(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(50), "")

	_, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !insufficient.Balance.Equal(d(50)) || !insufficient.Requested.Equal(d(100)) {
		t.Errorf("error should carry requested/balance, got %+v", insufficient)
	}

	// The market was lazily materialized inside the same transaction; the
	// rejection must roll that back too.
	if _, err := st.GetMarket(ctx, "q1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("market materialization should have rolled back, got %v", err)
	}
	w, _ := st.GetWallet(ctx, "alice")
	if !w.Balance.Equal(d(50)) {
		t.Errorf("wallet should be untouched, got %s", w.Balance)
	}
	if txns, _ := st.ListTransactionsByUser(ctx, "alice"); len(txns) != 1 {
		// Only the opening-balance credit.
		t.Errorf("no trade transactions should exist, got %d", len(txns))
	}
}

func TestBuy_InvalidInputs(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	cases := []struct {
		name   string
		side   model.Side
		amount decimal.Decimal
	}{
		{"bad side", model.Side("MAYBE"), d(10)},
		{"zero amount", model.SideYes, decimal.Zero},
		{"negative amount", model.SideYes, d(-10)},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Buy(ctx, "alice", "q1", tt.side, tt.amount)
			var invalid *InvalidTradeSizeError
			if !errors.As(err, &invalid) {
				t.Errorf("expected InvalidTradeSizeError, got %v", err)
			}
		})
	}
}

func TestBuy_ExpiredMarket(t *testing.T) {
	c, st := newTestCoordinator(t)
	past := time.Now().UTC().Add(-time.Hour)
	seedQuestion(t, st, "q1", d(1000), past)
	seedWallet(t, c, "alice", d(1000), "")

	_, err := c.Buy(context.Background(), "alice", "q1", model.SideYes, d(10))
	var expired *MarketExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected MarketExpiredError, got %v", err)
	}
}

func TestBuy_MergesPositionAtWeightedAverage(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	first, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	second, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	positions, _ := st.ListPositionsByUser(ctx, "alice")
	if len(positions) != 1 {
		t.Fatalf("repeat buys on one side should merge into 1 position, got %d", len(positions))
	}
	p := positions[0]

	wantShares := first.Shares.Add(second.Shares)
	if p.Shares.Sub(wantShares).Abs().GreaterThan(tolerance) {
		t.Errorf("merged shares should be %s, got %s", wantShares, p.Shares)
	}
	// Cost basis is the share-weighted average of the two fills, which must
	// land strictly between them.
	if p.AvgPrice.LessThan(first.AvgPrice) || p.AvgPrice.GreaterThan(second.AvgPrice) {
		t.Errorf("avg price %s should lie within [%s, %s]", p.AvgPrice, first.AvgPrice, second.AvgPrice)
	}
}

func TestBuy_OppositeSidesAreSeparatePositions(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	if _, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(50)); err != nil {
		t.Fatalf("yes buy: %v", err)
	}
	if _, err := c.Buy(ctx, "alice", "q1", model.SideNo, d(50)); err != nil {
		t.Fatalf("no buy: %v", err)
	}

	positions, _ := st.ListPositionsByUser(ctx, "alice")
	if len(positions) != 2 {
		t.Errorf("YES and NO holdings should be separate positions, got %d", len(positions))
	}
}

// --- Sell ---

func TestSell_RoundTripIsLossyByExactlyTheFees(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	buy, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := c.Sell(ctx, "alice", "q1", model.SideYes, buy.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// Selling exactly the minted shares returns the net buy amount, then
	// the sell fee comes off that.
	if sell.GrossProceeds.Sub(d(98)).Abs().GreaterThan(tolerance) {
		t.Errorf("gross proceeds should be ≈ $98, got %s", sell.GrossProceeds)
	}
	if sell.FeeCharged.LessThanOrEqual(decimal.Zero) {
		t.Errorf("sell fee should be positive, got %s", sell.FeeCharged)
	}
	if !sell.PositionClosed {
		t.Error("selling the whole holding should close the position")
	}
	if positions, _ := st.ListPositionsByUser(ctx, "alice"); len(positions) != 0 {
		t.Errorf("closed position should be deleted, got %d rows", len(positions))
	}

	// Wallet ends below the start by the two fees, never negative.
	w, _ := st.GetWallet(ctx, "alice")
	wantBalance := d(1000).Sub(d(100)).Add(sell.NetProceeds)
	if !w.Balance.Equal(wantBalance) {
		t.Errorf("balance should be %s, got %s", wantBalance, w.Balance)
	}
	if w.Balance.GreaterThanOrEqual(d(1000)) {
		t.Errorf("round trip must be lossy with fees on, got %s", w.Balance)
	}

	// Pools return to the seed state.
	m, _ := st.GetMarket(ctx, "q1")
	if m.YesPool.Sub(d(500)).Abs().GreaterThan(tolerance) {
		t.Errorf("yes pool should return to seed, got %s", m.YesPool)
	}
	if m.Liquidity.Sub(d(1000)).Abs().GreaterThan(tolerance) {
		t.Errorf("liquidity should return to seed, got %s", m.Liquidity)
	}
}

func TestSell_PartialKeepsCostBasis(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	buy, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	half := buy.Shares.Div(d(2)).Round(8)
	sell, err := c.Sell(ctx, "alice", "q1", model.SideYes, half)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.PositionClosed {
		t.Error("partial sell should not close the position")
	}

	positions, _ := st.ListPositionsByUser(ctx, "alice")
	if len(positions) != 1 {
		t.Fatalf("position should survive, got %d rows", len(positions))
	}
	if !positions[0].AvgPrice.Equal(buy.AvgPrice) {
		t.Errorf("partial sell must not change cost basis: want %s got %s",
			buy.AvgPrice, positions[0].AvgPrice)
	}
	remaining := buy.Shares.Sub(half)
	if positions[0].Shares.Sub(remaining).Abs().GreaterThan(tolerance) {
		t.Errorf("remaining shares should be %s, got %s", remaining, positions[0].Shares)
	}
}

func TestSell_WithoutPosition(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")
	seedWallet(t, c, "bob", d(1000), "")

	// Materialize the market with someone else's trade.
	if _, err := c.Buy(ctx, "bob", "q1", model.SideYes, d(50)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	_, err := c.Sell(ctx, "alice", "q1", model.SideYes, d(10))
	var notFound *PositionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected PositionNotFoundError, got %v", err)
	}
}

func TestSell_InsufficientSharesLeavesStateUntouched(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	buy, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	balanceBefore, _ := st.GetWallet(ctx, "alice")
	marketBefore, _ := st.GetMarket(ctx, "q1")

	_, err = c.Sell(ctx, "alice", "q1", model.SideYes, buy.Shares.Mul(d(2)))
	var insufficient *InsufficientSharesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientSharesError, got %v", err)
	}
	if !insufficient.Held.Equal(buy.Shares) {
		t.Errorf("error should report held shares %s, got %s", buy.Shares, insufficient.Held)
	}

	// Failed sells mutate nothing; a retry of the same request fails the
	// same way.
	walletAfter, _ := st.GetWallet(ctx, "alice")
	if !walletAfter.Balance.Equal(balanceBefore.Balance) {
		t.Errorf("balance changed on rejected sell: %s → %s",
			balanceBefore.Balance, walletAfter.Balance)
	}
	marketAfter, _ := st.GetMarket(ctx, "q1")
	if !marketAfter.YesPool.Equal(marketBefore.YesPool) {
		t.Errorf("pool changed on rejected sell: %s → %s",
			marketBefore.YesPool, marketAfter.YesPool)
	}
	if _, err = c.Sell(ctx, "alice", "q1", model.SideYes, buy.Shares.Mul(d(2))); !errors.As(err, &insufficient) {
		t.Errorf("repeat rejection should be identical, got %v", err)
	}
}

func TestSell_RecordsRealizedPnL(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")
	seedWallet(t, c, "bob", d(10000), "")

	buy, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	// Bob pushes the YES price up so alice sells at a profit.
	if _, err := c.Buy(ctx, "bob", "q1", model.SideYes, d(500)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	sell, err := c.Sell(ctx, "alice", "q1", model.SideYes, buy.Shares)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.PnL.LessThanOrEqual(decimal.Zero) {
		t.Errorf("selling into a rallied market should realize a gain, got %s", sell.PnL)
	}

	w, _ := st.GetWallet(ctx, "alice")
	if !w.LifetimePnL.Equal(sell.PnL) {
		t.Errorf("lifetime pnl should accumulate the realized gain: want %s got %s",
			sell.PnL, w.LifetimePnL)
	}
}

// --- Resolution ---

func TestResolve_BlocksFurtherTrading(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	buy, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := c.Resolve(ctx, "q1", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var resolved *MarketResolvedError
	if _, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(10)); !errors.As(err, &resolved) {
		t.Errorf("buy after resolution should fail, got %v", err)
	}
	if _, err := c.Sell(ctx, "alice", "q1", model.SideYes, buy.Shares); !errors.As(err, &resolved) {
		t.Errorf("sell after resolution should fail, got %v", err)
	}

	state, err := c.State(ctx, "q1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Resolved || state.Resolution == nil || !*state.Resolution {
		t.Errorf("state should report YES resolution, got %+v", state)
	}
}

// --- Market state ---

func TestState_UnmaterializedMarketReportsSeed(t *testing.T) {
	c, st := newTestCoordinator(t)
	seedQuestion(t, st, "q1", d(2000), future())

	state, err := c.State(context.Background(), "q1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.YesPrice.Equal(d(0.5)) || !state.NoPrice.Equal(d(0.5)) {
		t.Errorf("untraded market should price 50/50, got %s/%s", state.YesPrice, state.NoPrice)
	}
	if !state.Liquidity.Equal(d(2000)) {
		t.Errorf("liquidity should report the seed, got %s", state.Liquidity)
	}
}

func TestState_UnknownMarket(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.State(context.Background(), "nope")
	var notFound *MarketNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected MarketNotFoundError, got %v", err)
	}
}

func TestState_PricesSumToOne(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	if _, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(250)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	state, err := c.State(ctx, "q1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	sum := state.YesPrice.Add(state.NoPrice)
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(tolerance) {
		t.Errorf("prices should sum to 1, got %s", sum)
	}
}

// --- Referrals ---

func TestBuy_PaysReferrerHalfTheFee(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "ref", decimal.Zero, "")
	seedWallet(t, c, "alice", d(1000), "ref")

	if _, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	ref, _ := st.GetWallet(ctx, "ref")
	if !ref.Balance.Equal(d(1)) {
		t.Errorf("referrer should receive half of the $2 fee, got %s", ref.Balance)
	}
	txns, _ := st.ListTransactionsByUser(ctx, "ref")
	if len(txns) != 1 || txns[0].Type != model.TxnReferralShare {
		t.Errorf("referral share should be logged, got %+v", txns)
	}
}

func TestBuy_MissingReferrerWalletDoesNotFailTrade(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "ghost")

	r, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("trade should succeed when referrer wallet is missing: %v", err)
	}
	if !r.NewBalance.Equal(d(900)) {
		t.Errorf("trader settles normally, got balance %s", r.NewBalance)
	}
}

// --- Risk limits ---

func TestBuy_TradeAmountCap(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, newTestFees(), risk.NewLimiter(decimal.Zero, d(50)), d(1000), 3)
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	if _, err := c.Buy(context.Background(), "alice", "q1", model.SideYes, d(100)); !errors.Is(err, risk.ErrTradeSizeExceeded) {
		t.Errorf("expected ErrTradeSizeExceeded, got %v", err)
	}
	if _, err := c.Buy(context.Background(), "alice", "q1", model.SideYes, d(50)); err != nil {
		t.Errorf("trade at the cap should pass, got %v", err)
	}
}

func TestBuy_ExposureCapRollsBack(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewCoordinator(st, newTestFees(), risk.NewLimiter(d(100), decimal.Zero), d(1000), 3)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(10000), "")

	// ≈187 shares for $100 on a fresh 500/500 market, over the 100-share cap.
	_, err := c.Buy(ctx, "alice", "q1", model.SideYes, d(100))
	if !errors.Is(err, risk.ErrMarketLimitExceeded) {
		t.Fatalf("expected ErrMarketLimitExceeded, got %v", err)
	}
	w, _ := st.GetWallet(ctx, "alice")
	if !w.Balance.Equal(d(10000)) {
		t.Errorf("rejected trade must not move money, got %s", w.Balance)
	}
	if _, err := st.GetMarket(ctx, "q1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("market materialization should have rolled back, got %v", err)
	}
}

// --- Concurrency ---

func TestConcurrentBuys_SerializePerMarket(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())

	const traders = 8
	users := make([]string, traders)
	for i := range users {
		users[i] = string(rune('a'+i)) + "-trader"
		seedWallet(t, c, users[i], d(1000), "")
	}

	var g errgroup.Group
	for _, u := range users {
		u := u
		g.Go(func() error {
			_, err := c.Buy(ctx, u, "q1", model.SideYes, d(50))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent buys: %v", err)
	}

	// Each $50 buy nets $49 into the pool, regardless of interleaving.
	m, _ := st.GetMarket(ctx, "q1")
	want := d(1000).Add(d(49).Mul(d(traders)))
	if !m.Liquidity.Equal(want) {
		t.Errorf("liquidity should be %s after %d serialized buys, got %s", want, traders, m.Liquidity)
	}
	if !m.YesPool.Add(m.NoPool).Equal(m.Liquidity) {
		t.Errorf("pools must sum to liquidity")
	}
	for _, u := range users {
		w, _ := st.GetWallet(ctx, u)
		if !w.Balance.Equal(d(950)) {
			t.Errorf("trader %s balance should be 950, got %s", u, w.Balance)
		}
	}
}

func TestConcurrentRoundTrips_WalletNeverNegative(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(100), "")
	seedWallet(t, c, "bob", d(100), "")

	var g errgroup.Group
	for _, u := range []string{"alice", "bob"} {
		u := u
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				r, err := c.Buy(ctx, u, "q1", model.SideYes, d(20))
				if err != nil {
					return err
				}
				if _, err := c.Sell(ctx, u, "q1", model.SideYes, r.Shares); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("round trips: %v", err)
	}

	for _, u := range []string{"alice", "bob"} {
		w, _ := st.GetWallet(ctx, u)
		if w.Balance.IsNegative() {
			t.Errorf("wallet %s went negative: %s", u, w.Balance)
		}
		if w.Balance.GreaterThanOrEqual(d(100)) {
			t.Errorf("fees should bleed wallet %s below 100, got %s", u, w.Balance)
		}
	}
}

// --- Conflict retry ---

// conflictStore forces WithinTx to fail with ErrConflict a fixed number of
// times before delegating, exercising the retry loop without Postgres.
type conflictStore struct {
	*store.MemoryStore
	failures int
}

func (s *conflictStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s.failures > 0 {
		s.failures--
		return store.ErrConflict
	}
	return s.MemoryStore.WithinTx(ctx, fn)
}

func TestBuy_RetriesSerializationConflicts(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &conflictStore{MemoryStore: mem}
	c := NewCoordinator(st, newTestFees(), nil, d(1000), 3)
	seedQuestion(t, st, "q1", d(1000), future())
	seedWallet(t, c, "alice", d(1000), "")

	st.failures = 2
	r, err := c.Buy(context.Background(), "alice", "q1", model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy should succeed within the retry budget: %v", err)
	}
	if !r.NewBalance.Equal(d(900)) {
		t.Errorf("retried buy should settle once, balance %s", r.NewBalance)
	}
}

func TestBuy_ConflictBudgetExhausted(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &conflictStore{MemoryStore: mem, failures: 100}
	c := NewCoordinator(st, newTestFees(), nil, d(1000), 3)
	seedQuestion(t, st, "q1", d(1000), future())

	_, err := c.Buy(context.Background(), "alice", "q1", model.SideYes, d(100))
	var conflict *TradeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected TradeConflictError, got %v", err)
	}
	if conflict.Attempts != 3 {
		t.Errorf("error should report the attempt budget, got %d", conflict.Attempts)
	}
}

// --- Wallets ---

func TestCreateWallet_OpeningBalanceIsLogged(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()

	w, err := c.CreateWallet(ctx, "alice", d(500), "")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if !w.Balance.Equal(d(500)) {
		t.Errorf("opening balance should be 500, got %s", w.Balance)
	}

	txns, _ := st.ListTransactionsByUser(ctx, "alice")
	if len(txns) != 1 || txns[0].Type != model.TxnAdminCredit {
		t.Fatalf("opening credit should be logged as %s, got %+v", model.TxnAdminCredit, txns)
	}
	if !txns[0].BalanceBefore.IsZero() || !txns[0].BalanceAfter.Equal(d(500)) {
		t.Errorf("credit should move 0 → 500, got %s → %s",
			txns[0].BalanceBefore, txns[0].BalanceAfter)
	}
}

func TestCreateWallet_NegativeOpeningBalance(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.CreateWallet(context.Background(), "alice", d(-1), "")
	var invalid *InvalidTradeSizeError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTradeSizeError, got %v", err)
	}
}
