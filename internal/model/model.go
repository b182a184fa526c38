// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one of the two outcomes of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is one of the two recognized sides.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Question is the tradeable subject registered by the (out-of-scope) social
// layer. A Market is materialized from it lazily on the first trade.
type Question struct {
	ID            string          `json:"id" db:"id"`
	Title         string          `json:"title" db:"title"`
	EndDate       time.Time       `json:"end_date" db:"end_date"`
	SeedLiquidity decimal.Decimal `json:"seed_liquidity" db:"seed_liquidity"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Market is the pooled state of one binary-outcome market. The pools are
// cash-denominated reserves; yes price = YesPool / (YesPool + NoPool) and is
// kept strictly inside (0, 1). Liquidity tracks cumulative net cash in the
// pool (seed + net buys - gross sells) and equals YesPool + NoPool.
type Market struct {
	ID         string          `json:"id" db:"id"`
	QuestionID string          `json:"question_id" db:"question_id"`
	YesPool    decimal.Decimal `json:"yes_pool" db:"yes_pool"`
	NoPool     decimal.Decimal `json:"no_pool" db:"no_pool"`
	Liquidity  decimal.Decimal `json:"liquidity" db:"liquidity"`
	Resolved   bool            `json:"resolved" db:"resolved"`
	Resolution *bool           `json:"resolution,omitempty" db:"resolution"`
	EndDate    time.Time       `json:"end_date" db:"end_date"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Pool returns the reserve backing the given side.
func (m *Market) Pool(side Side) decimal.Decimal {
	if side == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// YesPrice returns the instantaneous YES price.
func (m *Market) YesPrice() decimal.Decimal {
	total := m.YesPool.Add(m.NoPool)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	return m.YesPool.Div(total)
}

// NoPrice returns the instantaneous NO price: 1 - YesPrice.
func (m *Market) NoPrice() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.YesPrice())
}

// Position is one user's holding of one side of one market. A zero-share
// position is deleted, never retained as a row.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// WalletAccount is one user's spendable balance plus lifetime realized P&L.
// Balance is mutated only through the wallet ledger's debit/credit.
type WalletAccount struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	LifetimePnL decimal.Decimal `json:"lifetime_pnl" db:"lifetime_pnl"`
	ReferrerID  string          `json:"referrer_id,omitempty" db:"referrer_id"`
}

// Transaction types recorded against a wallet.
const (
	TxnTradeBuy      = "TRADE_BUY"
	TxnTradeSell     = "TRADE_SELL"
	TxnReferralShare = "REFERRAL_SHARE"
	TxnAdminCredit   = "ADMIN_CREDIT"
)

// Transaction is an immutable record paired with every balance mutation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Type          string          `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	RefID         string          `json:"ref_id" db:"ref_id"` // triggering trade id
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}
