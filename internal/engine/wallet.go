package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/store"
)

// WalletLedger owns spendable balances and lifetime P&L. Balances move only
// through Debit and Credit, and every mutation appends an immutable
// transaction record inside the same unit of work as the triggering trade.
type WalletLedger struct{}

// NewWalletLedger creates a wallet ledger.
func NewWalletLedger() *WalletLedger {
	return &WalletLedger{}
}

func (l *WalletLedger) load(ctx context.Context, tx store.Tx, userID string) (*model.WalletAccount, error) {
	w, err := tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &WalletNotFoundError{UserID: userID}
		}
		return nil, err
	}
	return w, nil
}

// Debit removes amount from the user's balance. Fails with
// InsufficientFundsError before any write if the balance cannot cover it.
func (l *WalletLedger) Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, txnType, refID string, now time.Time) (*model.WalletAccount, error) {
	w, err := l.load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, &InsufficientFundsError{
			UserID:    userID,
			Requested: amount,
			Balance:   w.Balance,
		}
	}

	before := w.Balance
	w.Balance = w.Balance.Sub(amount)
	if err := l.record(ctx, tx, w, amount.Neg(), before, txnType, refID, now); err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds amount to the user's balance. Never fails on balance grounds.
func (l *WalletLedger) Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, txnType, refID string, now time.Time) (*model.WalletAccount, error) {
	w, err := l.load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	before := w.Balance
	w.Balance = w.Balance.Add(amount)
	if err := l.record(ctx, tx, w, amount, before, txnType, refID, now); err != nil {
		return nil, err
	}
	return w, nil
}

// RecordPnL accumulates realized P&L without touching the balance.
func (l *WalletLedger) RecordPnL(ctx context.Context, tx store.Tx, userID string, delta decimal.Decimal) error {
	w, err := l.load(ctx, tx, userID)
	if err != nil {
		return err
	}
	w.LifetimePnL = w.LifetimePnL.Add(delta)
	return tx.UpdateWallet(ctx, w)
}

func (l *WalletLedger) record(ctx context.Context, tx store.Tx, w *model.WalletAccount, amount, before decimal.Decimal, txnType, refID string, now time.Time) error {
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	return tx.InsertTransaction(ctx, &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        w.UserID,
		Type:          txnType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		RefID:         refID,
		Timestamp:     now,
	})
}
