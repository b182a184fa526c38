// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// All trade settlement runs through an explicit unit of work: the engine
// opens a transaction with WithinTx and performs every read and write for
// one trade against the Tx it receives. An implementation must make the
// whole function atomic — either every write commits or none do — and must
// serialize concurrent transactions touching the same market row.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction loses a serialization
	// race and must be retried against refreshed state.
	ErrConflict = errors.New("store: serialization conflict")

	// ErrDuplicate is returned when a create collides with an existing row.
	ErrDuplicate = errors.New("store: already exists")
)

// Tx is the set of operations available inside one unit of work. Reads
// through a Tx see the transaction's own writes; GetMarketForUpdate and
// GetWalletForUpdate additionally lock the row against concurrent writers.
type Tx interface {
	// --- Markets ---

	GetQuestion(ctx context.Context, id string) (*model.Question, error)
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)
	CreateMarket(ctx context.Context, m *model.Market) error
	UpdateMarketPools(ctx context.Context, id string, yesPool, noPool, liquidity decimal.Decimal) error
	ResolveMarket(ctx context.Context, id string, outcome bool) error

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID, marketID string, side model.Side) error

	// --- Wallets ---

	GetWalletForUpdate(ctx context.Context, userID string) (*model.WalletAccount, error)
	UpdateWallet(ctx context.Context, w *model.WalletAccount) error
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}

// Store is the persistence interface. Methods outside WithinTx are
// single-shot reads/writes used by the API layer; they carry no atomicity
// guarantees beyond the single row.
type Store interface {
	// WithinTx runs fn inside one atomic transaction. fn returning an
	// error rolls every write back; ErrConflict indicates the caller
	// should retry the whole unit of work.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Questions ---

	CreateQuestion(ctx context.Context, q *model.Question) error
	GetQuestion(ctx context.Context, id string) (*model.Question, error)

	// --- Read-only views ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error)
	CreateWallet(ctx context.Context, w *model.WalletAccount) error
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
}
