package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trades lock the market and wallet rows with SELECT ... FOR UPDATE inside
// the unit of work, so concurrent trades on the same market serialize at the
// row level.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: pgtx}); err != nil {
		return mapPgError(err)
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError converts serialization/deadlock failures into ErrConflict so
// the coordinator can retry the whole unit of work.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q querier
}

const marketColumns = `id, question_id,
       yes_pool::TEXT, no_pool::TEXT, liquidity::TEXT,
       resolved, resolution, end_date, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yesPool, noPool, liquidity string
	err := row.Scan(&m.ID, &m.QuestionID,
		&yesPool, &noPool, &liquidity,
		&m.Resolved, &m.Resolution, &m.EndDate, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.YesPool, _ = decimal.NewFromString(yesPool)
	m.NoPool, _ = decimal.NewFromString(noPool)
	m.Liquidity, _ = decimal.NewFromString(liquidity)
	return &m, nil
}

func (t *pgTx) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	return getQuestion(ctx, t.q, id)
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(t.q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, question_id, yes_pool, no_pool, liquidity, resolved, resolution, end_date, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		m.ID, m.QuestionID,
		m.YesPool.String(), m.NoPool.String(), m.Liquidity.String(),
		m.Resolved, m.Resolution, m.EndDate, m.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool, liquidity decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC, liquidity = $4::NUMERIC
		 WHERE id = $1`,
		id, yesPool.String(), noPool.String(), liquidity.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ResolveMarket(ctx context.Context, id string, outcome bool) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets SET resolved = TRUE, resolution = $2 WHERE id = $1`,
		id, outcome,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	var p model.Position
	var shares, avgPrice string
	err := t.q.QueryRow(ctx,
		`SELECT user_id, market_id, side, shares::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3
		 FOR UPDATE`,
		userID, marketID, string(side)).
		Scan(&p.UserID, &p.MarketID, &p.Side, &shares, &avgPrice, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgPrice, _ = decimal.NewFromString(avgPrice)
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, side, shares, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, market_id, side)
		 DO UPDATE SET shares = EXCLUDED.shares, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, string(p.Side),
		p.Shares.String(), p.AvgPrice.String(), p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, marketID string, side model.Side) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3`,
		userID, marketID, string(side))
	return err
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, userID string) (*model.WalletAccount, error) {
	return scanWallet(t.q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, lifetime_pnl::TEXT, COALESCE(referrer_id, '')
		 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *model.WalletAccount) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC, lifetime_pnl = $3::NUMERIC WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.LifetimePnL.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, type, amount, balance_before, balance_after, ref_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		txn.ID, txn.UserID, txn.Type,
		txn.Amount.String(), txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		txn.RefID, txn.Timestamp,
	)
	return err
}

// --- Store reads/writes outside transactions ---

func getQuestion(ctx context.Context, q querier, id string) (*model.Question, error) {
	var qu model.Question
	var seed string
	err := q.QueryRow(ctx,
		`SELECT id, title, end_date, seed_liquidity::TEXT, created_at
		 FROM questions WHERE id = $1`, id).
		Scan(&qu.ID, &qu.Title, &qu.EndDate, &seed, &qu.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	qu.SeedLiquidity, _ = decimal.NewFromString(seed)
	return &qu, nil
}

func scanWallet(row pgx.Row) (*model.WalletAccount, error) {
	var w model.WalletAccount
	var balance, pnl string
	err := row.Scan(&w.UserID, &balance, &pnl, &w.ReferrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Balance, _ = decimal.NewFromString(balance)
	w.LifetimePnL, _ = decimal.NewFromString(pnl)
	return &w, nil
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO questions (id, title, end_date, seed_liquidity, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		q.ID, q.Title, q.EndDate, q.SeedLiquidity.String(), q.CreatedAt,
	)
	return mapPgError(err)
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	return getQuestion(ctx, s.pool, id)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error) {
	return scanWallet(s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, lifetime_pnl::TEXT, COALESCE(referrer_id, '')
		 FROM wallets WHERE user_id = $1`, userID))
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.WalletAccount) error {
	var referrer any
	if w.ReferrerID != "" {
		referrer = w.ReferrerID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, lifetime_pnl, referrer_id)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		w.UserID, w.Balance.String(), w.LifetimePnL.String(), referrer,
	)
	return mapPgError(err)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, side, shares::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var shares, avgPrice string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Side, &shares, &avgPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(shares)
		p.AvgPrice, _ = decimal.NewFromString(avgPrice)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, balance_before::TEXT, balance_after::TEXT, ref_id, timestamp
		 FROM wallet_transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, before, after string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &before, &after, &t.RefID, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.BalanceBefore, _ = decimal.NewFromString(before)
		t.BalanceAfter, _ = decimal.NewFromString(after)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// Compile-time interface checks.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
