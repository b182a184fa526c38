package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market state and wallet reads. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. The unit of work always runs against the primary — cached data
// never feeds a trade.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// WithinTx delegates to the primary, then drops cache keys that the
// transaction may have touched. Invalidation is coarse (per-tx key
// recording) but never serves stale pool state to a trade, because trades
// read through the Tx, not the cache.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		rec.Tx = tx
		return fn(ctx, rec)
	})
	if err != nil {
		return err
	}
	for _, id := range rec.markets {
		s.rdb.Del(ctx, marketKey(id))
	}
	for _, id := range rec.wallets {
		s.rdb.Del(ctx, walletKey(id))
	}
	return nil
}

// recordingTx passes through to the primary Tx while remembering which
// market and wallet rows were written.
type recordingTx struct {
	Tx
	markets []string
	wallets []string
}

func (t *recordingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.markets = append(t.markets, m.ID)
	return t.Tx.CreateMarket(ctx, m)
}

func (t *recordingTx) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool, liquidity decimal.Decimal) error {
	t.markets = append(t.markets, id)
	return t.Tx.UpdateMarketPools(ctx, id, yesPool, noPool, liquidity)
}

func (t *recordingTx) ResolveMarket(ctx context.Context, id string, outcome bool) error {
	t.markets = append(t.markets, id)
	return t.Tx.ResolveMarket(ctx, id, outcome)
}

func (t *recordingTx) UpdateWallet(ctx context.Context, w *model.WalletAccount) error {
	t.wallets = append(t.wallets, w.UserID)
	return t.Tx.UpdateWallet(ctx, w)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.WalletAccount
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, walletKey(userID), w)
	return w, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	return s.primary.CreateQuestion(ctx, q)
}

func (s *CachedStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	return s.primary.GetQuestion(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.WalletAccount) error {
	return s.primary.CreateWallet(ctx, w)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }

// Compile-time interface check.
var _ Store = (*CachedStore)(nil)
