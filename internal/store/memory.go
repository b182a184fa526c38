package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// WithinTx holds the store-wide mutex for the whole unit of work, so
// transactions are fully serialized; writes are staged in the Tx and applied
// only on success.
type MemoryStore struct {
	mu        sync.Mutex
	questions map[string]model.Question
	markets   map[string]model.Market
	positions map[posKey]model.Position
	wallets   map[string]model.WalletAccount
	txns      []model.Transaction
}

type posKey struct {
	user   string
	market string
	side   model.Side
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[string]model.Question),
		markets:   make(map[string]model.Market),
		positions: make(map[posKey]model.Position),
		wallets:   make(map[string]model.WalletAccount),
	}
}

// memTx stages writes until commit. A nil staged position marks a delete.
type memTx struct {
	s         *MemoryStore
	markets   map[string]model.Market
	positions map[posKey]*model.Position
	wallets   map[string]model.WalletAccount
	txns      []model.Transaction
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		markets:   make(map[string]model.Market),
		positions: make(map[posKey]*model.Position),
		wallets:   make(map[string]model.WalletAccount),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit staged writes.
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
		} else {
			s.positions[k] = *p
		}
	}
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	s.txns = append(s.txns, tx.txns...)
	return nil
}

// --- Tx implementation ---

func (t *memTx) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	q, ok := t.s.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	if m, ok := t.markets[id]; ok {
		copy := m
		return &copy, nil
	}
	m, ok := t.s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := m
	return &copy, nil
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := t.markets[m.ID]; ok {
		return ErrDuplicate
	}
	t.markets[m.ID] = *m
	return nil
}

func (t *memTx) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool, liquidity decimal.Decimal) error {
	m, err := t.GetMarketForUpdate(ctx, id)
	if err != nil {
		return err
	}
	m.YesPool = yesPool
	m.NoPool = noPool
	m.Liquidity = liquidity
	t.markets[id] = *m
	return nil
}

func (t *memTx) ResolveMarket(ctx context.Context, id string, outcome bool) error {
	m, err := t.GetMarketForUpdate(ctx, id)
	if err != nil {
		return err
	}
	m.Resolved = true
	m.Resolution = &outcome
	t.markets[id] = *m
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	k := posKey{userID, marketID, side}
	if p, ok := t.positions[k]; ok {
		if p == nil {
			return nil, ErrNotFound
		}
		copy := *p
		return &copy, nil
	}
	p, ok := t.s.positions[k]
	if !ok {
		return nil, ErrNotFound
	}
	copy := p
	return &copy, nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	copy := *p
	t.positions[posKey{p.UserID, p.MarketID, p.Side}] = &copy
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, userID, marketID string, side model.Side) error {
	t.positions[posKey{userID, marketID, side}] = nil
	return nil
}

func (t *memTx) GetWalletForUpdate(_ context.Context, userID string) (*model.WalletAccount, error) {
	if w, ok := t.wallets[userID]; ok {
		copy := w
		return &copy, nil
	}
	w, ok := t.s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := w
	return &copy, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *model.WalletAccount) error {
	t.wallets[w.UserID] = *w
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

// --- Store reads/writes outside transactions ---

func (s *MemoryStore) CreateQuestion(_ context.Context, q *model.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[q.ID]; ok {
		return ErrDuplicate
	}
	s.questions[q.ID] = *q
	return nil
}

func (s *MemoryStore) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, m)
	}
	return markets, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.WalletAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return ErrDuplicate
	}
	s.wallets[w.UserID] = *w
	return nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for k, p := range s.positions {
		if k.user == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
