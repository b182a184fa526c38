// Package api provides the HTTP handlers over the trade coordinator:
// question registration, trade execution, and market/wallet/position
// queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trade-engine/internal/curve"
	"github.com/babylon-markets/trade-engine/internal/engine"
	"github.com/babylon-markets/trade-engine/internal/metrics"
	"github.com/babylon-markets/trade-engine/internal/model"
	"github.com/babylon-markets/trade-engine/internal/risk"
	"github.com/babylon-markets/trade-engine/internal/store"
)

// Service handles market and trade operations over the coordinator.
type Service struct {
	coord *engine.Coordinator
	store store.Store
	wsHub *WSHub // optional; nil disables broadcasts
}

// NewService creates a new API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(coord *engine.Coordinator, st store.Store, hub *WSHub) *Service {
	return &Service{coord: coord, store: st, wsHub: hub}
}

// Routes mounts all handlers on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}

		r.Post("/questions", s.CreateQuestion)

		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarketState)
		r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

		r.Post("/trade/buy", s.Buy)
		r.Post("/trade/sell", s.Sell)

		r.Post("/wallets", s.CreateWallet)
		r.Get("/wallets/{userID}", s.GetWallet)
		r.Get("/wallets/{userID}/transactions", s.GetTransactions)
		r.Get("/positions/{userID}", s.GetPositions)
	})
}

// --- Request types ---

// CreateQuestionRequest is the JSON body for POST /questions.
type CreateQuestionRequest struct {
	ID            string          `json:"id"` // optional; generated if empty
	Title         string          `json:"title"`
	EndDate       time.Time       `json:"end_date"`
	SeedLiquidity decimal.Decimal `json:"seed_liquidity"` // 0 → default
}

// BuyRequest is the JSON body for POST /trade/buy.
type BuyRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"` // gross cash
}

// SellRequest is the JSON body for POST /trade/sell.
type SellRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Shares   decimal.Decimal `json:"shares"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Outcome bool `json:"outcome"`
}

// CreateWalletRequest is the JSON body for POST /wallets.
type CreateWalletRequest struct {
	UserID         string          `json:"user_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ReferrerID     string          `json:"referrer_id"`
}

// --- Handlers ---

// CreateQuestion handles POST /api/v1/questions.
func (s *Service) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req CreateQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.EndDate.IsZero() || !req.EndDate.After(time.Now().UTC()) {
		writeError(w, "end_date must be in the future", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := &model.Question{
		ID:            id,
		Title:         req.Title,
		EndDate:       req.EndDate.UTC(),
		SeedLiquidity: req.SeedLiquidity,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateQuestion(r.Context(), q); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, "question already exists", http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("question created", "id", q.ID, "title", q.Title, "end_date", q.EndDate)
	writeJSON(w, http.StatusCreated, q)
}

// Buy handles POST /api/v1/trade/buy.
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, "user_id and market_id are required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	receipt, err := s.coord.Buy(r.Context(), req.UserID, req.MarketID, req.Side, req.Amount)
	if err != nil {
		s.rejectTrade(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues("buy", string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	slog.Info("buy settled",
		"trade_id", receipt.TradeID,
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"amount", req.Amount.String(),
		"shares", receipt.Shares.String(),
		"fill_price", receipt.AvgPrice.String(),
		"new_yes_price", receipt.NewYesPrice.String(),
	)

	s.broadcastTrade("buy", receipt.MarketID, receipt.NewYesPrice, receipt.NewNoPrice, req.Side, receipt.Shares)
	writeJSON(w, http.StatusOK, receipt)
}

// Sell handles POST /api/v1/trade/sell.
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, "user_id and market_id are required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	receipt, err := s.coord.Sell(r.Context(), req.UserID, req.MarketID, req.Side, req.Shares)
	if err != nil {
		s.rejectTrade(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues("sell", string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())

	slog.Info("sell settled",
		"trade_id", receipt.TradeID,
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"shares", req.Shares.String(),
		"gross", receipt.GrossProceeds.String(),
		"pnl", receipt.PnL.String(),
	)

	s.broadcastTrade("sell", receipt.MarketID, receipt.NewYesPrice, receipt.NewNoPrice, req.Side, req.Shares)
	writeJSON(w, http.StatusOK, receipt)
}

// GetMarketState handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarketState(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	state, err := s.coord.State(r.Context(), marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.coord.Resolve(r.Context(), marketID, req.Outcome); err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("market resolved", "market", marketID, "outcome", req.Outcome)
	metrics.ActiveMarkets.Dec()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "market_resolved", MarketID: marketID})
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateWallet handles POST /api/v1/wallets.
func (s *Service) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	wallet, err := s.coord.CreateWallet(r.Context(), req.UserID, req.OpeningBalance, req.ReferrerID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, "wallet already exists", http.StatusConflict)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// GetWallet handles GET /api/v1/wallets/{userID}.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	wallet, err := s.store.GetWallet(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetTransactions handles GET /api/v1/wallets/{userID}/transactions.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	txns, err := s.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// GetPositions handles GET /api/v1/positions/{userID}.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	positions, err := s.store.ListPositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Helpers ---

func (s *Service) broadcastTrade(action, marketID string, yes, no decimal.Decimal, side model.Side, shares decimal.Decimal) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "trade_settled",
		MarketID: marketID,
		YesPrice: yes.String(),
		NoPrice:  no.String(),
		Action:   action,
		Side:     string(side),
		Shares:   shares.String(),
	})
}

func (s *Service) rejectTrade(w http.ResponseWriter, err error) {
	metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
	writeEngineError(w, err)
}

// rejectionReason maps an error to a low-cardinality metric label.
func rejectionReason(err error) string {
	switch {
	case isA[*engine.InsufficientFundsError](err):
		return "insufficient_funds"
	case isA[*engine.InsufficientSharesError](err):
		return "insufficient_shares"
	case isA[*engine.MarketResolvedError](err):
		return "market_resolved"
	case isA[*engine.MarketExpiredError](err):
		return "market_expired"
	case isA[*engine.MarketNotFoundError](err):
		return "market_not_found"
	case isA[*engine.PositionNotFoundError](err):
		return "position_not_found"
	case isA[*engine.WalletNotFoundError](err):
		return "wallet_not_found"
	case isA[*engine.InvalidTradeSizeError](err):
		return "invalid_trade"
	case isA[*engine.TradeConflictError](err):
		return "conflict"
	case errors.Is(err, curve.ErrPriceBoundExceeded):
		return "price_bound"
	case errors.Is(err, risk.ErrMarketLimitExceeded), errors.Is(err, risk.ErrTradeSizeExceeded):
		return "risk_limit"
	default:
		return "internal"
	}
}

// writeEngineError maps the engine error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case isA[*engine.InvalidTradeSizeError](err):
		status = http.StatusBadRequest
	case isA[*engine.MarketNotFoundError](err),
		isA[*engine.PositionNotFoundError](err),
		isA[*engine.WalletNotFoundError](err):
		status = http.StatusNotFound
	case isA[*engine.InsufficientFundsError](err),
		isA[*engine.InsufficientSharesError](err),
		isA[*engine.MarketResolvedError](err),
		isA[*engine.MarketExpiredError](err),
		isA[*engine.TradeConflictError](err),
		errors.Is(err, curve.ErrPriceBoundExceeded),
		errors.Is(err, risk.ErrMarketLimitExceeded),
		errors.Is(err, risk.ErrTradeSizeExceeded):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}

// isA reports whether err is (or wraps) a *T.
func isA[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
