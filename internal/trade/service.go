package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CycleRunner runs one trade cycle on demand. *Runner implements it.
type CycleRunner interface {
	RunOnce(ctx context.Context) (*CycleReport, error)
}

// Service serves the read-mostly operator API over the store.
type Service struct {
	store    store.Store
	runner   CycleRunner
	walletID string
}

// NewService creates the API service. runner may be nil, in which case
// POST /cycles answers 503.
func NewService(st store.Store, runner CycleRunner, walletID string) *Service {
	return &Service{store: st, runner: runner, walletID: walletID}
}

// Routes mounts the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/wallets/{walletID}", s.GetWallet)
	r.Get("/trades", s.ListTrades)
	r.Get("/trades/{tradeID}", s.GetTrade)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/transactions", s.ListUserTransactions)
	r.Post("/cycles", s.RunCycle)
}

// GetWallet handles GET /api/v1/wallets/{walletID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		writeStoreError(w, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTrades handles GET /api/v1/trades?status=&since=&limit=
// since accepts RFC 3339 or a date (2006-01-02). Trades default to the
// configured wallet unless wallet= is given.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.TradeLogFilter{WalletID: s.walletID}
	if v := q.Get("wallet"); v != "" {
		filter.WalletID = v
	}
	if v := q.Get("status"); v != "" {
		status := model.TradeStatus(v)
		if !status.Valid() {
			writeError(w, "status must be OPEN, CLOSED or FAILED", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			writeError(w, "since must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Limit = limit

	trades, err := s.store.ListTradeLogs(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeLog{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetTradeLog(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeStoreError(w, "trade", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeStoreError(w, "user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUserTransactions handles GET /api/v1/users/{userID}/transactions?type=&limit=
func (s *Service) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		writeStoreError(w, "user", err)
		return
	}
	txs, err := s.store.ListTransactions(r.Context(), userID, r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// RunCycle handles POST /api/v1/cycles. A held lock is not an error: the
// report comes back with outcome "skipped".
func (s *Service) RunCycle(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, "trade runner is not enabled", http.StatusServiceUnavailable)
		return
	}
	report, err := s.runner.RunOnce(r.Context())
	if err != nil {
		if report == nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusInternalServerError, struct {
			Error  string       `json:"error"`
			Report *CycleReport `json:"report"`
		}{err.Error(), report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
