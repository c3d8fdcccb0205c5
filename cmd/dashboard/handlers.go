package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"moltapp-trader/internal/models"
	"moltapp-trader/internal/portfolio"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log   *zap.Logger
	db    *gorm.DB
	store *portfolio.GormStore
	now   func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db, store: portfolio.NewGormStore(db, log), now: time.Now}
}

// Routes registers the dashboard endpoints.
func (h *APIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/trades", h.TradesHandler)
	mux.HandleFunc("GET /api/positions", h.PositionsHandler)
	mux.HandleFunc("GET /api/statistics", h.StatisticsHandler)
	mux.HandleFunc("GET /api/reconciliation", h.ReconciliationHandler)
	return mux
}

// TradesHandler returns recent trades, newest first, optionally for one agent.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	q := h.db.Order("timestamp desc").Limit(limit)
	if agent := r.URL.Query().Get("agent"); agent != "" {
		q = q.Where("agent_id = ?", agent)
	}
	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, trades)
}

// PositionsHandler returns open positions, optionally for one agent.
func (h *APIHandler) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	q := h.db.Order("agent_id, symbol")
	if agent := r.URL.Query().Get("agent"); agent != "" {
		q = q.Where("agent_id = ?", agent)
	}
	var positions []models.Position
	if err := q.Find(&positions).Error; err != nil {
		h.log.Error("Failed to get positions from database", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, positions)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	LiveTrades       int64   `json:"live_trades"`
	PaperTrades      int64   `json:"paper_trades"`
	VolumeUSDC       float64 `json:"volume_usdc"`
	ClosedTrades     int64   `json:"closed_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if t.IsSimulation {
		s.PaperTrades++
	} else {
		s.LiveTrades++
	}
	s.VolumeUSDC += t.QuoteQuantity
	if t.Side == models.SideSell {
		s.ClosedTrades++
		if t.Profit > 0 {
			s.ProfitableTrades++
		}
		s.TotalProfit += t.Profit
	}
}

func (s *StatsDetail) finish() {
	if s.ClosedTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.ClosedTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var allTrades []models.Trade
	if err := h.db.Find(&allTrades).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour).UnixMilli()
	var response StatisticsResponse
	for _, trade := range allTrades {
		response.AllTime.add(trade)
		if trade.Timestamp >= since24h {
			response.Since24h.add(trade)
		}
	}
	response.AllTime.finish()
	response.Since24h.finish()

	writeJSON(w, response)
}

// ReconciliationHandler returns the per-agent reconciliation counters.
func (h *APIHandler) ReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.ReconciliationStats(r.Context())
	if err != nil {
		h.log.Error("Failed to get reconciliation stats", zap.Error(err))
		http.Error(w, "Failed to get reconciliation stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
