package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"moltapp-trader/internal/execution"
	"moltapp-trader/internal/recovery"
)

const defaultRecentActivity = 20

// APIServer provides the admin HTTP interface for the engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(engine *Engine, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /rounds", s.submitRoundHandler)
	mux.HandleFunc("GET /execution/stats", s.executionStatsHandler)

	mux.HandleFunc("GET /recovery/report", s.recoveryReportHandler)
	mux.HandleFunc("GET /recovery/pending", s.pendingHandler)
	mux.HandleFunc("GET /recovery/dead-letter", s.deadLetterHandler)
	mux.HandleFunc("GET /recovery/stuck", s.stuckHandler)
	mux.HandleFunc("GET /recovery/policy", s.getPolicyHandler)
	mux.HandleFunc("PUT /recovery/policy", s.putPolicyHandler)
	mux.HandleFunc("GET /recovery/agents/{agentID}", s.agentTradesHandler)
	mux.HandleFunc("GET /recovery/{id}", s.failedTradeHandler)
	mux.HandleFunc("POST /recovery/{id}/retry", s.retryHandler)
	mux.HandleFunc("POST /recovery/{id}/resolve", s.resolveHandler)

	mux.HandleFunc("GET /reconciliation/stats", s.reconciliationStatsHandler)
	mux.HandleFunc("POST /reconciliation/run", s.runReconciliationHandler)
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

type roundRequest struct {
	RoundID   string                       `json:"round_id"`
	Decisions []execution.ExecutionRequest `json:"decisions"`
}

func (s *APIServer) submitRoundHandler(w http.ResponseWriter, r *http.Request) {
	var req roundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid round body: %w", err))
		return
	}
	if len(req.Decisions) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("round has no decisions"))
		return
	}
	for i, d := range req.Decisions {
		if d.AgentID == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decision %d has no agent_id", i))
			return
		}
	}
	// An accepted round runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	s.writeJSON(w, http.StatusOK, s.engine.SubmitRound(ctx, req.RoundID, req.Decisions))
}

func (s *APIServer) executionStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.pipeline.Stats())
}

func (s *APIServer) recoveryReportHandler(w http.ResponseWriter, r *http.Request) {
	recent := defaultRecentActivity
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid recent %q", v))
			return
		}
		recent = n
	}
	s.writeJSON(w, http.StatusOK, s.engine.ledger.Report(recent))
}

func (s *APIServer) pendingHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ledger.PendingRetries())
}

func (s *APIServer) deadLetterHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ledger.DeadLetterQueue())
}

func (s *APIServer) stuckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ledger.StuckTrades())
}

func (s *APIServer) agentTradesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ledger.AgentFailedTrades(r.PathValue("agentID")))
}

func (s *APIServer) failedTradeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ft := s.engine.ledger.FailedTrade(id)
	if ft == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", execution.ErrTradeNotFound, id))
		return
	}
	s.writeJSON(w, http.StatusOK, ft)
}

func (s *APIServer) retryHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RetryTrade(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, execution.ErrTradeNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, execution.ErrNotRetryable):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

type resolveRequest struct {
	Status recovery.Status `json:"status"`
	Notes  string          `json:"notes"`
}

func (s *APIServer) resolveHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid resolve body: %w", err))
		return
	}
	ft, err := s.engine.ledger.ResolveManually(id, req.Status, req.Notes)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if ft == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", execution.ErrTradeNotFound, id))
		return
	}
	s.logger.Info("Failed trade resolved by operator",
		zap.String("recovery_id", id),
		zap.String("status", string(ft.Status)),
	)
	s.writeJSON(w, http.StatusOK, ft)
}

func (s *APIServer) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ledger.RetryPolicy())
}

func (s *APIServer) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	policy := s.engine.ledger.RetryPolicy()
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid policy body: %w", err))
		return
	}
	if err := s.engine.ledger.SetRetryPolicy(policy); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Retry policy updated", zap.Any("policy", policy))
	s.writeJSON(w, http.StatusOK, s.engine.ledger.RetryPolicy())
}

func (s *APIServer) reconciliationStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.reconciler.Stats())
}

func (s *APIServer) runReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		wallet, ok := s.engine.wallets[agentID]
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent %s", agentID))
			return
		}
		s.writeJSON(w, http.StatusOK, s.engine.reconciler.ReconcileAgent(r.Context(), agentID, wallet))
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Reconcile(r.Context()))
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
