package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moltapp-trader/internal/events"
	"moltapp-trader/internal/metrics"
	"moltapp-trader/internal/models"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/recovery"
	"moltapp-trader/internal/tradeerr"
)

const (
	DefaultMinDelay = 500 * time.Millisecond
	DefaultMaxDelay = 2 * time.Second
)

var (
	// ErrTradeNotFound is returned when a recovery ID is not in the ledger.
	ErrTradeNotFound = errors.New("failed trade not found")
	// ErrNotRetryable is returned when a ledger entry is not awaiting retry.
	ErrNotRetryable = errors.New("failed trade is not pending retry")
)

// DecisionStore records decisions and their outcomes.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *models.AgentDecision) error
	UpdateDecision(ctx context.Context, decisionID string, update portfolio.DecisionUpdate) error
}

// RoundSummary counts per-item outcomes of one round.
type RoundSummary struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
	Held     int `json:"held"`
	Failed   int `json:"failed"`
	Live     int `json:"live"`
	Paper    int `json:"paper"`
}

// PipelineResult is the outcome of one round, one result per request in order.
type PipelineResult struct {
	RoundID    string             `json:"round_id"`
	Results    []*ExecutionResult `json:"results"`
	Summary    RoundSummary       `json:"summary"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMs int64              `json:"duration_ms"`
}

// Pipeline runs decisions through an executor one at a time and feeds failures
// into the recovery ledger.
type Pipeline struct {
	executor  Executor
	ledger    *recovery.Ledger
	decisions DecisionStore
	sink      events.Sink
	logger    *zap.Logger
	stats     *stats

	minDelay time.Duration
	maxDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	rnd      func() float64
	now      func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDelayWindow sets the random pause between items of a round.
func WithDelayWindow(minDelay, maxDelay time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if minDelay >= 0 && maxDelay >= minDelay {
			p.minDelay, p.maxDelay = minDelay, maxDelay
		}
	}
}

// WithDecisionStore persists decisions and their outcomes.
func WithDecisionStore(s DecisionStore) PipelineOption {
	return func(p *Pipeline) { p.decisions = s }
}

// WithSleep replaces the inter-item pause.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PipelineOption {
	return func(p *Pipeline) { p.sleep = fn }
}

// WithPipelineClock replaces the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline over executor.
func NewPipeline(executor Executor, ledger *recovery.Ledger, sink events.Sink, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if sink == nil {
		sink = events.Nop{}
	}
	p := &Pipeline{
		executor: executor,
		ledger:   ledger,
		sink:     sink,
		logger:   logger.Named("pipeline"),
		stats:    newStats(),
		minDelay: DefaultMinDelay,
		maxDelay: DefaultMaxDelay,
		sleep:    sleepContext,
		rnd:      rand.Float64,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Mode is the executor's mode.
func (p *Pipeline) Mode() Mode { return p.executor.Mode() }

// Stats returns a snapshot of the execution counters.
func (p *Pipeline) Stats() ExecutionStats { return p.stats.snapshot() }

// ExecuteDecision executes one decision. Holds succeed without side effects.
// Failures are registered in the recovery ledger and the result carries the
// recovery ID; a submitted but unconfirmed trade is additionally marked stuck.
func (p *Pipeline) ExecuteDecision(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := p.now()
	if req.DecisionID == "" {
		req.DecisionID = uuid.NewString()
	}
	mode := p.executor.Mode()
	res := &ExecutionResult{
		AgentID:    req.AgentID,
		DecisionID: req.DecisionID,
		Action:     req.Decision.Action,
		Mode:       mode,
	}
	l := p.logger.With(
		zap.String("agent_id", req.AgentID),
		zap.String("decision_id", req.DecisionID),
		zap.String("action", string(req.Decision.Action)),
		zap.String("symbol", req.Decision.Symbol),
	)

	p.saveDecision(ctx, req)

	if req.Decision.Action == ActionHold {
		res.Success = true
		res.DurationMs = p.now().Sub(start).Milliseconds()
		p.updateDecision(ctx, req.DecisionID, portfolio.DecisionUpdate{Status: models.DecisionHeld})
		l.Debug("Hold, nothing to execute")
		return res
	}

	tr, err := p.executor.Execute(ctx, req)
	elapsed := p.now().Sub(start)
	res.DurationMs = elapsed.Milliseconds()
	metrics.ExecutionLatency.WithLabelValues(string(mode)).Observe(elapsed.Seconds())

	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = tradeerr.CodeOf(err)
		p.stats.recordFailure(req.AgentID)
		metrics.TradesFailed.WithLabelValues(string(res.ErrorCode)).Inc()

		sig := tradeerr.SignatureOf(err)
		ft := p.ledger.RegisterFailedTrade(recovery.FailureInput{
			AgentID:     req.AgentID,
			Side:        string(req.Decision.Action),
			Symbol:      req.Decision.Symbol,
			Quantity:    req.Decision.Quantity,
			Error:       res.Error,
			ErrorCode:   res.ErrorCode,
			RoundID:     req.RoundID,
			TxSignature: sig,
			Metadata: map[string]any{
				"decision_id": req.DecisionID,
				"mode":        string(mode),
				"confidence":  req.Decision.Confidence,
			},
		})
		res.RecoveryID = ft.RecoveryID
		if tradeerr.IsAmbiguous(err) {
			p.ledger.MarkTradeStuck(ft.RecoveryID, sig)
		}

		p.updateDecision(ctx, req.DecisionID, portfolio.DecisionUpdate{
			Status:      models.DecisionFailed,
			ErrorCode:   string(res.ErrorCode),
			RecoveryID:  ft.RecoveryID,
			TxSignature: sig,
		})
		l.Warn("Execution failed",
			zap.String("error_code", string(res.ErrorCode)),
			zap.String("recovery_id", ft.RecoveryID),
			zap.Error(err),
		)
		return res
	}

	res.Success = true
	res.TradeResult = tr
	p.recordSuccess(ctx, req, tr, res.DurationMs)
	l.Info("Execution succeeded",
		zap.String("tx_signature", tr.TxSignature),
		zap.Float64("usdc_amount", tr.USDCAmount),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res
}

// ExecutePipeline runs requests sequentially with a random pause between
// items. When ctx ends during a pause the remaining items are reported failed
// and are not registered for retry, since they were never submitted.
func (p *Pipeline) ExecutePipeline(ctx context.Context, requests []ExecutionRequest, roundID string) *PipelineResult {
	start := p.now()
	out := &PipelineResult{
		RoundID:   roundID,
		Results:   make([]*ExecutionResult, 0, len(requests)),
		StartedAt: start,
	}
	l := p.logger.With(zap.String("round_id", roundID))
	l.Info("Round started", zap.Int("decisions", len(requests)), zap.String("mode", string(p.executor.Mode())))
	p.sink.Emit(ctx, events.Event{
		Type:    events.RoundStarted,
		RoundID: roundID,
		Message: fmt.Sprintf("round %s started with %d decisions", roundID, len(requests)),
		Data:    map[string]any{"decisions": len(requests), "mode": string(p.executor.Mode())},
	})

	for i, req := range requests {
		if req.RoundID == "" {
			req.RoundID = roundID
		}
		if i > 0 {
			if err := p.sleep(ctx, p.jitterDelay()); err != nil {
				for _, rest := range requests[i:] {
					out.Results = append(out.Results, p.abandoned(rest, err))
				}
				l.Warn("Round interrupted", zap.Int("abandoned", len(requests)-i), zap.Error(err))
				break
			}
		}
		out.Results = append(out.Results, p.ExecuteDecision(ctx, req))
	}

	for _, r := range out.Results {
		out.Summary.Total++
		switch {
		case !r.Success:
			out.Summary.Failed++
		case r.Action == ActionHold:
			out.Summary.Held++
		default:
			out.Summary.Executed++
			if r.Mode == ModeLive {
				out.Summary.Live++
			} else {
				out.Summary.Paper++
			}
		}
	}
	out.DurationMs = p.now().Sub(start).Milliseconds()

	severity := events.SeverityInfo
	if out.Summary.Failed > 0 {
		severity = events.SeverityWarning
	}
	p.sink.Emit(ctx, events.Event{
		Type:     events.RoundCompleted,
		Severity: severity,
		RoundID:  roundID,
		Message: fmt.Sprintf("round %s: %d executed, %d held, %d failed",
			roundID, out.Summary.Executed, out.Summary.Held, out.Summary.Failed),
		Data: map[string]any{
			"total":       out.Summary.Total,
			"executed":    out.Summary.Executed,
			"held":        out.Summary.Held,
			"failed":      out.Summary.Failed,
			"duration_ms": out.DurationMs,
		},
	})
	l.Info("Round completed",
		zap.Int("executed", out.Summary.Executed),
		zap.Int("held", out.Summary.Held),
		zap.Int("failed", out.Summary.Failed),
		zap.Int64("duration_ms", out.DurationMs),
	)
	return out
}

// RetryFailedTrade re-executes a pending ledger entry and reports the outcome
// back to the ledger. The retry is never registered as a new failure.
func (p *Pipeline) RetryFailedTrade(ctx context.Context, recoveryID string) (*ExecutionResult, error) {
	ft := p.ledger.FailedTrade(recoveryID)
	if ft == nil {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, recoveryID)
	}
	if ft.Status != recovery.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, recoveryID, ft.Status)
	}

	decisionID, _ := ft.Metadata["decision_id"].(string)
	req := ExecutionRequest{
		AgentID: ft.AgentID,
		Decision: TradeDecision{
			Action:    Action(ft.Side),
			Symbol:    ft.Symbol,
			Quantity:  ft.Quantity,
			Reasoning: "retry of " + recoveryID,
			Timestamp: p.now(),
		},
		RoundID:    ft.RoundID,
		DecisionID: decisionID,
	}
	l := p.logger.With(
		zap.String("recovery_id", recoveryID),
		zap.String("agent_id", ft.AgentID),
		zap.Int("attempt", ft.Attempts+1),
	)

	p.ledger.MarkSubmitted(recoveryID)

	start := p.now()
	mode := p.executor.Mode()
	tr, err := p.executor.Execute(ctx, req)
	elapsed := p.now().Sub(start)
	metrics.ExecutionLatency.WithLabelValues(string(mode)).Observe(elapsed.Seconds())

	res := &ExecutionResult{
		AgentID:    ft.AgentID,
		DecisionID: decisionID,
		Action:     req.Decision.Action,
		Mode:       mode,
		RecoveryID: recoveryID,
		DurationMs: elapsed.Milliseconds(),
	}

	if err == nil {
		res.Success = true
		res.TradeResult = tr
		p.ledger.RecordRetryAttempt(recoveryID, true, "executed "+tr.TxSignature)
		metrics.RetryAttempts.WithLabelValues("success").Inc()
		p.recordSuccess(ctx, req, tr, res.DurationMs)
		l.Info("Retry succeeded", zap.String("tx_signature", tr.TxSignature))
		return res, nil
	}

	res.Error = err.Error()
	res.ErrorCode = tradeerr.CodeOf(err)
	p.stats.recordFailure(ft.AgentID)
	metrics.TradesFailed.WithLabelValues(string(res.ErrorCode)).Inc()

	if tradeerr.IsAmbiguous(err) {
		p.ledger.MarkTradeStuck(recoveryID, tradeerr.SignatureOf(err))
		metrics.RetryAttempts.WithLabelValues("stuck").Inc()
		l.Error("Retry submitted but unconfirmed, marked stuck", zap.Error(err))
		return res, nil
	}

	updated := p.ledger.RecordRetryAttempt(recoveryID, false, res.Error)
	metrics.RetryAttempts.WithLabelValues("failure").Inc()
	if updated != nil && updated.Status == recovery.StatusDeadLetter && decisionID != "" {
		p.updateDecision(ctx, decisionID, portfolio.DecisionUpdate{
			Status:     models.DecisionFailed,
			ErrorCode:  string(res.ErrorCode),
			RecoveryID: recoveryID,
		})
	}
	l.Warn("Retry failed", zap.String("error_code", string(res.ErrorCode)), zap.Error(err))
	return res, nil
}

func (p *Pipeline) recordSuccess(ctx context.Context, req ExecutionRequest, tr *TradeResult, durationMs int64) {
	p.stats.recordSuccess(req.AgentID, tr, durationMs, p.now())
	metrics.TradesExecuted.WithLabelValues(string(tr.Mode), string(tr.Side)).Inc()
	metrics.TradeVolumeUSDC.WithLabelValues(string(tr.Mode)).Add(tr.USDCAmount)

	if req.DecisionID != "" {
		p.updateDecision(ctx, req.DecisionID, portfolio.DecisionUpdate{
			Status:      models.DecisionExecuted,
			TxSignature: tr.TxSignature,
		})
	}
	p.sink.Emit(ctx, events.Event{
		Type:    events.TradeExecuted,
		AgentID: req.AgentID,
		RoundID: req.RoundID,
		Symbol:  tr.Symbol,
		Message: fmt.Sprintf("%s %s %.6f for %.2f USDC", tr.Side, tr.Symbol, tr.StockQuantity, tr.USDCAmount),
		Data: map[string]any{
			"trade_id":        tr.TradeID,
			"tx_signature":    tr.TxSignature,
			"side":            string(tr.Side),
			"stock_quantity":  tr.StockQuantity,
			"usdc_amount":     tr.USDCAmount,
			"price_per_token": tr.PricePerToken,
			"mode":            string(tr.Mode),
		},
	})
}

// abandoned is the result for an item skipped after the round was cancelled.
func (p *Pipeline) abandoned(req ExecutionRequest, err error) *ExecutionResult {
	return &ExecutionResult{
		AgentID:    req.AgentID,
		DecisionID: req.DecisionID,
		Action:     req.Decision.Action,
		Mode:       p.executor.Mode(),
		Error:      fmt.Sprintf("round interrupted before execution: %v", err),
		ErrorCode:  tradeerr.CodeOf(err),
	}
}

func (p *Pipeline) jitterDelay() time.Duration {
	span := p.maxDelay - p.minDelay
	return p.minDelay + time.Duration(p.rnd()*float64(span))
}

func (p *Pipeline) saveDecision(ctx context.Context, req ExecutionRequest) {
	if p.decisions == nil {
		return
	}
	d := req.Decision
	err := p.decisions.SaveDecision(ctx, &models.AgentDecision{
		DecisionID: req.DecisionID,
		AgentID:    req.AgentID,
		RoundID:    req.RoundID,
		Action:     string(d.Action),
		Symbol:     d.Symbol,
		Quantity:   d.Quantity,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
	})
	if err != nil {
		p.logger.Warn("Failed to save decision", zap.String("decision_id", req.DecisionID), zap.Error(err))
	}
}

func (p *Pipeline) updateDecision(ctx context.Context, decisionID string, u portfolio.DecisionUpdate) {
	if p.decisions == nil {
		return
	}
	if err := p.decisions.UpdateDecision(ctx, decisionID, u); err != nil {
		p.logger.Warn("Failed to update decision", zap.String("decision_id", decisionID), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
