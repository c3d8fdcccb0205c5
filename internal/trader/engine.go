package trader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moltapp-trader/internal/execution"
	"moltapp-trader/internal/reconcile"
	"moltapp-trader/internal/recovery"
)

const (
	DefaultRetryInterval     = 30 * time.Second
	DefaultReconcileInterval = 10 * time.Minute
)

// RetrySweep summarises one pass over the recovery ledger.
type RetrySweep struct {
	StuckDetected int       `json:"stuck_detected"`
	Attempted     int       `json:"attempted"`
	Recovered     int       `json:"recovered"`
	Failed        int       `json:"failed"`
	RanAt         time.Time `json:"ran_at"`
}

// Engine drives rounds, polls the recovery ledger for due retries and runs
// reconciliation on its own cadence. Rounds and retries never overlap.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	logger     *zap.Logger
	pipeline   *execution.Pipeline
	ledger     *recovery.Ledger
	reconciler *reconcile.Reconciler
	wallets    map[string]string

	retryInterval     time.Duration
	reconcileInterval time.Duration

	// execMu serializes everything that submits transactions.
	execMu sync.Mutex

	mu             sync.Mutex
	lastSweep      *RetrySweep
	lastReconcile  []*reconcile.Report
	roundsExecuted int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithIntervals sets the retry and reconcile cadence. Zero keeps the default.
func WithIntervals(retry, reconcileEvery time.Duration) EngineOption {
	return func(e *Engine) {
		if retry > 0 {
			e.retryInterval = retry
		}
		if reconcileEvery > 0 {
			e.reconcileInterval = reconcileEvery
		}
	}
}

// WithName sets the instance name reported by /status.
func WithName(name string) EngineOption {
	return func(e *Engine) { e.Name = name }
}

// NewEngine creates a new engine. wallets maps agent IDs to wallet addresses.
func NewEngine(logger *zap.Logger, pipeline *execution.Pipeline, ledger *recovery.Ledger, reconciler *reconcile.Reconciler, wallets map[string]string, opts ...EngineOption) *Engine {
	e := &Engine{
		UUID:              uuid.NewString(),
		Name:              "moltapp-trader",
		StartTime:         time.Now(),
		logger:            logger.Named("engine"),
		pipeline:          pipeline,
		ledger:            ledger,
		reconciler:        reconciler,
		wallets:           wallets,
		retryInterval:     DefaultRetryInterval,
		reconcileInterval: DefaultReconcileInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the retry and reconcile loops and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	retryTicker := time.NewTicker(e.retryInterval)
	defer retryTicker.Stop()
	reconcileTicker := time.NewTicker(e.reconcileInterval)
	defer reconcileTicker.Stop()

	e.logger.Info("Starting engine loops",
		zap.String("mode", string(e.pipeline.Mode())),
		zap.Duration("retry_interval", e.retryInterval),
		zap.Duration("reconcile_interval", e.reconcileInterval),
		zap.Int("agents", len(e.wallets)),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping engine...")
			return
		case <-retryTicker.C:
			e.RetryDue(ctx)
		case <-reconcileTicker.C:
			e.Reconcile(ctx)
		}
	}
}

// SubmitRound executes one round of decisions. A round waits for any
// in-flight round or retry sweep to finish.
func (e *Engine) SubmitRound(ctx context.Context, roundID string, requests []execution.ExecutionRequest) *execution.PipelineResult {
	if roundID == "" {
		roundID = uuid.NewString()
	}
	e.execMu.Lock()
	defer e.execMu.Unlock()

	res := e.pipeline.ExecutePipeline(ctx, requests, roundID)

	e.mu.Lock()
	e.roundsExecuted++
	e.mu.Unlock()
	return res
}

// RetryTrade retries one pending ledger entry on demand.
func (e *Engine) RetryTrade(ctx context.Context, recoveryID string) (*execution.ExecutionResult, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	return e.pipeline.RetryFailedTrade(ctx, recoveryID)
}

// RetryDue flags submitted trades that never resolved as stuck, then retries
// every pending trade whose retry is due, one at a time.
func (e *Engine) RetryDue(ctx context.Context) RetrySweep {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	sweep := RetrySweep{RanAt: time.Now()}
	sweep.StuckDetected = len(e.ledger.DetectStuckTrades())

	for _, ft := range e.ledger.PendingRetries() {
		if ctx.Err() != nil {
			break
		}
		res, err := e.pipeline.RetryFailedTrade(ctx, ft.RecoveryID)
		if err != nil {
			// resolved manually or evicted since the listing
			e.logger.Debug("Skipping retry", zap.String("recovery_id", ft.RecoveryID), zap.Error(err))
			continue
		}
		sweep.Attempted++
		if res.Success {
			sweep.Recovered++
		} else {
			sweep.Failed++
		}
	}

	if sweep.Attempted > 0 || sweep.StuckDetected > 0 {
		e.logger.Info("Retry sweep complete",
			zap.Int("attempted", sweep.Attempted),
			zap.Int("recovered", sweep.Recovered),
			zap.Int("failed", sweep.Failed),
			zap.Int("stuck_detected", sweep.StuckDetected),
		)
	}

	e.mu.Lock()
	e.lastSweep = &sweep
	e.mu.Unlock()
	return sweep
}

// Reconcile reconciles every configured agent.
func (e *Engine) Reconcile(ctx context.Context) []*reconcile.Report {
	reports := e.reconciler.ReconcileAllAgents(ctx, e.wallets)

	e.mu.Lock()
	e.lastReconcile = reports
	e.mu.Unlock()
	return reports
}

// EngineStatus is the engine's self-description for operators.
type EngineStatus struct {
	UUID           string                      `json:"uuid"`
	Name           string                      `json:"name"`
	Mode           execution.Mode              `json:"mode"`
	StartTime      time.Time                   `json:"start_time"`
	Uptime         string                      `json:"uptime"`
	Agents         int                         `json:"agents"`
	RoundsExecuted int                         `json:"rounds_executed"`
	LedgerEntries  int                         `json:"ledger_entries"`
	LastRetrySweep *RetrySweep                 `json:"last_retry_sweep,omitempty"`
	Reconciliation map[string]reconcile.Status `json:"reconciliation"`
}

// Status reports the engine's state.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := EngineStatus{
		UUID:           e.UUID,
		Name:           e.Name,
		Mode:           e.pipeline.Mode(),
		StartTime:      e.StartTime,
		Uptime:         time.Since(e.StartTime).Round(time.Second).String(),
		Agents:         len(e.wallets),
		RoundsExecuted: e.roundsExecuted,
		LedgerEntries:  e.ledger.Len(),
		Reconciliation: e.reconciler.Stats().LastStatus,
	}
	if e.lastSweep != nil {
		s := *e.lastSweep
		st.LastRetrySweep = &s
	}
	return st
}

// LastReconciliation returns the reports of the most recent reconcile run.
func (e *Engine) LastReconciliation() []*reconcile.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*reconcile.Report(nil), e.lastReconcile...)
}
