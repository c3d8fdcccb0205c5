package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/events"
	"moltapp-trader/internal/metrics"
	"moltapp-trader/internal/models"
	"moltapp-trader/internal/solana"
	"moltapp-trader/internal/tradeerr"
)

const (
	DefaultEpsilon         = 1e-6
	DefaultWarningPercent  = 1.0
	DefaultCriticalPercent = 5.0
	DefaultAgentDelay      = 2 * time.Second
)

// BalanceReader reads a wallet's on-chain balances.
type BalanceReader interface {
	WalletBalances(ctx context.Context, address string) (*solana.WalletBalances, error)
}

// PositionSource lists an agent's locally tracked positions.
type PositionSource interface {
	Positions(ctx context.Context, agentID string) ([]models.Position, error)
}

// StatsRecorder persists per-agent reconciliation counters.
type StatsRecorder interface {
	RecordReconciliation(ctx context.Context, agentID string, checked, discrepancies int, status string, at time.Time) error
}

// Reconciler compares tracked positions with on-chain balances.
type Reconciler struct {
	catalog   *catalog.Catalog
	positions PositionSource
	balances  BalanceReader
	recorder  StatsRecorder
	sink      events.Sink
	logger    *zap.Logger

	epsilon         float64
	warningPercent  float64
	criticalPercent float64
	agentDelay      time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTolerance sets the absolute match tolerance and the severity tiers in percent.
func WithTolerance(epsilon, warningPercent, criticalPercent float64) Option {
	return func(r *Reconciler) {
		if epsilon > 0 {
			r.epsilon = epsilon
		}
		if warningPercent > 0 && criticalPercent >= warningPercent {
			r.warningPercent, r.criticalPercent = warningPercent, criticalPercent
		}
	}
}

// WithAgentDelay sets the pause between agents in ReconcileAllAgents.
func WithAgentDelay(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.agentDelay = d
		}
	}
}

// WithStatsRecorder persists counters after every reconciliation.
func WithStatsRecorder(rec StatsRecorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithSleep replaces the inter-agent pause.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Reconciler) { r.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler over the given catalog and data sources.
func NewReconciler(cat *catalog.Catalog, positions PositionSource, balances BalanceReader, sink events.Sink, logger *zap.Logger, opts ...Option) *Reconciler {
	if sink == nil {
		sink = events.Nop{}
	}
	r := &Reconciler{
		catalog:         cat,
		positions:       positions,
		balances:        balances,
		sink:            sink,
		logger:          logger.Named("reconciler"),
		epsilon:         DefaultEpsilon,
		warningPercent:  DefaultWarningPercent,
		criticalPercent: DefaultCriticalPercent,
		agentDelay:      DefaultAgentDelay,
		sleep:           sleepContext,
		now:             time.Now,
		stats:           Stats{LastStatus: make(map[string]Status)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileAgent reconciles one agent's positions against its wallet. It
// never fails: read errors degrade into a critical report.
func (r *Reconciler) ReconcileAgent(ctx context.Context, agentID, wallet string) *Report {
	start := r.now()
	report := &Report{
		AgentID:       agentID,
		WalletAddress: wallet,
		Positions:     make([]*PositionReconciliation, 0),
		ReconciledAt:  start,
	}
	l := r.logger.With(zap.String("agent_id", agentID), zap.String("wallet", wallet))

	local, err := r.positions.Positions(ctx, agentID)
	if err != nil {
		l.Error("Failed to load tracked positions", zap.Error(err))
		report.Error = err.Error()
		return r.finish(ctx, report, start, l)
	}

	balances, err := r.balances.WalletBalances(ctx, wallet)
	if err != nil {
		l.Error("Failed to fetch wallet balances, reporting every position as phantom", zap.Error(err))
		report.Error = err.Error()
		for _, pos := range local {
			report.Positions = append(report.Positions, r.compare(agentID, wallet, pos.Symbol, pos.MintAddress, pos.Quantity, 0, "", start))
		}
		return r.finish(ctx, report, start, l)
	}
	report.NativeBalance = balances.NativeSOL()

	tracked := make(map[string]struct{}, len(local))
	for _, pos := range local {
		tracked[pos.MintAddress] = struct{}{}
		tb := balances.Token(pos.MintAddress)
		report.Positions = append(report.Positions,
			r.compare(agentID, wallet, pos.Symbol, pos.MintAddress, pos.Quantity, tb.Amount.InexactFloat64(), tb.TokenAccount, start))
	}

	for _, asset := range r.catalog.Assets() {
		if _, ok := tracked[asset.Mint]; ok {
			continue
		}
		tb := balances.Token(asset.Mint)
		chain := tb.Amount.InexactFloat64()
		if chain <= r.epsilon {
			continue
		}
		report.Positions = append(report.Positions, r.compare(agentID, wallet, asset.Symbol, asset.Mint, 0, chain, tb.TokenAccount, start))
	}

	return r.finish(ctx, report, start, l)
}

// ReconcileAllAgents reconciles agents one after another in ID order with a
// fixed pause between them. It stops early when ctx ends during a pause.
func (r *Reconciler) ReconcileAllAgents(ctx context.Context, wallets map[string]string) []*Report {
	ids := make([]string, 0, len(wallets))
	for id := range wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reports := make([]*Report, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			if err := r.sleep(ctx, r.agentDelay); err != nil {
				r.logger.Warn("Reconciliation interrupted", zap.Int("remaining", len(ids)-i), zap.Error(err))
				break
			}
		}
		reports = append(reports, r.ReconcileAgent(ctx, id, wallets[id]))
	}
	return reports
}

// VerifyPosition checks a single asset's on-chain balance against expected.
// asset may be a mint address or a symbol.
func (r *Reconciler) VerifyPosition(ctx context.Context, wallet, asset string, expected float64) (*PositionVerification, error) {
	a, ok := r.catalog.ByMint(asset)
	if !ok {
		a, ok = r.catalog.BySymbol(asset)
	}
	if !ok {
		return nil, tradeerr.New(tradeerr.CodeUnknownAsset, "unknown asset %q", asset)
	}

	balances, err := r.balances.WalletBalances(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("could not verify %s in %s: %w", a.Symbol, wallet, err)
	}
	tb := balances.Token(a.Mint)
	actual := tb.Amount.InexactFloat64()
	diff := actual - expected

	v := &PositionVerification{
		WalletAddress: wallet,
		Symbol:        a.Symbol,
		MintAddress:   a.Mint,
		Expected:      expected,
		Actual:        actual,
		Difference:    diff,
		Verified:      math.Abs(diff) <= r.epsilon,
		TokenAccount:  tb.TokenAccount,
		VerifiedAt:    r.now(),
	}
	if !v.Verified {
		r.logger.Warn("Position verification mismatch",
			zap.String("wallet", wallet),
			zap.String("symbol", a.Symbol),
			zap.Float64("expected", expected),
			zap.Float64("actual", actual),
		)
	}
	return v, nil
}

// Stats returns a snapshot of the running totals.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.stats
	out.LastStatus = make(map[string]Status, len(r.stats.LastStatus))
	for k, v := range r.stats.LastStatus {
		out.LastStatus[k] = v
	}
	if r.stats.LastReconciledAt != nil {
		t := *r.stats.LastReconciledAt
		out.LastReconciledAt = &t
	}
	return out
}

func (r *Reconciler) compare(agentID, wallet, symbol, mint string, dbQty, chainQty float64, account string, at time.Time) *PositionReconciliation {
	diff := chainQty - dbQty
	pct := 0.0
	switch {
	case dbQty > 0:
		pct = math.Abs(diff) / dbQty * 100
	case chainQty > 0:
		pct = 100
	}
	return &PositionReconciliation{
		AgentID:           agentID,
		WalletAddress:     wallet,
		Symbol:            symbol,
		MintAddress:       mint,
		DBQuantity:        dbQty,
		ChainQuantity:     chainQty,
		Difference:        diff,
		DifferencePercent: pct,
		Discrepancy:       r.classify(dbQty, chainQty),
		WithinTolerance:   math.Abs(diff) <= r.epsilon || pct < r.warningPercent,
		TokenAccount:      account,
		VerifiedAt:        at,
	}
}

func (r *Reconciler) classify(dbQty, chainQty float64) Discrepancy {
	diff := chainQty - dbQty
	switch {
	case math.Abs(diff) <= r.epsilon:
		return Match
	case dbQty > 0 && chainQty <= r.epsilon:
		return Phantom
	case diff > 0:
		return Excess
	default:
		return Deficit
	}
}

// severity of one position: loss is always critical, a gain is at least a
// warning and escalates with its size.
func (r *Reconciler) severity(p *PositionReconciliation) Status {
	switch p.Discrepancy {
	case Match:
		return StatusHealthy
	case Phantom, Deficit:
		return StatusCritical
	}
	if p.DifferencePercent >= r.criticalPercent {
		return StatusCritical
	}
	return StatusWarning
}

func (r *Reconciler) finish(ctx context.Context, report *Report, start time.Time, l *zap.Logger) *Report {
	s := Summary{TotalPositions: len(report.Positions), OverallStatus: StatusHealthy}
	for _, p := range report.Positions {
		switch p.Discrepancy {
		case Match:
			s.Matched++
		case Phantom:
			s.Phantoms++
		case Excess:
			s.Excesses++
		case Deficit:
			s.Deficits++
		}
		s.OverallStatus = worse(s.OverallStatus, r.severity(p))
	}
	if report.Error != "" {
		s.OverallStatus = StatusCritical
	}
	report.Summary = s
	report.DurationMs = r.now().Sub(start).Milliseconds()

	r.mu.Lock()
	r.stats.Reconciliations++
	r.stats.PositionsChecked += s.TotalPositions
	r.stats.DiscrepanciesFound += s.Discrepancies()
	r.stats.LastStatus[report.AgentID] = s.OverallStatus
	at := report.ReconciledAt
	r.stats.LastReconciledAt = &at
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.RecordReconciliation(ctx, report.AgentID, s.TotalPositions, s.Discrepancies(), string(s.OverallStatus), report.ReconciledAt); err != nil {
			l.Warn("Failed to persist reconciliation stats", zap.Error(err))
		}
	}

	metrics.ReconciliationStatus.WithLabelValues(report.AgentID).Set(float64(s.OverallStatus.rank()))
	for _, p := range report.Positions {
		if p.Discrepancy == Match {
			continue
		}
		metrics.ReconciliationDiscrepancies.WithLabelValues(string(p.Discrepancy)).Inc()
		r.emitDiscrepancy(ctx, p)
		l.Warn("Position discrepancy",
			zap.String("symbol", p.Symbol),
			zap.String("discrepancy", string(p.Discrepancy)),
			zap.Float64("db_quantity", p.DBQuantity),
			zap.Float64("chain_quantity", p.ChainQuantity),
			zap.Float64("difference_percent", p.DifferencePercent),
		)
	}

	r.sink.Emit(ctx, events.Event{
		Type:     events.ReconciliationCompleted,
		Severity: eventSeverity(s.OverallStatus),
		AgentID:  report.AgentID,
		Message: fmt.Sprintf("reconciled %d positions for %s: %s (%d matched, %d phantom, %d excess, %d deficit)",
			s.TotalPositions, report.AgentID, s.OverallStatus, s.Matched, s.Phantoms, s.Excesses, s.Deficits),
		Data: map[string]any{
			"wallet":         report.WalletAddress,
			"total":          s.TotalPositions,
			"matched":        s.Matched,
			"phantoms":       s.Phantoms,
			"excesses":       s.Excesses,
			"deficits":       s.Deficits,
			"overall_status": string(s.OverallStatus),
			"error":          report.Error,
		},
	})
	l.Info("Reconciliation completed",
		zap.String("status", string(s.OverallStatus)),
		zap.Int("positions", s.TotalPositions),
		zap.Int("discrepancies", s.Discrepancies()),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report
}

// emitDiscrepancy reports losses as critical and gains as warnings.
func (r *Reconciler) emitDiscrepancy(ctx context.Context, p *PositionReconciliation) {
	severity := events.SeverityCritical
	if p.Discrepancy == Excess {
		severity = events.SeverityWarning
	}
	r.sink.Emit(ctx, events.Event{
		Type:     events.DiscrepancyDetected,
		Severity: severity,
		AgentID:  p.AgentID,
		Symbol:   p.Symbol,
		Message: fmt.Sprintf("%s %s: tracked %.6f, on-chain %.6f",
			p.Discrepancy, p.Symbol, p.DBQuantity, p.ChainQuantity),
		Data: map[string]any{
			"wallet":             p.WalletAddress,
			"mint":               p.MintAddress,
			"discrepancy":        string(p.Discrepancy),
			"db_quantity":        p.DBQuantity,
			"chain_quantity":     p.ChainQuantity,
			"difference":         p.Difference,
			"difference_percent": p.DifferencePercent,
		},
	})
}

func eventSeverity(s Status) events.Severity {
	switch s {
	case StatusCritical:
		return events.SeverityCritical
	case StatusWarning:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
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
