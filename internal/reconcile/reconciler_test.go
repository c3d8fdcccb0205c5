package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/database"
	"moltapp-trader/internal/events"
	"moltapp-trader/internal/metrics"
	"moltapp-trader/internal/models"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/solana"
	"moltapp-trader/internal/tradeerr"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// MockBalanceReader is a mock implementation of BalanceReader
type MockBalanceReader struct {
	mock.Mock
}

func (m *MockBalanceReader) WalletBalances(ctx context.Context, address string) (*solana.WalletBalances, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.WalletBalances), args.Error(1)
}

type staticPositions map[string][]models.Position

func (s staticPositions) Positions(_ context.Context, agentID string) ([]models.Position, error) {
	return s[agentID], nil
}

type failingPositions struct{}

func (failingPositions) Positions(context.Context, string) ([]models.Position, error) {
	return nil, errors.New("database is locked")
}

type eventLog struct {
	events []events.Event
}

func (e *eventLog) Emit(_ context.Context, evt events.Event) { e.events = append(e.events, evt) }

func (e *eventLog) count(typ events.Type) int {
	n := 0
	for _, evt := range e.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func mintOf(t *testing.T, symbol string) string {
	a, ok := catalog.Default().BySymbol(symbol)
	require.True(t, ok)
	return a.Mint
}

func position(t *testing.T, agentID, symbol string, qty float64) models.Position {
	return models.Position{AgentID: agentID, Symbol: symbol, MintAddress: mintOf(t, symbol), Quantity: qty}
}

func wallet(t *testing.T, holdings map[string]float64) *solana.WalletBalances {
	w := &solana.WalletBalances{
		Address:        "wallet-1",
		NativeLamports: 250_000_000,
		Tokens:         map[string]solana.TokenBalance{},
	}
	for key, qty := range holdings {
		mint := key
		if a, ok := catalog.Default().BySymbol(key); ok {
			mint = a.Mint
		}
		w.Tokens[mint] = solana.TokenBalance{Mint: mint, Amount: decimal.NewFromFloat(qty), Decimals: 8, TokenAccount: "ata-" + key}
	}
	return w
}

func setupReconciler(t *testing.T, positions PositionSource, opts ...Option) (*Reconciler, *MockBalanceReader, *eventLog) {
	t.Helper()
	balances := new(MockBalanceReader)
	sink := &eventLog{}
	r := NewReconciler(catalog.Default(), positions, balances, sink, zap.NewNop(), opts...)
	return r, balances, sink
}

func bySymbol(report *Report) map[string]*PositionReconciliation {
	out := make(map[string]*PositionReconciliation, len(report.Positions))
	for _, p := range report.Positions {
		out[p.Symbol] = p
	}
	return out
}

func TestReconcileAgent_Classification(t *testing.T) {
	positions := staticPositions{"agent-1": {
		position(t, "agent-1", "AAPLx", 10),
		position(t, "agent-1", "TSLAx", 10),
		position(t, "agent-1", "NVDAx", 10),
	}}
	r, balances, sink := setupReconciler(t, positions)
	balances.On("WalletBalances", mock.Anything, "wallet-1").Return(wallet(t, map[string]float64{
		"AAPLx": 10.0000005,
		"NVDAx": 4,
		"SPYx":  5,
		usdcMint: 1000,
	}), nil)

	report := r.ReconcileAgent(context.Background(), "agent-1", "wallet-1")

	got := bySymbol(report)
	require.Len(t, got, 4, "USDC is not a tracked asset")
	assert.Equal(t, Match, got["AAPLx"].Discrepancy)
	assert.True(t, got["AAPLx"].WithinTolerance)
	assert.Equal(t, "ata-AAPLx", got["AAPLx"].TokenAccount)

	assert.Equal(t, Phantom, got["TSLAx"].Discrepancy)
	assert.InDelta(t, 100, got["TSLAx"].DifferencePercent, 1e-9)

	assert.Equal(t, Deficit, got["NVDAx"].Discrepancy)
	assert.InDelta(t, -6, got["NVDAx"].Difference, 1e-9)
	assert.InDelta(t, 60, got["NVDAx"].DifferencePercent, 1e-9)

	assert.Equal(t, Excess, got["SPYx"].Discrepancy)
	assert.Zero(t, got["SPYx"].DBQuantity)
	assert.InDelta(t, 5, got["SPYx"].ChainQuantity, 1e-9)

	assert.Equal(t, Summary{
		TotalPositions: 4, Matched: 1, Phantoms: 1, Excesses: 1, Deficits: 1,
		OverallStatus: StatusCritical,
	}, report.Summary)
	assert.InDelta(t, 0.25, report.NativeBalance, 1e-12)
	assert.Empty(t, report.Error)

	assert.Equal(t, 3, sink.count(events.DiscrepancyDetected))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ReconciliationStatus.WithLabelValues("agent-1")))
	assert.Equal(t, 1, sink.count(events.ReconciliationCompleted))
}

func TestReconcileAgent_SeverityTiers(t *testing.T) {
	tests := []struct {
		name       string
		chain      float64
		want       Status
		discrep    Discrepancy
		withinTier bool
	}{
		{"ExactMatch", 10, StatusHealthy, Match, true},
		{"SmallGain", 10.05, StatusWarning, Excess, true},
		{"ModerateGain", 10.3, StatusWarning, Excess, false},
		{"LargeGain", 11, StatusCritical, Excess, false},
		{"SmallLoss", 9.95, StatusCritical, Deficit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, balances, _ := setupReconciler(t, staticPositions{"agent-1": {position(t, "agent-1", "AAPLx", 10)}})
			balances.On("WalletBalances", mock.Anything, "wallet-1").Return(wallet(t, map[string]float64{"AAPLx": tt.chain}), nil)

			report := r.ReconcileAgent(context.Background(), "agent-1", "wallet-1")

			require.Len(t, report.Positions, 1)
			assert.Equal(t, tt.discrep, report.Positions[0].Discrepancy)
			assert.Equal(t, tt.withinTier, report.Positions[0].WithinTolerance)
			assert.Equal(t, tt.want, report.Summary.OverallStatus)
		})
	}
}

func TestReconcileAgent_BalanceFetchFailureDegrades(t *testing.T) {
	positions := staticPositions{"agent-1": {
		position(t, "agent-1", "AAPLx", 10),
		position(t, "agent-1", "TSLAx", 2),
	}}
	r, balances, _ := setupReconciler(t, positions)
	balances.On("WalletBalances", mock.Anything, "wallet-1").
		Return(nil, tradeerr.New(tradeerr.CodeRPCTimeout, "getBalance timed out"))

	report := r.ReconcileAgent(context.Background(), "agent-1", "wallet-1")

	require.Len(t, report.Positions, 2)
	for _, p := range report.Positions {
		assert.Equal(t, Phantom, p.Discrepancy)
		assert.Zero(t, p.ChainQuantity)
	}
	assert.Equal(t, StatusCritical, report.Summary.OverallStatus)
	assert.Equal(t, 2, report.Summary.Phantoms)
	assert.Contains(t, report.Error, "timed out")
}

func TestReconcileAgent_PositionLoadFailure(t *testing.T) {
	r, balances, _ := setupReconciler(t, failingPositions{})

	report := r.ReconcileAgent(context.Background(), "agent-1", "wallet-1")

	assert.Empty(t, report.Positions)
	assert.Equal(t, StatusCritical, report.Summary.OverallStatus)
	assert.Contains(t, report.Error, "database is locked")
	balances.AssertNotCalled(t, "WalletBalances", mock.Anything, mock.Anything)
}

func TestReconcileAllAgents_SequentialInOrder(t *testing.T) {
	var delays []time.Duration
	r, balances, _ := setupReconciler(t, staticPositions{},
		WithAgentDelay(3*time.Second),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	balances.On("WalletBalances", mock.Anything, mock.Anything).Return(wallet(t, nil), nil)

	reports := r.ReconcileAllAgents(context.Background(), map[string]string{
		"charlie": "wallet-c",
		"alpha":   "wallet-a",
		"bravo":   "wallet-b",
	})

	require.Len(t, reports, 3)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"},
		[]string{reports[0].AgentID, reports[1].AgentID, reports[2].AgentID})
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, delays)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Reconciliations)
	assert.Equal(t, StatusHealthy, stats.LastStatus["bravo"])
	assert.NotNil(t, stats.LastReconciledAt)
}

func TestReconcileAllAgents_StopsWhenCancelled(t *testing.T) {
	r, balances, _ := setupReconciler(t, staticPositions{},
		WithSleep(func(context.Context, time.Duration) error { return context.Canceled }),
	)
	balances.On("WalletBalances", mock.Anything, mock.Anything).Return(wallet(t, nil), nil)

	reports := r.ReconcileAllAgents(context.Background(), map[string]string{"a": "w1", "b": "w2"})

	assert.Len(t, reports, 1)
}

func TestVerifyPosition(t *testing.T) {
	r, balances, _ := setupReconciler(t, staticPositions{})
	balances.On("WalletBalances", mock.Anything, "wallet-1").Return(wallet(t, map[string]float64{"AAPLx": 0.125}), nil)
	ctx := context.Background()

	v, err := r.VerifyPosition(ctx, "wallet-1", "AAPLx", 0.125)
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, mintOf(t, "AAPLx"), v.MintAddress)

	v, err = r.VerifyPosition(ctx, "wallet-1", mintOf(t, "AAPLx"), 0.5)
	require.NoError(t, err)
	assert.False(t, v.Verified)
	assert.InDelta(t, -0.375, v.Difference, 1e-12)

	_, err = r.VerifyPosition(ctx, "wallet-1", "DOGEx", 1)
	assert.Equal(t, tradeerr.CodeUnknownAsset, tradeerr.CodeOf(err))
}

func TestReconcile_PersistsStats(t *testing.T) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	store := portfolio.NewGormStore(db, zap.NewNop())
	ctx := context.Background()

	_, err = store.RecordTrade(ctx, portfolio.TradeRecord{
		AgentID: "agent-1", Symbol: "AAPLx", MintAddress: mintOf(t, "AAPLx"), Side: models.SideBuy,
		Price: 200, Quantity: 1, QuoteQuantity: 200, TxSignature: "sig-1", Mode: "paper", IsSimulation: true,
	})
	require.NoError(t, err)

	r, balances, _ := setupReconciler(t, store, WithStatsRecorder(store))
	balances.On("WalletBalances", mock.Anything, "wallet-1").Return(wallet(t, map[string]float64{"AAPLx": 1}), nil).Once()
	balances.On("WalletBalances", mock.Anything, "wallet-1").Return(wallet(t, nil), nil).Once()

	assert.Equal(t, StatusHealthy, r.ReconcileAgent(ctx, "agent-1", "wallet-1").Summary.OverallStatus)
	assert.Equal(t, StatusCritical, r.ReconcileAgent(ctx, "agent-1", "wallet-1").Summary.OverallStatus)

	rows, err := store.ReconciliationStats(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Reconciliations)
	assert.Equal(t, 2, rows[0].PositionsChecked)
	assert.Equal(t, 1, rows[0].Discrepancies)
	assert.Equal(t, string(StatusCritical), rows[0].LastStatus)

	stats := r.Stats()
	assert.Equal(t, 1, stats.DiscrepanciesFound)
	assert.Equal(t, 2, stats.PositionsChecked)
}
