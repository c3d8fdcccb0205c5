package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moltapp-trader/internal/events"
	"moltapp-trader/internal/metrics"
	"moltapp-trader/internal/tradeerr"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, evt events.Event) {
	s.events = append(s.events, evt)
}

func (s *recordingSink) types() []events.Type {
	out := make([]events.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// setupLedger returns a ledger with a fixed clock, no jitter and a recording sink.
func setupLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock, *recordingSink) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	policy := DefaultRetryPolicy()
	policy.Jitter = false
	base := []Option{WithClock(clock.Now), WithRetryPolicy(policy), WithRandom(func() float64 { return 0 })}
	return NewLedger(zap.NewNop(), sink, append(base, opts...)...), clock, sink
}

func failure(code tradeerr.Code) FailureInput {
	return FailureInput{
		AgentID:   "agent-1",
		Side:      "buy",
		Symbol:    "AAPLx",
		Quantity:  25,
		Error:     string(code) + " happened",
		ErrorCode: code,
		RoundID:   "round-1",
	}
}

func TestRegisterFailedTrade_Classification(t *testing.T) {
	ledger, clock, sink := setupLedger(t)

	retryable := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))
	assert.Equal(t, StatusPending, retryable.Status)
	assert.True(t, retryable.Retryable)
	assert.Equal(t, 3, retryable.MaxAttempts)
	assert.Equal(t, 1, retryable.Attempts)
	require.NotNil(t, retryable.NextRetryAt)
	assert.Equal(t, clock.now.Add(5*time.Second), *retryable.NextRetryAt)
	assert.NotEmpty(t, retryable.RecoveryID)

	permanent := ledger.RegisterFailedTrade(failure(tradeerr.CodeInsufficientUSDC))
	assert.Equal(t, StatusDeadLetter, permanent.Status)
	assert.False(t, permanent.Retryable)
	assert.Equal(t, 0, permanent.MaxAttempts)
	assert.Nil(t, permanent.NextRetryAt)

	assert.Equal(t, []events.Type{events.TradeFailed, events.TradeFailed, events.TradeDeadLettered}, sink.types())
}

func TestRegisterFailedTrade_ClassificationIsDeterministic(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	for i := 0; i < 20; i++ {
		dl := ledger.RegisterFailedTrade(failure(tradeerr.CodeUnknownAsset))
		assert.Equal(t, StatusDeadLetter, dl.Status)
		assert.Equal(t, 0, dl.MaxAttempts)

		p := ledger.RegisterFailedTrade(failure(tradeerr.CodeRateLimited))
		assert.Equal(t, StatusPending, p.Status)
		assert.NotNil(t, p.NextRetryAt)
	}
}

func TestRegisterFailedTrade_EmptyCodeIsUnknown(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ft := ledger.RegisterFailedTrade(FailureInput{AgentID: "a", Side: "sell", Symbol: "TSLAx", Quantity: 1})
	assert.Equal(t, tradeerr.CodeUnknown, ft.ErrorCode)
	assert.Equal(t, StatusPending, ft.Status)
}

func TestUnknownRecoveryIDIsNoop(t *testing.T) {
	ledger, _, sink := setupLedger(t)
	existing := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	before := ledger.Report(-1)
	emitted := len(sink.events)

	assert.Nil(t, ledger.RecordRetryAttempt("missing", false, "boom"))
	assert.Nil(t, ledger.RecordRetryAttempt("missing", true, ""))
	assert.Nil(t, ledger.MarkTradeStuck("missing", "sig"))
	assert.Nil(t, ledger.MarkSubmitted("missing"))
	resolved, err := ledger.ResolveManually("missing", StatusRecovered, "checked")
	assert.NoError(t, err)
	assert.Nil(t, resolved)

	assert.Equal(t, before, ledger.Report(-1))
	assert.Equal(t, existing, ledger.FailedTrade(existing.RecoveryID))
	assert.Len(t, sink.events, emitted)
}

func TestRecordRetryAttempt_MaxAttemptsTwo(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	policy := ledger.RetryPolicy()
	policy.MaxAttempts = 2
	require.NoError(t, ledger.SetRetryPolicy(policy))

	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeNetworkError))
	require.Equal(t, 2, ft.MaxAttempts)

	first := ledger.RecordRetryAttempt(ft.RecoveryID, false, "still down")
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 2, first.Attempts)

	second := ledger.RecordRetryAttempt(ft.RecoveryID, false, "still down")
	assert.Equal(t, StatusDeadLetter, second.Status)
	assert.Equal(t, 3, second.Attempts)
	assert.Nil(t, second.NextRetryAt)

	// further outcomes are ignored once terminal
	third := ledger.RecordRetryAttempt(ft.RecoveryID, false, "again")
	assert.Equal(t, StatusDeadLetter, third.Status)
	assert.Equal(t, 3, third.Attempts)
	late := ledger.RecordRetryAttempt(ft.RecoveryID, true, "")
	assert.Equal(t, StatusDeadLetter, late.Status)
}

func TestRecordRetryAttempt_RPCTimeoutExhaustsAfterThreeFailures(t *testing.T) {
	ledger, _, sink := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))
	require.Equal(t, 3, ft.MaxAttempts)

	var last *FailedTrade
	for i := 0; i < 3; i++ {
		last = ledger.RecordRetryAttempt(ft.RecoveryID, false, "rpc timeout")
	}
	assert.Equal(t, StatusDeadLetter, last.Status)
	assert.Equal(t, 4, last.Attempts)
	assert.Contains(t, sink.types(), events.TradeDeadLettered)
}

func TestRecordRetryAttempt_BackoffGrowsPerAttempt(t *testing.T) {
	ledger, clock, _ := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))

	updated := ledger.RecordRetryAttempt(ft.RecoveryID, false, "")
	require.NotNil(t, updated.NextRetryAt)
	assert.Equal(t, clock.now.Add(10*time.Second), *updated.NextRetryAt)

	updated = ledger.RecordRetryAttempt(ft.RecoveryID, false, "")
	assert.Equal(t, clock.now.Add(20*time.Second), *updated.NextRetryAt)
}

func TestRecordRetryAttempt_Success(t *testing.T) {
	ledger, _, sink := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeJupiterOrderFailed))

	out := ledger.RecordRetryAttempt(ft.RecoveryID, true, "filled")
	assert.Equal(t, StatusRecovered, out.Status)
	assert.Nil(t, out.NextRetryAt)
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, sink.types(), events.TradeRecovered)
}

func TestPolicyChangeDoesNotAffectRegisteredTrades(t *testing.T) {
	ledger, clock, _ := setupLedger(t)
	before := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))

	require.NoError(t, ledger.SetRetryPolicy(RetryPolicy{
		MaxAttempts: 10, InitialDelayMs: 60_000, BackoffMultiplier: 1, MaxDelayMs: 60_000,
	}))
	after := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))

	assert.Equal(t, 3, ledger.FailedTrade(before.RecoveryID).MaxAttempts)
	assert.Equal(t, 10, after.MaxAttempts)

	// the earlier trade keeps its own backoff schedule
	retried := ledger.RecordRetryAttempt(before.RecoveryID, false, "")
	assert.Equal(t, clock.now.Add(10*time.Second), *retried.NextRetryAt)

	for i := 0; i < 3; i++ {
		retried = ledger.RecordRetryAttempt(before.RecoveryID, false, "")
	}
	assert.Equal(t, StatusDeadLetter, retried.Status)
}

func TestSetRetryPolicy_RejectsInvalid(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	err := ledger.SetRetryPolicy(RetryPolicy{MaxAttempts: 1, InitialDelayMs: 0, BackoffMultiplier: 2, MaxDelayMs: 10})
	assert.Error(t, err)
	assert.Equal(t, 3, ledger.RetryPolicy().MaxAttempts)
}

func TestRetryableAlwaysScheduled(t *testing.T) {
	noRetries := RetryPolicy{MaxAttempts: 0, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 10_000}

	ledger, _, _ := setupLedger(t, WithRetryPolicy(noRetries))
	assert.Equal(t, 3, ledger.RetryPolicy().MaxAttempts, "invalid initial policy is ignored")
	assert.Error(t, ledger.SetRetryPolicy(noRetries))

	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))
	assert.Equal(t, StatusPending, ft.Status)
	assert.NotNil(t, ft.NextRetryAt)
}

func TestMarkTradeStuck(t *testing.T) {
	ledger, _, sink := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeTransactionTimeout))

	stuck := ledger.MarkTradeStuck(ft.RecoveryID, "5sigXYZ")
	assert.Equal(t, StatusStuck, stuck.Status)
	assert.Equal(t, "5sigXYZ", stuck.TxSignature)
	assert.Nil(t, stuck.NextRetryAt)
	assert.Contains(t, sink.types(), events.TradeStuck)

	// stuck trades never show up as due and ignore automatic outcomes
	assert.Empty(t, ledger.PendingRetries())
	ignored := ledger.RecordRetryAttempt(ft.RecoveryID, false, "")
	assert.Equal(t, StatusStuck, ignored.Status)
	assert.Equal(t, 1, ignored.Attempts)
	assert.Len(t, ledger.StuckTrades(), 1)
}

func TestMarkTradeStuck_TerminalUnchanged(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeUnknownWallet))
	out := ledger.MarkTradeStuck(ft.RecoveryID, "sig")
	assert.Equal(t, StatusDeadLetter, out.Status)
	assert.Empty(t, out.TxSignature)
}

func TestDetectStuckTrades(t *testing.T) {
	ledger, clock, _ := setupLedger(t)
	a := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	b := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))

	submitted := ledger.MarkSubmitted(a.RecoveryID)
	assert.Equal(t, StatusSubmitted, submitted.Status)
	assert.Nil(t, submitted.NextRetryAt)

	clock.Advance(4 * time.Minute)
	assert.Empty(t, ledger.DetectStuckTrades())

	clock.Advance(2 * time.Minute)
	found := ledger.DetectStuckTrades()
	require.Len(t, found, 1)
	assert.Equal(t, a.RecoveryID, found[0].RecoveryID)
	assert.Equal(t, StatusStuck, found[0].Status)
	assert.Equal(t, StatusPending, ledger.FailedTrade(b.RecoveryID).Status)

	// already stuck trades are not reported twice
	assert.Empty(t, ledger.DetectStuckTrades())
}

func TestSubmittedTradeAcceptsRetryOutcome(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ft := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	ledger.MarkSubmitted(ft.RecoveryID)

	out := ledger.RecordRetryAttempt(ft.RecoveryID, false, "rpc error")
	assert.Equal(t, StatusPending, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.NotNil(t, out.NextRetryAt)
}

func TestResolveManually(t *testing.T) {
	ledger, _, sink := setupLedger(t)
	pending := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	stuck := ledger.RegisterFailedTrade(failure(tradeerr.CodeTransactionTimeout))
	ledger.MarkTradeStuck(stuck.RecoveryID, "sig-1")

	out, err := ledger.ResolveManually(pending.RecoveryID, StatusDeadLetter, "asset delisted")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, out.Status)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, "asset delisted", out.Resolution.Notes)

	out, err = ledger.ResolveManually(stuck.RecoveryID, StatusRecovered, "landed on chain, verified in explorer")
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, out.Status)

	// terminal entries are not re-resolved
	out, err = ledger.ResolveManually(stuck.RecoveryID, StatusDeadLetter, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, out.Status)

	_, err = ledger.ResolveManually(pending.RecoveryID, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidResolution)

	assert.Contains(t, sink.types(), events.TradeResolved)
}

func TestPendingRetries_DueAndSorted(t *testing.T) {
	ledger, clock, _ := setupLedger(t)
	first := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	clock.Advance(time.Second)
	second := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	ledger.RegisterFailedTrade(failure(tradeerr.CodeInvalidAmount))

	assert.Empty(t, ledger.PendingRetries())

	// push the first trade further out by failing it once
	ledger.RecordRetryAttempt(first.RecoveryID, false, "")

	clock.Advance(5 * time.Second)
	due := ledger.PendingRetries()
	require.Len(t, due, 1)
	assert.Equal(t, second.RecoveryID, due[0].RecoveryID)

	clock.Advance(10 * time.Second)
	due = ledger.PendingRetries()
	require.Len(t, due, 2)
	assert.Equal(t, second.RecoveryID, due[0].RecoveryID)
	assert.Equal(t, first.RecoveryID, due[1].RecoveryID)
	assert.True(t, !due[0].NextRetryAt.After(*due[1].NextRetryAt))
}

func TestCapacityEvictsOldestRegardlessOfStatus(t *testing.T) {
	ledger, _, _ := setupLedger(t, WithCapacity(3))

	oldest := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	require.Equal(t, StatusPending, oldest.Status)
	second := ledger.RegisterFailedTrade(failure(tradeerr.CodeTransactionTimeout))
	ledger.MarkTradeStuck(second.RecoveryID, "sig")
	ledger.RegisterFailedTrade(failure(tradeerr.CodeUnknownAsset))
	assert.Equal(t, 3, ledger.Len())

	ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	assert.Equal(t, 3, ledger.Len())
	assert.Nil(t, ledger.FailedTrade(oldest.RecoveryID), "pending entry is evicted at capacity")

	ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	assert.Nil(t, ledger.FailedTrade(second.RecoveryID), "stuck entry is evicted at capacity")
	assert.Empty(t, ledger.StuckTrades())
}

func TestReport(t *testing.T) {
	ledger, _, _ := setupLedger(t)

	a := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	b := ledger.RegisterFailedTrade(FailureInput{AgentID: "agent-2", Side: "sell", Symbol: "NVDAx", Quantity: 1, ErrorCode: tradeerr.CodeTransactionTimeout})
	c := ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))
	ledger.RegisterFailedTrade(failure(tradeerr.CodeInsufficientSOL))
	ledger.RegisterFailedTrade(failure(tradeerr.CodeRateLimited))

	ledger.RecordRetryAttempt(a.RecoveryID, true, "")
	ledger.MarkTradeStuck(b.RecoveryID, "sig")
	ledger.MarkSubmitted(c.RecoveryID)

	r := ledger.Report(3)
	assert.Equal(t, 5, r.TotalFailed)
	assert.Equal(t, 2, r.PendingRetry)
	assert.Equal(t, 1, r.DeadLettered)
	assert.Equal(t, 1, r.Recovered)
	assert.Equal(t, 1, r.Stuck)
	assert.Equal(t, r.TotalFailed, r.PendingRetry+r.DeadLettered+r.Recovered+r.Stuck)

	assert.Equal(t, 1, r.ByStatus[StatusSubmitted])
	assert.Equal(t, 1, r.ByErrorCode[string(tradeerr.CodeRPCError)])
	assert.Equal(t, 4, r.ByAgent["agent-1"])
	assert.Equal(t, 1, r.BySymbol["NVDAx"])

	require.Len(t, r.Recent, 3)
	assert.Equal(t, "submitted", r.Recent[0].Action)
	assert.Equal(t, c.RecoveryID, r.Recent[0].RecoveryID)
}

func TestReportInvariantAfterReset(t *testing.T) {
	ledger, clock, _ := setupLedger(t)
	codes := []tradeerr.Code{tradeerr.CodeRPCError, tradeerr.CodeInvalidAmount, tradeerr.CodeTransactionTimeout, tradeerr.CodeRateLimited}
	for i := 0; i < 40; i++ {
		ft := ledger.RegisterFailedTrade(failure(codes[i%len(codes)]))
		switch i % 5 {
		case 0:
			ledger.RecordRetryAttempt(ft.RecoveryID, true, "")
		case 1:
			ledger.MarkTradeStuck(ft.RecoveryID, fmt.Sprintf("sig-%d", i))
		case 2:
			ledger.MarkSubmitted(ft.RecoveryID)
		case 3:
			for j := 0; j < 5; j++ {
				ledger.RecordRetryAttempt(ft.RecoveryID, false, "")
			}
		}
		clock.Advance(time.Minute)
		ledger.DetectStuckTrades()

		r := ledger.Report(0)
		assert.Equal(t, r.TotalFailed, r.PendingRetry+r.DeadLettered+r.Recovered+r.Stuck)
	}

	ledger.Reset()
	r := ledger.Report(10)
	assert.Zero(t, r.TotalFailed)
	assert.Empty(t, r.Recent)
	assert.Zero(t, ledger.Len())
}

func TestAgentFailedTradesAndCopies(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	in := failure(tradeerr.CodeRPCError)
	in.Metadata = map[string]any{"reasoning": "momentum"}
	ft := ledger.RegisterFailedTrade(in)
	ledger.RegisterFailedTrade(FailureInput{AgentID: "agent-2", Side: "buy", Symbol: "SPYx", Quantity: 5, ErrorCode: tradeerr.CodeRPCError})

	mine := ledger.AgentFailedTrades("agent-1")
	require.Len(t, mine, 1)
	assert.Equal(t, ft.RecoveryID, mine[0].RecoveryID)

	// mutating a returned value does not touch ledger state
	mine[0].Status = StatusRecovered
	mine[0].Metadata["reasoning"] = "changed"
	in.Metadata["reasoning"] = "changed too"
	stored := ledger.FailedTrade(ft.RecoveryID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "momentum", stored.Metadata["reasoning"])
}

func TestActivityLogIsBounded(t *testing.T) {
	ledger, _, _ := setupLedger(t, WithActivityLimit(5))
	for i := 0; i < 10; i++ {
		ledger.RegisterFailedTrade(failure(tradeerr.CodeRPCError))
	}
	assert.Len(t, ledger.Report(-1).Recent, 5)
}

func TestLedgerGauges_PerInstance(t *testing.T) {
	busy, _, _ := setupLedger(t, WithName("gauge-busy"))
	idle, _, _ := setupLedger(t, WithName("gauge-idle"))

	busy.RegisterFailedTrade(failure(tradeerr.CodeRPCTimeout))
	busy.RegisterFailedTrade(failure(tradeerr.CodeRateLimited))
	idle.RegisterFailedTrade(failure(tradeerr.CodeInvalidAmount))

	pending := func(name string) float64 {
		return testutil.ToFloat64(metrics.RecoveryLedgerEntries.WithLabelValues(name, string(StatusPending)))
	}
	assert.Equal(t, 2.0, pending("gauge-busy"))
	assert.Equal(t, 0.0, pending("gauge-idle"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RecoveryLedgerEntries.WithLabelValues("gauge-idle", string(StatusDeadLetter))))

	busy.Reset()
	assert.Equal(t, 0.0, pending("gauge-busy"))
}
