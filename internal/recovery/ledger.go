package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moltapp-trader/internal/events"
	"moltapp-trader/internal/metrics"
	"moltapp-trader/internal/tradeerr"
)

const (
	DefaultCapacity       = 1000
	DefaultActivityLimit  = 500
	DefaultStuckThreshold = 5 * time.Minute
	DefaultName           = "default"
)

// Status is the lifecycle state of a failed trade.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitted  Status = "submitted"
	StatusStuck      Status = "stuck"
	StatusRecovered  Status = "recovered"
	StatusDeadLetter Status = "dead_letter"
)

// IsTerminal reports whether no further automatic or manual transition applies.
func (s Status) IsTerminal() bool {
	return s == StatusRecovered || s == StatusDeadLetter
}

func errInvalidPolicy(msg string) error {
	return fmt.Errorf("invalid retry policy: %s", msg)
}

// ErrInvalidResolution is returned when a manual resolution is not terminal.
var ErrInvalidResolution = errors.New("resolution must be recovered or dead_letter")

// FailedTrade is a ledger entry for one failed execution.
type FailedTrade struct {
	RecoveryID     string         `json:"recovery_id"`
	AgentID        string         `json:"agent_id"`
	Side           string         `json:"side"`
	Symbol         string         `json:"symbol"`
	Quantity       float64        `json:"quantity"`
	Error          string         `json:"error"`
	ErrorCode      tradeerr.Code  `json:"error_code"`
	Retryable      bool           `json:"retryable"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	FirstAttemptAt time.Time      `json:"first_attempt_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	Status         Status         `json:"status"`
	TxSignature    string         `json:"tx_signature,omitempty"`
	RoundID        string         `json:"round_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Resolution     *Resolution    `json:"resolution,omitempty"`

	// policy is the retry policy in effect at registration.
	policy RetryPolicy
}

// Resolution records a manual operator decision.
type Resolution struct {
	Status     Status    `json:"status"`
	Notes      string    `json:"notes"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// FailureInput describes a failed execution to register.
type FailureInput struct {
	AgentID     string
	Side        string
	Symbol      string
	Quantity    float64
	Error       string
	ErrorCode   tradeerr.Code
	RoundID     string
	TxSignature string
	Metadata    map[string]any
}

// ActivityEntry is one line of the ledger's audit trail.
type ActivityEntry struct {
	At         time.Time `json:"at"`
	RecoveryID string    `json:"recovery_id"`
	AgentID    string    `json:"agent_id"`
	Action     string    `json:"action"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
}

// Ledger stores failed trades and drives their retry lifecycle. It holds at
// most capacity entries; inserting past that evicts the oldest entry by
// insertion order whatever its status.
type Ledger struct {
	mu     sync.Mutex
	name   string
	logger *zap.Logger
	sink   events.Sink

	policy         RetryPolicy
	capacity       int
	activityLimit  int
	stuckThreshold time.Duration

	trades   map[string]*FailedTrade
	order    []string
	activity []ActivityEntry

	now   func() time.Time
	rnd   func() float64
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

func WithActivityLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.activityLimit = n
		}
	}
}

func WithStuckThreshold(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.stuckThreshold = d
		}
	}
}

// WithRetryPolicy sets the initial policy. An invalid policy is ignored.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) {
		if p.Validate() == nil {
			l.policy = p
		}
	}
}

// WithName labels the ledger's metrics so independent ledgers do not
// overwrite each other's gauges.
func WithName(name string) Option {
	return func(l *Ledger) {
		if name != "" {
			l.name = name
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithRandom overrides the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(l *Ledger) {
		l.rnd = fn
	}
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger, sink events.Sink, opts ...Option) *Ledger {
	if sink == nil {
		sink = events.Nop{}
	}
	l := &Ledger{
		name:           DefaultName,
		logger:         logger.Named("recovery"),
		sink:           sink,
		policy:         DefaultRetryPolicy(),
		capacity:       DefaultCapacity,
		activityLimit:  DefaultActivityLimit,
		stuckThreshold: DefaultStuckThreshold,
		trades:         make(map[string]*FailedTrade),
		now:            time.Now,
		rnd:            rand.Float64,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RetryPolicy returns the policy applied to newly registered trades.
func (l *Ledger) RetryPolicy() RetryPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// SetRetryPolicy replaces the policy for trades registered from now on.
// Already registered trades keep the policy they were registered with.
func (l *Ledger) SetRetryPolicy(p RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
	l.logger.Info("Retry policy updated",
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Int64("initial_delay_ms", p.InitialDelayMs),
		zap.Float64("backoff_multiplier", p.BackoffMultiplier),
		zap.Int64("max_delay_ms", p.MaxDelayMs),
		zap.Bool("jitter", p.Jitter),
	)
	return nil
}

// RegisterFailedTrade records a failed execution. Retryable failures start as
// pending with a scheduled retry; the rest are dead-lettered immediately so an
// operator still sees them.
func (l *Ledger) RegisterFailedTrade(in FailureInput) *FailedTrade {
	code := in.ErrorCode
	if code == "" {
		code = tradeerr.CodeUnknown
	}

	l.mu.Lock()
	now := l.now()
	ft := &FailedTrade{
		RecoveryID:     l.newID(),
		AgentID:        in.AgentID,
		Side:           in.Side,
		Symbol:         in.Symbol,
		Quantity:       in.Quantity,
		Error:          in.Error,
		ErrorCode:      code,
		Retryable:      tradeerr.IsRetryable(code),
		Attempts:       1,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
		TxSignature:    in.TxSignature,
		RoundID:        in.RoundID,
		Metadata:       copyMetadata(in.Metadata),
		policy:         l.policy,
	}
	if ft.Retryable {
		ft.Status = StatusPending
		ft.MaxAttempts = l.policy.MaxAttempts
		if ft.Attempts > ft.MaxAttempts {
			ft.Status = StatusDeadLetter
		} else {
			next := l.policy.NextRetryAt(now, ft.Attempts, l.rnd)
			ft.NextRetryAt = &next
		}
	} else {
		ft.Status = StatusDeadLetter
		ft.MaxAttempts = 0
	}

	l.insert(ft)
	l.record(ft, "registered", fmt.Sprintf("%s %s failed: %s", ft.Side, ft.Symbol, ft.ErrorCode))
	out := ft.clone()
	l.refreshGauges()
	l.mu.Unlock()

	l.logger.Warn("Failed trade registered",
		zap.String("recovery_id", out.RecoveryID),
		zap.String("agent_id", out.AgentID),
		zap.String("symbol", out.Symbol),
		zap.String("error_code", string(out.ErrorCode)),
		zap.String("status", string(out.Status)),
	)

	l.emit(events.Event{
		Type:     events.TradeFailed,
		Severity: events.SeverityWarning,
		AgentID:  out.AgentID,
		RoundID:  out.RoundID,
		Symbol:   out.Symbol,
		Message:  fmt.Sprintf("%s %s failed: %s", out.Side, out.Symbol, out.Error),
		Data:     tradeData(out),
	})
	if out.Status == StatusDeadLetter {
		l.emitDeadLetter(out)
	}
	return out
}

// RecordRetryAttempt applies the outcome of a retry. Unknown IDs return nil.
// Entries that are not pending or submitted are returned unchanged.
func (l *Ledger) RecordRetryAttempt(recoveryID string, success bool, details string) *FailedTrade {
	l.mu.Lock()
	ft, ok := l.trades[recoveryID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if ft.Status != StatusPending && ft.Status != StatusSubmitted {
		out := ft.clone()
		l.mu.Unlock()
		l.logger.Debug("Ignoring retry outcome for inactive trade",
			zap.String("recovery_id", recoveryID),
			zap.String("status", string(out.Status)),
		)
		return out
	}

	now := l.now()
	ft.LastAttemptAt = now
	if success {
		ft.Status = StatusRecovered
		ft.NextRetryAt = nil
		l.record(ft, "retry_succeeded", details)
	} else {
		ft.Attempts++
		if details != "" {
			ft.Error = details
		}
		if ft.Attempts > ft.MaxAttempts {
			ft.Status = StatusDeadLetter
			ft.NextRetryAt = nil
			l.record(ft, "retries_exhausted", details)
		} else {
			ft.Status = StatusPending
			next := ft.policy.NextRetryAt(now, ft.Attempts, l.rnd)
			ft.NextRetryAt = &next
			l.record(ft, "retry_failed", details)
		}
	}
	out := ft.clone()
	l.refreshGauges()
	l.mu.Unlock()

	switch out.Status {
	case StatusRecovered:
		l.logger.Info("Failed trade recovered", zap.String("recovery_id", recoveryID), zap.Int("attempts", out.Attempts))
		l.emit(events.Event{
			Type:    events.TradeRecovered,
			AgentID: out.AgentID,
			RoundID: out.RoundID,
			Symbol:  out.Symbol,
			Message: fmt.Sprintf("%s %s recovered after %d attempts", out.Side, out.Symbol, out.Attempts),
			Data:    tradeData(out),
		})
	case StatusDeadLetter:
		l.logger.Error("Failed trade exhausted retries", zap.String("recovery_id", recoveryID), zap.Int("attempts", out.Attempts))
		l.emitDeadLetter(out)
	default:
		l.logger.Warn("Retry failed, rescheduled",
			zap.String("recovery_id", recoveryID),
			zap.Int("attempts", out.Attempts),
			zap.Timep("next_retry_at", out.NextRetryAt),
		)
	}
	return out
}

// MarkSubmitted flags a pending trade as in flight just before a retry is
// dispatched. A trade left submitted past the stuck threshold is picked up by
// DetectStuckTrades.
func (l *Ledger) MarkSubmitted(recoveryID string) *FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()

	ft, ok := l.trades[recoveryID]
	if !ok {
		return nil
	}
	if ft.Status != StatusPending {
		return ft.clone()
	}
	ft.Status = StatusSubmitted
	ft.LastAttemptAt = l.now()
	ft.NextRetryAt = nil
	l.record(ft, "submitted", "retry dispatched")
	l.refreshGauges()
	return ft.clone()
}

// MarkTradeStuck flags a trade whose transaction may have landed but could not
// be confirmed. Automatic retries stop until an operator resolves it.
func (l *Ledger) MarkTradeStuck(recoveryID, txSignature string) *FailedTrade {
	l.mu.Lock()
	ft, ok := l.trades[recoveryID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if ft.Status != StatusPending && ft.Status != StatusSubmitted {
		out := ft.clone()
		l.mu.Unlock()
		return out
	}
	l.markStuck(ft, txSignature, "transaction unconfirmed")
	out := ft.clone()
	l.refreshGauges()
	l.mu.Unlock()

	l.emitStuck(out)
	return out
}

// ResolveManually forces a non-terminal trade into recovered or dead_letter.
func (l *Ledger) ResolveManually(recoveryID string, resolution Status, notes string) (*FailedTrade, error) {
	if !resolution.IsTerminal() {
		return nil, ErrInvalidResolution
	}

	l.mu.Lock()
	ft, ok := l.trades[recoveryID]
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	if ft.Status.IsTerminal() {
		out := ft.clone()
		l.mu.Unlock()
		return out, nil
	}

	now := l.now()
	ft.Status = resolution
	ft.NextRetryAt = nil
	ft.Resolution = &Resolution{Status: resolution, Notes: notes, ResolvedAt: now}
	l.record(ft, "resolved_manually", notes)
	out := ft.clone()
	l.refreshGauges()
	l.mu.Unlock()

	l.logger.Info("Failed trade resolved manually",
		zap.String("recovery_id", recoveryID),
		zap.String("resolution", string(resolution)),
		zap.String("notes", notes),
	)
	l.emit(events.Event{
		Type:    events.TradeResolved,
		AgentID: out.AgentID,
		RoundID: out.RoundID,
		Symbol:  out.Symbol,
		Message: fmt.Sprintf("%s resolved as %s: %s", out.RecoveryID, resolution, notes),
		Data:    tradeData(out),
	})
	return out, nil
}

// DetectStuckTrades moves submitted trades older than the stuck threshold to stuck.
func (l *Ledger) DetectStuckTrades() []*FailedTrade {
	l.mu.Lock()
	cutoff := l.now().Add(-l.stuckThreshold)
	var stuck []*FailedTrade
	for _, id := range l.order {
		ft := l.trades[id]
		if ft.Status == StatusSubmitted && ft.LastAttemptAt.Before(cutoff) {
			l.markStuck(ft, ft.TxSignature, fmt.Sprintf("no confirmation after %s", l.stuckThreshold))
			stuck = append(stuck, ft.clone())
		}
	}
	if len(stuck) > 0 {
		l.refreshGauges()
	}
	l.mu.Unlock()

	for _, ft := range stuck {
		l.emitStuck(ft)
	}
	return stuck
}

// PendingRetries returns pending trades whose retry is due, earliest first.
func (l *Ledger) PendingRetries() []*FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	due := l.filter(func(ft *FailedTrade) bool {
		return ft.Status == StatusPending && ft.NextRetryAt != nil && !ft.NextRetryAt.After(now)
	})
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	return due
}

// DeadLetterQueue returns every dead-lettered trade in insertion order.
func (l *Ledger) DeadLetterQueue() []*FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter(func(ft *FailedTrade) bool { return ft.Status == StatusDeadLetter })
}

// StuckTrades returns every stuck trade in insertion order.
func (l *Ledger) StuckTrades() []*FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter(func(ft *FailedTrade) bool { return ft.Status == StatusStuck })
}

// FailedTrade returns the entry for recoveryID or nil.
func (l *Ledger) FailedTrade(recoveryID string) *FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ft, ok := l.trades[recoveryID]; ok {
		return ft.clone()
	}
	return nil
}

// AgentFailedTrades returns every entry for one agent in insertion order.
func (l *Ledger) AgentFailedTrades(agentID string) []*FailedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter(func(ft *FailedTrade) bool { return ft.AgentID == agentID })
}

// Len returns the number of entries held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trades)
}

// Reset drops every entry and the activity log.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.trades = make(map[string]*FailedTrade)
	l.order = nil
	l.activity = nil
	l.refreshGauges()
	l.mu.Unlock()
	l.logger.Info("Recovery ledger cleared")
}

func (l *Ledger) insert(ft *FailedTrade) {
	l.trades[ft.RecoveryID] = ft
	l.order = append(l.order, ft.RecoveryID)
	for len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		evicted := l.trades[oldest]
		delete(l.trades, oldest)
		if evicted != nil && !evicted.Status.IsTerminal() {
			l.logger.Warn("Evicted active failed trade at capacity",
				zap.String("recovery_id", oldest),
				zap.String("status", string(evicted.Status)),
				zap.Int("capacity", l.capacity),
			)
		}
	}
}

func (l *Ledger) markStuck(ft *FailedTrade, txSignature, msg string) {
	ft.Status = StatusStuck
	ft.NextRetryAt = nil
	if txSignature != "" {
		ft.TxSignature = txSignature
	}
	l.record(ft, "stuck", msg)
	l.logger.Warn("Trade marked stuck",
		zap.String("recovery_id", ft.RecoveryID),
		zap.String("tx_signature", ft.TxSignature),
	)
}

func (l *Ledger) filter(keep func(*FailedTrade) bool) []*FailedTrade {
	out := make([]*FailedTrade, 0)
	for _, id := range l.order {
		if ft := l.trades[id]; keep(ft) {
			out = append(out, ft.clone())
		}
	}
	return out
}

func (l *Ledger) record(ft *FailedTrade, action, msg string) {
	l.activity = append(l.activity, ActivityEntry{
		At:         l.now(),
		RecoveryID: ft.RecoveryID,
		AgentID:    ft.AgentID,
		Action:     action,
		Status:     ft.Status,
		Message:    msg,
	})
	if over := len(l.activity) - l.activityLimit; over > 0 {
		l.activity = l.activity[over:]
	}
}

func (l *Ledger) refreshGauges() {
	counts := map[Status]int{
		StatusPending: 0, StatusSubmitted: 0, StatusStuck: 0, StatusRecovered: 0, StatusDeadLetter: 0,
	}
	for _, ft := range l.trades {
		counts[ft.Status]++
	}
	for status, n := range counts {
		metrics.RecoveryLedgerEntries.WithLabelValues(l.name, string(status)).Set(float64(n))
	}
}

func (l *Ledger) emit(evt events.Event) {
	l.sink.Emit(context.Background(), evt)
}

func (l *Ledger) emitDeadLetter(ft *FailedTrade) {
	l.emit(events.Event{
		Type:     events.TradeDeadLettered,
		Severity: events.SeverityCritical,
		AgentID:  ft.AgentID,
		RoundID:  ft.RoundID,
		Symbol:   ft.Symbol,
		Message:  fmt.Sprintf("%s %s needs manual attention: %s", ft.Side, ft.Symbol, ft.ErrorCode),
		Data:     tradeData(ft),
	})
}

func (l *Ledger) emitStuck(ft *FailedTrade) {
	l.emit(events.Event{
		Type:     events.TradeStuck,
		Severity: events.SeverityCritical,
		AgentID:  ft.AgentID,
		RoundID:  ft.RoundID,
		Symbol:   ft.Symbol,
		Message:  fmt.Sprintf("%s %s unconfirmed, verify %s before retrying", ft.Side, ft.Symbol, ft.TxSignature),
		Data:     tradeData(ft),
	})
}

func (ft *FailedTrade) clone() *FailedTrade {
	c := *ft
	if ft.NextRetryAt != nil {
		next := *ft.NextRetryAt
		c.NextRetryAt = &next
	}
	if ft.Resolution != nil {
		res := *ft.Resolution
		c.Resolution = &res
	}
	c.Metadata = copyMetadata(ft.Metadata)
	return &c
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func tradeData(ft *FailedTrade) map[string]any {
	return map[string]any{
		"recovery_id":  ft.RecoveryID,
		"side":         ft.Side,
		"quantity":     ft.Quantity,
		"error_code":   string(ft.ErrorCode),
		"attempts":     ft.Attempts,
		"max_attempts": ft.MaxAttempts,
		"status":       string(ft.Status),
		"tx_signature": ft.TxSignature,
	}
}
