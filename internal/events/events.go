package events

import (
	"context"
	"time"
)

// Type identifies a domain event.
type Type string

const (
	TradeExecuted           Type = "trade_executed"
	TradeFailed             Type = "trade_failed"
	TradeStuck              Type = "trade_stuck"
	TradeRecovered          Type = "trade_recovered"
	TradeDeadLettered       Type = "trade_dead_lettered"
	TradeResolved           Type = "trade_resolved"
	RoundStarted            Type = "round_started"
	RoundCompleted          Type = "round_completed"
	ReconciliationCompleted Type = "reconciliation_completed"
	DiscrepancyDetected     Type = "discrepancy_detected"
)

// Severity is a hint for notification consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a structured notification emitted by the engine.
type Event struct {
	Type       Type           `json:"type"`
	Severity   Severity       `json:"severity"`
	AgentID    string         `json:"agent_id,omitempty"`
	RoundID    string         `json:"round_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink receives events. Emit must not block the caller on slow consumers and
// never reports delivery failures back to the engine.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Emit(ctx, evt)
	}
}

// Stamp fills OccurredAt and Severity when the emitter left them empty.
func Stamp(evt Event) Event {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	return evt
}
