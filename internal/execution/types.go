package execution

import (
	"context"
	"time"

	"moltapp-trader/internal/tradeerr"
)

// Action is what an agent decided to do.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Mode selects how trades are filled.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// TradeDecision is an agent's instruction. For a buy, Quantity is the USDC
// amount to spend; for a sell it is the number of asset tokens to sell.
type TradeDecision struct {
	Action     Action    `json:"action"`
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExecutionRequest is a decision bound to the agent that made it.
type ExecutionRequest struct {
	AgentID    string        `json:"agent_id"`
	Decision   TradeDecision `json:"decision"`
	RoundID    string        `json:"round_id,omitempty"`
	DecisionID string        `json:"decision_id,omitempty"`
}

// TradeResult describes a filled trade.
type TradeResult struct {
	TradeID       uint    `json:"trade_id"`
	TxSignature   string  `json:"tx_signature"`
	Side          Action  `json:"side"`
	Symbol        string  `json:"symbol"`
	MintAddress   string  `json:"mint_address"`
	StockQuantity float64 `json:"stock_quantity"`
	USDCAmount    float64 `json:"usdc_amount"`
	PricePerToken float64 `json:"price_per_token"`
	Mode          Mode    `json:"mode"`
	Simulated     bool    `json:"simulated"`
}

// ExecutionResult is the outcome of one decision. Exactly one is produced per
// decision, success or not.
type ExecutionResult struct {
	AgentID     string        `json:"agent_id"`
	DecisionID  string        `json:"decision_id"`
	Action      Action        `json:"action"`
	Success     bool          `json:"success"`
	Mode        Mode          `json:"mode"`
	TradeResult *TradeResult  `json:"trade_result,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorCode   tradeerr.Code `json:"error_code,omitempty"`
	RecoveryID  string        `json:"recovery_id,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
}

// Executor fills a buy or sell decision. Failures are *tradeerr.Error values.
type Executor interface {
	Mode() Mode
	Execute(ctx context.Context, req ExecutionRequest) (*TradeResult, error)
}

func validateQuantity(q float64) error {
	// NaN fails every comparison
	if !(q > 0) || q > 1e15 {
		return tradeerr.New(tradeerr.CodeInvalidAmount, "quantity must be a positive finite number, got %v", q)
	}
	return nil
}
