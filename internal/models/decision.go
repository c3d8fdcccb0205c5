package models

import "gorm.io/gorm"

const (
	DecisionPending  = "pending"
	DecisionExecuted = "executed"
	DecisionHeld     = "held"
	DecisionFailed   = "failed"
)

// AgentDecision records a decision submitted for execution and its outcome.
type AgentDecision struct {
	gorm.Model
	DecisionID  string  `gorm:"uniqueIndex;not null" json:"decision_id"`
	AgentID     string  `gorm:"index;not null" json:"agent_id"`
	RoundID     string  `gorm:"index" json:"round_id,omitempty"`
	Action      string  `json:"action"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	Status      string  `gorm:"default:pending" json:"status"`
	ErrorCode   string  `json:"error_code,omitempty"`
	RecoveryID  string  `json:"recovery_id,omitempty"`
	TxSignature string  `json:"tx_signature,omitempty"`
}
