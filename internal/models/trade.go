package models

import "gorm.io/gorm"

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade represents a completed trade record in the database.
// Live and paper fills share this shape; IsSimulation tells them apart.
type Trade struct {
	gorm.Model
	AgentID       string  `gorm:"index;not null" json:"agent_id"`
	RoundID       string  `gorm:"index" json:"round_id,omitempty"`
	DecisionID    string  `json:"decision_id,omitempty"`
	Symbol        string  `gorm:"index" json:"symbol"`
	MintAddress   string  `json:"mint_address"`
	Side          string  `json:"side"` // "buy" or "sell"
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	QuoteQuantity float64 `json:"quote_quantity"` // USDC
	TxSignature   string  `gorm:"uniqueIndex" json:"tx_signature"`
	Mode          string  `json:"mode"`
	Timestamp     int64   `gorm:"index" json:"timestamp"`
	IsSimulation  bool    `json:"is_simulation"`
	Profit        float64 `json:"profit,omitempty"` // realized on sells
}
