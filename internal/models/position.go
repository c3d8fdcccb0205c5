package models

import "gorm.io/gorm"

// Position is an agent's tracked holding of one asset.
// A row exists only while Quantity is positive.
type Position struct {
	gorm.Model
	AgentID     string  `gorm:"uniqueIndex:idx_agent_mint;not null" json:"agent_id"`
	MintAddress string  `gorm:"uniqueIndex:idx_agent_mint;not null" json:"mint_address"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `gorm:"not null" json:"quantity"`
	AverageCost float64 `json:"average_cost"`
}
