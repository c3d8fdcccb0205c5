package models

import (
	"time"

	"gorm.io/gorm"
)

// ReconciliationStat accumulates reconciliation counters for one agent.
// There is one row per agent.
type ReconciliationStat struct {
	gorm.Model
	AgentID          string    `gorm:"uniqueIndex;not null" json:"agent_id"`
	Reconciliations  int       `json:"reconciliations"`
	PositionsChecked int       `json:"positions_checked"`
	Discrepancies    int       `json:"discrepancies"`
	LastStatus       string    `json:"last_status"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
}
