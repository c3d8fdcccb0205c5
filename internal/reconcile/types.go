package reconcile

import "time"

// Discrepancy classifies one local position against the chain.
type Discrepancy string

const (
	Match   Discrepancy = "MATCH"
	Phantom Discrepancy = "PHANTOM"
	Excess  Discrepancy = "EXCESS"
	Deficit Discrepancy = "DEFICIT"
)

// Status is the overall health of one agent's holdings.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// PositionReconciliation compares one asset's tracked and on-chain quantity.
type PositionReconciliation struct {
	AgentID           string      `json:"agent_id"`
	WalletAddress     string      `json:"wallet_address"`
	Symbol            string      `json:"symbol"`
	MintAddress       string      `json:"mint_address"`
	DBQuantity        float64     `json:"db_quantity"`
	ChainQuantity     float64     `json:"chain_quantity"`
	Difference        float64     `json:"difference"`
	DifferencePercent float64     `json:"difference_percent"`
	Discrepancy       Discrepancy `json:"discrepancy"`
	WithinTolerance   bool        `json:"within_tolerance"`
	TokenAccount      string      `json:"token_account,omitempty"`
	VerifiedAt        time.Time   `json:"verified_at"`
}

// Summary counts the classes found in one report.
type Summary struct {
	TotalPositions int    `json:"total_positions"`
	Matched        int    `json:"matched"`
	Phantoms       int    `json:"phantoms"`
	Excesses       int    `json:"excesses"`
	Deficits       int    `json:"deficits"`
	OverallStatus  Status `json:"overall_status"`
}

// Discrepancies is the number of positions that did not match.
func (s Summary) Discrepancies() int {
	return s.Phantoms + s.Excesses + s.Deficits
}

// Report is the result of reconciling one agent. Error is set when balances
// or positions could not be read.
type Report struct {
	AgentID       string                    `json:"agent_id"`
	WalletAddress string                    `json:"wallet_address"`
	Positions     []*PositionReconciliation `json:"positions"`
	NativeBalance float64                   `json:"native_balance"`
	Summary       Summary                   `json:"summary"`
	Error         string                    `json:"error,omitempty"`
	DurationMs    int64                     `json:"duration_ms"`
	ReconciledAt  time.Time                 `json:"reconciled_at"`
}

// PositionVerification is the result of a single-asset check.
type PositionVerification struct {
	WalletAddress string    `json:"wallet_address"`
	Symbol        string    `json:"symbol"`
	MintAddress   string    `json:"mint_address"`
	Expected      float64   `json:"expected"`
	Actual        float64   `json:"actual"`
	Difference    float64   `json:"difference"`
	Verified      bool      `json:"verified"`
	TokenAccount  string    `json:"token_account,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// Stats are running totals since process start.
type Stats struct {
	Reconciliations    int               `json:"reconciliations"`
	PositionsChecked   int               `json:"positions_checked"`
	DiscrepanciesFound int               `json:"discrepancies_found"`
	LastStatus         map[string]Status `json:"last_status"`
	LastReconciledAt   *time.Time        `json:"last_reconciled_at,omitempty"`
}
