package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moltapp-trader/internal/models"
)

// dust below this is treated as a closed position.
const quantityEpsilon = 1e-9

// TradeRecord is a fill to be persisted, live or simulated.
type TradeRecord struct {
	AgentID       string
	RoundID       string
	DecisionID    string
	Symbol        string
	MintAddress   string
	Side          string
	Price         float64
	Quantity      float64
	QuoteQuantity float64
	TxSignature   string
	Mode          string
	IsSimulation  bool
	ExecutedAt    time.Time
}

// Store persists trades, holdings and decision outcomes.
type Store interface {
	RecordTrade(ctx context.Context, rec TradeRecord) (*models.Trade, error)
	Position(ctx context.Context, agentID, mint string) (*models.Position, error)
	Positions(ctx context.Context, agentID string) ([]models.Position, error)
	SaveDecision(ctx context.Context, d *models.AgentDecision) error
	UpdateDecision(ctx context.Context, decisionID string, update DecisionUpdate) error
}

// DecisionUpdate is the outcome written back onto a stored decision.
type DecisionUpdate struct {
	Status      string
	ErrorCode   string
	RecoveryID  string
	TxSignature string
}

// GormStore implements Store on gorm.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// ensure GormStore implements the interface
var _ Store = (*GormStore)(nil)

// NewGormStore creates a store over an already migrated database.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.Named("portfolio")}
}

// RecordTrade inserts the trade and applies it to the agent's position in one
// transaction. Buys move the average cost toward the fill price weighted by
// quantity. Sells reduce quantity, book realized profit against the average
// cost and delete the row once nothing is left.
func (s *GormStore) RecordTrade(ctx context.Context, rec TradeRecord) (*models.Trade, error) {
	if rec.Quantity <= 0 {
		return nil, fmt.Errorf("trade quantity must be positive, got %f", rec.Quantity)
	}
	if rec.Side != models.SideBuy && rec.Side != models.SideSell {
		return nil, fmt.Errorf("invalid trade side %q", rec.Side)
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}

	trade := &models.Trade{
		AgentID:       rec.AgentID,
		RoundID:       rec.RoundID,
		DecisionID:    rec.DecisionID,
		Symbol:        rec.Symbol,
		MintAddress:   rec.MintAddress,
		Side:          rec.Side,
		Price:         rec.Price,
		Quantity:      rec.Quantity,
		QuoteQuantity: rec.QuoteQuantity,
		TxSignature:   rec.TxSignature,
		Mode:          rec.Mode,
		Timestamp:     rec.ExecutedAt.UnixMilli(),
		IsSimulation:  rec.IsSimulation,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.Position
		err := tx.Where("agent_id = ? AND mint_address = ?", rec.AgentID, rec.MintAddress).
			First(&pos).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("could not load position: %w", err)
		}

		qty := decimal.NewFromFloat(rec.Quantity)
		price := decimal.NewFromFloat(rec.Price)

		switch rec.Side {
		case models.SideBuy:
			if !found {
				pos = models.Position{AgentID: rec.AgentID, MintAddress: rec.MintAddress, Symbol: rec.Symbol}
			}
			held := decimal.NewFromFloat(pos.Quantity)
			newQty := held.Add(qty)
			cost := held.Mul(decimal.NewFromFloat(pos.AverageCost)).Add(qty.Mul(price))
			pos.Quantity = newQty.InexactFloat64()
			pos.AverageCost = cost.Div(newQty).InexactFloat64()
			if err := tx.Save(&pos).Error; err != nil {
				return fmt.Errorf("could not save position: %w", err)
			}

		case models.SideSell:
			if !found {
				s.logger.Warn("Sell recorded without a tracked position",
					zap.String("agent_id", rec.AgentID),
					zap.String("symbol", rec.Symbol),
				)
				break
			}
			held := decimal.NewFromFloat(pos.Quantity)
			sold := decimal.Min(qty, held)
			trade.Profit = price.Sub(decimal.NewFromFloat(pos.AverageCost)).Mul(sold).InexactFloat64()

			remaining := held.Sub(qty)
			if remaining.LessThanOrEqual(decimal.NewFromFloat(quantityEpsilon)) {
				// Unscoped so a later buy can reuse the (agent, mint) unique key.
				if err := tx.Unscoped().Delete(&pos).Error; err != nil {
					return fmt.Errorf("could not delete position: %w", err)
				}
				break
			}
			pos.Quantity = remaining.InexactFloat64()
			if err := tx.Save(&pos).Error; err != nil {
				return fmt.Errorf("could not save position: %w", err)
			}
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("could not insert trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	return trade, nil
}

// Position returns the agent's position in mint, or nil when none is tracked.
func (s *GormStore) Position(ctx context.Context, agentID, mint string) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).Where("agent_id = ? AND mint_address = ?", agentID, mint).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not get position: %w", err)
	}
	return &pos, nil
}

// Positions lists the agent's open positions ordered by symbol.
func (s *GormStore) Positions(ctx context.Context, agentID string) ([]models.Position, error) {
	var positions []models.Position
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("symbol").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("could not list positions for %s: %w", agentID, err)
	}
	return positions, nil
}

// SaveDecision stores a submitted decision; resubmitting the same DecisionID is a no-op.
func (s *GormStore) SaveDecision(ctx context.Context, d *models.AgentDecision) error {
	if d.Status == "" {
		d.Status = models.DecisionPending
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "decision_id"}}, DoNothing: true}).
		Create(d).Error
	if err != nil {
		return fmt.Errorf("could not save decision %s: %w", d.DecisionID, err)
	}
	return nil
}

// UpdateDecision writes an execution outcome onto a stored decision.
func (s *GormStore) UpdateDecision(ctx context.Context, decisionID string, u DecisionUpdate) error {
	res := s.db.WithContext(ctx).Model(&models.AgentDecision{}).
		Where("decision_id = ?", decisionID).
		Updates(map[string]interface{}{
			"status":       u.Status,
			"error_code":   u.ErrorCode,
			"recovery_id":  u.RecoveryID,
			"tx_signature": u.TxSignature,
		})
	if res.Error != nil {
		return fmt.Errorf("could not update decision %s: %w", decisionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("decision %s not found", decisionID)
	}
	return nil
}

// RecordReconciliation adds one reconciliation run to the agent's counters.
func (s *GormStore) RecordReconciliation(ctx context.Context, agentID string, checked, discrepancies int, status string, at time.Time) error {
	row := models.ReconciliationStat{
		AgentID:          agentID,
		Reconciliations:  1,
		PositionsChecked: checked,
		Discrepancies:    discrepancies,
		LastStatus:       status,
		LastReconciledAt: at,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reconciliations":    gorm.Expr("reconciliations + 1"),
			"positions_checked":  gorm.Expr("positions_checked + ?", checked),
			"discrepancies":      gorm.Expr("discrepancies + ?", discrepancies),
			"last_status":        status,
			"last_reconciled_at": at,
			"updated_at":         time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("could not record reconciliation for %s: %w", agentID, err)
	}
	return nil
}

// ReconciliationStats lists the per-agent reconciliation counters.
func (s *GormStore) ReconciliationStats(ctx context.Context) ([]models.ReconciliationStat, error) {
	var stats []models.ReconciliationStat
	if err := s.db.WithContext(ctx).Order("agent_id").Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("could not list reconciliation stats: %w", err)
	}
	return stats, nil
}
