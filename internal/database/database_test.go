package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltapp-trader/internal/config"
	"moltapp-trader/internal/models"
)

func TestNewDatabase_MigratesWithoutDroppingRows(t *testing.T) {
	db, err := NewDatabase(&config.Database{DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)

	for _, m := range []interface{}{&models.Trade{}, &models.Position{}, &models.AgentDecision{}, &models.ReconciliationStat{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}

	require.NoError(t, db.Create(&models.Position{AgentID: "agent-1", MintAddress: "mint-a", Symbol: "AAPLx", Quantity: 1}).Error)
	require.NoError(t, AutoMigrate(db))

	var count int64
	require.NoError(t, db.Model(&models.Position{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewInMemory_IsPrivate(t *testing.T) {
	a, err := NewInMemory()
	require.NoError(t, err)
	b, err := NewInMemory()
	require.NoError(t, err)

	require.NoError(t, a.Create(&models.Trade{AgentID: "agent-1", TxSignature: "sig-1"}).Error)

	var count int64
	require.NoError(t, b.Model(&models.Trade{}).Count(&count).Error)
	assert.Zero(t, count)
}
