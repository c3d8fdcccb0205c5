package execution

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/database"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/pricing"
	"moltapp-trader/internal/tradeerr"
)

type fixedOracle map[string]float64

func (o fixedOracle) Price(_ context.Context, symbol string) (pricing.Quote, error) {
	p, ok := o[symbol]
	if !ok {
		return pricing.Quote{}, tradeerr.New(tradeerr.CodeUnknownAsset, "unknown asset %q", symbol)
	}
	return pricing.Quote{Symbol: symbol, Price: p, Source: pricing.SourceLive}, nil
}

func setupPaper(t *testing.T, prices fixedOracle) (*PaperExecutor, *portfolio.GormStore) {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	store := portfolio.NewGormStore(db, zap.NewNop())
	return NewPaperExecutor(catalog.Default(), prices, store, zap.NewNop()), store
}

func paperRequest(action Action, qty float64) ExecutionRequest {
	return ExecutionRequest{
		AgentID:  "agent-1",
		RoundID:  "round-1",
		Decision: TradeDecision{Action: action, Symbol: "AAPLx", Quantity: qty},
	}
}

func TestPaperExecutor_BuyThenSellClamped(t *testing.T) {
	exec, store := setupPaper(t, fixedOracle{"AAPLx": 200})
	ctx := context.Background()
	mint := catalog.Default().Assets()[0].Mint

	buy, err := exec.Execute(ctx, paperRequest(ActionBuy, 50))
	require.NoError(t, err)
	assert.True(t, buy.Simulated)
	assert.Equal(t, ModePaper, buy.Mode)
	assert.True(t, strings.HasPrefix(buy.TxSignature, "paper_"))
	assert.InDelta(t, 0.25, buy.StockQuantity, 1e-12)
	assert.InDelta(t, 50, buy.USDCAmount, 1e-12)

	sell, err := exec.Execute(ctx, paperRequest(ActionSell, 10))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, sell.StockQuantity, 1e-12, "sell is clamped to the tracked quantity")
	assert.InDelta(t, 50, sell.USDCAmount, 1e-12)

	pos, err := store.Position(ctx, "agent-1", mint)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestPaperExecutor_Failures(t *testing.T) {
	exec, _ := setupPaper(t, fixedOracle{"AAPLx": 200})
	ctx := context.Background()

	_, err := exec.Execute(ctx, paperRequest(ActionSell, 1))
	assert.Equal(t, tradeerr.CodeInsufficientAssetBalance, tradeerr.CodeOf(err))

	_, err = exec.Execute(ctx, paperRequest(ActionBuy, -3))
	assert.Equal(t, tradeerr.CodeInvalidAmount, tradeerr.CodeOf(err))

	req := paperRequest(ActionBuy, 10)
	req.Decision.Symbol = "DOGEx"
	_, err = exec.Execute(ctx, req)
	assert.Equal(t, tradeerr.CodeUnknownAsset, tradeerr.CodeOf(err))
}

func TestPaperExecutor_UsesOracleFallback(t *testing.T) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	cat := catalog.Default()
	oracle := pricing.NewOracle(nil, cat, 0, 0, zap.NewNop())
	exec := NewPaperExecutor(cat, oracle, portfolio.NewGormStore(db, zap.NewNop()), zap.NewNop())

	res, err := exec.Execute(context.Background(), paperRequest(ActionBuy, 100))

	require.NoError(t, err)
	assert.Equal(t, pricing.MockPrice("AAPLx"), res.PricePerToken)
}
