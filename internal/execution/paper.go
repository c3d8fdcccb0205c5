package execution

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/pricing"
	"moltapp-trader/internal/tradeerr"
)

// PriceOracle supplies reference prices for simulated fills.
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (pricing.Quote, error)
}

// PaperExecutor simulates fills at the oracle price and records them in the
// same tables as live trades.
type PaperExecutor struct {
	catalog *catalog.Catalog
	oracle  PriceOracle
	store   portfolio.Store
	logger  *zap.Logger
	now     func() time.Time
}

// ensure PaperExecutor implements the interface
var _ Executor = (*PaperExecutor)(nil)

// NewPaperExecutor creates a simulated executor.
func NewPaperExecutor(cat *catalog.Catalog, oracle PriceOracle, store portfolio.Store, logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		catalog: cat,
		oracle:  oracle,
		store:   store,
		logger:  logger.Named("paper"),
		now:     time.Now,
	}
}

func (e *PaperExecutor) Mode() Mode { return ModePaper }

// Execute fills the decision at the reference price. Sells are clamped to the
// tracked quantity; selling with nothing tracked fails.
func (e *PaperExecutor) Execute(ctx context.Context, req ExecutionRequest) (*TradeResult, error) {
	d := req.Decision
	asset, ok := e.catalog.BySymbol(d.Symbol)
	if !ok {
		return nil, tradeerr.New(tradeerr.CodeUnknownAsset, "unknown asset %q", d.Symbol)
	}
	if err := validateQuantity(d.Quantity); err != nil {
		return nil, err
	}

	quote, err := e.oracle.Price(ctx, asset.Symbol)
	if err != nil {
		return nil, classifyAs(err, tradeerr.CodeUnknown, "price %s", asset.Symbol)
	}
	if !(quote.Price > 0) {
		return nil, tradeerr.New(tradeerr.CodeUnknown, "no usable price for %s", asset.Symbol)
	}

	var stockQty, usdcAmount float64
	switch d.Action {
	case ActionBuy:
		usdcAmount = d.Quantity
		stockQty = roundTo(usdcAmount/quote.Price, asset.Decimals)
	case ActionSell:
		pos, err := e.store.Position(ctx, req.AgentID, asset.Mint)
		if err != nil {
			return nil, tradeerr.Wrap(tradeerr.CodeUnknown, err, "load position %s", asset.Symbol)
		}
		if pos == nil || pos.Quantity <= 0 {
			return nil, tradeerr.New(tradeerr.CodeInsufficientAssetBalance, "no tracked %s to sell", asset.Symbol)
		}
		stockQty = math.Min(d.Quantity, pos.Quantity)
		usdcAmount = stockQty * quote.Price
	default:
		return nil, tradeerr.New(tradeerr.CodeInvalidAmount, "unsupported action %q", d.Action)
	}
	if stockQty <= 0 {
		return nil, tradeerr.New(tradeerr.CodeInvalidAmount, "quantity %v rounds to zero %s", d.Quantity, asset.Symbol)
	}

	sig := "paper_" + uuid.NewString()
	trade, err := e.store.RecordTrade(ctx, portfolio.TradeRecord{
		AgentID:       req.AgentID,
		RoundID:       req.RoundID,
		DecisionID:    req.DecisionID,
		Symbol:        asset.Symbol,
		MintAddress:   asset.Mint,
		Side:          sideOf(d.Action),
		Price:         quote.Price,
		Quantity:      stockQty,
		QuoteQuantity: usdcAmount,
		TxSignature:   sig,
		Mode:          string(ModePaper),
		IsSimulation:  true,
		ExecutedAt:    e.now(),
	})
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.CodeUnknown, err, "record paper trade")
	}

	e.logger.Info("Paper trade filled",
		zap.String("agent_id", req.AgentID),
		zap.String("side", string(d.Action)),
		zap.String("symbol", asset.Symbol),
		zap.Float64("stock_quantity", stockQty),
		zap.Float64("price", quote.Price),
		zap.String("price_source", string(quote.Source)),
	)

	return &TradeResult{
		TradeID:       trade.ID,
		TxSignature:   sig,
		Side:          d.Action,
		Symbol:        asset.Symbol,
		MintAddress:   asset.Mint,
		StockQuantity: stockQty,
		USDCAmount:    usdcAmount,
		PricePerToken: quote.Price,
		Mode:          ModePaper,
		Simulated:     true,
	}, nil
}

// roundTo floors q to the token's decimal precision.
func roundTo(q float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Floor(q*p) / p
}
