package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/jupiter"
	"moltapp-trader/internal/models"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/reconcile"
	"moltapp-trader/internal/solana"
	"moltapp-trader/internal/tradeerr"
)

// SwapProvider quotes and lands swaps.
type SwapProvider interface {
	GetOrder(ctx context.Context, req jupiter.OrderRequest) (*jupiter.OrderResponse, error)
	Execute(ctx context.Context, signedTx, requestID string) (*jupiter.ExecuteResponse, error)
}

// BalanceReader reads a wallet's on-chain balances.
type BalanceReader interface {
	WalletBalances(ctx context.Context, address string) (*solana.WalletBalances, error)
}

// SignatureConfirmer waits until a submitted transaction is confirmed.
type SignatureConfirmer interface {
	Confirm(ctx context.Context, sig string) error
}

// PositionVerifier checks a wallet's on-chain holding of one asset.
type PositionVerifier interface {
	VerifyPosition(ctx context.Context, wallet, asset string, expected float64) (*reconcile.PositionVerification, error)
}

// LiveExecutor swaps on chain through the swap provider.
type LiveExecutor struct {
	catalog            *catalog.Catalog
	wallets            WalletResolver
	balances           BalanceReader
	swap               SwapProvider
	confirmer          SignatureConfirmer
	store              portfolio.Store
	feeReserveLamports uint64
	verifier           PositionVerifier
	logger             *zap.Logger
	now                func() time.Time
}

// LiveOption configures a LiveExecutor.
type LiveOption func(*LiveExecutor)

// WithLandingCheck verifies the wallet's asset balance after every confirmed swap.
func WithLandingCheck(v PositionVerifier) LiveOption {
	return func(e *LiveExecutor) { e.verifier = v }
}

// ensure LiveExecutor implements the interface
var _ Executor = (*LiveExecutor)(nil)

// NewLiveExecutor creates an executor that trades real funds.
func NewLiveExecutor(
	cat *catalog.Catalog,
	wallets WalletResolver,
	balances BalanceReader,
	swap SwapProvider,
	confirmer SignatureConfirmer,
	store portfolio.Store,
	feeReserveLamports uint64,
	logger *zap.Logger,
	opts ...LiveOption,
) *LiveExecutor {
	e := &LiveExecutor{
		catalog:            cat,
		wallets:            wallets,
		balances:           balances,
		swap:               swap,
		confirmer:          confirmer,
		store:              store,
		feeReserveLamports: feeReserveLamports,
		logger:             logger.Named("live"),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *LiveExecutor) Mode() Mode { return ModeLive }

// Execute runs validate, balance check, order, sign, execute, confirm and
// persist. Every failure is classified; failures after submission carry the
// transaction signature.
func (e *LiveExecutor) Execute(ctx context.Context, req ExecutionRequest) (*TradeResult, error) {
	d := req.Decision
	asset, ok := e.catalog.BySymbol(d.Symbol)
	if !ok {
		return nil, tradeerr.New(tradeerr.CodeUnknownAsset, "unknown asset %q", d.Symbol)
	}
	if err := validateQuantity(d.Quantity); err != nil {
		return nil, err
	}
	signer, err := e.wallets.Resolve(req.AgentID)
	if err != nil {
		if tradeerr.CodeOf(err) == tradeerr.CodeUnknown {
			return nil, tradeerr.Wrap(tradeerr.CodeUnknownWallet, err, "resolve wallet for %s", req.AgentID)
		}
		return nil, err
	}
	wallet := signer.Address()

	l := e.logger.With(
		zap.String("agent_id", req.AgentID),
		zap.String("wallet", wallet),
		zap.String("side", string(d.Action)),
		zap.String("symbol", asset.Symbol),
		zap.Float64("quantity", d.Quantity),
	)

	bal, err := e.balances.WalletBalances(ctx, wallet)
	if err != nil {
		return nil, classifyAs(err, tradeerr.CodeRPCError, "read balances of %s", wallet)
	}
	if bal.NativeLamports < e.feeReserveLamports {
		return nil, tradeerr.New(tradeerr.CodeInsufficientSOL, "wallet holds %s, needs %s for fees",
			solana.FormatLamports(bal.NativeLamports), solana.FormatLamports(e.feeReserveLamports))
	}

	qty := decimal.NewFromFloat(d.Quantity)
	var inputMint, outputMint string
	var inputDecimals int32
	switch d.Action {
	case ActionBuy:
		usdc := bal.Token(catalog.USDCMint).Amount
		if usdc.LessThan(qty) {
			return nil, tradeerr.New(tradeerr.CodeInsufficientUSDC, "wallet holds %s USDC, order needs %s", usdc, qty)
		}
		inputMint, outputMint, inputDecimals = catalog.USDCMint, asset.Mint, catalog.USDCDecimals
	case ActionSell:
		held := bal.Token(asset.Mint).Amount
		if held.LessThan(qty) {
			return nil, tradeerr.New(tradeerr.CodeInsufficientAssetBalance, "wallet holds %s %s, order sells %s", held, asset.Symbol, qty)
		}
		inputMint, outputMint, inputDecimals = asset.Mint, catalog.USDCMint, int32(asset.Decimals)
	default:
		return nil, tradeerr.New(tradeerr.CodeInvalidAmount, "unsupported action %q", d.Action)
	}

	rawAmount := qty.Shift(inputDecimals).Floor()
	if !rawAmount.IsPositive() {
		return nil, tradeerr.New(tradeerr.CodeInvalidAmount, "quantity %s rounds to zero base units", qty)
	}

	l.Info("Requesting swap order")
	order, err := e.swap.GetOrder(ctx, jupiter.OrderRequest{
		InputMint:  inputMint,
		OutputMint: outputMint,
		Amount:     rawAmount.String(),
		Taker:      wallet,
	})
	if err != nil {
		return nil, classifyAs(err, tradeerr.CodeJupiterOrderFailed, "order %s %s", d.Action, asset.Symbol)
	}

	signed, txID, err := signer.SignTransaction(order.Transaction)
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.CodeJupiterOrderFailed, err, "sign order %s", order.RequestID)
	}
	l = l.With(zap.String("tx_signature", txID))

	exec, err := e.swap.Execute(ctx, signed, order.RequestID)
	if err != nil {
		return nil, classifyExecuteError(err, txID)
	}
	sig := exec.Signature
	if sig == "" {
		sig = txID
	}

	if e.confirmer != nil {
		if err := e.confirmer.Confirm(ctx, sig); err != nil {
			l.Error("Swap not confirmed", zap.Error(err))
			return nil, classifyAs(err, tradeerr.CodeTransactionTimeout, "confirm %s", sig).WithSignature(sig)
		}
	}

	inRaw := firstAmount(exec.InputAmountResult, order.InAmount)
	outRaw := firstAmount(exec.OutputAmountResult, order.OutAmount)
	var stockQty, usdcAmount decimal.Decimal
	if d.Action == ActionBuy {
		usdcAmount = inRaw.Shift(-catalog.USDCDecimals)
		stockQty = outRaw.Shift(-int32(asset.Decimals))
	} else {
		stockQty = inRaw.Shift(-int32(asset.Decimals))
		usdcAmount = outRaw.Shift(-catalog.USDCDecimals)
	}
	var price decimal.Decimal
	if stockQty.IsPositive() {
		price = usdcAmount.Div(stockQty)
	}

	result := &TradeResult{
		TxSignature:   sig,
		Side:          d.Action,
		Symbol:        asset.Symbol,
		MintAddress:   asset.Mint,
		StockQuantity: stockQty.InexactFloat64(),
		USDCAmount:    usdcAmount.InexactFloat64(),
		PricePerToken: price.InexactFloat64(),
		Mode:          ModeLive,
	}

	trade, err := e.store.RecordTrade(ctx, portfolio.TradeRecord{
		AgentID:       req.AgentID,
		RoundID:       req.RoundID,
		DecisionID:    req.DecisionID,
		Symbol:        asset.Symbol,
		MintAddress:   asset.Mint,
		Side:          sideOf(d.Action),
		Price:         result.PricePerToken,
		Quantity:      result.StockQuantity,
		QuoteQuantity: result.USDCAmount,
		TxSignature:   sig,
		Mode:          string(ModeLive),
		ExecutedAt:    e.now(),
	})
	if err != nil {
		// The swap landed. Reporting failure here would schedule a duplicate
		// swap; the reconciler surfaces the missing row as EXCESS instead.
		l.Error("Swap confirmed but trade was not recorded", zap.Error(err))
	} else {
		result.TradeID = trade.ID
	}

	l.Info("Swap confirmed",
		zap.Float64("stock_quantity", result.StockQuantity),
		zap.Float64("usdc_amount", result.USDCAmount),
	)

	if e.verifier != nil {
		expected := bal.Token(asset.Mint).Amount
		if d.Action == ActionBuy {
			expected = expected.Add(stockQty)
		} else {
			expected = expected.Sub(stockQty)
		}
		e.checkLanding(ctx, l, wallet, asset.Mint, expected.InexactFloat64())
	}
	return result, nil
}

// checkLanding compares the post-swap balance with the pre-swap balance plus
// the fill. A mismatch is reported but never fails a confirmed trade.
func (e *LiveExecutor) checkLanding(ctx context.Context, l *zap.Logger, wallet, mint string, expected float64) {
	v, err := e.verifier.VerifyPosition(ctx, wallet, mint, expected)
	if err != nil {
		l.Warn("Could not verify swap landing", zap.Error(err))
		return
	}
	if !v.Verified {
		l.Warn("On-chain balance differs after swap",
			zap.Float64("expected", v.Expected),
			zap.Float64("actual", v.Actual),
			zap.Float64("difference", v.Difference),
		)
	}
}

// classifyExecuteError treats every execute failure as ambiguous unless the
// provider answered with a definitive failed status. Once the signed
// transaction has been handed over it may land even when the response is a
// transport error, a 5xx or an exhausted retry.
func classifyExecuteError(err error, txID string) error {
	if errors.Is(err, jupiter.ErrExecuteFailed) {
		te := classifyAs(err, tradeerr.CodeJupiterExecuteFailed, "execute")
		if te.TxSignature == "" {
			te.TxSignature = txID
		}
		return te
	}
	sig := tradeerr.SignatureOf(err)
	if sig == "" {
		sig = txID
	}
	return tradeerr.Wrap(tradeerr.CodeTransactionTimeout, err, "execute outcome unknown").WithSignature(sig)
}

// classifyAs returns err as a *tradeerr.Error, assigning code when err carries no classification.
func classifyAs(err error, code tradeerr.Code, format string, args ...any) *tradeerr.Error {
	var te *tradeerr.Error
	if errors.As(err, &te) {
		return te
	}
	if c := tradeerr.CodeOf(err); c != tradeerr.CodeUnknown {
		code = c
	}
	return tradeerr.Wrap(code, err, format, args...)
}

func firstAmount(values ...string) decimal.Decimal {
	for _, v := range values {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.Zero
}

func sideOf(a Action) string {
	if a == ActionSell {
		return models.SideSell
	}
	return models.SideBuy
}
