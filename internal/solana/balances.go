package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"moltapp-trader/internal/tradeerr"
)

const LamportsPerSOL = 1_000_000_000

// TokenBalance is the aggregated holding of one mint across a wallet's token accounts.
type TokenBalance struct {
	Mint         string          `json:"mint"`
	Amount       decimal.Decimal `json:"amount"`
	Decimals     int             `json:"decimals"`
	TokenAccount string          `json:"token_account"`
}

// WalletBalances is the on-chain view of one wallet.
type WalletBalances struct {
	Address        string                  `json:"address"`
	NativeLamports uint64                  `json:"native_lamports"`
	Tokens         map[string]TokenBalance `json:"tokens"`
}

// NativeSOL returns the native balance in SOL.
func (w *WalletBalances) NativeSOL() float64 {
	return decimal.NewFromInt(int64(w.NativeLamports)).Shift(-9).InexactFloat64()
}

// Token returns the balance for mint, zero if the wallet holds none.
func (w *WalletBalances) Token(mint string) TokenBalance {
	if tb, ok := w.Tokens[mint]; ok {
		return tb
	}
	return TokenBalance{Mint: mint, Amount: decimal.Zero}
}

// BalanceReader reads wallet balances over RPC.
type BalanceReader struct {
	rpc      RPCClientInterface
	programs []string
}

// NewBalanceReader reads balances held under both the classic and the 2022 token programs.
func NewBalanceReader(rpc RPCClientInterface) *BalanceReader {
	return &BalanceReader{
		rpc:      rpc,
		programs: []string{TokenProgramID, Token2022ProgramID},
	}
}

// WalletBalances fetches the native balance and every token balance of address.
func (r *BalanceReader) WalletBalances(ctx context.Context, address string) (*WalletBalances, error) {
	lamports, err := r.rpc.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}

	wb := &WalletBalances{
		Address:        address,
		NativeLamports: lamports,
		Tokens:         make(map[string]TokenBalance),
	}
	for _, program := range r.programs {
		accounts, err := r.rpc.GetTokenAccountsByOwner(ctx, address, program)
		if err != nil {
			return nil, err
		}
		for _, acc := range accounts {
			raw, err := decimal.NewFromString(acc.Amount)
			if err != nil {
				return nil, tradeerr.Wrap(tradeerr.CodeRPCError, err, "invalid token amount %q for account %s", acc.Amount, acc.Address)
			}
			amount := raw.Shift(-int32(acc.Decimals))

			tb, seen := wb.Tokens[acc.Mint]
			if !seen {
				tb = TokenBalance{Mint: acc.Mint, Amount: decimal.Zero, Decimals: acc.Decimals, TokenAccount: acc.Address}
			}
			tb.Amount = tb.Amount.Add(amount)
			wb.Tokens[acc.Mint] = tb
		}
	}
	return wb, nil
}

// ConfirmSignature polls the cluster until sig reaches confirmed commitment.
// It returns a TRANSACTION_TIMEOUT error carrying sig when the deadline passes
// first, and a JUPITER_EXECUTE_FAILED error when the transaction landed with an error.
func ConfirmSignature(ctx context.Context, rpc RPCClientInterface, sig string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		statuses, err := rpc.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return tradeerr.Wrap(tradeerr.CodeJupiterExecuteFailed, ErrTransactionFailed, "transaction %s: %v", sig, st.Err).WithSignature(sig)
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return tradeerr.Wrap(tradeerr.CodeTransactionTimeout, ctx.Err(), "transaction %s not confirmed within %s", sig, timeout).WithSignature(sig)
		case <-ticker.C:
		}
	}
}

// FormatLamports renders lamports as SOL for log lines.
func FormatLamports(lamports uint64) string {
	return fmt.Sprintf("%s SOL", decimal.NewFromInt(int64(lamports)).Shift(-9).String())
}

// Confirmer waits for submitted signatures with fixed timing.
type Confirmer struct {
	rpc      RPCClientInterface
	timeout  time.Duration
	interval time.Duration
}

// NewConfirmer creates a Confirmer polling rpc every interval for up to timeout.
func NewConfirmer(rpc RPCClientInterface, timeout, interval time.Duration) *Confirmer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Confirmer{rpc: rpc, timeout: timeout, interval: interval}
}

// Confirm blocks until sig is confirmed. See ConfirmSignature.
func (c *Confirmer) Confirm(ctx context.Context, sig string) error {
	return ConfirmSignature(ctx, c.rpc, sig, c.timeout, c.interval)
}
