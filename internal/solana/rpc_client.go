package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"moltapp-trader/internal/config"
	"moltapp-trader/internal/tradeerr"
)

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"

	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 3
)

// RPCClientInterface defines the Solana JSON-RPC calls the engine relies on.
type RPCClientInterface interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetTokenAccountsByOwner(ctx context.Context, owner, programID string) ([]TokenAccount, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}

// RPCClient is a JSON-RPC 2.0 client for a Solana node.
// It implements the RPCClientInterface.
type RPCClient struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	requestID  atomic.Uint64
}

// ensure RPCClient implements the interface
var _ RPCClientInterface = (*RPCClient)(nil)

// NewRPCClient creates a new Solana RPC client.
func NewRPCClient(cfg *config.Solana, logger *zap.Logger) *RPCClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	client := resty.New().
		SetBaseURL(cfg.RPCURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateLimitBurst, 1))
	}

	return &RPCClient{
		client:     client,
		logger:     logger.Named("solana-rpc"),
		limiter:    limiter,
		maxRetries: maxRetries,
		retryBase:  time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with rate limiting and retries on throttling,
// server errors and transport failures. Errors are classified.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	var lastErr *tradeerr.Error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return tradeerr.Wrap(tradeerr.CodeRPCTimeout, err, "%s: rate limiter wait failed", method)
		}

		c.logger.Debug("Executing RPC call", zap.String("method", method), zap.Int("attempt", i+1))
		var rpcResp rpcResponse
		resp, err := c.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&rpcResp).
			Post("")

		var retryAfter time.Duration
		switch {
		case err != nil:
			code := tradeerr.CodeOf(err)
			if code == tradeerr.CodeUnknown {
				code = tradeerr.CodeNetworkError
			}
			lastErr = tradeerr.Wrap(code, err, "%s", method)
			if ctx.Err() != nil {
				return lastErr
			}
		case resp.StatusCode() == http.StatusTooManyRequests:
			lastErr = tradeerr.New(tradeerr.CodeRateLimited, "%s: rate limited (429)", method)
			if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		case resp.StatusCode() >= 500:
			lastErr = tradeerr.New(tradeerr.CodeRPCError, "%s: server error %s", method, resp.Status())
		case resp.IsError():
			return tradeerr.New(tradeerr.CodeRPCError, "%s: request failed with status %s: %s", method, resp.Status(), resp.String())
		case rpcResp.Error != nil:
			return tradeerr.Wrap(tradeerr.CodeRPCError, rpcResp.Error, "%s", method)
		default:
			if result != nil && len(rpcResp.Result) > 0 {
				if err := json.Unmarshal(rpcResp.Result, result); err != nil {
					return tradeerr.Wrap(tradeerr.CodeRPCError, err, "%s: unmarshal result", method)
				}
			}
			return nil
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.retryBase
		}
		c.logger.Warn("RPC call failed, retrying...",
			zap.String("method", method),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return tradeerr.Wrap(tradeerr.CodeRPCTimeout, ctx.Err(), "%s", method)
		}
	}

	return lastErr
}

type valueResult[T any] struct {
	Value T `json:"value"`
}

// GetBalance returns the native balance in lamports.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res valueResult[uint64]
	params := []interface{}{address, map[string]string{"commitment": "confirmed"}}
	if err := c.call(ctx, "getBalance", params, &res); err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", address, err)
	}
	return res.Value, nil
}

// TokenAccount is a parsed SPL token account.
type TokenAccount struct {
	Address  string
	Mint     string
	Owner    string
	Amount   string // raw base units
	Decimals int
}

type parsedTokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Info struct {
					Mint        string `json:"mint"`
					Owner       string `json:"owner"`
					TokenAmount struct {
						Amount   string `json:"amount"`
						Decimals int    `json:"decimals"`
					} `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// GetTokenAccountsByOwner lists the owner's token accounts under one token program.
func (c *RPCClient) GetTokenAccountsByOwner(ctx context.Context, owner, programID string) ([]TokenAccount, error) {
	var res valueResult[[]parsedTokenAccount]
	params := []interface{}{
		owner,
		map[string]string{"programId": programID},
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &res); err != nil {
		return nil, fmt.Errorf("failed to get token accounts for %s: %w", owner, err)
	}

	accounts := make([]TokenAccount, 0, len(res.Value))
	for _, a := range res.Value {
		info := a.Account.Data.Parsed.Info
		accounts = append(accounts, TokenAccount{
			Address:  a.Pubkey,
			Mint:     info.Mint,
			Owner:    info.Owner,
			Amount:   info.TokenAmount.Amount,
			Decimals: info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// GetSignatureStatuses returns one status per signature; unknown signatures are nil.
func (c *RPCClient) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	var res valueResult[[]*SignatureStatus]
	params := []interface{}{signatures, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &res); err != nil {
		return nil, fmt.Errorf("failed to get signature statuses: %w", err)
	}
	if len(res.Value) != len(signatures) {
		return nil, tradeerr.New(tradeerr.CodeRPCError, "getSignatureStatuses returned %d statuses for %d signatures", len(res.Value), len(signatures))
	}
	return res.Value, nil
}

// ErrTransactionFailed is wrapped when a confirmed transaction carries an error.
var ErrTransactionFailed = errors.New("transaction failed on chain")
