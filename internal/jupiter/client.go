package jupiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"moltapp-trader/internal/config"
	"moltapp-trader/internal/tradeerr"
)

const (
	defaultBaseURL    = "https://api.jup.ag"
	defaultMaxRetries = 3

	orderPath   = "/ultra/v1/order"
	executePath = "/ultra/v1/execute"
	pricePath   = "/price/v3"

	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// ClientInterface defines the interface for the Jupiter swap API client.
type ClientInterface interface {
	GetOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	Execute(ctx context.Context, signedTx, requestID string) (*ExecuteResponse, error)
	GetPrices(ctx context.Context, mints []string) (map[string]float64, error)
}

// Client is a client for the Jupiter Ultra swap and price APIs.
// It implements the ClientInterface.
type Client struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Jupiter API client.
func NewClient(cfg *config.Jupiter, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}
	if cfg.APIKey != "" {
		client.SetHeader("x-api-key", cfg.APIKey)
	} else {
		logger.Warn("No Jupiter API key configured, using the keyless tier")
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateLimitBurst, 1))
	}

	return &Client{
		client:     client,
		logger:     logger.Named("jupiter"),
		limiter:    limiter,
		maxRetries: maxRetries,
		retryBase:  time.Second,
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Failures are classified: throttling as RATE_LIMITED, transport failures by
// their cause and everything else as failCode.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request, failCode tradeerr.Code) (*resty.Response, error) {
	var lastErr *tradeerr.Error
	req.SetContext(ctx)

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, tradeerr.Wrap(failCode, err, "rate limiter wait failed")
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err := req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		var retryAfter time.Duration
		switch {
		case err != nil:
			code := tradeerr.CodeOf(err)
			if code == tradeerr.CodeUnknown {
				code = tradeerr.CodeNetworkError
			}
			lastErr = tradeerr.Wrap(code, err, "%s %s", method, url)
			if ctx.Err() != nil {
				return nil, lastErr
			}
		case resp.StatusCode() == http.StatusTooManyRequests:
			lastErr = tradeerr.New(tradeerr.CodeRateLimited, "%s %s: rate limited (429)", method, url)
			if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		case resp.StatusCode() >= 500:
			lastErr = tradeerr.New(failCode, "%s %s: server error %s: %s", method, url, resp.Status(), apiErrorMessage(resp))
		default:
			return nil, tradeerr.New(failCode, "request failed with status %s: %s", resp.Status(), apiErrorMessage(resp))
		}

		if i == c.maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.retryBase
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, tradeerr.Wrap(failCode, ctx.Err(), "%s %s", method, url)
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

type apiError struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

func apiErrorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e != nil {
		if e.ErrorMessage != "" {
			return e.ErrorMessage
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(resp.String())
}

// OrderRequest asks for a swap of Amount base units of InputMint into OutputMint.
type OrderRequest struct {
	InputMint  string
	OutputMint string
	Amount     string // raw base units
	Taker      string
}

// OrderResponse is an unsigned swap transaction and its quote.
type OrderResponse struct {
	RequestID      string `json:"requestId"`
	Transaction    string `json:"transaction"` // base64, nil when the taker cannot fill
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	SlippageBps    int    `json:"slippageBps"`
	PriceImpactPct string `json:"priceImpactPct"`
	Router         string `json:"router"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// GetOrder requests a quote plus an unsigned transaction for the taker.
func (c *Client) GetOrder(ctx context.Context, or OrderRequest) (*OrderResponse, error) {
	req := c.client.R().
		SetQueryParams(map[string]string{
			"inputMint":  or.InputMint,
			"outputMint": or.OutputMint,
			"amount":     or.Amount,
			"taker":      or.Taker,
		}).
		SetResult(&OrderResponse{}).
		SetError(&apiError{})

	resp, err := c.doRequest(ctx, http.MethodGet, orderPath, req, tradeerr.CodeJupiterOrderFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order := resp.Result().(*OrderResponse)
	if order.Transaction == "" {
		msg := order.ErrorMessage
		if msg == "" {
			msg = "no transaction returned"
		}
		return nil, tradeerr.New(tradeerr.CodeJupiterOrderFailed, "order %s: %s", order.RequestID, msg)
	}
	if order.RequestID == "" {
		return nil, tradeerr.New(tradeerr.CodeJupiterOrderFailed, "order response missing requestId")
	}

	c.logger.Debug("Received order",
		zap.String("request_id", order.RequestID),
		zap.String("in_amount", order.InAmount),
		zap.String("out_amount", order.OutAmount),
		zap.String("router", order.Router),
	)
	return order, nil
}

// ExecuteResponse is the outcome of a submitted swap.
type ExecuteResponse struct {
	Status             string `json:"status"`
	Signature          string `json:"signature"`
	Slot               string `json:"slot"`
	Code               int    `json:"code"`
	Error              string `json:"error,omitempty"`
	InputAmountResult  string `json:"inputAmountResult"`
	OutputAmountResult string `json:"outputAmountResult"`
}

type executeRequest struct {
	SignedTransaction string `json:"signedTransaction"`
	RequestID         string `json:"requestId"`
}

// ErrExecuteFailed is wrapped only when Jupiter reports the swap as Failed,
// meaning the transaction did not land.
var ErrExecuteFailed = errors.New("swap execution failed")

// Execute submits a signed order transaction. Jupiter lands it and reports the
// realized amounts. A non-success status carries the signature when one exists.
func (c *Client) Execute(ctx context.Context, signedTx, requestID string) (*ExecuteResponse, error) {
	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(executeRequest{SignedTransaction: signedTx, RequestID: requestID}).
		SetResult(&ExecuteResponse{}).
		SetError(&apiError{})

	resp, err := c.doRequest(ctx, http.MethodPost, executePath, req, tradeerr.CodeJupiterExecuteFailed)
	if err != nil {
		c.logger.Error("Failed to execute swap after multiple attempts",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return nil, fmt.Errorf("failed to execute swap: %w", err)
	}

	result := resp.Result().(*ExecuteResponse)
	switch result.Status {
	case StatusSuccess:
	case StatusFailed:
		return nil, tradeerr.Wrap(tradeerr.CodeJupiterExecuteFailed, ErrExecuteFailed,
			"status %q code %d: %s", result.Status, result.Code, result.Error).WithSignature(result.Signature)
	default:
		return nil, tradeerr.New(tradeerr.CodeJupiterExecuteFailed,
			"unexpected execute status %q code %d: %s", result.Status, result.Code, result.Error).WithSignature(result.Signature)
	}

	c.logger.Info("Swap executed",
		zap.String("request_id", requestID),
		zap.String("signature", result.Signature),
		zap.String("input_amount", result.InputAmountResult),
		zap.String("output_amount", result.OutputAmountResult),
	)
	return result, nil
}

// PriceInfo is a single entry of the price API.
type PriceInfo struct {
	USDPrice       float64 `json:"usdPrice"`
	BlockID        int64   `json:"blockId"`
	Decimals       int     `json:"decimals"`
	PriceChange24h float64 `json:"priceChange24h"`
}

// GetPrices fetches USD prices keyed by mint. Mints without a price are absent.
func (c *Client) GetPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	var prices map[string]*PriceInfo

	req := c.client.R().
		SetQueryParam("ids", strings.Join(mints, ",")).
		SetResult(&prices).
		SetError(&apiError{})

	if _, err := c.doRequest(ctx, http.MethodGet, pricePath, req, tradeerr.CodeRPCError); err != nil {
		return nil, fmt.Errorf("failed to get prices: %w", err)
	}

	priceMap := make(map[string]float64, len(prices))
	for mint, p := range prices {
		if p != nil && p.USDPrice > 0 {
			priceMap[mint] = p.USDPrice
		}
	}
	return priceMap, nil
}
