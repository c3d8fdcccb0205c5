package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"moltapp-trader/internal/config"
	"moltapp-trader/internal/tradeerr"
)

// setupTestServer creates a new test server and an RPCClient configured to use it.
func setupTestServer(handler http.Handler) (*RPCClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	rc := &RPCClient{
		client:     resty.New().SetBaseURL(server.URL),
		logger:     zap.NewNop(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: 3,
		retryBase:  time.Millisecond,
	}
	return rc, server
}

func rpcHandler(t *testing.T, method string, result string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, method, req.Method)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}
}

func TestGetBalance(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		rc, server := setupTestServer(rpcHandler(t, "getBalance", `{"context":{"slot":1},"value":2500000000}`))
		defer server.Close()

		lamports, err := rc.GetBalance(context.Background(), "wallet-1")

		require.NoError(t, err)
		assert.Equal(t, uint64(2_500_000_000), lamports)
	})

	t.Run("RPCErrorObject", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param"}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetBalance(context.Background(), "bad")

		require.Error(t, err)
		assert.Equal(t, tradeerr.CodeRPCError, tradeerr.CodeOf(err))
		assert.Contains(t, err.Error(), "Invalid param")
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":7}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		lamports, err := rc.GetBalance(context.Background(), "wallet-1")

		require.NoError(t, err)
		assert.Equal(t, uint64(7), lamports)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("RateLimitedAfterRetries", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetBalance(context.Background(), "wallet-1")

		require.Error(t, err)
		assert.Equal(t, tradeerr.CodeRateLimited, tradeerr.CodeOf(err))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("ClientErrorNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.GetBalance(context.Background(), "wallet-1")

		require.Error(t, err)
		assert.Equal(t, tradeerr.CodeRPCError, tradeerr.CodeOf(err))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestGetTokenAccountsByOwner(t *testing.T) {
	result := `{"value":[{"pubkey":"ata-1","account":{"data":{"parsed":{"info":{
		"mint":"mint-a","owner":"wallet-1","tokenAmount":{"amount":"150000000","decimals":8}}}}}}]}`
	rc, server := setupTestServer(rpcHandler(t, "getTokenAccountsByOwner", result))
	defer server.Close()

	accounts, err := rc.GetTokenAccountsByOwner(context.Background(), "wallet-1", TokenProgramID)

	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, TokenAccount{
		Address:  "ata-1",
		Mint:     "mint-a",
		Owner:    "wallet-1",
		Amount:   "150000000",
		Decimals: 8,
	}, accounts[0])
}

func TestGetSignatureStatuses(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result := `{"value":[{"slot":10,"confirmations":null,"err":null,"confirmationStatus":"finalized"},null]}`
		rc, server := setupTestServer(rpcHandler(t, "getSignatureStatuses", result))
		defer server.Close()

		statuses, err := rc.GetSignatureStatuses(context.Background(), []string{"sig-1", "sig-2"})

		require.NoError(t, err)
		require.Len(t, statuses, 2)
		assert.Equal(t, "finalized", statuses[0].ConfirmationStatus)
		assert.Nil(t, statuses[1])
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		rc, server := setupTestServer(rpcHandler(t, "getSignatureStatuses", `{"value":[]}`))
		defer server.Close()

		_, err := rc.GetSignatureStatuses(context.Background(), []string{"sig-1"})
		assert.Equal(t, tradeerr.CodeRPCError, tradeerr.CodeOf(err))
	})
}

func TestNewRPCClient(t *testing.T) {
	rc := NewRPCClient(&config.Solana{RPCURL: "http://localhost:8899"}, zap.NewNop())

	assert.NotNil(t, rc)
	assert.Equal(t, defaultMaxRetries, rc.maxRetries)
	assert.Equal(t, rate.Inf, rc.limiter.Limit())
}
