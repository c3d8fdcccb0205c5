package tradeerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code is a stable, machine-readable failure identifier.
type Code string

const (
	CodeUnknownAsset             Code = "UNKNOWN_ASSET"
	CodeUnknownWallet            Code = "UNKNOWN_WALLET"
	CodeInsufficientUSDC         Code = "INSUFFICIENT_USDC_BALANCE"
	CodeInsufficientSOL          Code = "INSUFFICIENT_SOL_FOR_FEES"
	CodeInsufficientAssetBalance Code = "INSUFFICIENT_ASSET_BALANCE"
	CodeInvalidAmount            Code = "INVALID_AMOUNT"
	CodeJupiterOrderFailed       Code = "JUPITER_ORDER_FAILED"
	CodeJupiterExecuteFailed     Code = "JUPITER_EXECUTE_FAILED"
	CodeRPCTimeout               Code = "RPC_TIMEOUT"
	CodeRPCError                 Code = "RPC_ERROR"
	CodeNetworkError             Code = "NETWORK_ERROR"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeTransactionTimeout       Code = "TRANSACTION_TIMEOUT"
	CodeUnknown                  Code = "UNKNOWN_ERROR"
)

// Error is a classified execution failure.
type Error struct {
	Code    Code
	Message string
	// TxSignature is set when the failure happened after a transaction was submitted.
	TxSignature string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithSignature attaches the signature of the submitted transaction.
func (e *Error) WithSignature(sig string) *Error {
	e.TxSignature = sig
	return e
}

// CodeOf extracts the failure code from err. Unclassified context deadlines map
// to RPC_TIMEOUT and network errors to NETWORK_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeRPCTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CodeRPCTimeout
		}
		return CodeNetworkError
	}
	return CodeUnknown
}

// SignatureOf returns the transaction signature attached to err, if any.
func SignatureOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.TxSignature
	}
	return ""
}
