package tradeerr

var retryableCodes = map[Code]struct{}{
	CodeRPCTimeout:           {},
	CodeRPCError:             {},
	CodeNetworkError:         {},
	CodeRateLimited:          {},
	CodeJupiterOrderFailed:   {},
	CodeJupiterExecuteFailed: {},
	CodeTransactionTimeout:   {},
	CodeUnknown:              {},
}

var nonRetryableCodes = map[Code]struct{}{
	CodeInsufficientUSDC:         {},
	CodeInsufficientSOL:          {},
	CodeInsufficientAssetBalance: {},
	CodeInvalidAmount:            {},
	CodeUnknownAsset:             {},
	CodeUnknownWallet:            {},
}

// IsRetryable reports whether a failure with the given code may succeed on retry.
// Codes in neither set are treated as transient.
func IsRetryable(code Code) bool {
	if _, ok := nonRetryableCodes[code]; ok {
		return false
	}
	if _, ok := retryableCodes[code]; ok {
		return true
	}
	return true
}

// IsAmbiguous reports whether err describes a submitted transaction whose
// outcome is unknown. Such trades must be verified before any resubmission.
func IsAmbiguous(err error) bool {
	return CodeOf(err) == CodeTransactionTimeout && SignatureOf(err) != ""
}
