package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bobby-ai-dev/manna-protocol/core/state"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

// Codes for failures raised by the HTTP layer rather than the engine.
const (
	codeInvalidRequest      = "InvalidRequest"
	codeUnauthenticated     = "Unauthenticated"
	codeRateLimited         = "RateLimited"
	codeInsufficientBalance = "InsufficientBalance"
	codeNotFound            = "NotFound"
	codeInternal            = "Internal"
	codeCanceled            = "RequestCanceled"
	codeTimeout             = "RequestTimeout"
)

// statusClientClosedRequest is returned when the caller went away before the
// operation finished.
const statusClientClosedRequest = 499

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorCode extends cdp.ErrorCode with the token ledger's balance error and
// request cancellation.
func errorCode(err error) string {
	switch {
	case errors.Is(err, state.ErrInsufficientBalance):
		return codeInsufficientBalance
	case errors.Is(err, context.Canceled):
		return codeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return codeTimeout
	}
	return cdp.ErrorCode(err)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "ZeroAmount", "InvalidParameter", "InvalidRedemptionAmount", codeInvalidRequest:
		return http.StatusBadRequest
	case codeUnauthenticated:
		return http.StatusUnauthorized
	case "Unauthorized":
		return http.StatusForbidden
	case "NoDeposit", codeNotFound:
		return http.StatusNotFound
	case "VaultAlreadyExists", "VaultHasDebt", "VaultNotActive", "AlreadyInitialized":
		return http.StatusConflict
	case "ProtocolPaused":
		return http.StatusLocked
	case "BelowMinimumDebt", "BelowMinimumCollateralRatio", "InsufficientCollateral",
		"InsufficientDebt", "VaultNotLiquidatable", "RecoveryModeActive",
		"WithdrawalWouldBreachMCR", "InsufficientStabilityPoolFunds", codeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeCanceled:
		return statusClientClosedRequest
	case codeTimeout:
		return http.StatusRequestTimeout
	case "InvalidOraclePrice", "StalePriceData", "NotInitialized":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeCode(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: code})
}

// writeError renders an engine or storage error. Internal failures do not
// leak their message.
func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	message := err.Error()
	if code == codeInternal || code == "MathOverflow" || code == "MathUnderflow" {
		message = "internal error"
	}
	writeCode(w, code, message)
}
