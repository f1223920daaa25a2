package cdp

import (
	"errors"
	"fmt"

	nativecommon "github.com/bobby-ai-dev/manna-protocol/native/common"
)

var (
	ErrZeroAmount                     = errors.New("cdp: amount must be positive")
	ErrProtocolPaused                 = fmt.Errorf("cdp: protocol paused: %w", nativecommon.ErrModulePaused)
	ErrVaultNotActive                 = errors.New("cdp: vault not active")
	ErrUnauthorized                   = errors.New("cdp: unauthorized")
	ErrBelowMinimumDebt               = errors.New("cdp: debt below minimum")
	ErrBelowMinimumCollateralRatio    = errors.New("cdp: collateral ratio below minimum")
	ErrInsufficientCollateral         = errors.New("cdp: insufficient collateral")
	ErrInsufficientDebt               = errors.New("cdp: insufficient debt")
	ErrVaultNotLiquidatable           = errors.New("cdp: vault not liquidatable")
	ErrRecoveryModeActive             = errors.New("cdp: operation would lower total collateral ratio in recovery mode")
	ErrInvalidRedemptionAmount        = errors.New("cdp: invalid redemption amount")
	ErrWithdrawalWouldBreachMCR       = errors.New("cdp: withdrawal would breach minimum collateral ratio")
	ErrMathOverflow                   = errors.New("cdp: math overflow")
	ErrMathUnderflow                  = errors.New("cdp: math underflow")
	ErrInvalidOraclePrice             = errors.New("cdp: invalid oracle price")
	ErrAlreadyInitialized             = errors.New("cdp: already initialized")
	ErrStalePriceData                 = errors.New("cdp: stale price data")
	ErrInsufficientStabilityPoolFunds = errors.New("cdp: insufficient stability pool funds")
	ErrInvalidParameter               = errors.New("cdp: invalid parameter")
	ErrVaultHasDebt                   = errors.New("cdp: vault has outstanding debt")
	ErrVaultAlreadyExists             = errors.New("cdp: vault already exists")
	ErrNotInitialized                 = errors.New("cdp: protocol not initialized")
	ErrNoDeposit                      = errors.New("cdp: no stability deposit")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrZeroAmount, "ZeroAmount"},
	{ErrProtocolPaused, "ProtocolPaused"},
	{ErrVaultNotActive, "VaultNotActive"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrBelowMinimumDebt, "BelowMinimumDebt"},
	{ErrBelowMinimumCollateralRatio, "BelowMinimumCollateralRatio"},
	{ErrInsufficientCollateral, "InsufficientCollateral"},
	{ErrInsufficientDebt, "InsufficientDebt"},
	{ErrVaultNotLiquidatable, "VaultNotLiquidatable"},
	{ErrRecoveryModeActive, "RecoveryModeActive"},
	{ErrInvalidRedemptionAmount, "InvalidRedemptionAmount"},
	{ErrWithdrawalWouldBreachMCR, "WithdrawalWouldBreachMCR"},
	{ErrMathOverflow, "MathOverflow"},
	{ErrMathUnderflow, "MathUnderflow"},
	{ErrInvalidOraclePrice, "InvalidOraclePrice"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrStalePriceData, "StalePriceData"},
	{ErrInsufficientStabilityPoolFunds, "InsufficientStabilityPoolFunds"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrVaultHasDebt, "VaultHasDebt"},
	{ErrVaultAlreadyExists, "VaultAlreadyExists"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrNoDeposit, "NoDeposit"},
}

// ErrorCode returns the stable kind name for err, or "Internal" when err is
// not one of the engine's error kinds.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "Internal"
}
