package cdp

import "github.com/holiman/uint256"

// CollateralRatio returns the vault's collateral ratio at price p.
func (v *Vault) CollateralRatio(p Price) (Ratio, error) {
	if v == nil {
		return MaxRatio, nil
	}
	return CollateralRatio(v.Collateral, v.Debt, p)
}

// Liquidatable reports whether the vault may be liquidated. Outside Recovery
// Mode the threshold is MCR. In Recovery Mode it rises to CCR.
func (v *Vault) Liquidatable(p Price, recovery bool, params Params) (bool, error) {
	if v == nil || v.Status != VaultActive || v.Debt == 0 {
		return false, nil
	}
	cr, err := v.CollateralRatio(p)
	if err != nil {
		return false, err
	}
	if recovery {
		return cr.Lt(params.CCR), nil
	}
	return cr.Lt(params.MCR), nil
}

// RedeemableDebt is the debt that repayment or redemption can clear without
// closing the vault.
func (v *Vault) RedeemableDebt() Stable {
	if v == nil {
		return 0
	}
	return saturatingSub(v.Debt, v.LiquidationReserve)
}

// MaxBorrowable returns the additional debt the vault could carry at the
// given minimum ratio before breaching it.
func (v *Vault) MaxBorrowable(p Price, minRatio Ratio) (Stable, error) {
	if v == nil {
		return 0, nil
	}
	value, err := v.Collateral.Value(p)
	if err != nil {
		return 0, err
	}
	if minRatio.IsZero() {
		return 0, ErrInvalidParameter
	}
	// value / minRatio, in stable units.
	maxDebt, err := mulDiv(uint256.NewInt(uint64(value)), ratioUnit, &minRatio.v)
	if err != nil {
		return 0, err
	}
	if !maxDebt.IsUint64() {
		return saturatingSub(Stable(^uint64(0)), v.Debt), nil
	}
	return saturatingSub(Stable(maxDebt.Uint64()), v.Debt), nil
}

// RequiredCollateral returns the collateral needed to back debt at ratio r.
func RequiredCollateral(debt Stable, r Ratio, p Price) (Collateral, error) {
	return CollateralAtRatio(debt, r, p)
}
