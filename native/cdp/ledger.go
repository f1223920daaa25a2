package cdp

import "github.com/holiman/uint256"

// TotalCollateralRatio returns the system-wide collateral ratio at price p.
func (l *Ledger) TotalCollateralRatio(p Price) (Ratio, error) {
	if l == nil {
		return MaxRatio, nil
	}
	return CollateralRatio(l.TotalCollateral, l.TotalDebt, p)
}

// RecoveryMode reports whether the total collateral ratio is below CCR.
func (l *Ledger) RecoveryMode(p Price, params Params) (bool, error) {
	tcr, err := l.TotalCollateralRatio(p)
	if err != nil {
		return false, err
	}
	return tcr.Lt(params.CCR), nil
}

// DecayedBaseRate returns the base rate decayed from LastFeeOperationTime to
// now without modifying the ledger.
func (l *Ledger) DecayedBaseRate(now int64, params Params) Ratio {
	if l == nil {
		return Ratio{}
	}
	elapsed := now - l.LastFeeOperationTime
	if elapsed <= 0 {
		return l.BaseRate
	}
	return DecayBaseRate(l.BaseRate, uint64(elapsed), params)
}

// FeeRate returns the effective borrowing and redemption fee rate for a base
// rate: min(base + floor, cap).
func FeeRate(base Ratio, params Params) Ratio {
	return base.SaturatingAdd(params.BorrowFeeFloor).Min(params.BorrowFeeCap)
}

// DecayBaseRate multiplies rate by the decay factor once per second, for at
// most MaxDecaySeconds seconds, rounding down at each step.
func DecayBaseRate(rate Ratio, seconds uint64, params Params) Ratio {
	if seconds > params.MaxDecaySeconds {
		seconds = params.MaxDecaySeconds
	}
	if seconds == 0 || rate.IsZero() {
		return rate
	}
	cur := rate.Int()
	next := new(uint256.Int)
	for i := uint64(0); i < seconds && !cur.IsZero(); i++ {
		// factor < 1 so the product never exceeds cur.
		next.MulDivOverflow(cur, &params.BaseRateDecayFactor.v, ratioUnit)
		cur, next = next, cur
	}
	return ratioFromInt(cur)
}

// baseRateIncrease returns redeemed / totalDebt / divisor as a ratio. It is
// zero when no debt remains.
func baseRateIncrease(redeemed, totalDebt Stable, params Params) Ratio {
	if totalDebt == 0 || redeemed == 0 {
		return Ratio{}
	}
	den := new(uint256.Int).Mul(uint256.NewInt(uint64(totalDebt)), uint256.NewInt(params.RedemptionRateDivisor))
	out, err := mulDiv(uint256.NewInt(uint64(redeemed)), ratioUnit, den)
	if err != nil {
		return MaxRatio
	}
	return ratioFromInt(out)
}
