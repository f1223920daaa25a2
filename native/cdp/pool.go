package cdp

import "github.com/holiman/uint256"

// offsetResult describes how a liquidation was absorbed by the pool.
type offsetResult struct {
	DebtOffset     Stable
	CollateralGain Collateral
	// Closed is set when the offset ended the current epoch.
	Closed   *EpochSum
	Residual Stable
}

// offset absorbs debt and credits collateral proportionally to every
// depositor without visiting deposit records. The receiver is not modified;
// the updated pool is returned.
//
//	ΔS = gain * 1e18 * P / deposits_before
//	P' = P * deposits_after / deposits_before
//
// The epoch rolls over when deposits reach zero or when P' would fall below
// floor. In the latter case the remaining deposits become ResidualDeposits.
func (sp StabilityPool) offset(debt Stable, collateral Collateral, floor Ratio) (StabilityPool, offsetResult, error) {
	next := sp
	var res offsetResult
	if debt == 0 || sp.TotalDeposits == 0 {
		return next, res, nil
	}
	debtOffset := min(debt, sp.TotalDeposits)
	gainInt, err := mulDiv(uint256.NewInt(uint64(collateral)), uint256.NewInt(uint64(debtOffset)), uint256.NewInt(uint64(debt)))
	if err != nil {
		return sp, res, err
	}
	gainU, err := toUint64(gainInt)
	if err != nil {
		return sp, res, err
	}
	gain := Collateral(gainU)

	before := uint256.NewInt(uint64(sp.TotalDeposits))
	after := sp.TotalDeposits - debtOffset

	scaledGain := new(uint256.Int).Mul(uint256.NewInt(uint64(gain)), ratioUnit)
	deltaS, err := mulDiv(scaledGain, &sp.P.v, before)
	if err != nil {
		return sp, res, err
	}
	if next.S, err = sp.S.Add(ratioFromInt(deltaS)); err != nil {
		return sp, res, err
	}
	if next.TotalCollateralGains, err = checkedAdd(sp.TotalCollateralGains, gain); err != nil {
		return sp, res, err
	}
	next.TotalDeposits = after
	res.DebtOffset = debtOffset
	res.CollateralGain = gain

	rollover := after == 0
	if !rollover {
		p, err := mulDiv(&sp.P.v, uint256.NewInt(uint64(after)), before)
		if err != nil {
			return sp, res, err
		}
		if p.Lt(&floor.v) {
			rollover = true
			if next.ResidualDeposits, err = checkedAdd(sp.ResidualDeposits, after); err != nil {
				return sp, res, err
			}
			res.Residual = after
			next.TotalDeposits = 0
		} else {
			next.P = ratioFromInt(p)
		}
	}
	if rollover {
		if sp.CurrentEpoch == ^uint64(0) {
			return sp, res, ErrMathOverflow
		}
		res.Closed = &EpochSum{Epoch: sp.CurrentEpoch, S: next.S}
		next.CurrentEpoch = sp.CurrentEpoch + 1
		next.P = OneRatio
		next.S = Ratio{}
	}
	return next, res, nil
}

// CompoundedDeposit returns what remains of d after the losses absorbed since
// its snapshot. Deposits snapshotted in an earlier epoch are worth zero.
func (sp *StabilityPool) CompoundedDeposit(d *StabilityDeposit) (Stable, error) {
	if sp == nil || d == nil || d.InitialDeposit == 0 {
		return 0, nil
	}
	if d.SnapshotEpoch != sp.CurrentEpoch {
		return 0, nil
	}
	if d.SnapshotP.IsZero() {
		return 0, ErrMathOverflow
	}
	out, err := mulDiv(uint256.NewInt(uint64(d.InitialDeposit)), &sp.P.v, &d.SnapshotP.v)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	if err != nil {
		return 0, err
	}
	return min(Stable(v), d.InitialDeposit), nil
}

// PendingGain returns the collateral earned by d since its snapshot. endS is
// the pool's S for the snapshot epoch: the live value when the epoch is
// current, the recorded EpochSum otherwise.
func PendingGain(d *StabilityDeposit, endS Ratio) (Collateral, error) {
	if d == nil || d.InitialDeposit == 0 {
		return 0, nil
	}
	diff, err := endS.Sub(d.SnapshotS)
	if err != nil {
		return 0, err
	}
	if diff.IsZero() {
		return 0, nil
	}
	den := new(uint256.Int).Mul(&d.SnapshotP.v, ratioUnit)
	out, err := mulDiv(uint256.NewInt(uint64(d.InitialDeposit)), &diff.v, den)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Collateral(v), err
}

// snapshot pins d to the pool's current P, S and epoch.
func (sp *StabilityPool) snapshot(d *StabilityDeposit, now int64) {
	d.SnapshotP = sp.P
	d.SnapshotS = sp.S
	d.SnapshotEpoch = sp.CurrentEpoch
	d.DepositedAt = now
}
