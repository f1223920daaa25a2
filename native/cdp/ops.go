package cdp

import (
	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

// opContext carries the inputs shared by a single operation. The transition
// functions below compute into locals and only write through their pointer
// arguments once every check and every checked step has succeeded.
type opContext struct {
	params   Params
	now      int64
	price    Price
	priceErr error
}

func (c opContext) requirePrice() (Price, error) {
	if c.priceErr != nil {
		return 0, c.priceErr
	}
	if c.price == 0 {
		return 0, ErrInvalidOraclePrice
	}
	return c.price, nil
}

func (c opContext) minRatio(recovery bool) Ratio {
	if recovery {
		return c.params.CCR
	}
	return c.params.MCR
}

// decayedBaseRate returns the base rate and fee timestamp after decaying to
// c.now.
func (c opContext) decayedBaseRate(l *Ledger) (Ratio, int64) {
	if c.now <= l.LastFeeOperationTime {
		return l.BaseRate, l.LastFeeOperationTime
	}
	return l.DecayedBaseRate(c.now, c.params), c.now
}

// debtIsValid reports whether a vault may carry debt: zero, exactly its
// reserve, or at least the minimum debt.
func (c opContext) debtIsValid(debt, reserve Stable) bool {
	return debt == 0 || debt == reserve || debt >= c.params.MinimumDebt
}

// OpenResult reports a successful OpenVault.
type OpenResult struct {
	Vault   Vault
	Effects []Effect
}

func (c opContext) openVault(l *Ledger, v *Vault, owner crypto.Address, amount Collateral) (*OpenResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultInactive {
		return nil, ErrVaultAlreadyExists
	}
	totalCollateral, err := checkedAdd(l.TotalCollateral, amount)
	if err != nil {
		return nil, err
	}
	totalVaults, err := checkedAdd(l.TotalVaults, 1)
	if err != nil {
		return nil, err
	}
	activeVaults, err := checkedAdd(l.ActiveVaults, 1)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.transfer(AssetCollateral, owner, CustodyAddress, uint64(amount))

	*v = Vault{
		Owner:       owner,
		Collateral:  amount,
		Status:      VaultActive,
		OpenedAt:    c.now,
		LastUpdated: c.now,
	}
	l.TotalCollateral = totalCollateral
	l.TotalVaults = totalVaults
	l.ActiveVaults = activeVaults
	return &OpenResult{Vault: *v, Effects: fx}, nil
}

// DepositResult reports a successful DepositCollateral.
type DepositResult struct {
	Vault   Vault
	Amount  Collateral
	Effects []Effect
}

func (c opContext) depositCollateral(l *Ledger, v *Vault, amount Collateral) (*DepositResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	collateral, err := checkedAdd(v.Collateral, amount)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := checkedAdd(l.TotalCollateral, amount)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.transfer(AssetCollateral, v.Owner, CustodyAddress, uint64(amount))

	v.Collateral = collateral
	v.LastUpdated = c.now
	l.TotalCollateral = totalCollateral
	return &DepositResult{Vault: *v, Amount: amount, Effects: fx}, nil
}

// BorrowResult reports a successful Borrow.
type BorrowResult struct {
	Vault Vault
	// Minted is the amount credited to the borrower.
	Minted Stable
	Fee    Stable
	// Reserve is the liquidation reserve set aside by this borrow, if any.
	Reserve        Stable
	RecoveryMode   bool
	CollateralRate Ratio
	Effects        []Effect
}

func (c opContext) borrow(l *Ledger, v *Vault, amount Stable) (*BorrowResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	price, err := c.requirePrice()
	if err != nil {
		return nil, err
	}
	tcrBefore, err := l.TotalCollateralRatio(price)
	if err != nil {
		return nil, err
	}
	recovery := tcrBefore.Lt(c.params.CCR)

	baseRate, feeTime := c.decayedBaseRate(l)
	var fee Stable
	if !recovery {
		if fee, err = FeeRate(baseRate, c.params).MulStable(amount); err != nil {
			return nil, err
		}
	}
	var reserve Stable
	if v.LiquidationReserve == 0 {
		reserve = c.params.LiquidationReserve
	}
	increase, err := checkedAdd(amount, fee)
	if err != nil {
		return nil, err
	}
	if increase, err = checkedAdd(increase, reserve); err != nil {
		return nil, err
	}
	newDebt, err := checkedAdd(v.Debt, increase)
	if err != nil {
		return nil, err
	}
	if newDebt < c.params.MinimumDebt {
		return nil, ErrBelowMinimumDebt
	}
	cr, err := CollateralRatio(v.Collateral, newDebt, price)
	if err != nil {
		return nil, err
	}
	if cr.Lt(c.minRatio(recovery)) {
		return nil, ErrBelowMinimumCollateralRatio
	}
	totalDebt, err := checkedAdd(l.TotalDebt, increase)
	if err != nil {
		return nil, err
	}
	if recovery {
		tcrAfter, err := CollateralRatio(l.TotalCollateral, totalDebt, price)
		if err != nil {
			return nil, err
		}
		if tcrAfter.Lt(tcrBefore) {
			return nil, ErrRecoveryModeActive
		}
	}

	var fx effectList
	fx.mint(AssetStable, v.Owner, uint64(amount))
	fx.mint(AssetStable, GasPoolAddress, uint64(reserve))

	v.Debt = newDebt
	if reserve > 0 {
		v.LiquidationReserve = reserve
	}
	v.LastUpdated = c.now
	l.TotalDebt = totalDebt
	l.BaseRate = baseRate
	l.LastFeeOperationTime = feeTime
	return &BorrowResult{
		Vault:          *v,
		Minted:         amount,
		Fee:            fee,
		Reserve:        reserve,
		RecoveryMode:   recovery,
		CollateralRate: cr,
		Effects:        fx,
	}, nil
}

// RepayResult reports a successful Repay.
type RepayResult struct {
	Vault   Vault
	Repaid  Stable
	Effects []Effect
}

func (c opContext) repay(l *Ledger, v *Vault, amount Stable) (*RepayResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	repaid := min(amount, v.RedeemableDebt())
	if repaid == 0 {
		return nil, ErrInsufficientDebt
	}
	newDebt, err := checkedSub(v.Debt, repaid)
	if err != nil {
		return nil, err
	}
	if !c.debtIsValid(newDebt, v.LiquidationReserve) {
		return nil, ErrBelowMinimumDebt
	}
	totalDebt, err := checkedSub(l.TotalDebt, repaid)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.burn(AssetStable, v.Owner, uint64(repaid))

	v.Debt = newDebt
	v.LastUpdated = c.now
	l.TotalDebt = totalDebt
	return &RepayResult{Vault: *v, Repaid: repaid, Effects: fx}, nil
}

// WithdrawResult reports a successful WithdrawCollateral.
type WithdrawResult struct {
	Vault   Vault
	Amount  Collateral
	Effects []Effect
}

func (c opContext) withdrawCollateral(l *Ledger, v *Vault, amount Collateral) (*WithdrawResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	if amount > v.Collateral {
		return nil, ErrInsufficientCollateral
	}
	collateral, err := checkedSub(v.Collateral, amount)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := checkedSub(l.TotalCollateral, amount)
	if err != nil {
		return nil, err
	}
	if v.Debt > 0 {
		price, err := c.requirePrice()
		if err != nil {
			return nil, err
		}
		tcrBefore, err := l.TotalCollateralRatio(price)
		if err != nil {
			return nil, err
		}
		recovery := tcrBefore.Lt(c.params.CCR)
		cr, err := CollateralRatio(collateral, v.Debt, price)
		if err != nil {
			return nil, err
		}
		if cr.Lt(c.minRatio(recovery)) {
			return nil, ErrWithdrawalWouldBreachMCR
		}
		if recovery {
			tcrAfter, err := CollateralRatio(totalCollateral, l.TotalDebt, price)
			if err != nil {
				return nil, err
			}
			if tcrAfter.Lt(tcrBefore) {
				return nil, ErrRecoveryModeActive
			}
		}
	}
	var fx effectList
	fx.transfer(AssetCollateral, CustodyAddress, v.Owner, uint64(amount))

	v.Collateral = collateral
	v.LastUpdated = c.now
	l.TotalCollateral = totalCollateral
	return &WithdrawResult{Vault: *v, Amount: amount, Effects: fx}, nil
}

// CloseResult reports a successful CloseVault.
type CloseResult struct {
	Vault Vault
	// Repaid is the debt burned from the owner.
	Repaid Stable
	// ReserveReleased is the liquidation reserve retired from the gas pool.
	ReserveReleased Stable
	// Refunded is the collateral returned to the owner.
	Refunded Collateral
	Effects  []Effect
}

func (c opContext) closeVault(l *Ledger, v *Vault) (*CloseResult, error) {
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	repaid := v.RedeemableDebt()
	reserve := v.Debt - repaid
	totalDebt, err := checkedSub(l.TotalDebt, v.Debt)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := checkedSub(l.TotalCollateral, v.Collateral)
	if err != nil {
		return nil, err
	}
	activeVaults, err := checkedSub(l.ActiveVaults, 1)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.burn(AssetStable, v.Owner, uint64(repaid))
	fx.burn(AssetStable, GasPoolAddress, uint64(reserve))
	fx.transfer(AssetCollateral, CustodyAddress, v.Owner, uint64(v.Collateral))

	refunded := v.Collateral
	*v = Vault{
		Owner:       v.Owner,
		Status:      VaultClosedByOwner,
		OpenedAt:    v.OpenedAt,
		LastUpdated: c.now,
	}
	l.TotalDebt = totalDebt
	l.TotalCollateral = totalCollateral
	l.ActiveVaults = activeVaults
	return &CloseResult{Vault: *v, Repaid: repaid, ReserveReleased: reserve, Refunded: refunded, Effects: fx}, nil
}

// LiquidationResult reports a successful Liquidate.
type LiquidationResult struct {
	Vault Vault
	// Debt absorbed by the Stability Pool.
	Debt Stable
	// Collateral liquidated, including the bonus.
	Collateral Collateral
	// PoolCollateral is the share of Collateral credited to depositors.
	PoolCollateral Collateral
	Bonus          Collateral
	// Surplus is the collateral returned to the owner after a partial
	// liquidation in Recovery Mode.
	Surplus      Collateral
	Compensation Stable
	Partial      bool
	RecoveryMode bool
	// ClosedEpoch is set when the liquidation emptied the pool.
	ClosedEpoch *EpochSum
	Residual    Stable
	Effects     []Effect
}

func (c opContext) liquidate(l *Ledger, v *Vault, sp *StabilityPool, liquidator crypto.Address) (*LiquidationResult, error) {
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	price, err := c.requirePrice()
	if err != nil {
		return nil, err
	}
	recovery, err := l.RecoveryMode(price, c.params)
	if err != nil {
		return nil, err
	}
	ok, err := v.Liquidatable(price, recovery, c.params)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrVaultNotLiquidatable
	}
	cr, err := v.CollateralRatio(price)
	if err != nil {
		return nil, err
	}

	finalDebt := v.Debt
	finalCollateral := v.Collateral
	partial := false
	if recovery && cr.Gt(c.params.MCR) {
		atMCR, err := CollateralAtRatio(v.Debt, c.params.MCR, price)
		if err != nil {
			return nil, err
		}
		if atMCR < finalCollateral {
			finalCollateral = atMCR
			partial = true
		}
	}
	surplus := v.Collateral - finalCollateral

	if sp.TotalDeposits < finalDebt {
		return nil, ErrInsufficientStabilityPoolFunds
	}
	bonus := finalCollateral / Collateral(c.params.LiquidationBonusDivisor)
	poolCollateral := finalCollateral - bonus
	nextPool, offset, err := sp.offset(finalDebt, poolCollateral, c.params.ProductFloor)
	if err != nil {
		return nil, err
	}

	totalDebt, err := checkedSub(l.TotalDebt, v.Debt)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := checkedSub(l.TotalCollateral, v.Collateral)
	if err != nil {
		return nil, err
	}
	activeVaults, err := checkedSub(l.ActiveVaults, 1)
	if err != nil {
		return nil, err
	}

	var fx effectList
	fx.burn(AssetStable, StabilityPoolAddress, uint64(offset.DebtOffset))
	fx.transfer(AssetCollateral, CustodyAddress, StabilityPoolAddress, uint64(offset.CollateralGain))
	fx.transfer(AssetCollateral, CustodyAddress, liquidator, uint64(bonus))
	fx.transfer(AssetStable, GasPoolAddress, liquidator, uint64(v.LiquidationReserve))
	fx.transfer(AssetCollateral, CustodyAddress, v.Owner, uint64(surplus))

	res := &LiquidationResult{
		Debt:           offset.DebtOffset,
		Collateral:     finalCollateral,
		PoolCollateral: offset.CollateralGain,
		Bonus:          bonus,
		Surplus:        surplus,
		Compensation:   v.LiquidationReserve,
		Partial:        partial,
		RecoveryMode:   recovery,
		ClosedEpoch:    offset.Closed,
		Residual:       offset.Residual,
		Effects:        fx,
	}
	*v = Vault{
		Owner:       v.Owner,
		Status:      VaultLiquidated,
		OpenedAt:    v.OpenedAt,
		LastUpdated: c.now,
	}
	*sp = nextPool
	l.TotalDebt = totalDebt
	l.TotalCollateral = totalCollateral
	l.ActiveVaults = activeVaults
	res.Vault = *v
	return res, nil
}

// RedemptionResult reports a successful Redeem against one vault.
type RedemptionResult struct {
	Vault Vault
	// Redeemed is the stable amount burned from the redeemer.
	Redeemed Stable
	Fee      Stable
	// CollateralOut is the collateral paid to the redeemer.
	CollateralOut Collateral
	FeeRate       Ratio
	// Closed is set when the redemption left only the reserve and the vault
	// was closed on the owner's behalf.
	Closed   bool
	Refunded Collateral
	Effects  []Effect
}

func (c opContext) redeem(l *Ledger, v *Vault, redeemer crypto.Address, amount Stable) (*RedemptionResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if v.Status != VaultActive {
		return nil, ErrVaultNotActive
	}
	price, err := c.requirePrice()
	if err != nil {
		return nil, err
	}
	baseRate, _ := c.decayedBaseRate(l)
	feeRate := FeeRate(baseRate, c.params)

	redeemed := min(amount, v.RedeemableDebt())
	if redeemed == 0 {
		return nil, ErrInvalidRedemptionAmount
	}
	fee, err := feeRate.MulStable(redeemed)
	if err != nil {
		return nil, err
	}
	net, err := checkedSub(redeemed, fee)
	if err != nil {
		return nil, err
	}
	collateralOut, err := CollateralFor(net, price)
	if err != nil {
		return nil, err
	}
	if collateralOut > v.Collateral {
		return nil, ErrInsufficientCollateral
	}
	debt, err := checkedSub(v.Debt, redeemed)
	if err != nil {
		return nil, err
	}
	if !c.debtIsValid(debt, v.LiquidationReserve) {
		return nil, ErrBelowMinimumDebt
	}
	collateral := v.Collateral - collateralOut
	totalDebt, err := checkedSub(l.TotalDebt, redeemed)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := checkedSub(l.TotalCollateral, collateralOut)
	if err != nil {
		return nil, err
	}
	baseRate = baseRate.SaturatingAdd(baseRateIncrease(redeemed, totalDebt, c.params))

	var fx effectList
	fx.burn(AssetStable, redeemer, uint64(redeemed))
	fx.transfer(AssetCollateral, CustodyAddress, redeemer, uint64(collateralOut))

	closed := debt <= v.LiquidationReserve
	activeVaults := l.ActiveVaults
	var refunded Collateral
	if closed {
		if totalDebt, err = checkedSub(totalDebt, debt); err != nil {
			return nil, err
		}
		if totalCollateral, err = checkedSub(totalCollateral, collateral); err != nil {
			return nil, err
		}
		if activeVaults, err = checkedSub(activeVaults, 1); err != nil {
			return nil, err
		}
		fx.burn(AssetStable, GasPoolAddress, uint64(debt))
		fx.transfer(AssetCollateral, CustodyAddress, v.Owner, uint64(collateral))
		refunded = collateral
	}

	if closed {
		*v = Vault{
			Owner:       v.Owner,
			Status:      VaultClosedByOwner,
			OpenedAt:    v.OpenedAt,
			LastUpdated: c.now,
		}
	} else {
		v.Debt = debt
		v.Collateral = collateral
		v.LastUpdated = c.now
	}
	l.TotalDebt = totalDebt
	l.TotalCollateral = totalCollateral
	l.ActiveVaults = activeVaults
	l.BaseRate = baseRate
	l.LastFeeOperationTime = max(c.now, l.LastFeeOperationTime)
	return &RedemptionResult{
		Vault:         *v,
		Redeemed:      redeemed,
		Fee:           fee,
		CollateralOut: collateralOut,
		FeeRate:       feeRate,
		Closed:        closed,
		Refunded:      refunded,
		Effects:       fx,
	}, nil
}

// StabilityResult reports a successful stability deposit or withdrawal.
type StabilityResult struct {
	Deposit StabilityDeposit
	// Amount deposited or withdrawn.
	Amount Stable
	// Compounded is the deposit value before this operation.
	Compounded Stable
	// GainMaterialized is the pending gain folded into the deposit record.
	GainMaterialized Collateral
	// CollateralPaid is the collateral sent to the depositor on withdrawal.
	CollateralPaid Collateral
	Effects        []Effect
}

// settleDeposit returns d's compounded value and pending gain against sp.
func settleDeposit(sp *StabilityPool, d *StabilityDeposit, endS Ratio) (Stable, Collateral, error) {
	compounded, err := sp.CompoundedDeposit(d)
	if err != nil {
		return 0, 0, err
	}
	gain, err := PendingGain(d, endS)
	if err != nil {
		return 0, 0, err
	}
	return compounded, gain, nil
}

func (c opContext) provideToStabilityPool(sp *StabilityPool, d *StabilityDeposit, depositor crypto.Address, amount Stable, endS Ratio) (*StabilityResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	compounded, gain, err := settleDeposit(sp, d, endS)
	if err != nil {
		return nil, err
	}
	initial, err := checkedAdd(compounded, amount)
	if err != nil {
		return nil, err
	}
	gains, err := checkedAdd(d.CollateralGains, gain)
	if err != nil {
		return nil, err
	}
	totalDeposits, err := checkedAdd(sp.TotalDeposits, amount)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.transfer(AssetStable, depositor, StabilityPoolAddress, uint64(amount))

	sp.TotalDeposits = totalDeposits
	d.Owner = depositor
	d.InitialDeposit = initial
	d.CollateralGains = gains
	sp.snapshot(d, c.now)
	return &StabilityResult{
		Deposit:          *d,
		Amount:           amount,
		Compounded:       compounded,
		GainMaterialized: gain,
		Effects:          fx,
	}, nil
}

func (c opContext) withdrawFromStabilityPool(sp *StabilityPool, d *StabilityDeposit, amount Stable, endS Ratio) (*StabilityResult, error) {
	if d.InitialDeposit == 0 && d.CollateralGains == 0 {
		return nil, ErrNoDeposit
	}
	compounded, gain, err := settleDeposit(sp, d, endS)
	if err != nil {
		return nil, err
	}
	withdrawn := min(amount, compounded)
	paid, err := checkedAdd(d.CollateralGains, gain)
	if err != nil {
		return nil, err
	}
	totalDeposits, err := checkedSub(sp.TotalDeposits, withdrawn)
	if err != nil {
		return nil, err
	}
	totalGains, err := checkedSub(sp.TotalCollateralGains, paid)
	if err != nil {
		return nil, err
	}
	var fx effectList
	fx.transfer(AssetStable, StabilityPoolAddress, d.Owner, uint64(withdrawn))
	fx.transfer(AssetCollateral, StabilityPoolAddress, d.Owner, uint64(paid))

	sp.TotalDeposits = totalDeposits
	sp.TotalCollateralGains = totalGains
	d.InitialDeposit = compounded - withdrawn
	d.CollateralGains = 0
	sp.snapshot(d, c.now)
	return &StabilityResult{
		Deposit:          *d,
		Amount:           withdrawn,
		Compounded:       compounded,
		GainMaterialized: gain,
		CollateralPaid:   paid,
		Effects:          fx,
	}, nil
}
