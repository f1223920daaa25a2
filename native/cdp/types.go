package cdp

import (
	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

// ModuleName is the pause-guard identifier of the CDP module.
const ModuleName = "cdp"

// VaultStatus enumerates the lifecycle states of a vault.
type VaultStatus uint8

const (
	VaultInactive VaultStatus = iota
	VaultActive
	VaultClosedByOwner
	VaultLiquidated
)

func (s VaultStatus) String() string {
	switch s {
	case VaultInactive:
		return "inactive"
	case VaultActive:
		return "active"
	case VaultClosedByOwner:
		return "closed_by_owner"
	case VaultLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known status.
func (s VaultStatus) Valid() bool { return s <= VaultLiquidated }

// Terminal reports whether s can never transition again.
func (s VaultStatus) Terminal() bool { return s == VaultClosedByOwner || s == VaultLiquidated }

// Vault is a single owner's collateralised debt position.
type Vault struct {
	// Owner identifies the account allowed to manage the vault.
	Owner crypto.Address
	// Collateral locked in the vault, in native collateral units.
	Collateral Collateral
	// Debt owed by the vault including fees and the liquidation reserve.
	Debt Stable
	// LiquidationReserve is the portion of Debt set aside at the first
	// borrow. It is refunded on an orderly close and paid to the liquidator
	// otherwise.
	LiquidationReserve Stable
	Status             VaultStatus
	// OpenedAt and LastUpdated are unix seconds.
	OpenedAt    int64
	LastUpdated int64
}

// Ledger is the protocol-wide singleton.
type Ledger struct {
	// Authority may pause and unpause the protocol.
	Authority   crypto.Address
	StableDenom string
	RewardDenom string
	PriceFeed   string
	// TotalCollateral and TotalDebt mirror the sums over all active vaults.
	TotalCollateral Collateral
	TotalDebt       Stable
	// BaseRate drives the borrowing and redemption fees. It decays over time
	// and grows with redemptions.
	BaseRate             Ratio
	LastFeeOperationTime int64
	TotalVaults          uint64
	ActiveVaults         uint64
	Paused               bool
}

// IsPaused satisfies the native pause view for the CDP module.
func (l *Ledger) IsPaused(module string) bool {
	return l != nil && module == ModuleName && l.Paused
}

// StabilityPool is the singleton pool of stable deposits that absorbs
// liquidated debt.
type StabilityPool struct {
	// TotalDeposits currently pooled.
	TotalDeposits Stable
	// TotalCollateralGains owed to depositors and not yet withdrawn.
	TotalCollateralGains Collateral
	// CurrentEpoch increments each time the pool is emptied.
	CurrentEpoch uint64
	// P is the running product in (0, 1]. A deposit made when the product
	// was P0 is worth initial * P / P0 while the epoch is unchanged.
	P Ratio
	// S is the running sum of collateral gained per unit of deposit, scaled
	// by 1e36. It never decreases within an epoch.
	S                 Ratio
	TotalRewardIssued uint64
	// ResidualDeposits holds deposits too small to keep tracking after the
	// product fell below the floor. They are owned by the protocol.
	ResidualDeposits Stable
}

// StabilityDeposit is a depositor's snapshot of the pool.
type StabilityDeposit struct {
	Owner          crypto.Address
	InitialDeposit Stable
	SnapshotP      Ratio
	SnapshotS      Ratio
	SnapshotEpoch  uint64
	// CollateralGains already materialised and waiting for withdrawal.
	CollateralGains Collateral
	DepositedAt     int64
}

// EpochSum records the final running sum of a closed epoch so deposits that
// were snapshotted in that epoch can still claim the gains they earned.
type EpochSum struct {
	Epoch uint64
	S     Ratio
}

// newStabilityPool returns the pool at genesis.
func newStabilityPool() *StabilityPool {
	return &StabilityPool{P: OneRatio}
}
