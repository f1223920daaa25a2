package cdp

import (
	"strconv"

	"github.com/bobby-ai-dev/manna-protocol/core/types"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

const (
	EventTypeProtocolInitialized = "cdp.protocol.initialized"
	EventTypeProtocolPaused      = "cdp.protocol.paused"
	EventTypeVaultOpened         = "cdp.vault.opened"
	EventTypeVaultDeposited      = "cdp.vault.deposited"
	EventTypeVaultBorrowed       = "cdp.vault.borrowed"
	EventTypeVaultRepaid         = "cdp.vault.repaid"
	EventTypeVaultWithdrawn      = "cdp.vault.withdrawn"
	EventTypeVaultClosed         = "cdp.vault.closed"
	EventTypeVaultLiquidated     = "cdp.vault.liquidated"
	EventTypeVaultRedeemed       = "cdp.vault.redeemed"
	EventTypeStabilityDeposited  = "cdp.stability.deposited"
	EventTypeStabilityWithdrawn  = "cdp.stability.withdrawn"
	EventTypeStabilityEpoch      = "cdp.stability.epoch"
)

type cdpEvent struct {
	evt *types.Event
}

func (e cdpEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the flattened payload.
func (e cdpEvent) Event() *types.Event { return e.evt }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func i64(v int64) string { return strconv.FormatInt(v, 10) }

func vaultAttributes(v Vault) map[string]string {
	return map[string]string{
		"owner":      v.Owner.String(),
		"collateral": u64(uint64(v.Collateral)),
		"debt":       u64(uint64(v.Debt)),
		"reserve":    u64(uint64(v.LiquidationReserve)),
		"status":     v.Status.String(),
		"updatedAt":  i64(v.LastUpdated),
	}
}

func newVaultEvent(kind string, v Vault, extra map[string]string) *types.Event {
	attrs := vaultAttributes(v)
	for k, val := range extra {
		attrs[k] = val
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

// NewInitializedEvent is emitted once when the protocol ledger is created.
func NewInitializedEvent(l *Ledger) *types.Event {
	return &types.Event{
		Type: EventTypeProtocolInitialized,
		Attributes: map[string]string{
			"authority":   l.Authority.String(),
			"stableDenom": l.StableDenom,
			"rewardDenom": l.RewardDenom,
			"priceFeed":   l.PriceFeed,
		},
	}
}

// NewPausedEvent records a pause toggle by the authority.
func NewPausedEvent(authority crypto.Address, paused bool) *types.Event {
	return &types.Event{
		Type: EventTypeProtocolPaused,
		Attributes: map[string]string{
			"authority": authority.String(),
			"paused":    strconv.FormatBool(paused),
		},
	}
}

func NewVaultOpenedEvent(res *OpenResult) *types.Event {
	return newVaultEvent(EventTypeVaultOpened, res.Vault, nil)
}

func NewVaultDepositedEvent(res *DepositResult) *types.Event {
	return newVaultEvent(EventTypeVaultDeposited, res.Vault, map[string]string{
		"amount": u64(uint64(res.Amount)),
	})
}

func NewVaultBorrowedEvent(res *BorrowResult) *types.Event {
	return newVaultEvent(EventTypeVaultBorrowed, res.Vault, map[string]string{
		"amount":          u64(uint64(res.Minted)),
		"fee":             u64(uint64(res.Fee)),
		"reserveAdded":    u64(uint64(res.Reserve)),
		"recoveryMode":    strconv.FormatBool(res.RecoveryMode),
		"collateralRatio": res.CollateralRate.String(),
	})
}

func NewVaultRepaidEvent(res *RepayResult) *types.Event {
	return newVaultEvent(EventTypeVaultRepaid, res.Vault, map[string]string{
		"amount": u64(uint64(res.Repaid)),
	})
}

func NewVaultWithdrawnEvent(res *WithdrawResult) *types.Event {
	return newVaultEvent(EventTypeVaultWithdrawn, res.Vault, map[string]string{
		"amount": u64(uint64(res.Amount)),
	})
}

func NewVaultClosedEvent(res *CloseResult) *types.Event {
	return newVaultEvent(EventTypeVaultClosed, res.Vault, map[string]string{
		"repaid":          u64(uint64(res.Repaid)),
		"reserveReleased": u64(uint64(res.ReserveReleased)),
		"refunded":        u64(uint64(res.Refunded)),
	})
}

func NewVaultLiquidatedEvent(liquidator crypto.Address, res *LiquidationResult) *types.Event {
	return newVaultEvent(EventTypeVaultLiquidated, res.Vault, map[string]string{
		"liquidator":     liquidator.String(),
		"debtOffset":     u64(uint64(res.Debt)),
		"collateral":     u64(uint64(res.Collateral)),
		"poolCollateral": u64(uint64(res.PoolCollateral)),
		"bonus":          u64(uint64(res.Bonus)),
		"surplus":        u64(uint64(res.Surplus)),
		"compensation":   u64(uint64(res.Compensation)),
		"partial":        strconv.FormatBool(res.Partial),
		"recoveryMode":   strconv.FormatBool(res.RecoveryMode),
	})
}

func NewVaultRedeemedEvent(redeemer crypto.Address, res *RedemptionResult) *types.Event {
	return newVaultEvent(EventTypeVaultRedeemed, res.Vault, map[string]string{
		"redeemer":      redeemer.String(),
		"redeemed":      u64(uint64(res.Redeemed)),
		"fee":           u64(uint64(res.Fee)),
		"feeRate":       res.FeeRate.String(),
		"collateralOut": u64(uint64(res.CollateralOut)),
		"closed":        strconv.FormatBool(res.Closed),
		"refunded":      u64(uint64(res.Refunded)),
	})
}

func newStabilityEvent(kind string, res *StabilityResult) *types.Event {
	return &types.Event{
		Type: kind,
		Attributes: map[string]string{
			"owner":          res.Deposit.Owner.String(),
			"amount":         u64(uint64(res.Amount)),
			"compounded":     u64(uint64(res.Compounded)),
			"gain":           u64(uint64(res.GainMaterialized)),
			"collateralPaid": u64(uint64(res.CollateralPaid)),
			"deposit":        u64(uint64(res.Deposit.InitialDeposit)),
			"epoch":          u64(res.Deposit.SnapshotEpoch),
		},
	}
}

func NewStabilityDepositedEvent(res *StabilityResult) *types.Event {
	return newStabilityEvent(EventTypeStabilityDeposited, res)
}

func NewStabilityWithdrawnEvent(res *StabilityResult) *types.Event {
	return newStabilityEvent(EventTypeStabilityWithdrawn, res)
}

// NewEpochClosedEvent reports that a liquidation emptied the Stability Pool.
func NewEpochClosedEvent(sum *EpochSum, residual Stable) *types.Event {
	return &types.Event{
		Type: EventTypeStabilityEpoch,
		Attributes: map[string]string{
			"epoch":    u64(sum.Epoch),
			"finalSum": sum.S.String(),
			"residual": u64(uint64(residual)),
		},
	}
}
