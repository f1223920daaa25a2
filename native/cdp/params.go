package cdp

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultMinimumDebt             Stable = 200_000_000
	defaultLiquidationReserve      Stable = 50_000_000
	defaultMaxDecaySeconds                = 86_400
	defaultRedemptionRateDivisor          = 2
	defaultLiquidationBonusDivisor        = 200
	defaultMaxPriceAge                    = 60 * time.Second
)

var (
	defaultMCR            = RatioFromUint64(1_100_000_000_000_000_000)
	defaultCCR            = RatioFromUint64(1_500_000_000_000_000_000)
	defaultBorrowFeeFloor = RatioFromUint64(5_000_000_000_000_000)
	defaultBorrowFeeCap   = RatioFromUint64(50_000_000_000_000_000)
	// 0.5^(1/43200): the base rate halves every twelve hours.
	defaultDecayFactor  = RatioFromUint64(999_983_955_055_097_432)
	defaultProductFloor = RatioFromUint64(1_000_000_000)
)

// Params groups the protocol constants. Ratios are raw 18-decimal values and
// are written as decimal strings in TOML.
type Params struct {
	// MCR is the minimum collateral ratio outside Recovery Mode.
	MCR Ratio `toml:"MCR"`
	// CCR is the critical collateral ratio. The system is in Recovery Mode
	// while its total collateral ratio is below CCR.
	CCR Ratio `toml:"CCR"`
	// MinimumDebt is the smallest non-zero debt a vault may carry.
	MinimumDebt Stable `toml:"MinimumDebt"`
	// LiquidationReserve is added to a vault's debt on its first borrow and
	// paid to the liquidator as gas compensation.
	LiquidationReserve Stable `toml:"LiquidationReserve"`
	BorrowFeeFloor     Ratio  `toml:"BorrowFeeFloor"`
	BorrowFeeCap       Ratio  `toml:"BorrowFeeCap"`
	// BaseRateDecayFactor is applied to the base rate once per elapsed second.
	BaseRateDecayFactor Ratio `toml:"BaseRateDecayFactor"`
	// MaxDecaySeconds caps the seconds decayed by a single update.
	MaxDecaySeconds uint64 `toml:"MaxDecaySeconds"`
	// RedemptionRateDivisor scales the base-rate increase on redemption:
	// increase = redeemed / total_debt / divisor.
	RedemptionRateDivisor uint64 `toml:"RedemptionRateDivisor"`
	// LiquidationBonusDivisor sets the liquidator bonus as
	// liquidated_collateral / divisor.
	LiquidationBonusDivisor uint64 `toml:"LiquidationBonusDivisor"`
	// MaxPriceAge is the oracle observation age after which a price is stale.
	MaxPriceAge time.Duration `toml:"MaxPriceAge"`
	// RejectStalePrice turns stale oracle prices into ErrStalePriceData
	// instead of a logged warning.
	RejectStalePrice bool `toml:"RejectStalePrice"`
	// ProductFloor is the smallest running product P allowed before the
	// Stability Pool rolls over to a new epoch.
	ProductFloor Ratio `toml:"ProductFloor"`
}

// DefaultParams returns the production protocol constants.
func DefaultParams() Params {
	return Params{
		MCR:                     defaultMCR,
		CCR:                     defaultCCR,
		MinimumDebt:             defaultMinimumDebt,
		LiquidationReserve:      defaultLiquidationReserve,
		BorrowFeeFloor:          defaultBorrowFeeFloor,
		BorrowFeeCap:            defaultBorrowFeeCap,
		BaseRateDecayFactor:     defaultDecayFactor,
		MaxDecaySeconds:         defaultMaxDecaySeconds,
		RedemptionRateDivisor:   defaultRedemptionRateDivisor,
		LiquidationBonusDivisor: defaultLiquidationBonusDivisor,
		MaxPriceAge:             defaultMaxPriceAge,
		ProductFloor:            defaultProductFloor,
	}
}

// LoadParams decodes a TOML parameter file. Fields that are absent keep their
// default values.
func LoadParams(path string) (Params, error) {
	var params Params
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return Params{}, fmt.Errorf("cdp: decode params %s: %w", path, err)
	}
	params.EnsureDefaults()
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// EnsureDefaults fills zero-valued fields with the defaults.
func (p *Params) EnsureDefaults() {
	if p == nil {
		return
	}
	d := DefaultParams()
	if p.MCR.IsZero() {
		p.MCR = d.MCR
	}
	if p.CCR.IsZero() {
		p.CCR = d.CCR
	}
	if p.MinimumDebt == 0 {
		p.MinimumDebt = d.MinimumDebt
	}
	if p.LiquidationReserve == 0 {
		p.LiquidationReserve = d.LiquidationReserve
	}
	if p.BorrowFeeFloor.IsZero() {
		p.BorrowFeeFloor = d.BorrowFeeFloor
	}
	if p.BorrowFeeCap.IsZero() {
		p.BorrowFeeCap = d.BorrowFeeCap
	}
	if p.BaseRateDecayFactor.IsZero() {
		p.BaseRateDecayFactor = d.BaseRateDecayFactor
	}
	if p.MaxDecaySeconds == 0 {
		p.MaxDecaySeconds = d.MaxDecaySeconds
	}
	if p.RedemptionRateDivisor == 0 {
		p.RedemptionRateDivisor = d.RedemptionRateDivisor
	}
	if p.LiquidationBonusDivisor == 0 {
		p.LiquidationBonusDivisor = d.LiquidationBonusDivisor
	}
	if p.MaxPriceAge == 0 {
		p.MaxPriceAge = d.MaxPriceAge
	}
	if p.ProductFloor.IsZero() {
		p.ProductFloor = d.ProductFloor
	}
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.MCR.Lt(OneRatio):
		return fmt.Errorf("%w: MCR must be at least 1.0", ErrInvalidParameter)
	case p.CCR.Lt(p.MCR):
		return fmt.Errorf("%w: CCR must not be below MCR", ErrInvalidParameter)
	case p.LiquidationReserve >= p.MinimumDebt:
		return fmt.Errorf("%w: minimum debt must exceed the liquidation reserve", ErrInvalidParameter)
	case p.BorrowFeeCap.Lt(p.BorrowFeeFloor):
		return fmt.Errorf("%w: borrow fee cap below floor", ErrInvalidParameter)
	case p.BorrowFeeCap.Gt(OneRatio):
		return fmt.Errorf("%w: borrow fee cap above 100%%", ErrInvalidParameter)
	case p.BaseRateDecayFactor.IsZero() || !p.BaseRateDecayFactor.Lt(OneRatio):
		return fmt.Errorf("%w: decay factor must be in (0, 1)", ErrInvalidParameter)
	case p.RedemptionRateDivisor == 0:
		return fmt.Errorf("%w: redemption rate divisor must be positive", ErrInvalidParameter)
	case p.LiquidationBonusDivisor == 0:
		return fmt.Errorf("%w: liquidation bonus divisor must be positive", ErrInvalidParameter)
	case p.ProductFloor.IsZero() || !p.ProductFloor.Lt(OneRatio):
		return fmt.Errorf("%w: product floor must be in (0, 1)", ErrInvalidParameter)
	case p.MaxPriceAge < 0:
		return fmt.Errorf("%w: max price age must not be negative", ErrInvalidParameter)
	}
	return nil
}
