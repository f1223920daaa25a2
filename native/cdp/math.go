package cdp

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/holiman/uint256"
)

// Decimal scales of the three fixed-point domains handled by the engine.
const (
	CollateralDecimals = 9
	StableDecimals     = 6
	PriceDecimals      = 6
	RatioDecimals      = 18
)

var (
	collateralUnit = uint256.NewInt(1_000_000_000)
	ratioUnit      = uint256.NewInt(1_000_000_000_000_000_000)
)

// Collateral is an amount of the collateral asset in native units (1e9 per
// whole unit).
type Collateral uint64

// Stable is an amount of the liability token in native units (1e6 per USD).
type Stable uint64

// Price is the USD value of one whole collateral unit with six decimals.
type Price uint64

// Ratio is an unsigned 18-decimal fixed-point number backed by a 256-bit
// integer. Collateral ratios, fee rates, the base rate and the Stability Pool
// running product are Ratios. The running sum S reuses the type with an extra
// 1e18 of scale.
type Ratio struct {
	v uint256.Int
}

// OneRatio is 1.0.
var OneRatio = RatioFromUint64(1_000_000_000_000_000_000)

// MaxRatio is the collateral ratio reported for positions without debt.
var MaxRatio = Ratio{v: *new(uint256.Int).SetAllOne()}

// RatioFromUint64 returns the ratio whose raw 18-decimal representation is x.
func RatioFromUint64(x uint64) Ratio {
	var r Ratio
	r.v.SetUint64(x)
	return r
}

// RatioFromBig converts a raw 18-decimal big integer.
func RatioFromBig(b *big.Int) (Ratio, error) {
	var r Ratio
	if b == nil {
		return r, nil
	}
	if b.Sign() < 0 {
		return Ratio{}, ErrMathUnderflow
	}
	if r.v.SetFromBig(b) {
		return Ratio{}, ErrMathOverflow
	}
	return r, nil
}

// ParseRatio parses the raw decimal representation of a ratio.
func ParseRatio(s string) (Ratio, error) {
	var r Ratio
	if err := r.v.SetFromDecimal(s); err != nil {
		return Ratio{}, fmt.Errorf("%w: ratio %q: %v", ErrInvalidParameter, s, err)
	}
	return r, nil
}

func ratioFromInt(v *uint256.Int) Ratio {
	var r Ratio
	r.v.Set(v)
	return r
}

// Int returns a copy of the raw value.
func (r Ratio) Int() *uint256.Int { return new(uint256.Int).Set(&r.v) }

// Big returns the raw value as a big integer.
func (r Ratio) Big() *big.Int { return r.v.ToBig() }

func (r Ratio) Cmp(o Ratio) int { return r.v.Cmp(&o.v) }
func (r Ratio) Lt(o Ratio) bool { return r.v.Lt(&o.v) }
func (r Ratio) Gt(o Ratio) bool { return r.v.Gt(&o.v) }
func (r Ratio) IsZero() bool    { return r.v.IsZero() }
func (r Ratio) IsMax() bool     { return r.v.Eq(&MaxRatio.v) }

func (r Ratio) String() string { return r.v.Dec() }

// MarshalText renders the raw decimal value.
func (r Ratio) MarshalText() ([]byte, error) { return []byte(r.v.Dec()), nil }

// UnmarshalText parses the raw decimal value.
func (r *Ratio) UnmarshalText(text []byte) error {
	parsed, err := ParseRatio(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Add returns r+o or ErrMathOverflow.
func (r Ratio) Add(o Ratio) (Ratio, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&r.v, &o.v)
	if overflow {
		return Ratio{}, ErrMathOverflow
	}
	return ratioFromInt(sum), nil
}

// SaturatingAdd returns r+o clamped to MaxRatio.
func (r Ratio) SaturatingAdd(o Ratio) Ratio {
	sum, err := r.Add(o)
	if err != nil {
		return MaxRatio
	}
	return sum
}

// Sub returns r-o or ErrMathUnderflow.
func (r Ratio) Sub(o Ratio) (Ratio, error) {
	diff, underflow := new(uint256.Int).SubOverflow(&r.v, &o.v)
	if underflow {
		return Ratio{}, ErrMathUnderflow
	}
	return ratioFromInt(diff), nil
}

// Min returns the smaller of r and o.
func (r Ratio) Min(o Ratio) Ratio {
	if o.Lt(r) {
		return o
	}
	return r
}

// MulStable applies the ratio to a stable amount, rounding down.
func (r Ratio) MulStable(amount Stable) (Stable, error) {
	out, err := mulDiv(uint256.NewInt(uint64(amount)), &r.v, ratioUnit)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Stable(v), err
}

// MulCollateral applies the ratio to a collateral amount, rounding down.
func (r Ratio) MulCollateral(amount Collateral) (Collateral, error) {
	out, err := mulDiv(uint256.NewInt(uint64(amount)), &r.v, ratioUnit)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Collateral(v), err
}

// RatioOf returns num/den as a ratio. den must be non-zero.
func RatioOf(num, den Stable) (Ratio, error) {
	out, err := mulDiv(uint256.NewInt(uint64(num)), ratioUnit, uint256.NewInt(uint64(den)))
	if err != nil {
		return Ratio{}, err
	}
	return ratioFromInt(out), nil
}

// Value converts collateral into its stable-denominated value at price p.
func (c Collateral) Value(p Price) (Stable, error) {
	out, err := mulDiv(uint256.NewInt(uint64(c)), uint256.NewInt(uint64(p)), collateralUnit)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Stable(v), err
}

// CollateralFor returns the collateral worth amount at price p, rounding down.
func CollateralFor(amount Stable, p Price) (Collateral, error) {
	if p == 0 {
		return 0, ErrInvalidOraclePrice
	}
	out, err := mulDiv(uint256.NewInt(uint64(amount)), collateralUnit, uint256.NewInt(uint64(p)))
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Collateral(v), err
}

// CollateralAtRatio returns the collateral that backs debt at exactly ratio r
// for price p: debt * r * 1e9 / (p * 1e18).
func CollateralAtRatio(debt Stable, r Ratio, p Price) (Collateral, error) {
	if p == 0 {
		return 0, ErrInvalidOraclePrice
	}
	num := new(uint256.Int).Mul(uint256.NewInt(uint64(debt)), collateralUnit)
	den := new(uint256.Int).Mul(uint256.NewInt(uint64(p)), ratioUnit)
	out, err := mulDiv(num, &r.v, den)
	if err != nil {
		return 0, err
	}
	v, err := toUint64(out)
	return Collateral(v), err
}

// CollateralRatio computes collateral * price * 1e18 / (debt * 1e9). Zero
// debt yields MaxRatio.
func CollateralRatio(c Collateral, debt Stable, p Price) (Ratio, error) {
	if debt == 0 {
		return MaxRatio, nil
	}
	num := new(uint256.Int).Mul(uint256.NewInt(uint64(c)), uint256.NewInt(uint64(p)))
	den := new(uint256.Int).Mul(uint256.NewInt(uint64(debt)), collateralUnit)
	out, err := mulDiv(num, ratioUnit, den)
	if err != nil {
		return Ratio{}, err
	}
	return ratioFromInt(out), nil
}

// mulDiv computes x*y/d with a 512-bit intermediate, rounding down.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrMathOverflow
	}
	if x.IsZero() || y.IsZero() {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func toUint64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrMathOverflow
	}
	return v.Uint64(), nil
}

func checkedAdd[T ~uint64](a, b T) (T, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}
	return T(sum), nil
}

func checkedSub[T ~uint64](a, b T) (T, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, ErrMathUnderflow
	}
	return T(diff), nil
}

func saturatingSub[T ~uint64](a, b T) T {
	if b >= a {
		return 0
	}
	return a - b
}
