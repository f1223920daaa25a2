package cdp

import (
	"errors"
	"math/big"
	"testing"
)

const (
	oneCollateral Collateral = 1_000_000_000
	oneStable     Stable     = 1_000_000
	usd200        Price      = 200_000_000
)

func TestCollateralValueAndInverse(t *testing.T) {
	value, err := (10 * oneCollateral).Value(usd200)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value != 2_000*oneStable {
		t.Fatalf("unexpected value %d", value)
	}
	back, err := CollateralFor(value, usd200)
	if err != nil {
		t.Fatalf("collateral for: %v", err)
	}
	if back != 10*oneCollateral {
		t.Fatalf("unexpected collateral %d", back)
	}
	if _, err := CollateralFor(value, 0); !errors.Is(err, ErrInvalidOraclePrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestCollateralRatio(t *testing.T) {
	cr, err := CollateralRatio(10*oneCollateral, 1_000*oneStable, usd200)
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if cr.String() != "2000000000000000000" {
		t.Fatalf("unexpected ratio %s", cr)
	}
	inf, err := CollateralRatio(10*oneCollateral, 0, usd200)
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if !inf.IsMax() {
		t.Fatalf("zero debt must yield MaxRatio, got %s", inf)
	}
}

func TestCollateralAtRatioRoundsDown(t *testing.T) {
	mcr := DefaultParams().MCR
	coll, err := CollateralAtRatio(1_000*oneStable, mcr, usd200)
	if err != nil {
		t.Fatalf("collateral at ratio: %v", err)
	}
	// 1000 * 1.1 / 200 = 5.5 units.
	if coll != 5_500_000_000 {
		t.Fatalf("unexpected collateral %d", coll)
	}
	cr, err := CollateralRatio(coll, 1_000*oneStable, usd200)
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if cr.Gt(mcr) {
		t.Fatalf("rounding must not overshoot MCR: %s", cr)
	}
}

func TestRatioMulStable(t *testing.T) {
	fee, err := DefaultParams().BorrowFeeFloor.MulStable(1_000 * oneStable)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if fee != 5*oneStable {
		t.Fatalf("unexpected fee %d", fee)
	}
	if _, err := MaxRatio.MulStable(^Stable(0)); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestRatioArithmetic(t *testing.T) {
	if _, err := MaxRatio.Add(OneRatio); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if got := MaxRatio.SaturatingAdd(OneRatio); !got.IsMax() {
		t.Fatalf("saturating add must clamp, got %s", got)
	}
	if _, err := (Ratio{}).Sub(OneRatio); !errors.Is(err, ErrMathUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	half := RatioFromUint64(500_000_000_000_000_000)
	if got := OneRatio.Min(half); got.Cmp(half) != 0 {
		t.Fatalf("min returned %s", got)
	}
}

func TestRatioTextAndBig(t *testing.T) {
	var r Ratio
	if err := r.UnmarshalText([]byte("1500000000000000000")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Cmp(DefaultParams().CCR) != 0 {
		t.Fatalf("unexpected ratio %s", r)
	}
	if err := r.UnmarshalText([]byte("1.5")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if _, err := RatioFromBig(big.NewInt(-1)); !errors.Is(err, ErrMathUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := RatioFromBig(huge); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestCheckedHelpers(t *testing.T) {
	if _, err := checkedAdd(^Stable(0), 1); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := checkedSub(Collateral(1), 2); !errors.Is(err, ErrMathUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if got := saturatingSub(Stable(1), 2); got != 0 {
		t.Fatalf("saturating sub returned %d", got)
	}
}
