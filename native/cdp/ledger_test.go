package cdp

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestDecayZeroSecondsIsNoop(t *testing.T) {
	params := DefaultParams()
	rate := RatioFromUint64(12_345_678_901_234_567)
	if got := DecayBaseRate(rate, 0, params); got.Cmp(rate) != 0 {
		t.Fatalf("decay by zero seconds changed the rate: %s", got)
	}
	l := &Ledger{BaseRate: rate, LastFeeOperationTime: 1_000}
	if got := l.DecayedBaseRate(1_000, params); got.Cmp(rate) != 0 {
		t.Fatalf("decayed rate at same timestamp changed: %s", got)
	}
	if got := l.DecayedBaseRate(900, params); got.Cmp(rate) != 0 {
		t.Fatalf("clock going backwards must not decay: %s", got)
	}
}

func TestDecayHalvesInTwelveHours(t *testing.T) {
	params := DefaultParams()
	got := DecayBaseRate(OneRatio, 12*60*60, params)
	half := uint256.NewInt(500_000_000_000_000_000)
	diff := new(uint256.Int)
	if got.Int().Gt(half) {
		diff.Sub(got.Int(), half)
	} else {
		diff.Sub(half, got.Int())
	}
	// 1e-12 relative error.
	if diff.Gt(uint256.NewInt(500_000)) {
		t.Fatalf("half-life drift too large: got %s", got)
	}
}

func TestDecayIsCappedAtOneDay(t *testing.T) {
	params := DefaultParams()
	rate := RatioFromUint64(40_000_000_000_000_000)
	capped := DecayBaseRate(rate, params.MaxDecaySeconds, params)
	if got := DecayBaseRate(rate, 10*params.MaxDecaySeconds, params); got.Cmp(capped) != 0 {
		t.Fatalf("decay beyond the cap: %s vs %s", got, capped)
	}
	if !capped.Lt(rate) {
		t.Fatalf("rate did not decay")
	}
}

func TestFeeRateFloorAndCap(t *testing.T) {
	params := DefaultParams()
	if got := FeeRate(Ratio{}, params); got.Cmp(params.BorrowFeeFloor) != 0 {
		t.Fatalf("zero base rate must pay the floor, got %s", got)
	}
	if got := FeeRate(OneRatio, params); got.Cmp(params.BorrowFeeCap) != 0 {
		t.Fatalf("fee rate must be capped, got %s", got)
	}
	mid := RatioFromUint64(10_000_000_000_000_000)
	want := RatioFromUint64(15_000_000_000_000_000)
	if got := FeeRate(mid, params); got.Cmp(want) != 0 {
		t.Fatalf("fee rate = %s, want %s", got, want)
	}
}

func TestBaseRateIncrease(t *testing.T) {
	params := DefaultParams()
	// 100 redeemed out of 1000 outstanding, halved.
	got := baseRateIncrease(100*oneStable, 1_000*oneStable, params)
	want := RatioFromUint64(50_000_000_000_000_000)
	if got.Cmp(want) != 0 {
		t.Fatalf("increase = %s, want %s", got, want)
	}
	if got := baseRateIncrease(100*oneStable, 0, params); !got.IsZero() {
		t.Fatalf("no outstanding debt must yield zero, got %s", got)
	}
}

func TestRecoveryMode(t *testing.T) {
	params := DefaultParams()
	l := &Ledger{TotalCollateral: 10 * oneCollateral, TotalDebt: 1_400 * oneStable}
	recovery, err := l.RecoveryMode(usd200, params)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if !recovery {
		t.Fatalf("TCR 1.43 must be recovery mode")
	}
	l.TotalDebt = 1_000 * oneStable
	if recovery, _ = l.RecoveryMode(usd200, params); recovery {
		t.Fatalf("TCR 2.0 must not be recovery mode")
	}
	l.TotalDebt = 0
	if recovery, _ = l.RecoveryMode(usd200, params); recovery {
		t.Fatalf("an empty system is never in recovery mode")
	}
}

func TestVaultLiquidatable(t *testing.T) {
	params := DefaultParams()
	v := &Vault{Status: VaultActive, Collateral: 10 * oneCollateral, Debt: 1_500 * oneStable}
	// CR 1.33: safe in normal mode, liquidatable in recovery.
	ok, err := v.Liquidatable(usd200, false, params)
	if err != nil || ok {
		t.Fatalf("normal mode: ok=%v err=%v", ok, err)
	}
	ok, err = v.Liquidatable(usd200, true, params)
	if err != nil || !ok {
		t.Fatalf("recovery mode: ok=%v err=%v", ok, err)
	}
	v.Debt = 0
	if ok, _ = v.Liquidatable(usd200, true, params); ok {
		t.Fatalf("vault without debt is never liquidatable")
	}
}

func TestParamsValidate(t *testing.T) {
	params := DefaultParams()
	if err := params.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	broken := params
	broken.CCR = RatioFromUint64(1_000_000_000_000_000_000)
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected CCR below MCR to fail")
	}
	broken = params
	broken.LiquidationReserve = broken.MinimumDebt
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected reserve >= minimum debt to fail")
	}
}
