package cdp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

type testClock struct {
	now int64
}

func (c *testClock) Now() int64              { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now += int64(d / time.Second) }

type fixedPrice struct {
	price Price
	at    time.Time
	err   error
}

func (f *fixedPrice) Price(context.Context) (Price, time.Time, error) {
	return f.price, f.at, f.err
}

type testEnv struct {
	engine    *Engine
	store     *memStore
	clock     *testClock
	oracle    *fixedPrice
	recorder  *events.Recorder
	authority crypto.Address
}

func testAddr(n byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xA0
	raw[19] = n
	return crypto.NewAddress(crypto.MannaPrefix, raw)
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newMemStore(),
		clock:     &testClock{now: 1_700_000_000},
		oracle:    &fixedPrice{price: usd200},
		recorder:  &events.Recorder{},
		authority: testAddr(0xFF),
	}
	env.engine = NewEngine(env.store, env.oracle, DefaultParams())
	env.engine.SetNowFunc(env.clock.Now)
	env.engine.SetEmitter(env.recorder)
	if err := env.engine.Initialize(context.Background(), env.authority, InitConfig{StableDenom: "USDsol", RewardDenom: "MANNA", PriceFeed: "sol-usd"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return env
}

func (env *testEnv) credit(t *testing.T, asset Asset, to crypto.Address, amount uint64) {
	t.Helper()
	err := env.store.Update(context.Background(), func(tx StateTx) error {
		return tx.Tokens().Mint(asset, to, amount)
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

// openAndBorrow funds owner with collateral, opens a vault and borrows.
func (env *testEnv) openAndBorrow(t *testing.T, owner crypto.Address, coll Collateral, borrow Stable) *BorrowResult {
	t.Helper()
	ctx := context.Background()
	env.credit(t, AssetCollateral, owner, uint64(coll))
	if _, err := env.engine.OpenVault(ctx, owner, coll); err != nil {
		t.Fatalf("open: %v", err)
	}
	if borrow == 0 {
		return nil
	}
	res, err := env.engine.Borrow(ctx, owner, borrow)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return res
}

func (env *testEnv) provide(t *testing.T, depositor crypto.Address, amount Stable) {
	t.Helper()
	env.credit(t, AssetStable, depositor, uint64(amount))
	if _, err := env.engine.ProvideToStabilityPool(context.Background(), depositor, amount); err != nil {
		t.Fatalf("provide: %v", err)
	}
}

// checkTotals asserts the ledger mirrors the sums over active vaults.
func (env *testEnv) checkTotals(t *testing.T) {
	t.Helper()
	s := env.store.snapshot()
	var coll Collateral
	var debt Stable
	var active uint64
	for _, v := range s.vaults {
		if v.Status != VaultActive {
			continue
		}
		coll += v.Collateral
		debt += v.Debt
		active++
		if v.Debt != 0 && v.Debt != v.LiquidationReserve && v.Debt < DefaultParams().MinimumDebt {
			t.Fatalf("vault %s carries debt %d below the minimum", v.Owner, v.Debt)
		}
	}
	if s.ledger.TotalCollateral != coll || s.ledger.TotalDebt != debt || s.ledger.ActiveVaults != active {
		t.Fatalf("ledger totals coll=%d debt=%d active=%d, vaults coll=%d debt=%d active=%d",
			s.ledger.TotalCollateral, s.ledger.TotalDebt, s.ledger.ActiveVaults, coll, debt, active)
	}
	if custody := s.balances[balanceKey{AssetCollateral, CustodyAddress.String()}]; custody != uint64(coll) {
		t.Fatalf("custody holds %d, vaults hold %d", custody, coll)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	env := newTestEngine(t)
	err := env.engine.Initialize(context.Background(), env.authority, InitConfig{})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if got := env.recorder.Types(); !reflect.DeepEqual(got, []string{EventTypeProtocolInitialized}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	engine := NewEngine(newMemStore(), &fixedPrice{price: usd200}, DefaultParams())
	_, err := engine.OpenVault(context.Background(), testAddr(1), oneCollateral)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestBorrowScenario(t *testing.T) {
	env := newTestEngine(t)
	owner := testAddr(1)
	res := env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)

	if res.Fee != 5*oneStable {
		t.Fatalf("fee = %d, want 5 USD", res.Fee)
	}
	if res.Vault.Debt != 1_055*oneStable {
		t.Fatalf("debt = %d, want 1055 USD", res.Vault.Debt)
	}
	if res.Vault.LiquidationReserve != 50*oneStable {
		t.Fatalf("reserve = %d", res.Vault.LiquidationReserve)
	}
	if res.CollateralRate.Lt(DefaultParams().MCR) {
		t.Fatalf("resulting CR %s below MCR", res.CollateralRate)
	}
	if got := env.store.balance(AssetStable, owner); got != uint64(1_000*oneStable) {
		t.Fatalf("borrower received %d, want exactly the borrowed amount", got)
	}
	if got := env.store.balance(AssetStable, GasPoolAddress); got != uint64(50*oneStable) {
		t.Fatalf("gas pool holds %d", got)
	}

	second, err := env.engine.Borrow(context.Background(), owner, 100*oneStable)
	if err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	if second.Reserve != 0 || second.Vault.LiquidationReserve != 50*oneStable {
		t.Fatalf("reserve charged twice: %+v", second)
	}
	env.checkTotals(t)
}

func TestBorrowChecks(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 0)

	if _, err := env.engine.Borrow(ctx, owner, 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if _, err := env.engine.Borrow(ctx, owner, 100*oneStable); !errors.Is(err, ErrBelowMinimumDebt) {
		t.Fatalf("expected ErrBelowMinimumDebt, got %v", err)
	}
	if _, err := env.engine.Borrow(ctx, owner, 1_800*oneStable); !errors.Is(err, ErrBelowMinimumCollateralRatio) {
		t.Fatalf("expected ErrBelowMinimumCollateralRatio, got %v", err)
	}
	if _, err := env.engine.Borrow(ctx, testAddr(9), 500*oneStable); !errors.Is(err, ErrVaultNotActive) {
		t.Fatalf("expected ErrVaultNotActive, got %v", err)
	}
	env.oracle.price = 0
	if _, err := env.engine.Borrow(ctx, owner, 500*oneStable); !errors.Is(err, ErrInvalidOraclePrice) {
		t.Fatalf("expected ErrInvalidOraclePrice, got %v", err)
	}
}

func TestStalePricePolicy(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 0)

	env.oracle.at = time.Unix(env.clock.now, 0).Add(-10 * time.Minute)
	if _, err := env.engine.Borrow(ctx, owner, 500*oneStable); err != nil {
		t.Fatalf("stale price must only warn by default: %v", err)
	}

	params := DefaultParams()
	params.RejectStalePrice = true
	strict := NewEngine(env.store, env.oracle, params)
	strict.SetNowFunc(env.clock.Now)
	if _, err := strict.Borrow(ctx, owner, 500*oneStable); !errors.Is(err, ErrStalePriceData) {
		t.Fatalf("expected ErrStalePriceData, got %v", err)
	}
}

func TestCancelledContextIsNotAnOracleFailure(t *testing.T) {
	env := newTestEngine(t)
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.engine.Borrow(ctx, owner, 500*oneStable)
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidOraclePrice) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	env.oracle.err = fmt.Errorf("fetch median: %w", context.DeadlineExceeded)
	_, err = env.engine.Borrow(context.Background(), owner, 500*oneStable)
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInvalidOraclePrice) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	env.oracle.err = errors.New("feed offline")
	if _, err := env.engine.Borrow(context.Background(), owner, 500*oneStable); !errors.Is(err, ErrInvalidOraclePrice) {
		t.Fatalf("expected ErrInvalidOraclePrice, got %v", err)
	}
}

// commitOrderEmitter checks, for every vault-opened event, that the committed
// ledger holds exactly as many active vaults as events seen so far.
type commitOrderEmitter struct {
	store  Store
	opened uint64
	errs   []string
}

func (c *commitOrderEmitter) Emit(evt events.Event) {
	if evt.EventType() != EventTypeVaultOpened {
		return
	}
	c.opened++
	err := c.store.View(context.Background(), func(tx StateTx) error {
		l, err := tx.Ledger()
		if err != nil {
			return err
		}
		if l.ActiveVaults != c.opened {
			return fmt.Errorf("event %d emitted with %d vaults committed", c.opened, l.ActiveVaults)
		}
		return nil
	})
	if err != nil {
		c.errs = append(c.errs, err.Error())
	}
}

func TestEventsFollowCommitOrder(t *testing.T) {
	env := newTestEngine(t)
	check := &commitOrderEmitter{store: env.store}
	env.engine.SetEmitter(check)

	const owners = 32
	for i := 0; i < owners; i++ {
		env.credit(t, AssetCollateral, testAddr(byte(i+1)), uint64(oneCollateral))
	}
	var wg sync.WaitGroup
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(owner crypto.Address) {
			defer wg.Done()
			if _, err := env.engine.OpenVault(context.Background(), owner, oneCollateral); err != nil {
				t.Errorf("open vault %s: %v", owner, err)
			}
		}(testAddr(byte(i + 1)))
	}
	wg.Wait()

	if check.opened != owners {
		t.Fatalf("expected %d opened events, got %d", owners, check.opened)
	}
	if len(check.errs) > 0 {
		t.Fatalf("events out of commit order: %v", check.errs)
	}
}

func TestRecoveryModeBorrowRejected(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	risky := testAddr(1)
	safe := testAddr(2)

	env.openAndBorrow(t, risky, 10*oneCollateral, 1_074*oneStable)
	env.openAndBorrow(t, safe, 3*oneCollateral, 0)

	env.oracle.price = 130_000_000
	status, err := env.engine.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if !status.RecoveryMode {
		t.Fatalf("expected recovery mode, TCR %s", status.TCR)
	}

	// The vault would sit at CR 1.56, above CCR, but the borrow lowers TCR.
	_, err = env.engine.Borrow(ctx, safe, 200*oneStable)
	if !errors.Is(err, ErrRecoveryModeActive) {
		t.Fatalf("expected ErrRecoveryModeActive, got %v", err)
	}
	// Below CCR the ratio check fires first.
	_, err = env.engine.Borrow(ctx, safe, 300*oneStable)
	if !errors.Is(err, ErrBelowMinimumCollateralRatio) {
		t.Fatalf("expected ErrBelowMinimumCollateralRatio, got %v", err)
	}
	env.checkTotals(t)
}

func TestRepayAndWithdraw(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)

	if _, err := env.engine.Repay(ctx, owner, 900*oneStable); !errors.Is(err, ErrBelowMinimumDebt) {
		t.Fatalf("expected ErrBelowMinimumDebt, got %v", err)
	}
	res, err := env.engine.Repay(ctx, owner, 500*oneStable)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.Vault.Debt != 555*oneStable {
		t.Fatalf("debt after repay = %d", res.Vault.Debt)
	}

	if _, err := env.engine.WithdrawCollateral(ctx, owner, 11*oneCollateral); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if _, err := env.engine.WithdrawCollateral(ctx, owner, 7*oneCollateral); !errors.Is(err, ErrWithdrawalWouldBreachMCR) {
		t.Fatalf("expected ErrWithdrawalWouldBreachMCR, got %v", err)
	}
	w, err := env.engine.WithdrawCollateral(ctx, owner, 5*oneCollateral)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.Vault.Collateral != 5*oneCollateral {
		t.Fatalf("collateral after withdraw = %d", w.Vault.Collateral)
	}
	if got := env.store.balance(AssetCollateral, owner); got != uint64(5*oneCollateral) {
		t.Fatalf("owner holds %d collateral", got)
	}
	env.checkTotals(t)
}

func TestWithdrawWithoutDebtIgnoresOracle(t *testing.T) {
	env := newTestEngine(t)
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 2*oneCollateral, 0)
	env.oracle.err = errors.New("feed offline")
	if _, err := env.engine.WithdrawCollateral(context.Background(), owner, oneCollateral); err != nil {
		t.Fatalf("withdraw without debt: %v", err)
	}
}

func TestCloseRefundsAndRetiresReserve(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)
	// The fee was never minted; the owner buys it elsewhere.
	env.credit(t, AssetStable, owner, uint64(5*oneStable))

	res, err := env.engine.CloseVault(ctx, owner)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Repaid != 1_005*oneStable || res.ReserveReleased != 50*oneStable || res.Refunded != 10*oneCollateral {
		t.Fatalf("unexpected close result %+v", res)
	}
	if res.Vault.Status != VaultClosedByOwner || res.Vault.Debt != 0 || res.Vault.Collateral != 0 {
		t.Fatalf("vault not zeroed: %+v", res.Vault)
	}
	if got := env.store.balance(AssetCollateral, owner); got != uint64(10*oneCollateral) {
		t.Fatalf("owner collateral %d", got)
	}
	if env.store.supplyOf(AssetStable) != 0 {
		t.Fatalf("stable supply left after close: %d", env.store.supplyOf(AssetStable))
	}
	s := env.store.snapshot()
	if s.ledger.TotalDebt != 0 || s.ledger.TotalCollateral != 0 || s.ledger.ActiveVaults != 0 {
		t.Fatalf("ledger not cleared: %+v", s.ledger)
	}
	if _, err := env.engine.OpenVault(ctx, owner, oneCollateral); !errors.Is(err, ErrVaultAlreadyExists) {
		t.Fatalf("closed vault must not reopen, got %v", err)
	}
	if _, err := env.engine.DepositCollateral(ctx, owner, oneCollateral); !errors.Is(err, ErrVaultNotActive) {
		t.Fatalf("expected ErrVaultNotActive, got %v", err)
	}
}

func TestCloseFailsWithoutFunds(t *testing.T) {
	env := newTestEngine(t)
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)
	before := env.store.snapshot()
	if _, err := env.engine.CloseVault(context.Background(), owner); err == nil {
		t.Fatalf("close must fail when the owner cannot cover the fee")
	}
	if !reflect.DeepEqual(before, env.store.snapshot()) {
		t.Fatalf("failed close mutated state")
	}
}

func TestLiquidationOffsetsAgainstPool(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner, liquidator := testAddr(1), testAddr(2)
	d1, d2 := testAddr(3), testAddr(4)

	borrow := env.openAndBorrow(t, owner, 10*oneCollateral, 1_074*oneStable)
	debt := borrow.Vault.Debt
	env.provide(t, d1, 2_000*oneStable)
	env.provide(t, d2, 1_000*oneStable)

	if _, err := env.engine.Liquidate(ctx, liquidator, owner); !errors.Is(err, ErrVaultNotLiquidatable) {
		t.Fatalf("expected ErrVaultNotLiquidatable, got %v", err)
	}

	env.oracle.price = 110_000_000
	res, err := env.engine.Liquidate(ctx, liquidator, owner)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.Partial || res.Debt != debt || res.Collateral != 10*oneCollateral {
		t.Fatalf("unexpected liquidation %+v", res)
	}
	bonus := 10 * oneCollateral / 200
	if res.Bonus != bonus || res.PoolCollateral != 10*oneCollateral-bonus {
		t.Fatalf("bonus %d pool collateral %d", res.Bonus, res.PoolCollateral)
	}
	if got := env.store.balance(AssetStable, liquidator); got != uint64(50*oneStable) {
		t.Fatalf("liquidator compensation %d", got)
	}
	if got := env.store.balance(AssetCollateral, liquidator); got != uint64(bonus) {
		t.Fatalf("liquidator bonus %d", got)
	}

	s1, err := env.engine.Deposit(ctx, d1)
	if err != nil {
		t.Fatalf("deposit status: %v", err)
	}
	s2, _ := env.engine.Deposit(ctx, d2)
	remaining := 3_000*oneStable - debt
	withinOne(t, s1.Compounded, remaining*2/3)
	withinOne(t, s2.Compounded, remaining/3)
	withinOne(t, s1.PendingGain, res.PoolCollateral*2/3)
	withinOne(t, s2.PendingGain, res.PoolCollateral/3)
	if s1.PendingGain+s2.PendingGain > res.PoolCollateral {
		t.Fatalf("gains exceed pool collateral")
	}

	w, err := env.engine.WithdrawFromStabilityPool(ctx, d1, 5_000*oneStable)
	if err != nil {
		t.Fatalf("stability withdraw: %v", err)
	}
	if w.Amount != s1.Compounded || w.CollateralPaid != s1.PendingGain {
		t.Fatalf("withdraw paid %d/%d, want %d/%d", w.Amount, w.CollateralPaid, s1.Compounded, s1.PendingGain)
	}
	if got := env.store.balance(AssetCollateral, d1); got != uint64(s1.PendingGain) {
		t.Fatalf("depositor collateral %d", got)
	}

	v, _ := env.engine.Vault(ctx, owner)
	if v.Status != VaultLiquidated || v.Debt != 0 || v.Collateral != 0 {
		t.Fatalf("vault not zeroed: %+v", v)
	}
	env.checkTotals(t)
}

func TestLiquidationDepletesPoolAndRollsEpoch(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner, depositor := testAddr(1), testAddr(2)

	borrow := env.openAndBorrow(t, owner, 10*oneCollateral, 1_074*oneStable)
	env.provide(t, depositor, borrow.Vault.Debt)

	env.oracle.price = 110_000_000
	res, err := env.engine.Liquidate(ctx, testAddr(3), owner)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.ClosedEpoch == nil {
		t.Fatalf("expected the epoch to close")
	}
	pool, _ := env.engine.Pool(ctx)
	if pool.CurrentEpoch != 1 || pool.P.Cmp(OneRatio) != 0 || pool.TotalDeposits != 0 {
		t.Fatalf("pool not rolled over: %+v", pool)
	}

	status, err := env.engine.Deposit(ctx, depositor)
	if err != nil {
		t.Fatalf("deposit status: %v", err)
	}
	if status.Compounded != 0 {
		t.Fatalf("stale deposit compounded to %d", status.Compounded)
	}
	withinOne(t, status.PendingGain, res.PoolCollateral)

	claim, err := env.engine.WithdrawFromStabilityPool(ctx, depositor, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.CollateralPaid != status.PendingGain || claim.Amount != 0 {
		t.Fatalf("unexpected claim %+v", claim)
	}
	if _, err := env.engine.WithdrawFromStabilityPool(ctx, depositor, 0); !errors.Is(err, ErrNoDeposit) {
		t.Fatalf("expected ErrNoDeposit after the claim, got %v", err)
	}
	if got := env.recorder.Types(); !containsType(got, EventTypeStabilityEpoch) {
		t.Fatalf("epoch event missing: %v", got)
	}
}

func TestPartialLiquidationInRecoveryMode(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	borrow := env.openAndBorrow(t, owner, 10*oneCollateral, 1_074*oneStable)
	env.provide(t, testAddr(2), 2_000*oneStable)

	env.oracle.price = 130_000_000
	res, err := env.engine.Liquidate(ctx, testAddr(3), owner)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	atMCR, err := CollateralAtRatio(borrow.Vault.Debt, DefaultParams().MCR, 130_000_000)
	if err != nil {
		t.Fatalf("collateral at MCR: %v", err)
	}
	if !res.Partial || !res.RecoveryMode || res.Collateral != atMCR || res.Surplus != 10*oneCollateral-atMCR {
		t.Fatalf("unexpected partial liquidation %+v", res)
	}
	if got := env.store.balance(AssetCollateral, owner); got != uint64(res.Surplus) {
		t.Fatalf("owner surplus %d", got)
	}
	env.checkTotals(t)
}

func TestLiquidationWithInsufficientPoolLeavesStateUntouched(t *testing.T) {
	env := newTestEngine(t)
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_074*oneStable)
	env.provide(t, testAddr(2), 100*oneStable)
	env.oracle.price = 110_000_000

	before := env.store.snapshot()
	_, err := env.engine.Liquidate(context.Background(), testAddr(3), owner)
	if !errors.Is(err, ErrInsufficientStabilityPoolFunds) {
		t.Fatalf("expected ErrInsufficientStabilityPoolFunds, got %v", err)
	}
	if !reflect.DeepEqual(before, env.store.snapshot()) {
		t.Fatalf("rejected liquidation mutated state")
	}
}

func TestRedemptionCapsAndAutoCloses(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner, redeemer := testAddr(1), testAddr(2)
	borrow := env.openAndBorrow(t, owner, 10*oneCollateral, 1_074*oneStable)
	env.credit(t, AssetStable, redeemer, uint64(2_000*oneStable))

	redeemable := borrow.Vault.Debt - borrow.Vault.LiquidationReserve
	res, err := env.engine.Redeem(ctx, redeemer, owner, 5_000*oneStable)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Redeemed != redeemable {
		t.Fatalf("redeemed %d, want capped %d", res.Redeemed, redeemable)
	}
	fee, _ := DefaultParams().BorrowFeeFloor.MulStable(redeemable)
	wantOut, _ := CollateralFor(redeemable-fee, usd200)
	if res.Fee != fee || res.CollateralOut != wantOut {
		t.Fatalf("fee %d out %d, want %d %d", res.Fee, res.CollateralOut, fee, wantOut)
	}
	if !res.Closed || res.Vault.Status != VaultClosedByOwner {
		t.Fatalf("vault did not auto-close: %+v", res)
	}
	if res.Refunded != 10*oneCollateral-wantOut {
		t.Fatalf("refund %d", res.Refunded)
	}
	if got := env.store.balance(AssetStable, redeemer); got != uint64(2_000*oneStable-redeemable) {
		t.Fatalf("redeemer stable %d", got)
	}
	if got := env.store.balance(AssetStable, GasPoolAddress); got != 0 {
		t.Fatalf("reserve not retired: %d", got)
	}
	status, err := env.engine.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if status.Ledger.BaseRate.IsZero() || status.Ledger.LastFeeOperationTime != env.clock.now {
		t.Fatalf("base rate not bumped: %+v", status.Ledger)
	}
	env.checkTotals(t)
}

func TestRedemptionKeepsMinimumDebt(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner, redeemer := testAddr(1), testAddr(2)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)
	env.credit(t, AssetStable, redeemer, uint64(2_000*oneStable))

	if _, err := env.engine.Redeem(ctx, redeemer, owner, 900*oneStable); !errors.Is(err, ErrBelowMinimumDebt) {
		t.Fatalf("expected ErrBelowMinimumDebt, got %v", err)
	}
	across, err := env.engine.RedeemAcross(ctx, redeemer, []crypto.Address{owner}, 900*oneStable)
	if err != nil {
		t.Fatalf("redeem across: %v", err)
	}
	if across.Redeemed != 855*oneStable {
		t.Fatalf("redeemed %d, want the vault left at the minimum", across.Redeemed)
	}
	v, _ := env.engine.Vault(ctx, owner)
	if v.Debt != DefaultParams().MinimumDebt {
		t.Fatalf("debt %d", v.Debt)
	}
	env.checkTotals(t)
}

func TestRedemptionCandidatesOrdering(t *testing.T) {
	env := newTestEngine(t)
	a, b, c := testAddr(1), testAddr(2), testAddr(3)
	env.openAndBorrow(t, a, 10*oneCollateral, 1_000*oneStable)
	env.openAndBorrow(t, b, 10*oneCollateral, 1_500*oneStable)
	env.openAndBorrow(t, c, 10*oneCollateral, 0)

	got, err := env.engine.RedemptionCandidates(context.Background(), 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || !got[0].Vault.Owner.Equal(b) || !got[1].Vault.Owner.Equal(a) {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestStabilityRoundTrip(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	depositor := testAddr(1)
	env.provide(t, depositor, 750*oneStable)

	res, err := env.engine.WithdrawFromStabilityPool(ctx, depositor, 750*oneStable)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Amount != 750*oneStable || res.CollateralPaid != 0 {
		t.Fatalf("round trip returned %+v", res)
	}
	if got := env.store.balance(AssetStable, depositor); got != uint64(750*oneStable) {
		t.Fatalf("depositor holds %d", got)
	}
}

func TestPauseGating(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)

	if err := env.engine.SetPaused(ctx, owner, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SetPaused(ctx, env.authority, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.engine.OpenVault(ctx, testAddr(2), oneCollateral); !errors.Is(err, ErrProtocolPaused) {
		t.Fatalf("expected ErrProtocolPaused, got %v", err)
	}
	if _, err := env.engine.Borrow(ctx, owner, 100*oneStable); !errors.Is(err, ErrProtocolPaused) {
		t.Fatalf("expected ErrProtocolPaused, got %v", err)
	}
	if _, err := env.engine.Repay(ctx, owner, 100*oneStable); err != nil {
		t.Fatalf("repay must stay available while paused: %v", err)
	}
	if err := env.engine.SetPaused(ctx, env.authority, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := env.engine.Borrow(ctx, owner, 100*oneStable); err != nil {
		t.Fatalf("borrow after unpause: %v", err)
	}
}

func TestBorrowFeeDecaysAfterRedemption(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner, redeemer := testAddr(1), testAddr(2)
	env.openAndBorrow(t, owner, 20*oneCollateral, 1_000*oneStable)
	env.openAndBorrow(t, testAddr(3), 20*oneCollateral, 1_000*oneStable)
	env.credit(t, AssetStable, redeemer, uint64(500*oneStable))
	if _, err := env.engine.Redeem(ctx, redeemer, owner, 100*oneStable); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	before, _ := env.engine.Ledger(ctx)
	env.clock.Advance(12 * time.Hour)
	after, _ := env.engine.Ledger(ctx)
	if !after.DecayedBaseRate.Lt(before.DecayedBaseRate) {
		t.Fatalf("base rate did not decay: %s -> %s", before.DecayedBaseRate, after.DecayedBaseRate)
	}
}

func TestEventsEmittedAfterCommit(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(1)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)
	if _, err := env.engine.Borrow(ctx, owner, 10_000*oneStable); err == nil {
		t.Fatalf("expected failure")
	}
	want := []string{EventTypeProtocolInitialized, EventTypeVaultOpened, EventTypeVaultBorrowed}
	if got := env.recorder.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	evt := env.recorder.Events()[2]
	if evt.Attributes["fee"] != "5000000" || evt.Attributes["owner"] != owner.String() {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(ErrProtocolPaused); got != "ProtocolPaused" {
		t.Fatalf("code %s", got)
	}
	if got := ErrorCode(errors.New("boom")); got != "Internal" {
		t.Fatalf("code %s", got)
	}
}

func containsType(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestDepositCollateralAndQueries(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	owner := testAddr(40)
	env.openAndBorrow(t, owner, 10*oneCollateral, 1_000*oneStable)

	limit, err := env.engine.MaxBorrowable(ctx, owner)
	if err != nil {
		t.Fatalf("max borrowable: %v", err)
	}
	if limit != 763_181_818 {
		t.Fatalf("unexpected max borrowable %d", limit)
	}

	env.credit(t, AssetCollateral, owner, uint64(5*oneCollateral))
	res, err := env.engine.DepositCollateral(ctx, owner, 5*oneCollateral)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Vault.Collateral != 15*oneCollateral {
		t.Fatalf("unexpected collateral %d", res.Vault.Collateral)
	}
	limit, err = env.engine.MaxBorrowable(ctx, owner)
	if err != nil {
		t.Fatalf("max borrowable: %v", err)
	}
	if limit != 1_672_272_727 {
		t.Fatalf("unexpected max borrowable after deposit %d", limit)
	}
	env.checkTotals(t)

	required, err := env.engine.RequiredCollateral(ctx, 1_100*oneStable)
	if err != nil {
		t.Fatalf("required collateral: %v", err)
	}
	if required != 6_050_000_000 {
		t.Fatalf("unexpected required collateral %d", required)
	}

	if _, err := env.engine.MaxBorrowable(ctx, testAddr(41)); !errors.Is(err, ErrVaultNotActive) {
		t.Fatalf("expected ErrVaultNotActive, got %v", err)
	}

	depositor := testAddr(42)
	env.provide(t, depositor, 500*oneStable)
	status, err := env.engine.Deposit(ctx, depositor)
	if err != nil {
		t.Fatalf("deposit status: %v", err)
	}
	if status.Compounded != 500*oneStable || status.PendingGain != 0 {
		t.Fatalf("unexpected deposit status %+v", status)
	}
}
