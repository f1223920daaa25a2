package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/core/types"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
	nativecommon "github.com/bobby-ai-dev/manna-protocol/native/common"
)

// StateTx is a single unit of work against the durable records. Writes become
// visible to other units of work only when the enclosing Update commits.
type StateTx interface {
	Ledger() (*Ledger, error)
	PutLedger(*Ledger) error
	StabilityPool() (*StabilityPool, error)
	PutStabilityPool(*StabilityPool) error
	// Vault returns the owner's vault or an Inactive zero vault when none
	// exists.
	Vault(owner crypto.Address) (*Vault, error)
	PutVault(*Vault) error
	// StabilityDeposit returns the owner's deposit or an empty record.
	StabilityDeposit(owner crypto.Address) (*StabilityDeposit, error)
	PutStabilityDeposit(*StabilityDeposit) error
	EpochSum(epoch uint64) (*EpochSum, bool, error)
	PutEpochSum(*EpochSum) error
	// ActiveVaults calls fn for every Active vault until fn returns false.
	ActiveVaults(fn func(*Vault) bool) error
	Tokens() TokenLedger
}

// Store provides atomic units of work. Update calls are serialised and commit
// all records and token movements together or not at all.
type Store interface {
	Update(ctx context.Context, fn func(StateTx) error) error
	View(ctx context.Context, fn func(StateTx) error) error
}

// PriceFeed reports the latest collateral price and when it was observed.
type PriceFeed interface {
	Price(ctx context.Context) (Price, time.Time, error)
}

// InitConfig carries the identifiers recorded on the ledger at genesis.
type InitConfig struct {
	StableDenom string
	RewardDenom string
	PriceFeed   string
}

// Engine orchestrates the CDP state transitions over a Store. Events reach
// the emitter in commit order.
type Engine struct {
	// commitMu spans a commit and the emission of its events.
	commitMu sync.Mutex

	store   Store
	oracle  PriceFeed
	params  Params
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewEngine constructs an engine with a no-op emitter and the wall clock.
func NewEngine(store Store, oracle PriceFeed, params Params) *Engine {
	params.EnsureDefaults()
	return &Engine{
		store:   store,
		oracle:  oracle,
		params:  params,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event sink. Passing nil discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the clock, in unix seconds. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// Params returns the engine's protocol parameters.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(cdpEvent{evt: evt})
}

// price fetches and validates the oracle price.
func (e *Engine) price(ctx context.Context) (Price, error) {
	if e.oracle == nil {
		return 0, fmt.Errorf("%w: price feed not configured", ErrInvalidOraclePrice)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	price, observed, err := e.oracle.Price(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidOraclePrice) || errors.Is(err, ErrStalePriceData) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidOraclePrice, err)
	}
	if price == 0 {
		return 0, ErrInvalidOraclePrice
	}
	if !observed.IsZero() && e.params.MaxPriceAge > 0 {
		age := time.Unix(e.now(), 0).Sub(observed)
		if age > e.params.MaxPriceAge {
			if e.params.RejectStalePrice {
				return 0, ErrStalePriceData
			}
			e.logger.Warn("cdp: stale oracle price",
				slog.Uint64("price", uint64(price)),
				slog.Duration("age", age),
				slog.Duration("max_age", e.params.MaxPriceAge))
		}
	}
	return price, nil
}

func (e *Engine) opContext(ctx context.Context, needPrice bool) opContext {
	c := opContext{params: e.params, now: e.now()}
	if needPrice {
		c.price, c.priceErr = e.price(ctx)
	}
	return c
}

// outcome collects what a unit of work produced.
type outcome struct {
	effects []Effect
	events  []*types.Event
}

func (o *outcome) add(effects []Effect, evt *types.Event) {
	o.effects = append(o.effects, effects...)
	if evt != nil {
		o.events = append(o.events, evt)
	}
}

// run executes fn inside a unit of work, persists the ledger, applies token
// effects and emits events once the unit of work has committed.
func (e *Engine) run(ctx context.Context, op string, gated bool, fn func(tx StateTx, l *Ledger, out *outcome) error) error {
	if e == nil || e.store == nil {
		return ErrNotInitialized
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	var out outcome
	err := e.store.Update(ctx, func(tx StateTx) error {
		out = outcome{}
		ledger, err := tx.Ledger()
		if err != nil {
			return err
		}
		if gated {
			if err := nativecommon.Guard(ledger, ModuleName); err != nil {
				return ErrProtocolPaused
			}
		}
		if err := fn(tx, ledger, &out); err != nil {
			return err
		}
		if err := tx.PutLedger(ledger); err != nil {
			return err
		}
		return ApplyEffects(tx.Tokens(), out.effects)
	})
	if err != nil {
		e.logger.Debug("cdp: operation rejected", slog.String("op", op), slog.String("code", ErrorCode(err)), slog.Any("error", err))
		return err
	}
	for _, evt := range out.events {
		e.emit(evt)
	}
	return nil
}

// Initialize creates the ledger and the Stability Pool.
func (e *Engine) Initialize(ctx context.Context, authority crypto.Address, cfg InitConfig) error {
	if e == nil || e.store == nil {
		return ErrNotInitialized
	}
	if len(authority.Bytes()) == 0 {
		return fmt.Errorf("%w: authority required", ErrInvalidParameter)
	}
	ledger := &Ledger{
		Authority:            authority,
		StableDenom:          strings.TrimSpace(cfg.StableDenom),
		RewardDenom:          strings.TrimSpace(cfg.RewardDenom),
		PriceFeed:            strings.TrimSpace(cfg.PriceFeed),
		LastFeeOperationTime: e.now(),
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	err := e.store.Update(ctx, func(tx StateTx) error {
		if _, err := tx.Ledger(); err == nil {
			return ErrAlreadyInitialized
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		if err := tx.PutLedger(ledger); err != nil {
			return err
		}
		return tx.PutStabilityPool(newStabilityPool())
	})
	if err != nil {
		return err
	}
	e.logger.Info("cdp: protocol initialized", slog.String("authority", authority.String()), slog.String("stable_denom", ledger.StableDenom))
	e.emit(NewInitializedEvent(ledger))
	return nil
}

// SetPaused toggles the pause flag. Only the ledger authority may call it.
func (e *Engine) SetPaused(ctx context.Context, caller crypto.Address, paused bool) error {
	return e.run(ctx, "set_paused", false, func(_ StateTx, l *Ledger, out *outcome) error {
		if !l.Authority.Equal(caller) {
			return ErrUnauthorized
		}
		l.Paused = paused
		out.add(nil, NewPausedEvent(caller, paused))
		return nil
	})
}

// OpenVault creates the owner's vault with an initial collateral deposit.
func (e *Engine) OpenVault(ctx context.Context, owner crypto.Address, collateral Collateral) (*OpenResult, error) {
	c := e.opContext(ctx, false)
	var res *OpenResult
	err := e.run(ctx, "open", true, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.openVault(l, v, owner, collateral); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultOpenedEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// DepositCollateral adds collateral to an active vault.
func (e *Engine) DepositCollateral(ctx context.Context, owner crypto.Address, amount Collateral) (*DepositResult, error) {
	c := e.opContext(ctx, false)
	var res *DepositResult
	err := e.run(ctx, "deposit", true, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.depositCollateral(l, v, amount); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultDepositedEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// Borrow mints amount to the owner against the vault's collateral.
func (e *Engine) Borrow(ctx context.Context, owner crypto.Address, amount Stable) (*BorrowResult, error) {
	c := e.opContext(ctx, true)
	var res *BorrowResult
	err := e.run(ctx, "borrow", true, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.borrow(l, v, amount); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultBorrowedEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// Repay burns up to amount of the owner's stable balance against the vault's
// debt. The liquidation reserve can only be cleared by closing the vault.
func (e *Engine) Repay(ctx context.Context, owner crypto.Address, amount Stable) (*RepayResult, error) {
	c := e.opContext(ctx, false)
	var res *RepayResult
	err := e.run(ctx, "repay", false, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.repay(l, v, amount); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultRepaidEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// WithdrawCollateral returns collateral to the owner while keeping the vault
// above the applicable minimum ratio.
func (e *Engine) WithdrawCollateral(ctx context.Context, owner crypto.Address, amount Collateral) (*WithdrawResult, error) {
	c := e.opContext(ctx, true)
	var res *WithdrawResult
	err := e.run(ctx, "withdraw", true, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.withdrawCollateral(l, v, amount); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultWithdrawnEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// CloseVault repays the outstanding debt, retires the liquidation reserve and
// refunds every unit of collateral.
func (e *Engine) CloseVault(ctx context.Context, owner crypto.Address) (*CloseResult, error) {
	c := e.opContext(ctx, false)
	var res *CloseResult
	err := e.run(ctx, "close", false, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.closeVault(l, v); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultClosedEvent(res))
		return tx.PutVault(v)
	})
	return res, err
}

// Liquidate offsets an undercollateralised vault against the Stability Pool.
// Anyone may call it; the liquidator receives the reserve and the bonus.
func (e *Engine) Liquidate(ctx context.Context, liquidator, owner crypto.Address) (*LiquidationResult, error) {
	c := e.opContext(ctx, true)
	var res *LiquidationResult
	err := e.run(ctx, "liquidate", false, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		sp, err := tx.StabilityPool()
		if err != nil {
			return err
		}
		if res, err = c.liquidate(l, v, sp, liquidator); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultLiquidatedEvent(liquidator, res))
		if res.ClosedEpoch != nil {
			if err := tx.PutEpochSum(res.ClosedEpoch); err != nil {
				return err
			}
			out.add(nil, NewEpochClosedEvent(res.ClosedEpoch, res.Residual))
		}
		if err := tx.PutStabilityPool(sp); err != nil {
			return err
		}
		return tx.PutVault(v)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("cdp: vault liquidated",
		slog.String("owner", owner.String()),
		slog.String("liquidator", liquidator.String()),
		slog.Uint64("debt", uint64(res.Debt)),
		slog.Uint64("collateral", uint64(res.Collateral)),
		slog.Bool("partial", res.Partial))
	if res.ClosedEpoch != nil {
		e.logger.Info("cdp: stability pool epoch closed",
			slog.Uint64("epoch", res.ClosedEpoch.Epoch),
			slog.Uint64("residual", uint64(res.Residual)))
	}
	return res, nil
}

// Redeem burns up to amount of the redeemer's stable tokens against the
// owner's vault in exchange for collateral at face value less the fee.
func (e *Engine) Redeem(ctx context.Context, redeemer, owner crypto.Address, amount Stable) (*RedemptionResult, error) {
	c := e.opContext(ctx, true)
	var res *RedemptionResult
	err := e.run(ctx, "redeem", true, func(tx StateTx, l *Ledger, out *outcome) error {
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if res, err = c.redeem(l, v, redeemer, amount); err != nil {
			return err
		}
		out.add(res.Effects, NewVaultRedeemedEvent(redeemer, res))
		return tx.PutVault(v)
	})
	return res, err
}

// RedeemAcrossResult reports a multi-vault redemption.
type RedeemAcrossResult struct {
	Redemptions   []*RedemptionResult
	Redeemed      Stable
	Fee           Stable
	CollateralOut Collateral
}

// RedeemAcross redeems amount against the given vaults in order, within one
// unit of work. Vaults that cannot take any redemption are skipped; each
// partial redemption leaves the vault at or above the minimum debt.
func (e *Engine) RedeemAcross(ctx context.Context, redeemer crypto.Address, owners []crypto.Address, amount Stable) (*RedeemAcrossResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	c := e.opContext(ctx, true)
	var res *RedeemAcrossResult
	err := e.run(ctx, "redeem_across", true, func(tx StateTx, l *Ledger, out *outcome) error {
		price, err := c.requirePrice()
		if err != nil {
			return err
		}
		res = &RedeemAcrossResult{}
		remaining := amount
		for _, owner := range owners {
			if remaining == 0 {
				break
			}
			v, err := tx.Vault(owner)
			if err != nil {
				return err
			}
			if v.Status != VaultActive {
				continue
			}
			cr, err := v.CollateralRatio(price)
			if err != nil {
				return err
			}
			if cr.Lt(c.params.MCR) {
				continue
			}
			take := c.redeemableWithinMinimum(v, remaining)
			if take == 0 {
				continue
			}
			r, err := c.redeem(l, v, redeemer, take)
			if err != nil {
				return err
			}
			if err := tx.PutVault(v); err != nil {
				return err
			}
			out.add(r.Effects, NewVaultRedeemedEvent(redeemer, r))
			res.Redemptions = append(res.Redemptions, r)
			res.Redeemed += r.Redeemed
			res.Fee += r.Fee
			res.CollateralOut += r.CollateralOut
			remaining -= r.Redeemed
		}
		if res.Redeemed == 0 {
			return ErrInvalidRedemptionAmount
		}
		return nil
	})
	return res, err
}

// redeemableWithinMinimum caps want so the vault either keeps at least the
// minimum debt or is redeemed down to its reserve.
func (c opContext) redeemableWithinMinimum(v *Vault, want Stable) Stable {
	full := v.RedeemableDebt()
	if want >= full {
		return full
	}
	if v.Debt-want >= c.params.MinimumDebt {
		return want
	}
	return saturatingSub(v.Debt, c.params.MinimumDebt)
}

// RedemptionCandidate is an active vault ranked for redemption.
type RedemptionCandidate struct {
	Vault           Vault
	CollateralRatio Ratio
}

// RedemptionCandidates returns up to limit active vaults with redeemable debt,
// sorted by ascending collateral ratio. Vaults below MCR are left for
// liquidation. limit <= 0 returns every candidate.
func (e *Engine) RedemptionCandidates(ctx context.Context, limit int) ([]RedemptionCandidate, error) {
	price, err := e.price(ctx)
	if err != nil {
		return nil, err
	}
	var out []RedemptionCandidate
	err = e.store.View(ctx, func(tx StateTx) error {
		var iterErr error
		err := tx.ActiveVaults(func(v *Vault) bool {
			if v.RedeemableDebt() == 0 {
				return true
			}
			cr, err := v.CollateralRatio(price)
			if err != nil {
				iterErr = err
				return false
			}
			if cr.Lt(e.params.MCR) {
				return true
			}
			out = append(out, RedemptionCandidate{Vault: *v, CollateralRatio: cr})
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].CollateralRatio.Cmp(out[j].CollateralRatio); c != 0 {
			return c < 0
		}
		return out[i].Vault.Owner.String() < out[j].Vault.Owner.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ProvideToStabilityPool deposits stable tokens into the pool. Pending gains
// are materialised and the deposit is re-snapshotted.
func (e *Engine) ProvideToStabilityPool(ctx context.Context, depositor crypto.Address, amount Stable) (*StabilityResult, error) {
	c := e.opContext(ctx, false)
	var res *StabilityResult
	err := e.run(ctx, "stability_deposit", true, func(tx StateTx, _ *Ledger, out *outcome) error {
		sp, d, endS, err := loadDeposit(tx, depositor)
		if err != nil {
			return err
		}
		if res, err = c.provideToStabilityPool(sp, d, depositor, amount, endS); err != nil {
			return err
		}
		out.add(res.Effects, NewStabilityDepositedEvent(res))
		if err := tx.PutStabilityPool(sp); err != nil {
			return err
		}
		return tx.PutStabilityDeposit(d)
	})
	return res, err
}

// WithdrawFromStabilityPool withdraws up to amount of the compounded deposit
// and pays out every collateral gain. A zero amount only claims gains.
func (e *Engine) WithdrawFromStabilityPool(ctx context.Context, depositor crypto.Address, amount Stable) (*StabilityResult, error) {
	c := e.opContext(ctx, false)
	var res *StabilityResult
	err := e.run(ctx, "stability_withdraw", false, func(tx StateTx, _ *Ledger, out *outcome) error {
		sp, d, endS, err := loadDeposit(tx, depositor)
		if err != nil {
			return err
		}
		if res, err = c.withdrawFromStabilityPool(sp, d, amount, endS); err != nil {
			return err
		}
		out.add(res.Effects, NewStabilityWithdrawnEvent(res))
		if err := tx.PutStabilityPool(sp); err != nil {
			return err
		}
		return tx.PutStabilityDeposit(d)
	})
	return res, err
}

func loadDeposit(tx StateTx, owner crypto.Address) (*StabilityPool, *StabilityDeposit, Ratio, error) {
	sp, err := tx.StabilityPool()
	if err != nil {
		return nil, nil, Ratio{}, err
	}
	d, err := tx.StabilityDeposit(owner)
	if err != nil {
		return nil, nil, Ratio{}, err
	}
	d.Owner = owner
	endS, err := snapshotEpochSum(tx, sp, d)
	if err != nil {
		return nil, nil, Ratio{}, err
	}
	return sp, d, endS, nil
}

// snapshotEpochSum returns the running sum that closes d's snapshot epoch.
// A missing record yields the snapshot itself, i.e. no further gain.
func snapshotEpochSum(tx StateTx, sp *StabilityPool, d *StabilityDeposit) (Ratio, error) {
	if d.InitialDeposit == 0 || d.SnapshotEpoch == sp.CurrentEpoch {
		return sp.S, nil
	}
	sum, ok, err := tx.EpochSum(d.SnapshotEpoch)
	if err != nil {
		return Ratio{}, err
	}
	if !ok {
		return d.SnapshotS, nil
	}
	return sum.S, nil
}

// LedgerStatus is the ledger together with values derived at the current
// price and time.
type LedgerStatus struct {
	Ledger          Ledger
	Price           Price
	TCR             Ratio
	RecoveryMode    bool
	DecayedBaseRate Ratio
	BorrowFeeRate   Ratio
}

// Ledger returns the protocol ledger and its derived values.
func (e *Engine) Ledger(ctx context.Context) (*LedgerStatus, error) {
	price, err := e.price(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var status *LedgerStatus
	err = e.store.View(ctx, func(tx StateTx) error {
		l, err := tx.Ledger()
		if err != nil {
			return err
		}
		tcr, err := l.TotalCollateralRatio(price)
		if err != nil {
			return err
		}
		decayed := l.DecayedBaseRate(now, e.params)
		status = &LedgerStatus{
			Ledger:          *l,
			Price:           price,
			TCR:             tcr,
			RecoveryMode:    tcr.Lt(e.params.CCR),
			DecayedBaseRate: decayed,
			BorrowFeeRate:   FeeRate(decayed, e.params),
		}
		return nil
	})
	return status, err
}

// Vault returns the owner's vault. Owners without a vault get an Inactive
// zero record.
func (e *Engine) Vault(ctx context.Context, owner crypto.Address) (*Vault, error) {
	var out *Vault
	err := e.store.View(ctx, func(tx StateTx) error {
		v, err := tx.Vault(owner)
		out = v
		return err
	})
	return out, err
}

// Pool returns the Stability Pool record.
func (e *Engine) Pool(ctx context.Context) (*StabilityPool, error) {
	var out *StabilityPool
	err := e.store.View(ctx, func(tx StateTx) error {
		sp, err := tx.StabilityPool()
		out = sp
		return err
	})
	return out, err
}

// DepositStatus is a stability deposit with its current value.
type DepositStatus struct {
	Deposit     StabilityDeposit
	Compounded  Stable
	PendingGain Collateral
}

// Deposit returns the owner's stability deposit, its compounded value and the
// collateral gain claimable right now.
func (e *Engine) Deposit(ctx context.Context, owner crypto.Address) (*DepositStatus, error) {
	var out *DepositStatus
	err := e.store.View(ctx, func(tx StateTx) error {
		sp, d, endS, err := loadDeposit(tx, owner)
		if err != nil {
			return err
		}
		compounded, gain, err := settleDeposit(sp, d, endS)
		if err != nil {
			return err
		}
		total, err := checkedAdd(d.CollateralGains, gain)
		if err != nil {
			return err
		}
		out = &DepositStatus{Deposit: *d, Compounded: compounded, PendingGain: total}
		return nil
	})
	return out, err
}

// MaxBorrowable returns the additional debt the owner's vault could carry at
// the current price before breaching the mode-appropriate minimum ratio.
func (e *Engine) MaxBorrowable(ctx context.Context, owner crypto.Address) (Stable, error) {
	price, err := e.price(ctx)
	if err != nil {
		return 0, err
	}
	var out Stable
	err = e.store.View(ctx, func(tx StateTx) error {
		l, err := tx.Ledger()
		if err != nil {
			return err
		}
		v, err := tx.Vault(owner)
		if err != nil {
			return err
		}
		if v.Status != VaultActive {
			return ErrVaultNotActive
		}
		recovery, err := l.RecoveryMode(price, e.params)
		if err != nil {
			return err
		}
		minRatio := e.params.MCR
		if recovery {
			minRatio = e.params.CCR
		}
		out, err = v.MaxBorrowable(price, minRatio)
		return err
	})
	return out, err
}

// RequiredCollateral returns the collateral needed to back debt at MCR at
// the current price.
func (e *Engine) RequiredCollateral(ctx context.Context, debt Stable) (Collateral, error) {
	price, err := e.price(ctx)
	if err != nil {
		return 0, err
	}
	return RequiredCollateral(debt, e.params.MCR, price)
}
