package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
	"github.com/bobby-ai-dev/manna-protocol/storage"
)

const (
	unitCollateral cdp.Collateral = 1_000_000_000
	unitStable     cdp.Stable     = 1_000_000
)

type staticPrice cdp.Price

func (p staticPrice) Price(context.Context) (cdp.Price, time.Time, error) {
	return cdp.Price(p), time.Time{}, nil
}

func address(n byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x5A
	raw[19] = n
	return crypto.NewAddress(crypto.MannaPrefix, raw)
}

func newEngine(t *testing.T, db storage.Database, price cdp.Price) (*cdp.Engine, *Manager) {
	t.Helper()
	manager := NewManager(db)
	engine := cdp.NewEngine(manager, staticPrice(price), cdp.DefaultParams())
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, manager
}

func TestManagerLedgerRoundTrip(t *testing.T) {
	engine, manager := newEngine(t, storage.NewMemDB(), 200_000_000)
	ctx := context.Background()
	authority := address(0xEE)

	err := manager.View(ctx, func(tx cdp.StateTx) error {
		_, err := tx.Ledger()
		return err
	})
	require.ErrorIs(t, err, cdp.ErrNotInitialized)

	require.NoError(t, engine.Initialize(ctx, authority, cdp.InitConfig{StableDenom: "USDsol", RewardDenom: "MANNA", PriceFeed: "sol-usd"}))

	status, err := engine.Ledger(ctx)
	require.NoError(t, err)
	require.True(t, status.Ledger.Authority.Equal(authority))
	require.Equal(t, "USDsol", status.Ledger.StableDenom)
	require.False(t, status.RecoveryMode)

	pool, err := engine.Pool(ctx)
	require.NoError(t, err)
	require.Zero(t, pool.CurrentEpoch)
	require.Zero(t, pool.P.Cmp(cdp.OneRatio))
}

func TestManagerEngineFlow(t *testing.T) {
	engine, manager := newEngine(t, storage.NewMemDB(), 200_000_000)
	ctx := context.Background()
	owner := address(1)
	require.NoError(t, engine.Initialize(ctx, address(0xEE), cdp.InitConfig{}))
	require.NoError(t, manager.Credit(ctx, cdp.AssetCollateral, owner, uint64(10*unitCollateral)))

	_, err := engine.OpenVault(ctx, owner, 10*unitCollateral)
	require.NoError(t, err)
	res, err := engine.Borrow(ctx, owner, 1_000*unitStable)
	require.NoError(t, err)
	require.Equal(t, 1_055*unitStable, res.Vault.Debt)

	v, err := engine.Vault(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, cdp.VaultActive, v.Status)
	require.Equal(t, 10*unitCollateral, v.Collateral)
	require.Equal(t, 1_055*unitStable, v.Debt)
	require.True(t, v.Owner.Equal(owner))

	bal, err := manager.Balance(cdp.AssetStable, owner)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000*unitStable), bal)
	custody, err := manager.Balance(cdp.AssetCollateral, cdp.CustodyAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(10*unitCollateral), custody)
	supply, err := manager.Supply(cdp.AssetStable)
	require.NoError(t, err)
	require.Equal(t, uint64(1_050*unitStable), supply)

	// A rejected operation leaves no partial writes behind.
	_, err = engine.Borrow(ctx, owner, 5_000*unitStable)
	require.ErrorIs(t, err, cdp.ErrBelowMinimumCollateralRatio)
	after, err := engine.Vault(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, v.Debt, after.Debt)
	supplyAfter, err := manager.Supply(cdp.AssetStable)
	require.NoError(t, err)
	require.Equal(t, supply, supplyAfter)
}

func TestManagerUpdateIsAtomic(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx := context.Background()
	owner := address(2)
	boom := errors.New("boom")

	err := manager.Update(ctx, func(tx cdp.StateTx) error {
		require.NoError(t, tx.Tokens().Mint(cdp.AssetStable, owner, 42))
		require.NoError(t, tx.PutVault(&cdp.Vault{Owner: owner, Status: cdp.VaultActive, Collateral: 7}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := manager.Balance(cdp.AssetStable, owner)
	require.NoError(t, err)
	require.Zero(t, bal)
	err = manager.View(ctx, func(tx cdp.StateTx) error {
		v, err := tx.Vault(owner)
		require.NoError(t, err)
		require.Equal(t, cdp.VaultInactive, v.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestManagerViewIsReadOnly(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	err := manager.View(context.Background(), func(tx cdp.StateTx) error {
		return tx.PutVault(&cdp.Vault{Owner: address(3)})
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestManagerViewSeesWholeCommits(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx := context.Background()
	a, b := address(6), address(7)
	require.NoError(t, manager.Credit(ctx, cdp.AssetStable, a, 100))

	done := make(chan struct{})
	go func() {
		defer close(done)
		from, to := a, b
		for i := 0; i < 200; i++ {
			_ = manager.Update(ctx, func(tx cdp.StateTx) error {
				return tx.Tokens().Transfer(cdp.AssetStable, from, to, 100)
			})
			from, to = to, from
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		err := manager.View(ctx, func(tx cdp.StateTx) error {
			bk := tx.Tokens().(*bank)
			x, err := bk.amount(balanceKey(cdp.AssetStable, a))
			if err != nil {
				return err
			}
			y, err := bk.amount(balanceKey(cdp.AssetStable, b))
			if err != nil {
				return err
			}
			require.Equal(t, uint64(100), x+y)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestManagerBankRejectsOverdraft(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx := context.Background()
	from, to := address(4), address(5)
	require.NoError(t, manager.Credit(ctx, cdp.AssetStable, from, 10))

	err := manager.Update(ctx, func(tx cdp.StateTx) error {
		return tx.Tokens().Transfer(cdp.AssetStable, from, to, 11)
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	err = manager.Update(ctx, func(tx cdp.StateTx) error {
		return tx.Tokens().Burn(cdp.AssetStable, from, 4)
	})
	require.NoError(t, err)
	supply, err := manager.Supply(cdp.AssetStable)
	require.NoError(t, err)
	require.Equal(t, uint64(6), supply)
}

func TestManagerActiveVaultsSeesOverlay(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx := context.Background()
	require.NoError(t, manager.Update(ctx, func(tx cdp.StateTx) error {
		require.NoError(t, tx.PutVault(&cdp.Vault{Owner: address(6), Status: cdp.VaultActive, Collateral: 1}))
		return tx.PutVault(&cdp.Vault{Owner: address(7), Status: cdp.VaultLiquidated})
	}))
	require.NoError(t, manager.Update(ctx, func(tx cdp.StateTx) error {
		require.NoError(t, tx.PutVault(&cdp.Vault{Owner: address(8), Status: cdp.VaultActive, Collateral: 2}))
		var seen []byte
		err := tx.ActiveVaults(func(v *cdp.Vault) bool {
			seen = append(seen, v.Owner.Bytes()[19])
			return true
		})
		require.NoError(t, err)
		require.Equal(t, []byte{6, 8}, seen)
		return nil
	}))
}

func TestManagerEpochSums(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx := context.Background()
	sum := &cdp.EpochSum{Epoch: 3, S: cdp.RatioFromUint64(123_456)}
	require.NoError(t, manager.Update(ctx, func(tx cdp.StateTx) error {
		return tx.PutEpochSum(sum)
	}))
	require.NoError(t, manager.View(ctx, func(tx cdp.StateTx) error {
		got, ok, err := tx.EpochSum(3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Zero(t, got.S.Cmp(sum.S))
		_, ok, err = tx.EpochSum(4)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func TestManagerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	owner := address(9)

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	engine, manager := newEngine(t, db, 200_000_000)
	require.NoError(t, engine.Initialize(ctx, address(0xEE), cdp.InitConfig{}))
	require.NoError(t, manager.Credit(ctx, cdp.AssetCollateral, owner, uint64(3*unitCollateral)))
	_, err = engine.OpenVault(ctx, owner, 3*unitCollateral)
	require.NoError(t, err)
	require.NoError(t, manager.Close())

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	engine, manager = newEngine(t, db, 200_000_000)
	defer manager.Close()

	v, err := engine.Vault(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, cdp.VaultActive, v.Status)
	require.Equal(t, 3*unitCollateral, v.Collateral)
	status, err := engine.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.Ledger.ActiveVaults)
}

func TestEnsureStateVersion(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)

	_, ok, err := manager.StateVersion()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, manager.EnsureStateVersion(false))
	version, ok, err := manager.StateVersion()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateVersion, version)

	require.NoError(t, manager.SetStateVersion(StateVersion+1))
	err = manager.EnsureStateVersion(false)
	require.ErrorIs(t, err, ErrStateVersionMismatch)
	require.NoError(t, manager.EnsureStateVersion(true))
}
