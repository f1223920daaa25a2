package state

import (
	"encoding/binary"
	"math/big"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

var (
	cdpLedgerKey     = []byte("cdp/ledger")
	cdpPoolKey       = []byte("cdp/pool")
	cdpVaultPrefix   = []byte("cdp/vault/")
	cdpDepositPrefix = []byte("cdp/deposit/")
	cdpEpochPrefix   = []byte("cdp/epoch/")
)

func ownerKey(prefix []byte, owner crypto.Address) []byte {
	addr := owner.Bytes()
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr)
	return buf
}

func epochKey(epoch uint64) []byte {
	buf := make([]byte, len(cdpEpochPrefix)+8)
	copy(buf, cdpEpochPrefix)
	binary.BigEndian.PutUint64(buf[len(cdpEpochPrefix):], epoch)
	return buf
}

func addressFromStored(b []byte) crypto.Address {
	if len(b) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.MannaPrefix, b)
}

func ratioFromStored(b *big.Int) (cdp.Ratio, error) {
	return cdp.RatioFromBig(b)
}

type storedVault struct {
	Owner              []byte
	Collateral         uint64
	Debt               uint64
	LiquidationReserve uint64
	Status             uint8
	OpenedAt           uint64
	LastUpdated        uint64
}

func newStoredVault(v *cdp.Vault) *storedVault {
	return &storedVault{
		Owner:              v.Owner.Bytes(),
		Collateral:         uint64(v.Collateral),
		Debt:               uint64(v.Debt),
		LiquidationReserve: uint64(v.LiquidationReserve),
		Status:             uint8(v.Status),
		OpenedAt:           uint64(v.OpenedAt),
		LastUpdated:        uint64(v.LastUpdated),
	}
}

func (s *storedVault) toVault() *cdp.Vault {
	return &cdp.Vault{
		Owner:              addressFromStored(s.Owner),
		Collateral:         cdp.Collateral(s.Collateral),
		Debt:               cdp.Stable(s.Debt),
		LiquidationReserve: cdp.Stable(s.LiquidationReserve),
		Status:             cdp.VaultStatus(s.Status),
		OpenedAt:           int64(s.OpenedAt),
		LastUpdated:        int64(s.LastUpdated),
	}
}

type storedLedger struct {
	Authority            []byte
	StableDenom          string
	RewardDenom          string
	PriceFeed            string
	TotalCollateral      uint64
	TotalDebt            uint64
	BaseRate             *big.Int
	LastFeeOperationTime uint64
	TotalVaults          uint64
	ActiveVaults         uint64
	Paused               bool
}

func newStoredLedger(l *cdp.Ledger) *storedLedger {
	return &storedLedger{
		Authority:            l.Authority.Bytes(),
		StableDenom:          l.StableDenom,
		RewardDenom:          l.RewardDenom,
		PriceFeed:            l.PriceFeed,
		TotalCollateral:      uint64(l.TotalCollateral),
		TotalDebt:            uint64(l.TotalDebt),
		BaseRate:             l.BaseRate.Big(),
		LastFeeOperationTime: uint64(l.LastFeeOperationTime),
		TotalVaults:          l.TotalVaults,
		ActiveVaults:         l.ActiveVaults,
		Paused:               l.Paused,
	}
}

func (s *storedLedger) toLedger() (*cdp.Ledger, error) {
	baseRate, err := ratioFromStored(s.BaseRate)
	if err != nil {
		return nil, err
	}
	return &cdp.Ledger{
		Authority:            addressFromStored(s.Authority),
		StableDenom:          s.StableDenom,
		RewardDenom:          s.RewardDenom,
		PriceFeed:            s.PriceFeed,
		TotalCollateral:      cdp.Collateral(s.TotalCollateral),
		TotalDebt:            cdp.Stable(s.TotalDebt),
		BaseRate:             baseRate,
		LastFeeOperationTime: int64(s.LastFeeOperationTime),
		TotalVaults:          s.TotalVaults,
		ActiveVaults:         s.ActiveVaults,
		Paused:               s.Paused,
	}, nil
}

type storedPool struct {
	TotalDeposits        uint64
	TotalCollateralGains uint64
	CurrentEpoch         uint64
	P                    *big.Int
	S                    *big.Int
	TotalRewardIssued    uint64
	ResidualDeposits     uint64
}

func newStoredPool(sp *cdp.StabilityPool) *storedPool {
	return &storedPool{
		TotalDeposits:        uint64(sp.TotalDeposits),
		TotalCollateralGains: uint64(sp.TotalCollateralGains),
		CurrentEpoch:         sp.CurrentEpoch,
		P:                    sp.P.Big(),
		S:                    sp.S.Big(),
		TotalRewardIssued:    sp.TotalRewardIssued,
		ResidualDeposits:     uint64(sp.ResidualDeposits),
	}
}

func (s *storedPool) toPool() (*cdp.StabilityPool, error) {
	p, err := ratioFromStored(s.P)
	if err != nil {
		return nil, err
	}
	sum, err := ratioFromStored(s.S)
	if err != nil {
		return nil, err
	}
	return &cdp.StabilityPool{
		TotalDeposits:        cdp.Stable(s.TotalDeposits),
		TotalCollateralGains: cdp.Collateral(s.TotalCollateralGains),
		CurrentEpoch:         s.CurrentEpoch,
		P:                    p,
		S:                    sum,
		TotalRewardIssued:    s.TotalRewardIssued,
		ResidualDeposits:     cdp.Stable(s.ResidualDeposits),
	}, nil
}

type storedDeposit struct {
	Owner           []byte
	InitialDeposit  uint64
	SnapshotP       *big.Int
	SnapshotS       *big.Int
	SnapshotEpoch   uint64
	CollateralGains uint64
	DepositedAt     uint64
}

func newStoredDeposit(d *cdp.StabilityDeposit) *storedDeposit {
	return &storedDeposit{
		Owner:           d.Owner.Bytes(),
		InitialDeposit:  uint64(d.InitialDeposit),
		SnapshotP:       d.SnapshotP.Big(),
		SnapshotS:       d.SnapshotS.Big(),
		SnapshotEpoch:   d.SnapshotEpoch,
		CollateralGains: uint64(d.CollateralGains),
		DepositedAt:     uint64(d.DepositedAt),
	}
}

func (s *storedDeposit) toDeposit() (*cdp.StabilityDeposit, error) {
	p, err := ratioFromStored(s.SnapshotP)
	if err != nil {
		return nil, err
	}
	sum, err := ratioFromStored(s.SnapshotS)
	if err != nil {
		return nil, err
	}
	return &cdp.StabilityDeposit{
		Owner:           addressFromStored(s.Owner),
		InitialDeposit:  cdp.Stable(s.InitialDeposit),
		SnapshotP:       p,
		SnapshotS:       sum,
		SnapshotEpoch:   s.SnapshotEpoch,
		CollateralGains: cdp.Collateral(s.CollateralGains),
		DepositedAt:     int64(s.DepositedAt),
	}, nil
}

type storedEpochSum struct {
	Epoch uint64
	S     *big.Int
}

func (t *tx) Ledger() (*cdp.Ledger, error) {
	var stored storedLedger
	ok, err := t.getRLP(cdpLedgerKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cdp.ErrNotInitialized
	}
	return stored.toLedger()
}

func (t *tx) PutLedger(l *cdp.Ledger) error {
	return t.putRLP(cdpLedgerKey, newStoredLedger(l))
}

func (t *tx) StabilityPool() (*cdp.StabilityPool, error) {
	var stored storedPool
	ok, err := t.getRLP(cdpPoolKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cdp.ErrNotInitialized
	}
	return stored.toPool()
}

func (t *tx) PutStabilityPool(sp *cdp.StabilityPool) error {
	return t.putRLP(cdpPoolKey, newStoredPool(sp))
}

func (t *tx) Vault(owner crypto.Address) (*cdp.Vault, error) {
	var stored storedVault
	ok, err := t.getRLP(ownerKey(cdpVaultPrefix, owner), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &cdp.Vault{Owner: owner, Status: cdp.VaultInactive}, nil
	}
	return stored.toVault(), nil
}

func (t *tx) PutVault(v *cdp.Vault) error {
	return t.putRLP(ownerKey(cdpVaultPrefix, v.Owner), newStoredVault(v))
}

func (t *tx) StabilityDeposit(owner crypto.Address) (*cdp.StabilityDeposit, error) {
	var stored storedDeposit
	ok, err := t.getRLP(ownerKey(cdpDepositPrefix, owner), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &cdp.StabilityDeposit{Owner: owner}, nil
	}
	return stored.toDeposit()
}

func (t *tx) PutStabilityDeposit(d *cdp.StabilityDeposit) error {
	return t.putRLP(ownerKey(cdpDepositPrefix, d.Owner), newStoredDeposit(d))
}

func (t *tx) EpochSum(epoch uint64) (*cdp.EpochSum, bool, error) {
	var stored storedEpochSum
	ok, err := t.getRLP(epochKey(epoch), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	sum, err := ratioFromStored(stored.S)
	if err != nil {
		return nil, false, err
	}
	return &cdp.EpochSum{Epoch: stored.Epoch, S: sum}, true, nil
}

func (t *tx) PutEpochSum(sum *cdp.EpochSum) error {
	return t.putRLP(epochKey(sum.Epoch), &storedEpochSum{Epoch: sum.Epoch, S: sum.S.Big()})
}

func (t *tx) ActiveVaults(fn func(*cdp.Vault) bool) error {
	var decodeErr error
	err := t.iterate(cdpVaultPrefix, func(_, value []byte) bool {
		var stored storedVault
		if err := decodeRLP(value, &stored); err != nil {
			decodeErr = err
			return false
		}
		if cdp.VaultStatus(stored.Status) != cdp.VaultActive {
			return true
		}
		return fn(stored.toVault())
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (t *tx) Tokens() cdp.TokenLedger { return &bank{tx: t} }
