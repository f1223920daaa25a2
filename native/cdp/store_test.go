package cdp

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

var errTestBalance = errors.New("test: insufficient balance")

type balanceKey struct {
	asset Asset
	owner string
}

// memState is a copy-on-write snapshot used by memStore.
type memState struct {
	ledger   *Ledger
	pool     *StabilityPool
	vaults   map[string]Vault
	deposits map[string]StabilityDeposit
	epochs   map[uint64]EpochSum
	balances map[balanceKey]uint64
	supply   map[Asset]uint64
}

func newMemState() *memState {
	return &memState{
		vaults:   make(map[string]Vault),
		deposits: make(map[string]StabilityDeposit),
		epochs:   make(map[uint64]EpochSum),
		balances: make(map[balanceKey]uint64),
		supply:   make(map[Asset]uint64),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	if s.ledger != nil {
		l := *s.ledger
		out.ledger = &l
	}
	if s.pool != nil {
		p := *s.pool
		out.pool = &p
	}
	for k, v := range s.vaults {
		out.vaults[k] = v
	}
	for k, v := range s.deposits {
		out.deposits[k] = v
	}
	for k, v := range s.epochs {
		out.epochs[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.supply {
		out.supply[k] = v
	}
	return out
}

// memStore is an in-memory Store with all-or-nothing commits.
type memStore struct {
	mu    sync.Mutex
	state *memState
}

func newMemStore() *memStore { return &memStore{state: newMemState()} }

func (m *memStore) Update(_ context.Context, fn func(StateTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) View(_ context.Context, fn func(StateTx) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()
	return fn(&memTx{s: snapshot})
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) balance(asset Asset, owner crypto.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balances[balanceKey{asset, owner.String()}]
}

func (m *memStore) supplyOf(asset Asset) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.supply[asset]
}

type memTx struct {
	s *memState
}

func (t *memTx) Ledger() (*Ledger, error) {
	if t.s.ledger == nil {
		return nil, ErrNotInitialized
	}
	l := *t.s.ledger
	return &l, nil
}

func (t *memTx) PutLedger(l *Ledger) error {
	cp := *l
	t.s.ledger = &cp
	return nil
}

func (t *memTx) StabilityPool() (*StabilityPool, error) {
	if t.s.pool == nil {
		return nil, ErrNotInitialized
	}
	p := *t.s.pool
	return &p, nil
}

func (t *memTx) PutStabilityPool(sp *StabilityPool) error {
	cp := *sp
	t.s.pool = &cp
	return nil
}

func (t *memTx) Vault(owner crypto.Address) (*Vault, error) {
	if v, ok := t.s.vaults[owner.String()]; ok {
		return &v, nil
	}
	return &Vault{Owner: owner}, nil
}

func (t *memTx) PutVault(v *Vault) error {
	t.s.vaults[v.Owner.String()] = *v
	return nil
}

func (t *memTx) StabilityDeposit(owner crypto.Address) (*StabilityDeposit, error) {
	if d, ok := t.s.deposits[owner.String()]; ok {
		return &d, nil
	}
	return &StabilityDeposit{Owner: owner}, nil
}

func (t *memTx) PutStabilityDeposit(d *StabilityDeposit) error {
	t.s.deposits[d.Owner.String()] = *d
	return nil
}

func (t *memTx) EpochSum(epoch uint64) (*EpochSum, bool, error) {
	sum, ok := t.s.epochs[epoch]
	if !ok {
		return nil, false, nil
	}
	return &sum, true, nil
}

func (t *memTx) PutEpochSum(sum *EpochSum) error {
	t.s.epochs[sum.Epoch] = *sum
	return nil
}

func (t *memTx) ActiveVaults(fn func(*Vault) bool) error {
	keys := make([]string, 0, len(t.s.vaults))
	for k := range t.s.vaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := t.s.vaults[k]
		if v.Status != VaultActive {
			continue
		}
		if !fn(&v) {
			return nil
		}
	}
	return nil
}

func (t *memTx) Tokens() TokenLedger { return memTokens{s: t.s} }

type memTokens struct {
	s *memState
}

func (m memTokens) Mint(asset Asset, to crypto.Address, amount uint64) error {
	m.s.balances[balanceKey{asset, to.String()}] += amount
	m.s.supply[asset] += amount
	return nil
}

func (m memTokens) Burn(asset Asset, from crypto.Address, amount uint64) error {
	key := balanceKey{asset, from.String()}
	if m.s.balances[key] < amount {
		return errTestBalance
	}
	m.s.balances[key] -= amount
	m.s.supply[asset] -= amount
	return nil
}

func (m memTokens) Transfer(asset Asset, from, to crypto.Address, amount uint64) error {
	key := balanceKey{asset, from.String()}
	if m.s.balances[key] < amount {
		return errTestBalance
	}
	m.s.balances[key] -= amount
	m.s.balances[balanceKey{asset, to.String()}] += amount
	return nil
}
