package state

import (
	"context"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

var (
	balancePrefix = []byte("bank/balance")
	supplyPrefix  = []byte("bank/supply")

	ErrInsufficientBalance = errors.New("state: insufficient balance")
	errBalanceOverflow     = errors.New("state: balance overflow")
	errNoAccount           = errors.New("state: account required")
)

func balanceKey(asset cdp.Asset, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, len(balancePrefix)+1+len(raw))
	copy(buf, balancePrefix)
	buf[len(balancePrefix)] = byte(asset)
	copy(buf[len(balancePrefix)+1:], raw)
	return ethcrypto.Keccak256(buf)
}

func supplyKey(asset cdp.Asset) []byte {
	buf := make([]byte, len(supplyPrefix)+1)
	copy(buf, supplyPrefix)
	buf[len(supplyPrefix)] = byte(asset)
	return ethcrypto.Keccak256(buf)
}

// bank is the token ledger of a unit of work. Balances and supply move in
// the same batch as the CDP records.
type bank struct {
	tx *tx
}

func (b *bank) amount(key []byte) (uint64, error) {
	var v uint64
	if _, err := b.tx.getRLP(key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (b *bank) credit(key []byte, amount uint64) error {
	cur, err := b.amount(key)
	if err != nil {
		return err
	}
	if cur+amount < cur {
		return errBalanceOverflow
	}
	return b.tx.putRLP(key, cur+amount)
}

func (b *bank) debit(key []byte, amount uint64) error {
	cur, err := b.amount(key)
	if err != nil {
		return err
	}
	if cur < amount {
		return ErrInsufficientBalance
	}
	return b.tx.putRLP(key, cur-amount)
}

func (b *bank) Mint(asset cdp.Asset, to crypto.Address, amount uint64) error {
	if to.IsZero() {
		return errNoAccount
	}
	if err := b.credit(supplyKey(asset), amount); err != nil {
		return err
	}
	return b.credit(balanceKey(asset, to), amount)
}

func (b *bank) Burn(asset cdp.Asset, from crypto.Address, amount uint64) error {
	if from.IsZero() {
		return errNoAccount
	}
	if err := b.debit(balanceKey(asset, from), amount); err != nil {
		return fmt.Errorf("burn %s from %s: %w", asset, from, err)
	}
	return b.debit(supplyKey(asset), amount)
}

func (b *bank) Transfer(asset cdp.Asset, from, to crypto.Address, amount uint64) error {
	if from.IsZero() || to.IsZero() {
		return errNoAccount
	}
	if err := b.debit(balanceKey(asset, from), amount); err != nil {
		return fmt.Errorf("transfer %s from %s: %w", asset, from, err)
	}
	return b.credit(balanceKey(asset, to), amount)
}

// Credit mints amount of asset to addr outside any CDP operation, e.g. for
// collateral bridged in from elsewhere.
func (m *Manager) Credit(ctx context.Context, asset cdp.Asset, addr crypto.Address, amount uint64) error {
	return m.Update(ctx, func(stx cdp.StateTx) error {
		return stx.Tokens().Mint(asset, addr, amount)
	})
}

// Balance returns the committed balance of addr.
func (m *Manager) Balance(asset cdp.Asset, addr crypto.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := &bank{tx: newTx(m.db, true)}
	return b.amount(balanceKey(asset, addr))
}

// Supply returns the committed total supply of asset.
func (m *Manager) Supply(asset cdp.Asset) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := &bank{tx: newTx(m.db, true)}
	return b.amount(supplyKey(asset))
}
