package cdp

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
)

// Asset identifies one of the two tokens moved by the engine.
type Asset uint8

const (
	AssetCollateral Asset = iota + 1
	AssetStable
)

func (a Asset) String() string {
	switch a {
	case AssetCollateral:
		return "collateral"
	case AssetStable:
		return "stable"
	default:
		return fmt.Sprintf("asset(%d)", uint8(a))
	}
}

// EffectKind enumerates token movements.
type EffectKind uint8

const (
	EffectMint EffectKind = iota + 1
	EffectBurn
	EffectTransfer
)

func (k EffectKind) String() string {
	switch k {
	case EffectMint:
		return "mint"
	case EffectBurn:
		return "burn"
	case EffectTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("effect(%d)", uint8(k))
	}
}

// Effect is a token movement requested by an operation. Effects are executed
// by the TokenLedger in the same unit of work that persists the records.
type Effect struct {
	Kind   EffectKind
	Asset  Asset
	From   crypto.Address
	To     crypto.Address
	Amount uint64
}

// TokenLedger executes token movements for both assets. Implementations
// must either apply a movement fully or return an error.
type TokenLedger interface {
	Mint(asset Asset, to crypto.Address, amount uint64) error
	Burn(asset Asset, from crypto.Address, amount uint64) error
	Transfer(asset Asset, from, to crypto.Address, amount uint64) error
}

// ApplyEffects executes effects in order and stops at the first failure.
func ApplyEffects(tokens TokenLedger, effects []Effect) error {
	if tokens == nil {
		return fmt.Errorf("cdp: token ledger not configured")
	}
	for i, eff := range effects {
		var err error
		switch eff.Kind {
		case EffectMint:
			err = tokens.Mint(eff.Asset, eff.To, eff.Amount)
		case EffectBurn:
			err = tokens.Burn(eff.Asset, eff.From, eff.Amount)
		case EffectTransfer:
			err = tokens.Transfer(eff.Asset, eff.From, eff.To, eff.Amount)
		default:
			err = fmt.Errorf("unknown effect kind %d", eff.Kind)
		}
		if err != nil {
			return fmt.Errorf("cdp: effect %d (%s %s): %w", i, eff.Kind, eff.Asset, err)
		}
	}
	return nil
}

// Module accounts holding protocol funds.
var (
	// CustodyAddress holds the collateral of every active vault.
	CustodyAddress = ModuleAddress("custody")
	// StabilityPoolAddress holds pooled stable deposits and collateral gains.
	StabilityPoolAddress = ModuleAddress("stability")
	// GasPoolAddress holds the liquidation reserves of vaults with debt.
	GasPoolAddress = ModuleAddress("gas")
)

// ModuleAddress derives the deterministic account of a protocol module.
func ModuleAddress(name string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte("manna/module/" + name))
	return crypto.NewAddress(crypto.MannaPrefix, digest[12:])
}

type effectList []Effect

func (l *effectList) mint(asset Asset, to crypto.Address, amount uint64) {
	if amount == 0 {
		return
	}
	*l = append(*l, Effect{Kind: EffectMint, Asset: asset, To: to, Amount: amount})
}

func (l *effectList) burn(asset Asset, from crypto.Address, amount uint64) {
	if amount == 0 {
		return
	}
	*l = append(*l, Effect{Kind: EffectBurn, Asset: asset, From: from, Amount: amount})
}

func (l *effectList) transfer(asset Asset, from, to crypto.Address, amount uint64) {
	if amount == 0 {
		return
	}
	*l = append(*l, Effect{Kind: EffectTransfer, Asset: asset, From: from, To: to, Amount: amount})
}
