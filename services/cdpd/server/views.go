package server

import (
	"time"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

// Amounts are rendered as decimal strings in base units.

type vaultView struct {
	Owner              string `json:"owner"`
	Collateral         uint64 `json:"collateral,string"`
	Debt               uint64 `json:"debt,string"`
	LiquidationReserve uint64 `json:"liquidation_reserve,string"`
	Status             string `json:"status"`
	OpenedAt           int64  `json:"opened_at"`
	LastUpdated        int64  `json:"last_updated"`
	CollateralRatio    string `json:"collateral_ratio,omitempty"`
}

func newVaultView(v cdp.Vault) vaultView {
	return vaultView{
		Owner:              v.Owner.String(),
		Collateral:         uint64(v.Collateral),
		Debt:               uint64(v.Debt),
		LiquidationReserve: uint64(v.LiquidationReserve),
		Status:             v.Status.String(),
		OpenedAt:           v.OpenedAt,
		LastUpdated:        v.LastUpdated,
	}
}

func ratioString(r cdp.Ratio) string {
	if r.IsMax() {
		return "max"
	}
	return r.String()
}

type effectView struct {
	Kind   string `json:"kind"`
	Asset  string `json:"asset"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount,string"`
}

func newEffectViews(effects []cdp.Effect) []effectView {
	out := make([]effectView, 0, len(effects))
	for _, eff := range effects {
		out = append(out, effectView{
			Kind:   eff.Kind.String(),
			Asset:  eff.Asset.String(),
			From:   addressString(eff.From),
			To:     addressString(eff.To),
			Amount: eff.Amount,
		})
	}
	return out
}

func addressString(a crypto.Address) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}

type vaultOpResponse struct {
	Vault   vaultView    `json:"vault"`
	Amount  uint64       `json:"amount,string,omitempty"`
	Effects []effectView `json:"effects"`
}

type borrowResponse struct {
	Vault           vaultView    `json:"vault"`
	Minted          uint64       `json:"minted,string"`
	Fee             uint64       `json:"fee,string"`
	Reserve         uint64       `json:"reserve,string"`
	RecoveryMode    bool         `json:"recovery_mode"`
	CollateralRatio string       `json:"collateral_ratio"`
	Effects         []effectView `json:"effects"`
}

type closeResponse struct {
	Vault           vaultView    `json:"vault"`
	Repaid          uint64       `json:"repaid,string"`
	ReserveReleased uint64       `json:"reserve_released,string"`
	Refunded        uint64       `json:"refunded,string"`
	Effects         []effectView `json:"effects"`
}

type liquidationResponse struct {
	Vault          vaultView    `json:"vault"`
	Debt           uint64       `json:"debt,string"`
	Collateral     uint64       `json:"collateral,string"`
	PoolCollateral uint64       `json:"pool_collateral,string"`
	Bonus          uint64       `json:"bonus,string"`
	Surplus        uint64       `json:"surplus,string"`
	Compensation   uint64       `json:"compensation,string"`
	Partial        bool         `json:"partial"`
	RecoveryMode   bool         `json:"recovery_mode"`
	Effects        []effectView `json:"effects"`
}

func newLiquidationResponse(res *cdp.LiquidationResult) liquidationResponse {
	return liquidationResponse{
		Vault:          newVaultView(res.Vault),
		Debt:           uint64(res.Debt),
		Collateral:     uint64(res.Collateral),
		PoolCollateral: uint64(res.PoolCollateral),
		Bonus:          uint64(res.Bonus),
		Surplus:        uint64(res.Surplus),
		Compensation:   uint64(res.Compensation),
		Partial:        res.Partial,
		RecoveryMode:   res.RecoveryMode,
		Effects:        newEffectViews(res.Effects),
	}
}

type redemptionResponse struct {
	Vault         vaultView    `json:"vault"`
	Redeemed      uint64       `json:"redeemed,string"`
	Fee           uint64       `json:"fee,string"`
	CollateralOut uint64       `json:"collateral_out,string"`
	FeeRate       string       `json:"fee_rate"`
	Closed        bool         `json:"closed"`
	Refunded      uint64       `json:"refunded,string"`
	Effects       []effectView `json:"effects"`
}

func newRedemptionResponse(res *cdp.RedemptionResult) redemptionResponse {
	return redemptionResponse{
		Vault:         newVaultView(res.Vault),
		Redeemed:      uint64(res.Redeemed),
		Fee:           uint64(res.Fee),
		CollateralOut: uint64(res.CollateralOut),
		FeeRate:       res.FeeRate.String(),
		Closed:        res.Closed,
		Refunded:      uint64(res.Refunded),
		Effects:       newEffectViews(res.Effects),
	}
}

type redeemAcrossResponse struct {
	Redemptions   []redemptionResponse `json:"redemptions"`
	Redeemed      uint64               `json:"redeemed,string"`
	Fee           uint64               `json:"fee,string"`
	CollateralOut uint64               `json:"collateral_out,string"`
}

type depositView struct {
	Owner           string `json:"owner"`
	InitialDeposit  uint64 `json:"initial_deposit,string"`
	SnapshotEpoch   uint64 `json:"snapshot_epoch"`
	CollateralGains uint64 `json:"collateral_gains,string"`
	DepositedAt     int64  `json:"deposited_at"`
}

func newDepositView(d cdp.StabilityDeposit) depositView {
	return depositView{
		Owner:           addressString(d.Owner),
		InitialDeposit:  uint64(d.InitialDeposit),
		SnapshotEpoch:   d.SnapshotEpoch,
		CollateralGains: uint64(d.CollateralGains),
		DepositedAt:     d.DepositedAt,
	}
}

type stabilityResponse struct {
	Deposit          depositView  `json:"deposit"`
	Amount           uint64       `json:"amount,string"`
	Compounded       uint64       `json:"compounded,string"`
	GainMaterialized uint64       `json:"gain_materialized,string"`
	CollateralPaid   uint64       `json:"collateral_paid,string"`
	Effects          []effectView `json:"effects"`
}

func newStabilityResponse(res *cdp.StabilityResult) stabilityResponse {
	return stabilityResponse{
		Deposit:          newDepositView(res.Deposit),
		Amount:           uint64(res.Amount),
		Compounded:       uint64(res.Compounded),
		GainMaterialized: uint64(res.GainMaterialized),
		CollateralPaid:   uint64(res.CollateralPaid),
		Effects:          newEffectViews(res.Effects),
	}
}

type depositStatusResponse struct {
	Deposit     depositView `json:"deposit"`
	Compounded  uint64      `json:"compounded,string"`
	PendingGain uint64      `json:"pending_gain,string"`
}

type ledgerResponse struct {
	Authority            string `json:"authority"`
	StableDenom          string `json:"stable_denom"`
	RewardDenom          string `json:"reward_denom"`
	PriceFeed            string `json:"price_feed"`
	TotalCollateral      uint64 `json:"total_collateral,string"`
	TotalDebt            uint64 `json:"total_debt,string"`
	BaseRate             string `json:"base_rate"`
	LastFeeOperationTime int64  `json:"last_fee_operation_time"`
	TotalVaults          uint64 `json:"total_vaults"`
	ActiveVaults         uint64 `json:"active_vaults"`
	Paused               bool   `json:"paused"`
	Price                uint64 `json:"price,string"`
	TotalCollateralRatio string `json:"total_collateral_ratio"`
	RecoveryMode         bool   `json:"recovery_mode"`
	DecayedBaseRate      string `json:"decayed_base_rate"`
	BorrowFeeRate        string `json:"borrow_fee_rate"`
}

func newLedgerResponse(s *cdp.LedgerStatus) ledgerResponse {
	l := s.Ledger
	return ledgerResponse{
		Authority:            addressString(l.Authority),
		StableDenom:          l.StableDenom,
		RewardDenom:          l.RewardDenom,
		PriceFeed:            l.PriceFeed,
		TotalCollateral:      uint64(l.TotalCollateral),
		TotalDebt:            uint64(l.TotalDebt),
		BaseRate:             l.BaseRate.String(),
		LastFeeOperationTime: l.LastFeeOperationTime,
		TotalVaults:          l.TotalVaults,
		ActiveVaults:         l.ActiveVaults,
		Paused:               l.Paused,
		Price:                uint64(s.Price),
		TotalCollateralRatio: ratioString(s.TCR),
		RecoveryMode:         s.RecoveryMode,
		DecayedBaseRate:      s.DecayedBaseRate.String(),
		BorrowFeeRate:        s.BorrowFeeRate.String(),
	}
}

type poolResponse struct {
	TotalDeposits        uint64 `json:"total_deposits,string"`
	TotalCollateralGains uint64 `json:"total_collateral_gains,string"`
	CurrentEpoch         uint64 `json:"current_epoch"`
	P                    string `json:"p"`
	S                    string `json:"s"`
	ResidualDeposits     uint64 `json:"residual_deposits,string"`
}

func newPoolResponse(sp *cdp.StabilityPool) poolResponse {
	return poolResponse{
		TotalDeposits:        uint64(sp.TotalDeposits),
		TotalCollateralGains: uint64(sp.TotalCollateralGains),
		CurrentEpoch:         sp.CurrentEpoch,
		P:                    sp.P.String(),
		S:                    sp.S.String(),
		ResidualDeposits:     uint64(sp.ResidualDeposits),
	}
}

type candidateView struct {
	Vault           vaultView `json:"vault"`
	CollateralRatio string    `json:"collateral_ratio"`
}

type priceResponse struct {
	Price    uint64    `json:"price,string"`
	Observed time.Time `json:"observed"`
	Feeders  []string  `json:"feeders"`
}

type balancesResponse struct {
	Owner      string `json:"owner"`
	Collateral uint64 `json:"collateral,string"`
	Stable     uint64 `json:"stable,string"`
}
