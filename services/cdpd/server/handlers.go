package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

type collateralRequest struct {
	Amount uint64 `json:"amount,string"`
}

type stableRequest struct {
	Amount uint64 `json:"amount,string"`
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

type redeemRequest struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount,string"`
}

type redeemAcrossRequest struct {
	Owners []string `json:"owners"`
	Amount uint64   `json:"amount,string"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	s.execute(w, r, "open_vault", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.OpenVault(ctx, caller, cdp.Collateral(req.Amount))
		if err != nil {
			return nil, caller, err
		}
		return vaultOpResponse{Vault: newVaultView(res.Vault), Amount: req.Amount, Effects: newEffectViews(res.Effects)}, caller, nil
	})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	s.execute(w, r, "deposit_collateral", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.DepositCollateral(ctx, caller, cdp.Collateral(req.Amount))
		if err != nil {
			return nil, caller, err
		}
		return vaultOpResponse{Vault: newVaultView(res.Vault), Amount: uint64(res.Amount), Effects: newEffectViews(res.Effects)}, caller, nil
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req stableRequest
	s.execute(w, r, "borrow", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.Borrow(ctx, caller, cdp.Stable(req.Amount))
		if err != nil {
			return nil, caller, err
		}
		return borrowResponse{
			Vault:           newVaultView(res.Vault),
			Minted:          uint64(res.Minted),
			Fee:             uint64(res.Fee),
			Reserve:         uint64(res.Reserve),
			RecoveryMode:    res.RecoveryMode,
			CollateralRatio: ratioString(res.CollateralRate),
			Effects:         newEffectViews(res.Effects),
		}, caller, nil
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req stableRequest
	s.execute(w, r, "repay", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.Repay(ctx, caller, cdp.Stable(req.Amount))
		if err != nil {
			return nil, caller, err
		}
		return vaultOpResponse{Vault: newVaultView(res.Vault), Amount: uint64(res.Repaid), Effects: newEffectViews(res.Effects)}, caller, nil
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	s.execute(w, r, "withdraw_collateral", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.WithdrawCollateral(ctx, caller, cdp.Collateral(req.Amount))
		if err != nil {
			return nil, caller, err
		}
		return vaultOpResponse{Vault: newVaultView(res.Vault), Amount: uint64(res.Amount), Effects: newEffectViews(res.Effects)}, caller, nil
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, "close_vault", nil, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.CloseVault(ctx, caller)
		if err != nil {
			return nil, caller, err
		}
		return closeResponse{
			Vault:           newVaultView(res.Vault),
			Repaid:          uint64(res.Repaid),
			ReserveReleased: uint64(res.ReserveReleased),
			Refunded:        uint64(res.Refunded),
			Effects:         newEffectViews(res.Effects),
		}, caller, nil
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	s.execute(w, r, "liquidate", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		owner, err := parseAddress(req.Owner)
		if err != nil {
			return nil, crypto.Address{}, err
		}
		res, err := s.engine.Liquidate(ctx, caller, owner)
		if err != nil {
			return nil, owner, err
		}
		return newLiquidationResponse(res), owner, nil
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	s.execute(w, r, "redeem", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		owner, err := parseAddress(req.Owner)
		if err != nil {
			return nil, crypto.Address{}, err
		}
		res, err := s.engine.Redeem(ctx, caller, owner, cdp.Stable(req.Amount))
		if err != nil {
			return nil, owner, err
		}
		return newRedemptionResponse(res), owner, nil
	})
}

// handleRedeemAcross redeems against the listed vaults in order. Without a
// list the current candidates are used, lowest collateral ratio first.
func (s *Server) handleRedeemAcross(w http.ResponseWriter, r *http.Request) {
	var req redeemAcrossRequest
	s.execute(w, r, "redeem_across", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		owners := make([]crypto.Address, 0, len(req.Owners))
		for _, raw := range req.Owners {
			owner, err := parseAddress(raw)
			if err != nil {
				return nil, crypto.Address{}, err
			}
			owners = append(owners, owner)
		}
		if len(owners) == 0 {
			candidates, err := s.engine.RedemptionCandidates(ctx, 0)
			if err != nil {
				return nil, crypto.Address{}, err
			}
			for _, c := range candidates {
				owners = append(owners, c.Vault.Owner)
			}
		}
		res, err := s.engine.RedeemAcross(ctx, caller, owners, cdp.Stable(req.Amount))
		if err != nil {
			return nil, crypto.Address{}, err
		}
		out := redeemAcrossResponse{
			Redemptions:   make([]redemptionResponse, 0, len(res.Redemptions)),
			Redeemed:      uint64(res.Redeemed),
			Fee:           uint64(res.Fee),
			CollateralOut: uint64(res.CollateralOut),
		}
		for _, item := range res.Redemptions {
			out.Redemptions = append(out.Redemptions, newRedemptionResponse(item))
		}
		return out, crypto.Address{}, nil
	})
}

func (s *Server) handleStabilityDeposit(w http.ResponseWriter, r *http.Request) {
	var req stableRequest
	s.execute(w, r, "stability_deposit", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.ProvideToStabilityPool(ctx, caller, cdp.Stable(req.Amount))
		if err != nil {
			return nil, crypto.Address{}, err
		}
		return newStabilityResponse(res), crypto.Address{}, nil
	})
}

func (s *Server) handleStabilityWithdraw(w http.ResponseWriter, r *http.Request) {
	var req stableRequest
	s.execute(w, r, "stability_withdraw", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		res, err := s.engine.WithdrawFromStabilityPool(ctx, caller, cdp.Stable(req.Amount))
		if err != nil {
			return nil, crypto.Address{}, err
		}
		return newStabilityResponse(res), crypto.Address{}, nil
	})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	s.execute(w, r, "set_paused", &req, func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error) {
		if err := s.engine.SetPaused(ctx, caller, req.Paused); err != nil {
			return nil, crypto.Address{}, err
		}
		return map[string]bool{"paused": req.Paused}, crypto.Address{}, nil
	})
}

type creditRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount,string"`
}

// handleCredit bridges collateral into an account. Stable tokens only enter
// circulation through Borrow.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	body, err := readRequestBody(r)
	if err == nil {
		err = decodeBody(body, &req)
	}
	if err != nil {
		writeCode(w, codeInvalidRequest, err.Error())
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Amount == 0 {
		writeError(w, cdp.ErrZeroAmount)
		return
	}
	err = s.bank.Credit(r.Context(), cdp.AssetCollateral, addr, req.Amount)
	admin, _ := AdminFromContext(r.Context())
	s.recordAdmin(r.Context(), "credit_collateral", admin, addr, body, err)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.bank.Balance(cdp.AssetCollateral, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{Owner: addr.String(), Collateral: balance})
}

type exportResponse struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	dir := strings.TrimSpace(s.cfg.ExportDir)
	if dir == "" {
		writeCode(w, codeInvalidRequest, "export directory not configured")
		return
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.logger.Error("cdpd: create export dir", slog.Any("error", err))
		writeCode(w, codeInternal, "internal error")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("journal-%d.parquet", s.now().UTC().Unix()))
	rows, err := s.journal.ExportParquet(r.Context(), path)
	if err != nil {
		s.logger.Error("cdpd: journal export", slog.Any("error", err))
		writeCode(w, codeInternal, "internal error")
		return
	}
	admin, _ := AdminFromContext(r.Context())
	s.recordAdmin(r.Context(), "export", admin, crypto.Address{}, nil, nil)
	writeJSON(w, http.StatusOK, exportResponse{Path: path, Rows: rows})
}

func (s *Server) recordAdmin(ctx context.Context, op string, admin *AdminPrincipal, target crypto.Address, body []byte, opErr error) {
	actor := "admin"
	if admin != nil {
		actor = "admin:" + admin.Subject
	}
	if _, err := s.journal.Append(context.WithoutCancel(ctx), newRecord(op, actor, target, body, opErr)); err != nil {
		s.logger.Error("cdpd: journal append", slog.String("op", op), slog.Any("error", err))
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Ledger(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerResponse(status))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeCode(w, "InvalidOraclePrice", "price feed not configured")
		return
	}
	latest, ok := s.prices.Latest()
	if !ok {
		writeCode(w, "InvalidOraclePrice", "no oracle price aggregated yet")
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Price: uint64(latest.Price), Observed: latest.Observed.UTC(), Feeders: latest.Feeders})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	v, err := s.engine.Vault(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if v.Status == cdp.VaultInactive {
		writeCode(w, codeNotFound, "vault not found")
		return
	}
	view := newVaultView(*v)
	if status, err := s.engine.Ledger(r.Context()); err == nil {
		if cr, err := v.CollateralRatio(status.Price); err == nil {
			view.CollateralRatio = ratioString(cr)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMaxBorrow(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	amount, err := s.engine.MaxBorrowable(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "max_borrow": strconv.FormatUint(uint64(amount), 10)})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	coll, err := s.bank.Balance(cdp.AssetCollateral, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	stable, err := s.bank.Balance(cdp.AssetStable, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancesResponse{Owner: owner.String(), Collateral: coll, Stable: stable})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.Pool(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolResponse(pool))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	status, err := s.engine.Deposit(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositStatusResponse{
		Deposit:     newDepositView(status.Deposit),
		Compounded:  uint64(status.Compounded),
		PendingGain: uint64(status.PendingGain),
	})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeCode(w, codeInvalidRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}
	candidates, err := s.engine.RedemptionCandidates(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]candidateView, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateView{Vault: newVaultView(c.Vault), CollateralRatio: ratioString(c.CollateralRatio)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}
