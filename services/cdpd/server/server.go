package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
	telemetry "github.com/bobby-ai-dev/manna-protocol/observability/otel"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/journal"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/oracle"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	MaxSkew       time.Duration
	RateLimit     RateLimit
	Admin         AdminConfig
	ExportDir     string
}

// Bank exposes the token balances held by the state store.
type Bank interface {
	Credit(ctx context.Context, asset cdp.Asset, addr crypto.Address, amount uint64) error
	Balance(asset cdp.Asset, addr crypto.Address) (uint64, error)
}

// Journal records requests and exports the chain.
type Journal interface {
	Append(ctx context.Context, rec journal.Record) (*journal.Entry, error)
	ExportParquet(ctx context.Context, path string) (int, error)
}

// Prices reports the latest aggregated oracle median.
type Prices interface {
	Latest() (oracle.Median, bool)
}

// Metrics receives per-operation outcomes and protocol gauges.
type Metrics interface {
	ObserveOperation(op string, err error, duration time.Duration)
	ObserveLedger(status *cdp.LedgerStatus, pool *cdp.StabilityPool)
}

// Deps bundles the collaborators served over HTTP.
type Deps struct {
	Engine  *cdp.Engine
	Bank    Bank
	Journal Journal
	Prices  Prices
	Hub     *Hub
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server hosts the cdpd API.
type Server struct {
	cfg       Config
	engine    *cdp.Engine
	bank      Bank
	journal   Journal
	prices    Prices
	hub       *Hub
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
	signer    *SignatureAuthenticator
	adminAuth *AdminAuthenticator
	limiter   *RateLimiter
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if deps.Bank == nil {
		return nil, fmt.Errorf("bank required")
	}
	if deps.Journal == nil {
		return nil, fmt.Errorf("journal required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	adminAuth, err := NewAdminAuthenticator(cfg.Admin, deps.Now)
	if err != nil {
		return nil, fmt.Errorf("configure admin auth: %w", err)
	}
	return &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		bank:      deps.Bank,
		journal:   deps.Journal,
		prices:    deps.Prices,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		signer:    NewSignatureAuthenticator(cfg.MaxSkew, deps.Now),
		adminAuth: adminAuth,
		limiter:   NewRateLimiter(cfg.RateLimit, deps.Now),
	}, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		r.Get("/ledger", s.handleLedger)
		r.Get("/price", s.handlePrice)
		r.Get("/vaults/{owner}", s.handleVault)
		r.Get("/vaults/{owner}/max-borrow", s.handleMaxBorrow)
		r.Get("/balances/{owner}", s.handleBalances)
		r.Get("/stability/pool", s.handlePool)
		r.Get("/stability/deposits/{owner}", s.handleDeposit)
		r.Get("/redemptions/candidates", s.handleCandidates)
		r.Handle("/events/ws", s.hub)

		r.Group(func(r chi.Router) {
			r.Use(s.signer.Middleware)
			r.Post("/vaults/open", s.handleOpen)
			r.Post("/vaults/deposit", s.handleDepositCollateral)
			r.Post("/vaults/borrow", s.handleBorrow)
			r.Post("/vaults/repay", s.handleRepay)
			r.Post("/vaults/withdraw", s.handleWithdraw)
			r.Post("/vaults/close", s.handleClose)
			r.Post("/vaults/liquidate", s.handleLiquidate)
			r.Post("/vaults/redeem", s.handleRedeem)
			r.Post("/redemptions", s.handleRedeemAcross)
			r.Post("/stability/deposit", s.handleStabilityDeposit)
			r.Post("/stability/withdraw", s.handleStabilityWithdraw)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth.Middleware)
			r.With(s.signer.Middleware).Post("/pause", s.handlePause)
			r.Post("/credit", s.handleCredit)
			r.Post("/export", s.handleExport)
		})
	})

	return otelhttp.NewHandler(r, "cdpd.http", otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("cdpd: http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.prices != nil {
		if latest, ok := s.prices.Latest(); ok {
			status["price_age_seconds"] = int64(s.now().Sub(latest.Observed).Seconds())
		} else {
			status["status"] = "degraded"
			status["reason"] = "no oracle price"
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// execute runs one signed operation, journals the outcome and records
// metrics. fn returns the response payload and the vault the operation
// touched.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, op string, in any, fn func(ctx context.Context, caller crypto.Address) (any, crypto.Address, error)) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeCode(w, codeUnauthenticated, "caller required")
		return
	}
	body := bodyFromContext(r.Context())
	if in != nil {
		if err := decodeBody(body, in); err != nil {
			writeCode(w, codeInvalidRequest, err.Error())
			return
		}
	}
	ctx, span := telemetry.Tracer().Start(r.Context(), "cdp."+op,
		trace.WithAttributes(attribute.String("cdp.caller", caller.String())))
	defer span.End()

	start := time.Now()
	payload, vault, err := fn(ctx, caller)
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, err, time.Since(start))
	}
	if err != nil {
		span.SetStatus(codes.Error, errorCode(err))
	}
	s.record(ctx, op, caller, vault, body, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.observeLedger(ctx)
	writeJSON(w, http.StatusOK, payload)
}

func decodeBody(body []byte, out any) error {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (s *Server) record(ctx context.Context, op string, caller, vault crypto.Address, body []byte, opErr error) {
	rec := newRecord(op, caller.String(), vault, body, opErr)
	if _, err := s.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("cdpd: journal append", slog.String("op", op), slog.Any("error", err))
	}
}

func newRecord(op, actor string, vault crypto.Address, body []byte, opErr error) journal.Record {
	rec := journal.Record{
		Kind:   journal.KindRequest,
		Op:     op,
		Actor:  actor,
		Vault:  addressString(vault),
		Status: journal.StatusOK,
	}
	if len(body) > 0 && json.Valid(body) {
		rec.Request = json.RawMessage(body)
	}
	if opErr != nil {
		rec.Status = journal.StatusRejected
		rec.Error = errorCode(opErr)
	}
	return rec
}

func (s *Server) observeLedger(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	status, err := s.engine.Ledger(ctx)
	if err != nil {
		return
	}
	pool, err := s.engine.Pool(ctx)
	if err != nil {
		return
	}
	s.metrics.ObserveLedger(status, pool)
}

func ownerParam(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	owner, err := crypto.DecodeAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeCode(w, codeInvalidRequest, "invalid owner address")
		return crypto.Address{}, false
	}
	return owner, true
}

func parseAddress(raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: invalid address %q", cdp.ErrInvalidParameter, raw)
	}
	return addr, nil
}
