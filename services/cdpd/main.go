package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/core/state"
	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
	"github.com/bobby-ai-dev/manna-protocol/observability/logging"
	"github.com/bobby-ai-dev/manna-protocol/observability/metrics"
	telemetry "github.com/bobby-ai-dev/manna-protocol/observability/otel"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/config"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/journal"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/oracle"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/server"
	"github.com/bobby-ai-dev/manna-protocol/storage"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		cfgPath      string
		listen       string
		allowMigrate bool
	)
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd configuration file")
	flag.StringVar(&listen, "listen", "", "override the configured listen address")
	flag.BoolVar(&allowMigrate, "allow-state-migration", false, "start even when the state schema version differs")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MANNA_ENV"))
	var loadOptions []config.Option
	if env != "" {
		loadOptions = append(loadOptions, config.WithEnv(env))
	}
	if listen != "" {
		loadOptions = append(loadOptions, config.WithListenAddress(listen))
	}
	cfg, err := config.Load(cfgPath, loadOptions...)
	if err != nil {
		log.Fatalf("cdpd: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "cdpd",
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		log.Fatalf("cdpd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, allowMigrate); err != nil {
		logger.Error("cdpd: exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, allowMigrate bool) error {
	db, err := openState(cfg.State)
	if err != nil {
		return err
	}
	mgr := state.NewManager(db)
	defer mgr.Close()
	if err := mgr.EnsureStateVersion(allowMigrate); err != nil {
		return err
	}

	params := cdp.DefaultParams()
	if path := strings.TrimSpace(cfg.ParamsFile); path != "" {
		if params, err = cdp.LoadParams(path); err != nil {
			return fmt.Errorf("load params: %w", err)
		}
	}

	logger.Info("cdpd: opening journal", slog.String("driver", cfg.Journal.Driver), slog.String("dsn", logging.MaskDSN(cfg.Journal.DSN)))
	j, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, journal.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.Path, src.Price)
		if err != nil {
			return fmt.Errorf("build source %s: %w", src.Name, err)
		}
		sources = append(sources, built)
	}
	prices, err := oracle.New(sources, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger),
		oracle.WithRecorder(j),
		oracle.WithMetrics(metrics.CDP()),
	)
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}
	if _, err := prices.Tick(ctx); err != nil {
		logger.Warn("cdpd: initial oracle tick", slog.Any("error", err))
	}

	hub := server.NewHub(logger)
	engine := cdp.NewEngine(mgr, prices, params)
	engine.SetLogger(logger)
	engine.SetEmitter(events.Multi{j, hub, metrics.CDP()})

	authority, err := crypto.DecodeAddress(cfg.Genesis.Authority)
	if err != nil {
		return fmt.Errorf("genesis authority: %w", err)
	}
	err = engine.Initialize(ctx, authority, cdp.InitConfig{
		StableDenom: cfg.Genesis.StableDenom,
		RewardDenom: cfg.Genesis.RewardDenom,
		PriceFeed:   cfg.Genesis.PriceFeed,
	})
	switch {
	case err == nil:
		logger.Info("cdpd: protocol initialised", slog.String("authority", authority.String()))
	case errors.Is(err, cdp.ErrAlreadyInitialized):
	default:
		return fmt.Errorf("initialise protocol: %w", err)
	}

	go func() {
		if err := prices.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cdpd: oracle loop stopped", slog.Any("error", err))
		}
	}()

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		MaxSkew:       cfg.Auth.MaxSkew.Duration,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Admin: server.AdminConfig{
			Secret:   cfg.Admin.JWTSecret,
			Issuer:   cfg.Admin.Issuer,
			Audience: cfg.Admin.Audience,
		},
		ExportDir: cfg.Export.Dir,
	}, server.Deps{
		Engine:  engine,
		Bank:    mgr,
		Journal: j,
		Prices:  prices,
		Hub:     hub,
		Metrics: metrics.CDP(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

func telemetryConfig(cfg config.Config) telemetry.Config {
	t := cfg.Telemetry
	return telemetry.Config{
		ServiceName:    "cdpd",
		ServiceVersion: version,
		InstanceID:     t.InstanceID,
		Environment:    cfg.Env,
		Endpoint:       t.Endpoint,
		Insecure:       t.Insecure,
		Headers:        t.Headers,
		Traces:         !t.DisableTraces,
		Metrics:        !t.DisableMetrics,
		SampleRatio:    t.SampleRatio,
		MetricInterval: t.MetricInterval.Duration,
		Attributes: map[string]string{
			"stable_denom":  cfg.Genesis.StableDenom,
			"reward_denom":  cfg.Genesis.RewardDenom,
			"price_feed":    cfg.Genesis.PriceFeed,
			"state_backend": cfg.State.Backend,
		},
	}.WithEnv()
}

func openState(cfg config.StateConfig) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt state: %w", err)
		}
		return db, nil
	default:
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb state: %w", err)
		}
		return db, nil
	}
}
