package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cdpd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Env           string          `yaml:"env"`
	State         StateConfig     `yaml:"state"`
	Journal       JournalConfig   `yaml:"journal"`
	ParamsFile    string          `yaml:"params_file"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Admin         AdminConfig     `yaml:"admin"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Export        ExportConfig    `yaml:"export"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Genesis       GenesisConfig   `yaml:"genesis"`
}

// StateConfig selects the key/value backend holding protocol state.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig points at the operation journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
	Sources  []Source `yaml:"sources"`
}

// Source describes an upstream price feed.
type Source struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Path     string `yaml:"path"`
	Price    string `yaml:"price"`
}

// AdminConfig configures bearer authentication for operator endpoints.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// AuthConfig bounds signed user requests.
type AuthConfig struct {
	MaxSkew Duration `yaml:"max_skew"`
}

// RateLimitConfig applies a per-client token bucket to the API.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig enables rotating file output in addition to stdout.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ExportConfig is where journal exports are written.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// TelemetryConfig points the OTLP exporters at a collector. Both signals are
// on when an endpoint is set unless disabled explicitly.
type TelemetryConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	DisableTraces  bool              `yaml:"disable_traces"`
	DisableMetrics bool              `yaml:"disable_metrics"`
	SampleRatio    float64           `yaml:"sample_ratio"`
	MetricInterval Duration          `yaml:"metric_interval"`
	InstanceID     string            `yaml:"instance_id"`
}

// GenesisConfig initialises the protocol on first start.
type GenesisConfig struct {
	Authority   string `yaml:"authority"`
	StableDenom string `yaml:"stable_denom"`
	RewardDenom string `yaml:"reward_denom"`
	PriceFeed   string `yaml:"price_feed"`
}

// Option mutates a configuration after decoding and before validation.
type Option func(*Config)

// WithEnv overrides the environment name.
func WithEnv(env string) Option {
	return func(cfg *Config) {
		if env = strings.TrimSpace(env); env != "" {
			cfg.Env = env
		}
	}
}

// WithListenAddress overrides the listen address.
func WithListenAddress(addr string) Option {
	return func(cfg *Config) {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.ListenAddress = addr
		}
	}
}

// Load reads configuration from the supplied path.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if cfg.State.Backend == "" {
		cfg.State.Backend = "leveldb"
	}
	if cfg.State.Path == "" && cfg.State.Backend != "memory" {
		cfg.State.Path = "/var/data/cdpd/state"
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "/var/data/cdpd/journal.sqlite"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 15 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "manna-ops"
	}
	if cfg.Admin.Audience == "" {
		cfg.Admin.Audience = "cdpd"
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "/var/data/cdpd/exports"
	}
	if cfg.Genesis.StableDenom == "" {
		cfg.Genesis.StableDenom = "USDsol"
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	if cfg.Telemetry.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Telemetry.InstanceID = host
		}
	}
}

func validate(cfg Config) error {
	switch cfg.State.Backend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("state.backend must be leveldb, bolt or memory, got %q", cfg.State.Backend)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal.driver must be sqlite or postgres, got %q", cfg.Journal.Driver)
	}
	if strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal.dsn required")
	}
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	if cfg.Oracle.MinFeeds > len(cfg.Oracle.Sources) {
		return fmt.Errorf("oracle.min_feeds %d exceeds the %d configured sources", cfg.Oracle.MinFeeds, len(cfg.Oracle.Sources))
	}
	for i, src := range cfg.Oracle.Sources {
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "static":
			if strings.TrimSpace(src.Price) == "" {
				return fmt.Errorf("oracle.sources[%d]: static source requires price", i)
			}
		case "http":
			if strings.TrimSpace(src.Endpoint) == "" {
				return fmt.Errorf("oracle.sources[%d]: http source requires endpoint", i)
			}
		case "feed":
			if strings.TrimSpace(src.Path) == "" {
				return fmt.Errorf("oracle.sources[%d]: feed source requires path", i)
			}
		default:
			return fmt.Errorf("oracle.sources[%d]: unknown type %q", i, src.Type)
		}
	}
	if len(strings.TrimSpace(cfg.Admin.JWTSecret)) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 characters")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if strings.TrimSpace(cfg.Genesis.Authority) == "" {
		return fmt.Errorf("genesis.authority required")
	}
	return nil
}
