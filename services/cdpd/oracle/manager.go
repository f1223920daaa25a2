package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

// ErrNoPrice is returned by Price until the first successful aggregation.
var ErrNoPrice = errors.New("oracle: no price aggregated yet")

// futureTolerance bounds how far ahead of the local clock a sample may be
// stamped before it is discarded.
const futureTolerance = 5 * time.Second

// Sample is one price observation from a source.
type Sample struct {
	Price     cdp.Price
	Timestamp time.Time
}

// Source resolves the current collateral price.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Sample, error)
}

// Recorder persists accepted samples.
type Recorder interface {
	RecordSample(ctx context.Context, source string, sample Sample, median bool) error
}

// Metrics receives oracle health signals.
type Metrics interface {
	ObserveOracle(price cdp.Price, age time.Duration, feeds int)
	RecordOracleFailure(source string)
}

// Median is the result of one aggregation cycle.
type Median struct {
	Price cdp.Price
	// Observed is the timestamp of the oldest contributing sample.
	Observed time.Time
	Feeders  []string
}

// Manager orchestrates periodic aggregation across configured sources and
// serves the latest median to the engine.
type Manager struct {
	logger   *slog.Logger
	recorder Recorder
	metrics  Metrics
	sources  []Source
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	once     sync.Once

	mu     sync.RWMutex
	latest *Median
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRecorder persists every accepted sample and median.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithMetrics publishes oracle gauges.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New constructs a manager instance.
func New(sources []Source, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		sources:  append([]Source{}, sources...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("cdpd: oracle manager started", slog.Int("sources", len(m.sources)), slog.Int("min_feeds", m.minFeeds))
	})
	for {
		if _, err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("cdpd: oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle. On failure the previous median is
// kept so the engine can apply its own staleness policy.
func (m *Manager) Tick(ctx context.Context) (*Median, error) {
	if m == nil {
		return nil, fmt.Errorf("manager not configured")
	}
	now := m.now()
	prices := make([]cdp.Price, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	var oldest time.Time
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		sample, err := src.Fetch(ctx)
		if err != nil {
			m.reject(src.Name(), "fetch failed", err)
			continue
		}
		if sample.Price == 0 {
			m.reject(src.Name(), "zero price", nil)
			continue
		}
		if sample.Timestamp.After(now.Add(futureTolerance)) {
			m.reject(src.Name(), "future timestamp", nil)
			continue
		}
		if sample.Timestamp.Before(now.Add(-m.maxAge)) {
			m.reject(src.Name(), "sample expired", nil)
			continue
		}
		prices = append(prices, sample.Price)
		feeders = append(feeders, src.Name())
		if oldest.IsZero() || sample.Timestamp.Before(oldest) {
			oldest = sample.Timestamp
		}
		if m.recorder != nil {
			if err := m.recorder.RecordSample(ctx, src.Name(), sample, false); err != nil {
				m.logger.Error("cdpd: record oracle sample", slog.String("source", src.Name()), slog.Any("error", err))
			}
		}
	}
	if len(prices) < m.minFeeds {
		return nil, fmt.Errorf("insufficient oracle feeds: have %d, need %d", len(prices), m.minFeeds)
	}
	median := &Median{Price: computeMedian(prices), Observed: oldest, Feeders: feeders}
	m.mu.Lock()
	m.latest = median
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ObserveOracle(median.Price, now.Sub(oldest), len(prices))
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSample(ctx, "median", Sample{Price: median.Price, Timestamp: oldest}, true); err != nil {
			m.logger.Error("cdpd: record oracle median", slog.Any("error", err))
		}
	}
	return median, nil
}

func (m *Manager) reject(source, reason string, err error) {
	attrs := []any{slog.String("source", source), slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	m.logger.Warn("cdpd: oracle sample rejected", attrs...)
	if m.metrics != nil {
		m.metrics.RecordOracleFailure(source)
	}
}

// Latest returns the most recent median, if any.
func (m *Manager) Latest() (Median, bool) {
	if m == nil {
		return Median{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Median{}, false
	}
	out := *m.latest
	out.Feeders = append([]string(nil), m.latest.Feeders...)
	return out, true
}

// Price implements cdp.PriceFeed.
func (m *Manager) Price(ctx context.Context) (cdp.Price, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	latest, ok := m.Latest()
	if !ok {
		return 0, time.Time{}, ErrNoPrice
	}
	return latest.Price, latest.Observed, nil
}

// computeMedian returns the middle price, averaging the two central values
// of an even set and rounding down.
func computeMedian(prices []cdp.Price) cdp.Price {
	if len(prices) == 0 {
		return 0
	}
	sorted := append([]cdp.Price(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	lo, hi := sorted[mid-1], sorted[mid]
	return lo + (hi-lo)/2
}
