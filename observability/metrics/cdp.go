package metrics

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/native/cdp"
)

// CDPMetrics tracks engine activity, protocol health and the oracle.
type CDPMetrics struct {
	events          *prometheus.CounterVec
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	totalCollateral prometheus.Gauge
	totalDebt       prometheus.Gauge
	tcr             prometheus.Gauge
	recovery        prometheus.Gauge
	baseRate        prometheus.Gauge
	activeVaults    prometheus.Gauge
	poolDeposits    prometheus.Gauge
	poolEpoch       prometheus.Gauge
	oraclePrice     prometheus.Gauge
	oracleAge       prometheus.Gauge
	oracleFeeds     prometheus.Gauge
	oracleFailures  *prometheus.CounterVec
}

var (
	cdpOnce     sync.Once
	cdpRegistry *CDPMetrics
)

// CDP returns the lazily registered CDP collectors.
func CDP() *CDPMetrics {
	cdpOnce.Do(func() {
		cdpRegistry = newCDPMetrics()
		prometheus.MustRegister(cdpRegistry.collectors()...)
	})
	return cdpRegistry
}

func newCDPMetrics() *CDPMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "manna", Subsystem: "cdp", Name: name, Help: help})
	}
	return &CDPMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manna",
			Subsystem: "cdp",
			Name:      "events_total",
			Help:      "Count of committed CDP events by type.",
		}, []string{"type"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manna",
			Subsystem: "cdp",
			Name:      "operations_total",
			Help:      "CDP operations segmented by name and outcome code.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "manna",
			Subsystem: "cdp",
			Name:      "operation_duration_seconds",
			Help:      "Latency of CDP operations including the commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		totalCollateral: gauge("total_collateral", "Collateral held by active vaults, in whole units."),
		totalDebt:       gauge("total_debt", "Debt owed by active vaults, in USD."),
		tcr:             gauge("total_collateral_ratio", "System collateral ratio at the last observed price."),
		recovery:        gauge("recovery_mode", "1 while the system is in Recovery Mode."),
		baseRate:        gauge("base_rate", "Decayed redemption base rate."),
		activeVaults:    gauge("active_vaults", "Number of active vaults."),
		poolDeposits:    gauge("stability_pool_deposits", "Stable tokens deposited in the Stability Pool, in USD."),
		poolEpoch:       gauge("stability_pool_epoch", "Current Stability Pool epoch."),
		oraclePrice:     gauge("oracle_price", "Median oracle price in USD per collateral unit."),
		oracleAge:       gauge("oracle_age_seconds", "Age of the newest accepted oracle sample."),
		oracleFeeds:     gauge("oracle_feeds", "Sources contributing to the last median."),
		oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manna",
			Subsystem: "cdp",
			Name:      "oracle_failures_total",
			Help:      "Oracle source fetch failures by source.",
		}, []string{"source"}),
	}
}

func (m *CDPMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.events, m.operations, m.latency,
		m.totalCollateral, m.totalDebt, m.tcr, m.recovery, m.baseRate, m.activeVaults,
		m.poolDeposits, m.poolEpoch,
		m.oraclePrice, m.oracleAge, m.oracleFeeds, m.oracleFailures,
	}
}

// Emit counts committed events. CDPMetrics can be installed as an engine
// emitter directly.
func (m *CDPMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := evt.EventType()
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveOperation records the outcome and latency of one engine call.
func (m *CDPMetrics) ObserveOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = cdp.ErrorCode(err)
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveLedger publishes the protocol gauges.
func (m *CDPMetrics) ObserveLedger(status *cdp.LedgerStatus, pool *cdp.StabilityPool) {
	if m == nil || status == nil {
		return
	}
	m.totalCollateral.Set(float64(status.Ledger.TotalCollateral) / 1e9)
	m.totalDebt.Set(float64(status.Ledger.TotalDebt) / 1e6)
	m.tcr.Set(ratioFloat(status.TCR))
	m.baseRate.Set(ratioFloat(status.DecayedBaseRate))
	m.activeVaults.Set(float64(status.Ledger.ActiveVaults))
	if status.RecoveryMode {
		m.recovery.Set(1)
	} else {
		m.recovery.Set(0)
	}
	if pool != nil {
		m.poolDeposits.Set(float64(pool.TotalDeposits) / 1e6)
		m.poolEpoch.Set(float64(pool.CurrentEpoch))
	}
}

// ObserveOracle publishes the latest median and its freshness.
func (m *CDPMetrics) ObserveOracle(price cdp.Price, age time.Duration, feeds int) {
	if m == nil {
		return
	}
	m.oraclePrice.Set(float64(price) / 1e6)
	if age < 0 {
		age = 0
	}
	m.oracleAge.Set(age.Seconds())
	m.oracleFeeds.Set(float64(feeds))
}

func (m *CDPMetrics) RecordOracleFailure(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.oracleFailures.WithLabelValues(source).Inc()
}

var ratioScale = new(big.Float).SetFloat64(1e18)

func ratioFloat(r cdp.Ratio) float64 {
	if r.IsMax() {
		return math.Inf(1)
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(r.Big()), ratioScale).Float64()
	return f
}
