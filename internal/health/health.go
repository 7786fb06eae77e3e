// Package health implements the HealthMonitor component (spec §4.K):
// EMA-smoothed metrics sampling, threshold-based alerting with
// deduplication/cooldown/escalation, over a canonical Severity enum.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity is the single canonical severity scale used across every
// alert type (SPEC_FULL "Open Question Decisions" — the distilled spec's
// per-component severity notions are unified into this one enum).
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertType enumerates the conditions HealthMonitor watches for (spec
// §4.K).
type AlertType string

const (
	AlertHighLatency         AlertType = "HIGH_LATENCY"
	AlertHighErrorRate       AlertType = "HIGH_ERROR_RATE"
	AlertLowConnectionQuality AlertType = "LOW_CONNECTION_QUALITY"
	AlertSystemOverload      AlertType = "SYSTEM_OVERLOAD"
)

// Alert is a raised condition, de-duplicated by Type.
type Alert struct {
	Type      AlertType
	Severity  Severity
	Message   string
	Value     float64
	Threshold float64
	RaisedAt  time.Time
}

// Snapshot is one sample of the aggregate ConnectionManager/Store/Log
// metrics HealthMonitor watches (spec §4.K).
type Snapshot struct {
	LatencyMs       float64
	ErrorRate       float64 // fraction [0,1]
	ReconnectRate   float64 // fraction [0,1] of connections currently RECONNECTING
	LowQualityRatio float64 // fraction of connections POOR or CRITICAL
}

// Config tunes EMA smoothing and thresholds.
type Config struct {
	SampleInterval     time.Duration
	EMAAlpha           float64
	AlertCooldown      time.Duration
	LatencyThresholdMs float64
	ErrorRateThreshold float64
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.EMAAlpha <= 0 {
		c.EMAAlpha = 0.3
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	if c.LatencyThresholdMs <= 0 {
		c.LatencyThresholdMs = 500
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.05
	}
	return c
}

// overThresholdTiers and underThresholdTiers are the multipliers that
// separate MEDIUM/HIGH/CRITICAL for metrics where "over" is bad (latency,
// error rate) and where "under" is bad (connection quality, spec §4.K).
var overThresholdTiers = [3]float64{1.2, 1.5, 2.0}
var underThresholdTiers = [3]float64{0.9, 0.8, 0.6}

// Monitor samples a Snapshot source function on an interval, maintains EMA state,
// and raises/deduplicates alerts.
type Monitor struct {
	cfg    Config
	source func() Snapshot
	sink   func(Alert)
	log    *logrus.Entry

	mu        sync.Mutex
	emaLatency     float64
	emaErrorRate   float64
	emaReconnect   float64
	lastAlertAt    map[AlertType]time.Time
	lastSeverity   map[AlertType]Severity

	stop chan struct{}
}

// New constructs a Monitor. source supplies the latest raw Snapshot on
// demand; sink receives every raised (non-deduplicated) Alert.
func New(cfg Config, source func() Snapshot, sink func(Alert), log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		cfg:          cfg.withDefaults(),
		source:       source,
		sink:         sink,
		log:          log.WithField("component", "health"),
		lastAlertAt:  make(map[AlertType]time.Time),
		lastSeverity: make(map[AlertType]Severity),
		stop:         make(chan struct{}),
	}
}

// Run blocks sampling on cfg.SampleInterval until ctx-like stop() is
// called or the done channel closes.
func (m *Monitor) Run(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Stop ends the Run loop.
func (m *Monitor) Stop() {
	close(m.stop)
}

func (m *Monitor) sample() {
	snap := m.source()

	m.mu.Lock()
	m.emaLatency = ema(m.emaLatency, snap.LatencyMs, m.cfg.EMAAlpha)
	m.emaErrorRate = ema(m.emaErrorRate, snap.ErrorRate, m.cfg.EMAAlpha)
	m.emaReconnect = ema(m.emaReconnect, snap.ReconnectRate, m.cfg.EMAAlpha)
	latency, errorRate := m.emaLatency, m.emaErrorRate
	lowQuality := snap.LowQualityRatio
	m.mu.Unlock()

	m.evaluate(AlertHighLatency, latency, m.cfg.LatencyThresholdMs, true)
	m.evaluate(AlertHighErrorRate, errorRate, m.cfg.ErrorRateThreshold, true)
	m.evaluate(AlertLowConnectionQuality, 1-lowQuality, 1-0.2, false)

	overload := (latency/m.cfg.LatencyThresholdMs + errorRate/m.cfg.ErrorRateThreshold) / 2
	m.evaluate(AlertSystemOverload, overload, 1.0, true)
}

// ema computes the exponential moving average with smoothing alpha.
func ema(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// evaluate classifies value against threshold into a Severity tier and,
// if one applies, raises an Alert honoring dedup/cooldown/escalation
// (spec §4.K). overIsBad selects the over- vs under-threshold tier
// tables.
func (m *Monitor) evaluate(t AlertType, value, threshold float64, overIsBad bool) {
	severity, ok := classify(value, threshold, overIsBad)
	if !ok {
		return
	}

	m.mu.Lock()
	lastAt, hadAlert := m.lastAlertAt[t]
	lastSeverity := m.lastSeverity[t]
	escalating := hadAlert && severityRank(severity) > severityRank(lastSeverity)
	withinCooldown := hadAlert && time.Since(lastAt) < m.cfg.AlertCooldown
	if withinCooldown && !escalating {
		m.mu.Unlock()
		return
	}
	m.lastAlertAt[t] = time.Now()
	m.lastSeverity[t] = severity
	m.mu.Unlock()

	alert := Alert{Type: t, Severity: severity, Value: value, Threshold: threshold, RaisedAt: time.Now()}
	m.log.WithFields(logrus.Fields{"type": t, "severity": severity, "value": value}).Warn("health alert raised")
	if m.sink != nil {
		m.sink(alert)
	}
}

func classify(value, threshold float64, overIsBad bool) (Severity, bool) {
	if threshold == 0 {
		return "", false
	}
	ratio := value / threshold
	tiers := overThresholdTiers
	if !overIsBad {
		tiers = underThresholdTiers
	}
	switch {
	case overIsBad && ratio >= tiers[2], !overIsBad && ratio <= tiers[2]:
		return SeverityCritical, true
	case overIsBad && ratio >= tiers[1], !overIsBad && ratio <= tiers[1]:
		return SeverityHigh, true
	case overIsBad && ratio >= tiers[0], !overIsBad && ratio <= tiers[0]:
		return SeverityMedium, true
	default:
		return "", false
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
