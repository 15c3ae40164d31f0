// Package slo keeps a rolling-window estimate of gateway availability and
// latency p95, and emits breach / recovery signals exactly once per state
// transition.
package slo

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agentgate/backend/internal/metrics"
)

// Event names emitted on threshold transitions.
const (
	EventBreach    = "slo.breach"
	EventRecovered = "slo.recovered"
)

// Listener receives one transition signal. detail is human-readable.
type Listener func(event, detail string)

// Config tunes the monitor.
type Config struct {
	// Window is the rolling observation window (default 5m).
	Window time.Duration
	// AvailabilityTarget is the minimum success ratio (default 0.99).
	AvailabilityTarget float64
	// LatencyP95Target is the p95 ceiling (default 2s).
	LatencyP95Target time.Duration
	// MinSamples gates evaluation so a single early failure does not trip
	// the breach path (default 10).
	MinSamples int
}

type sample struct {
	at       time.Time
	tenantID string
	ok       bool
	latency  time.Duration
}

// Monitor accumulates request observations.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	samples  []sample
	breached bool
	listener Listener
	logger   *log.Logger
}

// New creates a monitor. listener may be nil.
func New(cfg Config, listener Listener) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.AvailabilityTarget <= 0 {
		cfg.AvailabilityTarget = 0.99
	}
	if cfg.LatencyP95Target <= 0 {
		cfg.LatencyP95Target = 2 * time.Second
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if listener == nil {
		listener = func(string, string) {}
	}
	return &Monitor{
		cfg:      cfg,
		listener: listener,
		logger:   log.New(log.Writer(), "[SLO] ", log.LstdFlags),
	}
}

// Observe records one request outcome and evaluates the thresholds.
func (m *Monitor) Observe(tenantID string, ok bool, latency time.Duration) {
	m.mu.Lock()
	m.samples = append(m.samples, sample{at: time.Now(), tenantID: tenantID, ok: ok, latency: latency})
	m.prune()
	availability, p95, n := m.compute()

	var fire func()
	if n >= m.cfg.MinSamples {
		healthy := availability >= m.cfg.AvailabilityTarget && p95 <= m.cfg.LatencyP95Target
		switch {
		case !healthy && !m.breached:
			m.breached = true
			detail := m.describe(availability, p95)
			fire = func() {
				m.logger.Printf("🚨 SLO breach: %s", detail)
				metrics.SLOBreached.Set(1)
				m.listener(EventBreach, detail)
			}
		case healthy && m.breached:
			m.breached = false
			detail := m.describe(availability, p95)
			fire = func() {
				m.logger.Printf("✅ SLO recovered: %s", detail)
				metrics.SLOBreached.Set(0)
				m.listener(EventRecovered, detail)
			}
		}
	}
	m.mu.Unlock()

	// Listener runs outside the lock; it may append trace events.
	if fire != nil {
		fire()
	}
}

func (m *Monitor) describe(availability float64, p95 time.Duration) string {
	return fmt.Sprintf("availability=%.4f p95=%s", availability, p95)
}

// prune drops samples older than the window. Caller holds the lock.
func (m *Monitor) prune() {
	cutoff := time.Now().Add(-m.cfg.Window)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.samples = append([]sample(nil), m.samples[i:]...)
	}
}

// compute returns availability, latency p95 and sample count over the
// window. Caller holds the lock.
func (m *Monitor) compute() (float64, time.Duration, int) {
	n := len(m.samples)
	if n == 0 {
		return 1, 0, 0
	}
	okCount := 0
	latencies := make([]time.Duration, 0, n)
	for _, s := range m.samples {
		if s.ok {
			okCount++
		}
		latencies = append(latencies, s.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (95*n + 99) / 100
	if idx > 0 {
		idx--
	}
	return float64(okCount) / float64(n), latencies[idx], n
}

// Snapshot reports the current window for the monitoring surface.
func (m *Monitor) Snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	availability, p95, n := m.compute()
	return map[string]interface{}{
		"window_sec":   m.cfg.Window.Seconds(),
		"samples":      n,
		"availability": availability,
		"latency_p95":  p95.String(),
		"breached":     m.breached,
	}
}

// ErrorRate reports the failure ratio for a tenant over the window. Feeds
// the rollout controller's live gate.
func (m *Monitor) ErrorRate(tenantID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	total, failed := 0, 0
	for _, s := range m.samples {
		if s.tenantID != tenantID {
			continue
		}
		total++
		if !s.ok {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
