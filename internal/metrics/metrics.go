// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts terminal policy outcomes by tenant and decision.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_decisions_total",
		Help: "Terminal decisions per tool call, by tenant and outcome.",
	}, []string{"tenant", "decision", "reason"})

	// RequestDuration observes the end-to-end pipeline latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_request_duration_seconds",
		Help:    "End-to-end tool call latency through the gateway.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant"})

	// KillChecks counts kill-switch evaluations by result.
	KillChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_kill_checks_total",
		Help: "Kill-switch evaluations, by result (clear, blocked, degraded).",
	}, []string{"result"})

	// Quarantines counts incidents created.
	Quarantines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_quarantines_total",
		Help: "Quarantine incidents created, by tenant.",
	}, []string{"tenant"})

	// CredentialsIssued counts broker issuance.
	CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_credentials_issued_total",
		Help: "Credentials minted by the broker, by tool.",
	}, []string{"tool"})

	// CredentialsRevoked counts broker revocations.
	CredentialsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_credentials_revoked_total",
		Help: "Credentials revoked across all causes.",
	})

	// TraceAppendFailures counts failed trace writes. Any increase here means
	// calls were denied fail-closed.
	TraceAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_trace_append_failures_total",
		Help: "Trace store append failures.",
	})

	// RateLimited counts requests rejected by the limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_rate_limited_total",
		Help: "Requests rejected by the sliding-window limiter, by tenant.",
	}, []string{"tenant"})

	// SLOBreached is 1 while the SLO monitor is in breach.
	SLOBreached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_slo_breached",
		Help: "1 while the availability or latency SLO is breached.",
	})

	// StreamClients tracks live WebSocket consumers.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_stream_clients",
		Help: "Connected trace stream clients.",
	})
)
