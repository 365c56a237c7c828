// Package metrics exposes Prometheus instrumentation for tunnel lifecycle
// transitions. Collectors are registered with the default registry, which the
// control API serves at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tunnelStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_tunnel_starts_total",
			Help: "Tunnel process launches by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	tunnelExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_tunnel_exits_total",
			Help: "Tunnel process exits by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	reconcileCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_reconcile_corrections_total",
			Help: "Status corrections applied by the reconciler",
		},
		[]string{"case"},
	)

	rescans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelkeeper_rescans_total",
			Help: "Completed config directory scans",
		},
	)

	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelkeeper_tunnels_running",
			Help: "Tunnels currently in the running state",
		},
		[]string{"kind"},
	)

	quickURLLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelkeeper_quick_url_discovery_seconds",
			Help:    "Time from quick tunnel launch until its public URL appeared",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)
)

func init() {
	prometheus.MustRegister(tunnelStarts)
	prometheus.MustRegister(tunnelExits)
	prometheus.MustRegister(reconcileCorrections)
	prometheus.MustRegister(rescans)
	prometheus.MustRegister(running)
	prometheus.MustRegister(quickURLLatency)
}

// Start outcomes.
const (
	OutcomeLaunched = "launched"
	OutcomeFailed   = "failed"
	OutcomeOffline  = "offline"
)

// Exit reasons.
const (
	ReasonRequested  = "requested"
	ReasonUnexpected = "unexpected"
	ReasonStartup    = "startup"
)

// ObserveStart counts a start attempt.
func ObserveStart(kind, outcome string) {
	tunnelStarts.WithLabelValues(kind, outcome).Inc()
}

// ObserveExit counts a process exit.
func ObserveExit(kind, reason string) {
	tunnelExits.WithLabelValues(kind, reason).Inc()
}

// ObserveCorrection counts a reconciler fix for the given drift case.
func ObserveCorrection(driftCase string) {
	reconcileCorrections.WithLabelValues(driftCase).Inc()
}

// ObserveRescan counts a completed directory scan.
func ObserveRescan() {
	rescans.Inc()
}

// SetRunning records how many tunnels of a kind are running.
func SetRunning(kind string, n int) {
	running.WithLabelValues(kind).Set(float64(n))
}

// ObserveQuickURL records how long URL discovery took.
func ObserveQuickURL(d time.Duration) {
	quickURLLatency.Observe(d.Seconds())
}
