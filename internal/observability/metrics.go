// Package observability provides Prometheus metric descriptors for the
// daemon, registered on a dedicated registry rather than the default
// global one. The core process never binds a listener for this registry
// — it has no network protocol of its own (spec.md non-goal) — callers
// that want an HTTP /metrics endpoint mount Registry() themselves.
//
// Metric naming convention: sbh_guard_<subsystem>_<name>_<unit>.
// Cardinality control: path is never used as a label (unbounded); only
// small closed-set labels (pressure level, policy mode, action) appear.
//
// Grounded on the teacher's internal/observability/metrics.go: dedicated
// registry, typed metric struct, MustRegister block. ServeMetrics and its
// http.Server are intentionally not carried over.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metric descriptors for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pressure / forecast ──────────────────────────────────────────────

	FreeFractionGauge   *prometheus.GaugeVec // labels: mount_root
	PressureLevelGauge  *prometheus.GaugeVec // labels: mount_root
	TimeToExhaustionSec *prometheus.GaugeVec // labels: mount_root
	ForecastMAPE        prometheus.Gauge

	// ─── Scanner ───────────────────────────────────────────────────────────

	ScanDurationSeconds prometheus.Histogram
	ScanNodesWalked     prometheus.Counter
	IndexHealthGauge    prometheus.Gauge // 0=OK 1=Degraded 2=Corrupt

	// ─── Scoring / decisions ────────────────────────────────────────────────

	DecisionsTotal   *prometheus.CounterVec // labels: action
	BytesReclaimed   prometheus.Counter
	PosteriorHist    prometheus.Histogram

	// ─── Safety ──────────────────────────────────────────────────────────

	VetoesTotal          *prometheus.CounterVec // labels: reason
	CircuitBreakerTrips  prometheus.Counter
	CircuitBreakerOpen   prometheus.Gauge

	// ─── Ballast ───────────────────────────────────────────────────────────

	BallastFilesGauge     *prometheus.GaugeVec // labels: volume_root
	BallastReleasedTotal  prometheus.Counter
	BallastReplenishTotal prometheus.Counter

	// ─── Guardrails / policy ─────────────────────────────────────────────

	GuardEValue        prometheus.Gauge
	GuardAlarmsTotal   prometheus.Counter
	PolicyModeGauge    prometheus.Gauge // 0=observe 1=canary 2=enforce 3=fallback_safe

	// ─── Activity log ──────────────────────────────────────────────────────

	ActivityDroppedTotal prometheus.Counter
	ActivityLevelGauge   prometheus.Gauge

	// ─── Daemon ────────────────────────────────────────────────────────────

	UptimeSeconds      prometheus.Gauge
	WorkerRespawnsTotal *prometheus.CounterVec // labels: worker

	startTime time.Time
}

// NewMetrics creates and registers all daemon Prometheus metrics on a
// fresh, process-local registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FreeFractionGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "pressure", Name: "free_fraction",
			Help: "Current free-space fraction of a monitored mount.",
		}, []string{"mount_root"}),

		PressureLevelGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "pressure", Name: "level",
			Help: "Current pressure level (0=Green 1=Yellow 2=Orange 3=Red 4=Critical).",
		}, []string{"mount_root"}),

		TimeToExhaustionSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "forecast", Name: "time_to_exhaustion_seconds",
			Help: "Forecast seconds until the configured threshold is reached, -1 if not converging.",
		}, []string{"mount_root"}),

		ForecastMAPE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "forecast", Name: "mape",
			Help: "Rolling mean absolute percentage error of the rate forecaster.",
		}),

		ScanDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sbh_guard", Subsystem: "scanner", Name: "scan_duration_seconds",
			Help: "Wall-clock duration of a full walker pass.", Buckets: prometheus.DefBuckets,
		}),

		ScanNodesWalked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "scanner", Name: "nodes_walked_total",
			Help: "Total filesystem nodes visited by the walker.",
		}),

		IndexHealthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "scanner", Name: "index_health",
			Help: "Merkle index health (0=OK 1=Degraded 2=Corrupt).",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "scoring", Name: "decisions_total",
			Help: "Total decisions emitted, by action.",
		}, []string{"action"}),

		BytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "scoring", Name: "bytes_reclaimed_total",
			Help: "Cumulative bytes reclaimed by executed deletions.",
		}),

		PosteriorHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sbh_guard", Subsystem: "scoring", Name: "posterior",
			Help: "Distribution of posterior-abandoned probabilities.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99},
		}),

		VetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "safety", Name: "vetoes_total",
			Help: "Total deletion vetoes, by reason.",
		}, []string{"reason"}),

		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "safety", Name: "circuit_breaker_trips_total",
			Help: "Total times the executor circuit breaker tripped.",
		}),

		CircuitBreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "safety", Name: "circuit_breaker_open",
			Help: "1 if the circuit breaker is currently open, else 0.",
		}),

		BallastFilesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "ballast", Name: "files",
			Help: "Current number of provisioned ballast files per volume.",
		}, []string{"volume_root"}),

		BallastReleasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "ballast", Name: "released_total",
			Help: "Total ballast files released.",
		}),

		BallastReplenishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "ballast", Name: "replenished_total",
			Help: "Total ballast files replenished.",
		}),

		GuardEValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "guard", Name: "e_value",
			Help: "Current e-process value of the drift detector.",
		}),

		GuardAlarmsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "guard", Name: "alarms_total",
			Help: "Total times the drift detector alarmed.",
		}),

		PolicyModeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "policy", Name: "mode",
			Help: "Current policy mode (0=observe 1=canary 2=enforce 3=fallback_safe).",
		}),

		ActivityDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "activity", Name: "dropped_total",
			Help: "Total activity records dropped (channel-full or terminal discard tier).",
		}),

		ActivityLevelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "activity", Name: "level",
			Help: "Current activity logger degradation tier (0=full .. 4=discard).",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbh_guard", Subsystem: "daemon", Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),

		WorkerRespawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbh_guard", Subsystem: "daemon", Name: "worker_respawns_total",
			Help: "Total worker goroutine panics followed by a respawn, by worker name.",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		m.FreeFractionGauge, m.PressureLevelGauge, m.TimeToExhaustionSec, m.ForecastMAPE,
		m.ScanDurationSeconds, m.ScanNodesWalked, m.IndexHealthGauge,
		m.DecisionsTotal, m.BytesReclaimed, m.PosteriorHist,
		m.VetoesTotal, m.CircuitBreakerTrips, m.CircuitBreakerOpen,
		m.BallastFilesGauge, m.BallastReleasedTotal, m.BallastReplenishTotal,
		m.GuardEValue, m.GuardAlarmsTotal, m.PolicyModeGauge,
		m.ActivityDroppedTotal, m.ActivityLevelGauge,
		m.UptimeSeconds, m.WorkerRespawnsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the dedicated registry so an external collaborator
// (a CLI subcommand, a sidecar) may mount its own HTTP handler over it.
// The daemon itself never calls this to start a listener.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge; called periodically by the
// daemon's self-monitor tick, not by a background goroutine owned here.
func (m *Metrics) UpdateUptime(now time.Time) {
	m.UptimeSeconds.Set(now.Sub(m.startTime).Seconds())
}
