package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_admission_allowed_total",
			Help: "no. of admitted requests",
		},
		[]string{"endpoint"},
	)
	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_admission_rejected_total",
			Help: "no. of rejected requests",
		},
		[]string{"endpoint", "reason"},
	)
	BansIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodgate_bans_issued_total",
		Help: "no. of circuit-breaker bans issued",
	})
	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_active_bans",
		Help: "identities currently banned",
	})
	AnomalyScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "floodgate_anomaly_score",
		Help:    "composite anomaly scores observed",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
	CollectorKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_collector_keys",
		Help: "keys currently tracked by the event collector",
	})
	CollectorEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_collector_events",
		Help: "events currently retained by the event collector",
	})
	CleanupCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_cleanup_cycles_total",
			Help: "no. of background cleanup cycles",
		},
		[]string{"component"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floodgate_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	SystemLoad = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_system_load",
		Help: "last reported system load (0-100)",
	})
	BaselineUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodgate_baseline_updates_total",
		Help: "no. of EMA baseline samples folded in",
	})
)

func Init() {
}
