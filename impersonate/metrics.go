package impersonate

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "impersonate_sessions_started_total",
			Help: "Total number of impersonation sessions started",
		},
	)

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonate_sessions_ended_total",
			Help: "Total number of impersonation sessions ended, by cause",
		},
		[]string{"cause"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "impersonate_sessions_active",
			Help: "Impersonation sessions started by this process and not yet ended",
		},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "impersonate_session_duration_seconds",
			Help:    "Length of finished impersonation sessions in seconds",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)
)

// MetricsRecorder exports session counts to Prometheus.
type MetricsRecorder struct{}

func (MetricsRecorder) ImpersonationBegan(_ context.Context, _ Event) error {
	sessionsStarted.Inc()
	sessionsActive.Inc()
	return nil
}

func (MetricsRecorder) ImpersonationEnded(_ context.Context, ev Event) error {
	cause := "stopped"
	if ev.Expired {
		cause = "expired"
	}
	sessionsEnded.WithLabelValues(cause).Inc()
	sessionsActive.Dec()
	sessionDuration.Observe(ev.Duration().Seconds())
	return nil
}
