package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JoinsTotal counts join attempts by outcome.
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drop_joins_total",
			Help: "Join attempts by result",
		},
		[]string{"result"}, // success, duplicate, invalid, not_found, error
	)

	JoinDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "drop_join_duration_seconds",
			Help: "Duration of join requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
			},
		},
	)

	ReferralUnlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drop_referral_unlocks_total",
			Help: "Referrers that crossed their campaign's referral threshold",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drop_notifications_total",
			Help: "SMS notifications by event and outcome",
		},
		[]string{"event", "status"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drop_scheduler_sweep_duration_seconds",
			Help:    "Duration of lifecycle sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"kind"}, // poll, reminder, end_of_drop
	)
)

func RecordJoin(result string, duration float64) {
	JoinsTotal.WithLabelValues(result).Inc()
	JoinDuration.Observe(duration)
}

func RecordUnlock() {
	ReferralUnlocksTotal.Inc()
}

func RecordNotification(event, status string) {
	NotificationsTotal.WithLabelValues(event, status).Inc()
}

func RecordSweep(kind string, duration float64) {
	SweepDuration.WithLabelValues(kind).Observe(duration)
}
