package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_poll_cycles_total",
		Help: "Poll cycles by result (success, degraded, failure)",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alertfeed_poll_cycle_duration_seconds",
		Help:    "Poll cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})

	skippedCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_poll_skipped_total",
		Help: "Poll cycles skipped because the previous one was still running",
	})

	alertsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_poll_alerts_ingested_total",
		Help: "Alerts newly added to the cache by poll cycles",
	})

	watermarkTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertfeed_poll_watermark_timestamp_seconds",
		Help: "Unix time of the poll watermark",
	})

	schedulerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertfeed_poll_state",
		Help: "Scheduler state (0 uninitialized, 1 bootstrapping, 2 steady)",
	})
)
