package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetricCallsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdio_calls_fetched_total",
		Help: "Raw calls returned by the scanner API",
	})

	MetricCallsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdio_calls_upserted_total",
		Help: "Call records written to the store",
	})

	MetricCallsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdio_calls_processed_total",
		Help: "Calls whose audio completed the pipeline",
	})

	MetricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdio_errors_total",
		Help: "Error counts by pipeline stage",
	}, []string{"stage"})

	MetricCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdio_poll_cycle_duration_seconds",
		Help:    "Duration of one fetch/parse/persist/audio cycle",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	MetricAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdio_audio_bytes_downloaded_total",
		Help: "Audio payload bytes written to disk",
	})

	MetricHealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdio_health_status",
		Help: "Aggregate health: 0 healthy, 1 warning, 2 unhealthy",
	})
)
