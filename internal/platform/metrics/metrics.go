package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeltaFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_delta_files_total",
		Help: "Delta files handled by the consumer, by outcome",
	}, []string{"status"})

	SyncTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_sync_tasks_total",
		Help: "Finished sync task runs by operation and final status",
	}, []string{"operation", "status"})

	StoreRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_retries_total",
		Help: "Store operations retried after a failure",
	})

	DispatchMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dispatch_moves_total",
		Help: "Graph move statements executed by the dispatcher, by destination kind",
	}, []string{"destination"})

	WatermarkSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consumer_watermark_timestamp_seconds",
		Help: "Creation time of the latest fully applied delta file",
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_run_duration_seconds",
		Help:    "Duration of sync runs",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
	}, []string{"operation", "status"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
