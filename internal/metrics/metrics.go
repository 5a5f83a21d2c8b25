// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CycleOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrysync_cycles_total",
			Help: "Ingestion cycles by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferrysync_load_duration_seconds",
			Help:    "Duration of a full database refresh",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"store", "status"},
	)

	RowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrysync_rows_loaded_total",
			Help: "Rows inserted by successful loads",
		},
		[]string{"table"},
	)

	AttachmentsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferrysync_attachments_saved_total",
		Help: "Mail attachments written to the update directory",
	})

	MailReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferrysync_mail_reconnects_total",
		Help: "Reconnects after a failed mail operation",
	})

	LastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ferrysync_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that refreshed the database",
	})
)

// RecordCycle counts a finished cycle.
func RecordCycle(trigger, outcome string) {
	CycleOutcomes.WithLabelValues(trigger, outcome).Inc()
}

// RecordLoad observes a load and, on success, the rows it inserted per table.
func RecordLoad(store string, duration time.Duration, rows map[string]int, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	LoadDuration.WithLabelValues(store, status).Observe(duration.Seconds())
	if err != nil {
		return
	}
	for table, n := range rows {
		RowsLoaded.WithLabelValues(table).Add(float64(n))
	}
}

// RecordSuccess marks the time of the last successful refresh.
func RecordSuccess(t time.Time) {
	LastSuccess.Set(float64(t.Unix()))
}
