package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vitalwatch/internal/model"
)

var (
	alertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_alerts_generated_total",
			Help: "Alerts persisted by the analysis engine",
		},
		[]string{"alert_type", "priority"},
	)

	alertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_alerts_suppressed_total",
			Help: "Alert candidates dropped by deduplication",
		},
		[]string{"alert_type"},
	)

	patientsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_patients_skipped_total",
			Help: "Patients skipped during a pass because of an error",
		},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_pass_duration_seconds",
			Help:    "Duration of one analysis pass",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"trigger"},
	)

	readingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_readings_ingested_total",
			Help: "Readings accepted by ingestion",
		},
		[]string{"source", "metric_type"},
	)

	readingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_readings_rejected_total",
			Help: "Readings rejected by ingestion",
		},
		[]string{"source"},
	)

	readingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_readings_dropped_total",
			Help: "Valid readings dropped because the engine queue was full",
		},
		[]string{"source"},
	)

	notificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_notifications_failed_total",
			Help: "Alert notifications that could not be delivered",
		},
		[]string{"channel"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordAlertGenerated(t model.AlertType, p model.Priority) {
	alertsGenerated.WithLabelValues(string(t), string(p)).Inc()
}

func RecordAlertSuppressed(t model.AlertType) {
	alertsSuppressed.WithLabelValues(string(t)).Inc()
}

func RecordPatientSkipped() {
	patientsSkipped.Inc()
}

// RecordPass observes a finished pass. trigger is "batch" or "realtime".
func RecordPass(trigger string, d time.Duration) {
	passDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func RecordReadingIngested(source string, mt model.MetricType) {
	readingsIngested.WithLabelValues(source, string(mt)).Inc()
}

func RecordReadingRejected(source string) {
	readingsRejected.WithLabelValues(source).Inc()
}

func RecordReadingDropped(source string) {
	readingsDropped.WithLabelValues(source).Inc()
}

func RecordNotificationFailed(channel string) {
	notificationsFailed.WithLabelValues(channel).Inc()
}
