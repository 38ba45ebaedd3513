// Package metrics holds the service's Prometheus collectors.
// Grounded on jordigilh-kubernaut's and 99souls-ariadne's use of
// github.com/prometheus/client_golang, registered through promauto
// against a dedicated registry rather than the global default one, so
// multiple Registries in tests don't collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of collectors SPEC_FULL.md's ambient stack
// section names. One instance is constructed at startup and threaded
// through component constructors, never referenced as a package
// global.
type Metrics struct {
	Registry *prometheus.Registry

	IngestEntitiesTotal   *prometheus.CounterVec
	IngestSkippedTotal    *prometheus.CounterVec
	AnomaliesEmittedTotal *prometheus.CounterVec
	TrainingFailedTotal   *prometheus.CounterVec
	IngestSheddingTotal   *prometheus.CounterVec

	FetchLatencySeconds      *prometheus.HistogramVec
	StoreWriteLatencySeconds *prometheus.HistogramVec

	CatalogSkippedRows prometheus.Gauge
	ModelState         *prometheus.GaugeVec
}

// New builds a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		IngestEntitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transitwatch_ingest_entities_total",
			Help: "Feed entities decoded into canonical records, by feed_id.",
		}, []string{"feed_id"}),

		IngestSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transitwatch_ingest_skipped_total",
			Help: "Feed entities skipped during decode, by feed_id and reason.",
		}, []string{"feed_id", "reason"}),

		AnomaliesEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transitwatch_anomalies_emitted_total",
			Help: "Anomalies inserted into the store, by kind.",
		}, []string{"kind"}),

		TrainingFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transitwatch_training_failed_total",
			Help: "Model training runs that failed, by model name.",
		}, []string{"model"}),

		IngestSheddingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transitwatch_ingest_shedding_total",
			Help: "Ticks where ingest shed a feed under write-latency backpressure.",
		}, []string{"feed_id"}),

		FetchLatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transitwatch_fetch_latency_seconds",
			Help:    "Feed fetch latency, by feed_id.",
			Buckets: prometheus.DefBuckets,
		}, []string{"feed_id"}),

		StoreWriteLatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transitwatch_store_write_latency_seconds",
			Help:    "State store write latency, by operation — feeds the backpressure watermark.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		CatalogSkippedRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transitwatch_catalog_skipped_rows",
			Help: "Invalid catalog rows skipped on the most recent load.",
		}),

		ModelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transitwatch_model_state",
			Help: "Current lifecycle state per model: 0=absent 1=training 2=ready 3=refreshing.",
		}, []string{"model"}),
	}
}
