package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded on DeliveriesTotal.
const (
	OutcomeDelivered    = "delivered"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeLost         = "lost"
)

// Collector holds the operator-facing pipeline counters.
type Collector struct {
	registry *prometheus.Registry

	RecordsIngested     *prometheus.CounterVec
	RecordsRejected     *prometheus.CounterVec
	RecordsClassified   *prometheus.CounterVec
	RecordsMasked       *prometheus.CounterVec
	RecordsRouted       *prometheus.CounterVec
	RecordsDeadLettered *prometheus.CounterVec
	ExtractionMisses    *prometheus.CounterVec
	RoutingGaps         *prometheus.CounterVec
	ConfigErrors        *prometheus.CounterVec
	DeliveryAttempts    *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	RetentionPurged     *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.RecordsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_ingested_total",
		Help: "Records accepted by the ingestion adapter",
	}, []string{"source_system", "channel"})

	c.RecordsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_rejected_total",
		Help: "Records rejected before entering the pipeline",
	}, []string{"channel", "reason"})

	c.RecordsClassified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_classified_total",
		Help: "Classification tags assigned",
	}, []string{"source_system", "tag"})

	c.RecordsMasked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_masked_total",
		Help: "Records that went through PHI/PII masking",
	}, []string{"source_system"})

	c.RecordsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_routed_total",
		Help: "Record copies delivered per destination",
	}, []string{"source_system", "destination", "tier"})

	c.RecordsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_dead_lettered_total",
		Help: "Record copies persisted to the dead-letter store",
	}, []string{"source_system", "destination"})

	c.ExtractionMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "extraction_misses_total",
		Help: "Extractor fields that found no match",
	}, []string{"source_system", "field"})

	c.RoutingGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "routing_gaps_total",
		Help: "Records that matched no route and used the fallback destination",
	}, []string{"source_system"})

	c.ConfigErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "configuration_errors_total",
		Help: "Configuration errors raised at load or ingestion time",
	}, []string{"source_system"})

	c.DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "delivery_attempts_total",
		Help: "Delivery attempts per destination, including retries",
	}, []string{"destination", "result"})

	c.DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "deliveries_total",
		Help: "Final delivery outcome per destination",
	}, []string{"destination", "outcome"})

	c.DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "delivery_duration_seconds",
		Help:    "Time from first attempt to final outcome",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"destination"})

	c.RetentionPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "retention_purged_total",
		Help: "Items removed by the retention janitor",
	}, []string{"destination"})

	c.registry.MustRegister(
		c.RecordsIngested, c.RecordsRejected, c.RecordsClassified, c.RecordsMasked,
		c.RecordsRouted, c.RecordsDeadLettered, c.ExtractionMisses, c.RoutingGaps,
		c.ConfigErrors, c.DeliveryAttempts, c.DeliveriesTotal, c.DeliveryDuration,
		c.RetentionPurged,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
