// Package metrics provides Prometheus metrics for thistle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatementsEmitted tracks statements written by crawl runs
	StatementsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "crawl",
			Name:      "statements_total",
			Help:      "Total number of statements emitted by crawl runs",
		},
		[]string{"dataset"},
	)

	// EntitiesEmitted tracks entities emitted by crawl runs
	EntitiesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "crawl",
			Name:      "entities_total",
			Help:      "Total number of entities emitted by crawl runs",
		},
		[]string{"dataset", "target"},
	)

	// ValidationErrors tracks entities and statements rejected by the type model
	ValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "crawl",
			Name:      "validation_errors_total",
			Help:      "Total number of values rejected by validation",
		},
		[]string{"dataset"},
	)

	// ResourcesFetched tracks resources downloaded by crawl runs
	ResourcesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "crawl",
			Name:      "resources_total",
			Help:      "Total number of resources fetched by crawl runs",
		},
		[]string{"dataset", "status"},
	)

	// JudgementsTotal tracks judgements by verdict and outcome
	JudgementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "resolver",
			Name:      "judgements_total",
			Help:      "Total number of judgements by verdict and outcome (applied, ignored, conflict)",
		},
		[]string{"verdict", "outcome"},
	)

	// Clusters tracks the number of multi-member clusters
	Clusters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "thistle",
			Subsystem: "resolver",
			Name:      "clusters",
			Help:      "Number of clusters with more than one member",
		},
	)

	// SinkRecordsWritten tracks records written per sink
	SinkRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "sink",
			Name:      "records_total",
			Help:      "Total number of records written by sinks",
		},
		[]string{"sink"},
	)

	// SinkFailures tracks sinks aborted mid-write
	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Total number of sinks aborted before close",
		},
		[]string{"sink"},
	)

	// LockWaitDuration tracks time spent waiting for destination locks
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting to acquire a destination lock",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"backend", "outcome"},
	)

	// ExportDuration tracks export pass duration
	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "export",
			Name:      "duration_seconds",
			Help:      "Duration of export passes in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"status"},
	)

	// KafkaMessagesConsumed tracks judgement messages read from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of judgement messages consumed",
		},
		[]string{"topic", "status"},
	)
)
