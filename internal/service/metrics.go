package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("pos-sync-server/service")

var (
	mutationsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_mutations_enqueued_total",
		Help: "Mutations submitted by clients, by acceptance result",
	}, []string{"result"})

	mutationsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_mutations_processed_total",
		Help: "Mutations processed by the sync processor, by final status",
	}, []string{"status"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_conflicts_total",
		Help: "Conflicts detected, by strategy and outcome",
	}, []string{"strategy", "outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "possync_batch_duration_seconds",
		Help:    "Duration of processSync batches",
		Buckets: prometheus.DefBuckets,
	})

	itemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "possync_item_duration_seconds",
		Help:    "Duration of single mutation processing",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	deltaChangesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "possync_delta_changes_served_total",
		Help: "Server changes returned through the delta feed",
	})

	janitorRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_janitor_records_total",
		Help: "Records archived or purged by the janitor",
	}, []string{"action"})
)
