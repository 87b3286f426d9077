package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsds_receiver_deliveries_total",
			Help: "Total number of broker deliveries by outcome",
		},
		[]string{"outcome"},
	)

	recordsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsds_receiver_records_processed_total",
		Help: "Total number of records folded into the store",
	})

	recordsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsds_receiver_records_skipped_total",
		Help: "Total number of records skipped by validation",
	})

	eventsFoldedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsds_receiver_events_folded_total",
		Help: "Total number of event records folded into event documents",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsds_receiver_cache_misses_total",
		Help: "Total number of document cache misses requiring a store read",
	})

	bulkWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsds_receiver_bulk_write_errors_total",
		Help: "Total number of bulk write batches that reported errors",
	})
)
