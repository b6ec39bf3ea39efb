// Package metrics exposes the Prometheus metrics of the initial sync.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "percona_initialsync_mongodb"

// Counters.
var (
	//nolint:gochecknoglobals
	documentsCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "documents_copied_total",
		Help:      "Total number of documents copied from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	batchesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "batches_received_total",
		Help:      "Total number of cursor batches received from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	batchesInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "batches_inserted_total",
		Help:      "Total number of batches inserted through the bulk loader.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "retries_total",
		Help:      "Total number of stage retries caused by transient source errors.",
		Namespace: metricNamespace,
	})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	databaseCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "database_count",
		Help:      "Number of databases selected for the initial sync.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	databasesCloned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "databases_cloned",
		Help:      "Number of databases cloned so far.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	estimatedDocumentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "estimated_documents_total",
		Help:      "Estimated total number of documents to be copied.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	sourceUnreachableSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "source_unreachable_seconds",
		Help:      "Total time the sync source has been unreachable, including any current outage.",
		Namespace: metricNamespace,
	})
)

// Init registers all collectors on the given registry.
func Init(r *prometheus.Registry) {
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		documentsCopiedTotal,
		batchesReceivedTotal,
		batchesInsertedTotal,
		retriesTotal,

		databaseCount,
		databasesCloned,
		estimatedDocumentsTotal,
		sourceUnreachableSeconds,
	)
}

func AddDocumentsCopied(n int) {
	documentsCopiedTotal.Add(float64(n))
}

func AddBatchesReceived(n int) {
	batchesReceivedTotal.Add(float64(n))
}

func AddBatchesInserted(n int) {
	batchesInsertedTotal.Add(float64(n))
}

func AddRetries(n int) {
	retriesTotal.Add(float64(n))
}

func SetDatabaseCount(n int) {
	databaseCount.Set(float64(n))
}

func SetDatabasesCloned(n int) {
	databasesCloned.Set(float64(n))
}

func AddEstimatedDocuments(n int64) {
	estimatedDocumentsTotal.Add(float64(n))
}

func SetSourceUnreachable(d time.Duration) {
	sourceUnreachableSeconds.Set(d.Seconds())
}
