package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Record sources.
const (
	SourceWatch  = "watch"
	SourceRescan = "rescan"
)

// Engine Prometheus metrics. They are always updated; exposing them is up to
// whoever registers them.
var (
	RecordsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fsmap",
			Name:      "records_upserted_total",
			Help:      "Total number of records written to the index",
		},
		[]string{"collection", "source"},
	)

	RecordsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fsmap",
			Name:      "records_deleted_total",
			Help:      "Total number of records removed from the index",
		},
		[]string{"collection", "source"},
	)

	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fsmap",
			Name:      "watch_events_total",
			Help:      "Settled watcher events by action",
		},
		[]string{"collection", "action"},
	)

	RemapDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fsmap",
			Name:      "remap_duration_seconds",
			Help:      "Duration of successful reindex and rescan cycles",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"collection"},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fsmap",
			Name:      "scan_duration_seconds",
			Help:      "Duration of data directory scans",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"collection"},
	)

	RemapFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fsmap",
			Name:      "remap_failures_total",
			Help:      "Failed remap cycles by step",
		},
		[]string{"collection", "step"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RecordsUpsertedTotal,
		RecordsDeletedTotal,
		WatchEventsTotal,
		RemapDuration,
		ScanDuration,
		RemapFailuresTotal,
	}
}

// Register registers the engine metrics on reg. Registering twice on the same
// registry is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
