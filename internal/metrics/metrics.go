// Package metrics exposes reconciliation cycle outcomes as Prometheus
// metrics on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lsync "github.com/aliest/leadsync/internal/sync"
)

const namespace = "leadsync"

// Collector holds the cycle metrics.
type Collector struct {
	// Counters
	Cycles      *prometheus.CounterVec
	Rows        *prometheus.CounterVec
	Propagation *prometheus.CounterVec

	// Gauges
	DatasetRows     prometheus.Gauge
	Changes         *prometheus.GaugeVec
	Duplicates      prometheus.Gauge
	LastSuccess     prometheus.Gauge
	LastCycleStatus *prometheus.GaugeVec

	// Histograms
	CycleDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers the collectors, plus Go runtime and process
// metrics.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by final status",
		},
		[]string{"status"},
	)

	c.Rows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rows_total",
			Help:      "Source rows seen by outcome",
		},
		[]string{"result"}, // "inserted", "rejected"
	)

	c.Propagation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_total",
			Help:      "CRM propagation results",
		},
		[]string{"result"}, // "successful", "failed", "skipped", "deferred"
	)

	c.DatasetRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_rows",
			Help:      "Rows in the leads table after the last successful replace",
		},
	)

	c.Changes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_changes",
			Help:      "Change set sizes of the last completed diff",
		},
		[]string{"kind"}, // "new", "removed", "unchanged"
	)

	c.Duplicates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_duplicates",
			Help:      "Source rows collapsed by fingerprint in the last cycle",
		},
	)

	c.LastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Finish time of the last SUCCESS or PARTIAL cycle",
		},
	)

	c.LastCycleStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_status",
			Help:      "1 for the status of the last cycle, 0 otherwise",
		},
		[]string{"status"},
	)

	c.CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of reconciliation cycles",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	c.registry.MustRegister(
		c.Cycles,
		c.Rows,
		c.Propagation,
		c.DatasetRows,
		c.Changes,
		c.Duplicates,
		c.LastSuccess,
		c.LastCycleStatus,
		c.CycleDuration,
	)

	c.registry.MustRegister(collectors.NewGoCollector())
	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Observe records one cycle outcome.
func (c *Collector) Observe(out lsync.Outcome) {
	c.Cycles.WithLabelValues(string(out.Status)).Inc()
	c.CycleDuration.Observe(out.Duration().Seconds())

	for _, s := range []lsync.Status{lsync.StatusSuccess, lsync.StatusPartial, lsync.StatusError} {
		v := 0.0
		if s == out.Status {
			v = 1
		}
		c.LastCycleStatus.WithLabelValues(string(s)).Set(v)
	}

	c.Rows.WithLabelValues("rejected").Add(float64(out.Failed))
	if out.Status == lsync.StatusError {
		return
	}

	c.Rows.WithLabelValues("inserted").Add(float64(out.Inserted))
	c.DatasetRows.Set(float64(out.Inserted))
	c.Duplicates.Set(float64(out.Duplicates))
	c.LastSuccess.Set(float64(out.FinishedAt.Unix()))

	counts := out.Changes.Counts()
	c.Changes.WithLabelValues("new").Set(float64(counts.New))
	c.Changes.WithLabelValues("removed").Set(float64(counts.Removed))
	c.Changes.WithLabelValues("unchanged").Set(float64(counts.Unchanged))

	p := out.Propagation
	c.Propagation.WithLabelValues("successful").Add(float64(p.Successful))
	c.Propagation.WithLabelValues("failed").Add(float64(p.Failed))
	c.Propagation.WithLabelValues("skipped").Add(float64(p.Skipped))
	c.Propagation.WithLabelValues("deferred").Add(float64(p.Deferred))
}

// Handler returns an HTTP handler for the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
