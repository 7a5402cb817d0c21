// Package selfmetrics exports the pipeline's own health as Prometheus
// metrics. Values are read from the components at scrape time.
package selfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/pulse/internal/collector"
	"github.com/tinytelemetry/pulse/internal/ingest"
	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

const namespace = "pulse"

type CollectorStatus interface {
	Status() collector.Status
}

type BackendStatus interface {
	Status() tsdb.Status
}

type ReportSource interface {
	LastReport() (model.OptimizationReport, bool)
}

type IngestCounts interface {
	Counts() ingest.Counts
}

type AlertCounts interface {
	Counts() (published, failed uint64)
}

// Sources are read on every scrape. Nil fields are skipped.
type Sources struct {
	Collector CollectorStatus
	Backend   BackendStatus
	Monitor   ReportSource
	Ingest    IngestCounts
	Alerts    AlertCounts
}

// Exporter is a prometheus.Collector over Sources.
type Exporter struct {
	src Sources

	collecting      *prometheus.Desc
	buffered        *prometheus.Desc
	dropped         *prometheus.Desc
	realtimeSeries  *prometheus.Desc
	connected       *prometheus.Desc
	lastQueryMs     *prometheus.Desc
	pendingAsync    *prometheus.Desc
	score           *prometheus.Desc
	reportActions   *prometheus.Desc
	ingestDocuments *prometheus.Desc
	alertsPublished *prometheus.Desc
	alertsFailed    *prometheus.Desc
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

func NewExporter(src Sources) *Exporter {
	return &Exporter{
		src:             src,
		collecting:      desc("collector", "collecting", "Whether the collector accepts records (1) or not (0)."),
		buffered:        desc("collector", "buffered", "Entries waiting to be flushed to the backend.", "queue"),
		dropped:         desc("collector", "dropped_total", "Entries dropped because a buffer was full or the collector was stopped.", "queue"),
		realtimeSeries:  desc("collector", "realtime_series", "Metric names with a rolling window."),
		connected:       desc("backend", "connected", "Whether the time-series backend is connected.", "backend"),
		lastQueryMs:     desc("backend", "last_query_milliseconds", "Latency of the most recent backend query.", "backend"),
		pendingAsync:    desc("backend", "pending_async_writes", "Async write batches not yet written.", "backend"),
		score:           desc("monitor", "performance_score", "Overall performance score of the last optimization report."),
		reportActions:   desc("monitor", "report_actions", "Prioritized actions in the last optimization report."),
		ingestDocuments: desc("ingest", "documents_total", "Ingested documents by outcome.", "kind"),
		alertsPublished: desc("alerts", "published_total", "Alerts published to NATS."),
		alertsFailed:    desc("alerts", "publish_failures_total", "Alerts that could not be published."),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.collecting, e.buffered, e.dropped, e.realtimeSeries,
		e.connected, e.lastQueryMs, e.pendingAsync,
		e.score, e.reportActions,
		e.ingestDocuments, e.alertsPublished, e.alertsFailed,
	} {
		ch <- d
	}
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if e.src.Collector != nil {
		st := e.src.Collector.Status()
		gauge(e.collecting, boolValue(st.Collecting))
		gauge(e.buffered, float64(st.MetricsBufferSize), "metrics")
		gauge(e.buffered, float64(st.EventsBufferSize), "events")
		counter(e.dropped, st.DroppedMetrics, "metrics")
		counter(e.dropped, st.DroppedEvents, "events")
		gauge(e.realtimeSeries, float64(st.RealTimeMetricsCount))
	}

	if e.src.Backend != nil {
		st := e.src.Backend.Status()
		gauge(e.connected, boolValue(st.Connected), st.Backend)
		gauge(e.lastQueryMs, st.LastQueryTimeMs, st.Backend)
		gauge(e.pendingAsync, float64(st.PendingAsync), st.Backend)
	}

	if e.src.Monitor != nil {
		if r, ok := e.src.Monitor.LastReport(); ok {
			gauge(e.score, r.OverallPerformanceScore)
			gauge(e.reportActions, float64(len(r.PrioritizedActions)))
		}
	}

	if e.src.Ingest != nil {
		c := e.src.Ingest.Counts()
		counter(e.ingestDocuments, c.Events, "event")
		counter(e.ingestDocuments, c.Metrics, "metric")
		counter(e.ingestDocuments, c.Malformed, "malformed")
	}

	if e.src.Alerts != nil {
		published, failed := e.src.Alerts.Counts()
		counter(e.alertsPublished, published)
		counter(e.alertsFailed, failed)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry registers the exporter alongside the Go runtime and process
// collectors.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

var _ prometheus.Collector = (*Exporter)(nil)
