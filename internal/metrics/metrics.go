// Package metrics exports ingestion and retrieval metrics in Prometheus format.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "framesearch"

type Metrics struct {
	registry *prometheus.Registry

	framesKept       prometheus.Counter
	framesSkipped    prometheus.Counter
	batches          *prometheus.CounterVec
	videosIngested   *prometheus.CounterVec
	searches         *prometheus.CounterVec
	searchLatency    *prometheus.HistogramVec
	embeddingLatency *prometheus.HistogramVec
	enrichments      *prometheus.CounterVec
}

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.framesKept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "frames_kept_total",
		Help:      "Key frames selected by the extractor",
	})
	m.framesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "frames_skipped_total",
		Help:      "Key frames dropped because embedding failed",
	})
	m.batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vectorstore",
		Name:      "batches_total",
		Help:      "Frame batches flushed to the vector store",
	}, []string{"status"})
	m.videosIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "videos_total",
		Help:      "Videos processed by the ingestion pipeline",
	}, []string{"outcome"})
	m.searches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "searches_total",
		Help:      "Searches served",
	}, []string{"mode", "status"})
	m.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "search_latency_seconds",
		Help:      "Search latency in seconds",
		Buckets:   latencyBuckets,
	}, []string{"mode"})
	m.embeddingLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "latency_seconds",
		Help:      "Embedding call latency in seconds",
		Buckets:   latencyBuckets,
	}, []string{"backend", "modality", "status"})

	m.enrichments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrichment",
		Name:      "runs_total",
		Help:      "Mining and summary analyses run against the vision-language model",
	}, []string{"analysis", "status"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesKept,
		m.framesSkipped,
		m.batches,
		m.videosIngested,
		m.searches,
		m.searchLatency,
		m.embeddingLatency,
		m.enrichments,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) FramesKept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesKept.Add(float64(n))
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

func (m *Metrics) BatchFlushed(err error) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status(err)).Inc()
}

// VideoIngested records one pipeline outcome: "created", "existing" or "failed".
func (m *Metrics) VideoIngested(outcome string) {
	if m == nil {
		return
	}
	m.videosIngested.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSearch(mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(mode, status(err)).Inc()
	m.searchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveEmbedding(backend, modality string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.embeddingLatency.WithLabelValues(backend, modality, status(err)).Observe(time.Since(start).Seconds())
}

// EnrichmentRun records one "mining" or "summary" analysis.
func (m *Metrics) EnrichmentRun(analysis string, err error) {
	if m == nil {
		return
	}
	m.enrichments.WithLabelValues(analysis, status(err)).Inc()
}
