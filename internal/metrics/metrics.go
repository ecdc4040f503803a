package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	inferenceReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewalcal",
			Name:      "inference_requests_total",
			Help:      "Total inference requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	inferenceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renewalcal",
			Name:      "inference_request_duration_seconds",
			Help:      "Duration of inference requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	documentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewalcal",
			Name:      "documents_processed_total",
			Help:      "Documents processed by final status and failure class",
		},
		[]string{"status", "reason"},
	)

	ocrPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewalcal",
			Name:      "ocr_pages_total",
			Help:      "Pages sent through OCR fallback by engine and result",
		},
		[]string{"engine", "result"},
	)

	reviewFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "renewalcal",
			Name:      "records_needing_review_total",
			Help:      "Successful extractions flagged for human review",
		},
	)

	conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewalcal",
			Name:      "conversions_total",
			Help:      "Office documents converted to PDF by result",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "renewalcal",
			Name:      "queue_depth",
			Help:      "Ingestion queue depth gauges for stream and dlq",
		},
		[]string{"type"},
	)
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(inferenceReqs, inferenceLatency, documentsProcessed, ocrPages, reviewFlagged, conversions, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveInference(provider, model, result string, dur time.Duration) {
	inferenceReqs.WithLabelValues(provider, model, result).Inc()
	inferenceLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func IncDocument(status, reason string) { documentsProcessed.WithLabelValues(status, reason).Inc() }
func IncOCRPage(engine, result string)  { ocrPages.WithLabelValues(engine, result).Inc() }
func IncNeedsReview()                   { reviewFlagged.Inc() }
func IncConversion(result string)       { conversions.WithLabelValues(result).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
