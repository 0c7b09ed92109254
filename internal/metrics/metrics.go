// Package metrics exposes Prometheus collectors for downloads, extraction,
// matching, memory governance and the status endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal             *prometheus.CounterVec
	downloadRetriesTotal       prometheus.Counter
	downloadBytesTotal         prometheus.Counter
	extractionsTotal           *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	keywordHitsTotal           *prometheus.CounterVec
	lemmaUnavailableTotal      prometheus.Counter
	memoryRSSBytes             prometheus.Gauge
	memoryReclaimsTotal        *prometheus.CounterVec
	memoryAdmissionsTotal      *prometheus.CounterVec
	activeDownloadWorkers      prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenderscan_downloads_total",
				Help: "Attachment downloads, labeled by result.",
			},
			[]string{"result"},
		)

		downloadRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tenderscan_download_retries_total",
				Help: "Attachment download attempts repeated after a transient failure.",
			},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tenderscan_download_bytes_total",
				Help: "Attachment bytes downloaded.",
			},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenderscan_extractions_total",
				Help: "Extraction attempts, labeled by format, strategy and outcome.",
			},
			[]string{"format", "strategy", "outcome"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenderscan_extraction_duration_seconds",
				Help:    "Time spent in each extraction strategy.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
			},
			[]string{"strategy"},
		)

		keywordHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenderscan_keyword_hits_total",
				Help: "Documents in which a keyword scored at or above the threshold.",
			},
			[]string{"keyword"},
		)

		lemmaUnavailableTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tenderscan_lemma_unavailable_total",
				Help: "Scoring calls that ran without the lemma pass.",
			},
		)

		memoryRSSBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenderscan_memory_rss_bytes",
				Help: "Last resident memory reading taken by the memory governor.",
			},
		)

		memoryReclaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenderscan_memory_reclaims_total",
				Help: "Memory reclamations, labeled by trigger.",
			},
			[]string{"trigger"},
		)

		memoryAdmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenderscan_memory_admissions_total",
				Help: "Admission decisions of the memory governor.",
			},
			[]string{"decision"},
		)

		activeDownloadWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenderscan_active_download_workers",
				Help: "Attachment workers currently downloading or evaluating.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenderscan_rate_limit_delay_seconds",
				Help:    "Time requests waited for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDownload records one finished attachment download.
func ObserveDownload(result string, bytes int) {
	Init()
	downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// ObserveDownloadRetry counts a repeated download attempt.
func ObserveDownloadRetry() {
	Init()
	downloadRetriesTotal.Inc()
}

// ObserveExtraction records the outcome of one extraction strategy.
func ObserveExtraction(format, strategy, outcome string, duration time.Duration) {
	Init()
	extractionsTotal.WithLabelValues(format, strategy, outcome).Inc()
	extractionDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveKeywordHit counts a keyword scoring at or above the threshold.
func ObserveKeywordHit(keyword string) {
	Init()
	keywordHitsTotal.WithLabelValues(keyword).Inc()
}

// ObserveLemmaUnavailable counts a scoring call that skipped the lemma pass.
func ObserveLemmaUnavailable() {
	Init()
	lemmaUnavailableTotal.Inc()
}

// SetMemoryUsage records the latest resident memory reading.
func SetMemoryUsage(bytes uint64) {
	Init()
	memoryRSSBytes.Set(float64(bytes))
}

// ObserveReclaim counts a memory reclamation.
func ObserveReclaim(trigger string) {
	Init()
	memoryReclaimsTotal.WithLabelValues(trigger).Inc()
}

// ObserveAdmission counts an admission decision.
func ObserveAdmission(admitted bool) {
	Init()
	decision := "admitted"
	if !admitted {
		decision = "refused"
	}
	memoryAdmissionsTotal.WithLabelValues(decision).Inc()
}

// IncActiveWorkers increments the active download workers gauge.
func IncActiveWorkers() {
	Init()
	activeDownloadWorkers.Inc()
}

// DecActiveWorkers decrements the active download workers gauge.
func DecActiveWorkers() {
	Init()
	activeDownloadWorkers.Dec()
}

// ObserveRateLimitDelay records time spent waiting on the per-host limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
