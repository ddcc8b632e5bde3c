package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthRecorder accumulates the rolling request/error counters that back
// GET /health and GET /metrics. It is intentionally small: the
// recent-error-rate window is a map of per-second buckets pruned to the
// window, not a full metrics backend; Prometheus handles cardinality-heavy series via the
// registered collectors below.
type HealthRecorder struct {
	startedAt time.Time

	queueDepth int64

	mu      sync.Mutex
	window  time.Duration
	buckets map[int64]bucketCounts

	requestTotal prometheus.Counter
	errorTotal   prometheus.Counter
	queueGauge   prometheus.Gauge
	errorRateG   prometheus.Gauge
}

type bucketCounts struct {
	requests int64
	errors   int64
}

// NewHealthRecorder builds a recorder with the given rolling window
// and registers its
// Prometheus collectors (amon_ui_queue_depth, amon_ui_request_total,
// amon_ui_error_total, amon_ui_error_rate) on reg.
func NewHealthRecorder(reg prometheus.Registerer, window time.Duration) *HealthRecorder {
	if window <= 0 {
		window = 60 * time.Second
	}
	h := &HealthRecorder{
		startedAt: time.Now(),
		window:    window,
		buckets:   make(map[int64]bucketCounts),
		requestTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_ui_request_total", Help: "Total HTTP requests served by the UI API.",
		}),
		errorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_ui_error_total", Help: "Total HTTP requests served by the UI API that errored.",
		}),
		queueGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_ui_queue_depth", Help: "Current depth of the run dispatch queue.",
		}),
		errorRateG: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_ui_error_rate", Help: "Rolling-window HTTP error rate.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.requestTotal, h.errorTotal, h.queueGauge, h.errorRateG)
	}
	return h
}

// RecordRequest records one completed HTTP request, isErr indicating
// whether it ended in an error response.
func (h *HealthRecorder) RecordRequest(isErr bool) {
	h.requestTotal.Inc()
	if isErr {
		h.errorTotal.Inc()
	}
	sec := time.Now().Unix()
	h.mu.Lock()
	b := h.buckets[sec]
	b.requests++
	if isErr {
		b.errors++
	}
	h.buckets[sec] = b
	h.pruneLocked(sec)
	h.mu.Unlock()
	h.errorRateG.Set(h.ErrorRate())
}

// SetQueueDepth updates the current dispatch queue depth gauge.
func (h *HealthRecorder) SetQueueDepth(depth int64) {
	atomic.StoreInt64(&h.queueDepth, depth)
	h.queueGauge.Set(float64(depth))
}

// QueueDepth returns the last recorded queue depth.
func (h *HealthRecorder) QueueDepth() int64 { return atomic.LoadInt64(&h.queueDepth) }

// Uptime returns the wall-clock duration since the recorder was created.
func (h *HealthRecorder) Uptime() time.Duration { return time.Since(h.startedAt) }

// Snapshot returns the window's request count, error count, and error rate
// for the GET /health payload's recent_error_rate object.
func (h *HealthRecorder) Snapshot() (windowSeconds int, requestCount, errorCount int64, errorRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().Unix()
	h.pruneLocked(now)
	var reqs, errs int64
	for _, b := range h.buckets {
		reqs += b.requests
		errs += b.errors
	}
	rate := 0.0
	if reqs > 0 {
		rate = float64(errs) / float64(reqs)
	}
	return int(h.window / time.Second), reqs, errs, rate
}

// ErrorRate is a convenience wrapper around Snapshot for gauge updates.
func (h *HealthRecorder) ErrorRate() float64 {
	_, _, _, rate := h.Snapshot()
	return rate
}

// pruneLocked drops buckets outside the rolling window. Caller must hold mu.
func (h *HealthRecorder) pruneLocked(now int64) {
	cutoff := now - int64(h.window/time.Second)
	for sec := range h.buckets {
		if sec < cutoff {
			delete(h.buckets, sec)
		}
	}
}
