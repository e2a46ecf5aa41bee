// Package metrics exports upload events as Prometheus metrics.
package metrics

import (
	"errors"
	"sync"

	"github.com/bitrise-io/go-chunkupload/event"
	"github.com/prometheus/client_golang/prometheus"
)

// Observer records upload events. A nil Observer ignores every event.
type Observer struct {
	sessionsTotal  *prometheus.CounterVec
	chunksTotal    *prometheus.CounterVec
	chunkDuration  prometheus.Histogram
	chunkBytes     prometheus.Counter
	retriesTotal   *prometheus.CounterVec
	retryDelay     prometheus.Histogram
	activeSessions prometheus.Gauge
	concurrency    prometheus.Gauge
	mergeAttempts  prometheus.Histogram
	deduplicated   prometheus.Counter

	active sync.Map // session ID -> struct{}
}

// New registers the upload metrics with reg. Metrics already registered by an
// earlier call are shared.
//
// Returns nil if reg is nil.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		return nil
	}

	return &Observer{
		sessionsTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_sessions_total",
				Help: "Total number of upload sessions by final status",
			},
			[]string{"status"}, // "completed", "failed", "cancelled"
		)),
		chunksTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_chunks_total",
				Help: "Total number of chunk uploads by outcome",
			},
			[]string{"outcome"}, // "uploaded", "failed"
		)),
		chunkDuration: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "chunkupload_chunk_duration_milliseconds",
				Help: "Duration of successful chunk uploads in milliseconds",
				Buckets: []float64{
					10,     // 10ms
					100,    // 100ms
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s
					10000,  // 10s
					30000,  // 30s
					120000, // 2m - large chunks on slow links
				},
			},
		)),
		chunkBytes: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkupload_bytes_uploaded_total",
				Help: "Total bytes of successfully uploaded chunks",
			},
		)),
		retriesTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_chunk_retries_total",
				Help: "Total number of chunk retries by error kind",
			},
			[]string{"kind"},
		)),
		retryDelay: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkupload_retry_delay_milliseconds",
				Help:    "Backoff delay before chunk retries in milliseconds",
				Buckets: prometheus.ExponentialBuckets(100, 2, 12),
			},
		)),
		activeSessions: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkupload_active_sessions",
				Help: "Current number of running upload sessions",
			},
		)),
		concurrency: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkupload_concurrency_limit",
				Help: "Most recent chunk concurrency limit",
			},
		)),
		mergeAttempts: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkupload_merge_attempts",
				Help:    "Number of merge calls needed per completed upload",
				Buckets: []float64{1, 2, 3, 5},
			},
		)),
		deduplicated: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkupload_deduplicated_total",
				Help: "Total number of uploads completed without sending chunks",
			},
		)),
	}
}

// register registers c, or returns the collector registered earlier under the
// same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handle implements event.Handler.
func (o *Observer) Handle(e event.Event) {
	if o == nil {
		return
	}

	switch e.Type {
	case event.SessionStarted:
		if _, loaded := o.active.LoadOrStore(e.SessionID, struct{}{}); !loaded {
			o.activeSessions.Inc()
		}
		if e.Concurrency > 0 {
			o.concurrency.Set(float64(e.Concurrency))
		}
	case event.ChunkUploaded:
		o.chunksTotal.WithLabelValues("uploaded").Inc()
		o.chunkBytes.Add(float64(e.ChunkSize))
		o.chunkDuration.Observe(float64(e.Duration.Milliseconds()))
	case event.ChunkRetried:
		o.retriesTotal.WithLabelValues(e.Kind.String()).Inc()
		o.retryDelay.Observe(float64(e.Delay.Milliseconds()))
	case event.ChunkFailed:
		o.chunksTotal.WithLabelValues("failed").Inc()
	case event.ConcurrencyChanged:
		o.concurrency.Set(float64(e.Concurrency))
	case event.Completed:
		o.sessionsTotal.WithLabelValues("completed").Inc()
		o.finish(e.SessionID)
		if e.Result != nil {
			if e.Result.Deduplicated {
				o.deduplicated.Inc()
			} else {
				o.mergeAttempts.Observe(float64(e.Result.Attempts))
			}
		}
	case event.Failed:
		o.sessionsTotal.WithLabelValues("failed").Inc()
		o.finish(e.SessionID)
	case event.StatusChanged:
		if e.Status == "cancelled" {
			o.sessionsTotal.WithLabelValues("cancelled").Inc()
			o.finish(e.SessionID)
		}
	}
}

func (o *Observer) finish(sessionID string) {
	if _, ok := o.active.LoadAndDelete(sessionID); ok {
		o.activeSessions.Dec()
	}
}
