// Package metrics exposes Prometheus instruments for attendance decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attendance"

// Recorder groups the attendance instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	Decisions         *prometheus.CounterVec
	DecisionErrors    *prometheus.CounterVec
	DecisionDuration  prometheus.Histogram
	ReviewsEnqueued   prometheus.Counter
	BroadcastFailures prometheus.Counter
	BatchSize         prometheus.Histogram
	WorkerRetries     prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Detections decided, by outcome kind and reason.",
		}, []string{"kind", "reason"}),
		DecisionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_errors_total",
			Help:      "Detections that failed with an error, by class.",
		}, []string{"class"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding one detection.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReviewsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_enqueued_total",
			Help:      "Deferred detections added to the review queue.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Attendance events that could not be published.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Detections per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		WorkerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_retries_total",
			Help:      "Detections requeued after an infrastructure failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.Decisions,
			r.DecisionErrors,
			r.DecisionDuration,
			r.ReviewsEnqueued,
			r.BroadcastFailures,
			r.BatchSize,
			r.WorkerRetries,
		)
	}
	return r
}

// Decision counts one outcome.
func (r *Recorder) Decision(kind, reason string, took time.Duration) {
	if r == nil {
		return
	}
	r.Decisions.WithLabelValues(kind, reason).Inc()
	r.DecisionDuration.Observe(took.Seconds())
}

// Error counts one failed decision.
func (r *Recorder) Error(class string) {
	if r == nil {
		return
	}
	r.DecisionErrors.WithLabelValues(class).Inc()
}

// ReviewEnqueued counts a new review item.
func (r *Recorder) ReviewEnqueued() {
	if r == nil {
		return
	}
	r.ReviewsEnqueued.Inc()
}

// BroadcastFailed counts a failed publish.
func (r *Recorder) BroadcastFailed() {
	if r == nil {
		return
	}
	r.BroadcastFailures.Inc()
}

// Batch observes the size of one batch.
func (r *Recorder) Batch(n int) {
	if r == nil {
		return
	}
	r.BatchSize.Observe(float64(n))
}

// Retry counts one worker retry.
func (r *Recorder) Retry() {
	if r == nil {
		return
	}
	r.WorkerRetries.Inc()
}
