// Package worker consumes queued detections, identifies faces and applies
// the detections in batches.
package worker

import (
	"context"
	"log/slog"
	"time"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/coordinator"
	"cctv-attendance/internal/faceclient"
	"cctv-attendance/internal/metrics"
	"cctv-attendance/internal/queue"
)

// Matcher identifies the person in a frame.
type Matcher interface {
	Match(ctx context.Context, imageURL string, minSimilarity float64) (faceclient.Match, error)
}

// Batcher applies a batch of detections.
type Batcher interface {
	DecideBatch(ctx context.Context, dets []attendance.Detection) coordinator.BatchResult
}

// Config tunes batching and retries.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	MinSimilarity float64
}

// DefaultConfig returns the production defaults: batches of 50 flushed at
// least every 2s, two retries 30s and 60s after a failure.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		FlushInterval: 2 * time.Second,
		MaxRetries:    2,
		RetryBase:     30 * time.Second,
		MinSimilarity: 0.5,
	}
}

// Worker is the background consumer.
type Worker struct {
	queue   queue.Queue
	matcher Matcher
	batcher Batcher
	metrics *metrics.Recorder
	logger  *slog.Logger
	cfg     Config
}

type pending struct {
	det      attendance.Detection
	attempts int
}

// New creates a worker. matcher may be nil when every detection arrives
// already identified.
func New(q queue.Queue, matcher Matcher, batcher Batcher, m *metrics.Recorder, logger *slog.Logger, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   q,
		matcher: matcher,
		batcher: batcher,
		metrics: m,
		logger:  logger.With("component", "worker"),
		cfg:     cfg,
	}
}

// Run consumes until ctx is cancelled, then flushes what it holds.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]pending, 0, w.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		w.process(ctx, batch)
		batch = batch[:0]
	}

	w.logger.Info("worker started", "batch_size", w.cfg.BatchSize, "flush_interval", w.cfg.FlushInterval)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				flush(drainCtx)
				cancel()
				w.logger.Info("worker stopped")
				return nil
			}
			p, ok := w.resolve(ctx, msg)
			if !ok {
				continue
			}
			batch = append(batch, p)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// resolve decodes msg and identifies the person when the camera did not.
func (w *Worker) resolve(ctx context.Context, msg queue.Message) (pending, bool) {
	det, err := msg.Detection()
	if err != nil {
		w.logger.Warn("dropping malformed message", "type", msg.Type, "error", err)
		return pending{}, false
	}
	p := pending{det: det, attempts: msg.Attempts}

	if det.Matched() || det.ImageURL == "" || w.matcher == nil {
		return p, true
	}
	m, err := w.matcher.Match(ctx, det.ImageURL, w.cfg.MinSimilarity)
	if err != nil {
		w.logger.Error("face match failed", "detection_id", det.DetectionID, "error", err)
		w.retry(ctx, p)
		return pending{}, false
	}
	if m.Matched() {
		p.det.PersonID = m.PersonID
		p.det.Confidence = m.Confidence
	}
	return p, true
}

func (w *Worker) process(ctx context.Context, batch []pending) {
	dets := make([]attendance.Detection, len(batch))
	for i, p := range batch {
		dets[i] = p.det
	}

	res := w.batcher.DecideBatch(ctx, dets)
	for i, item := range res.Items {
		if item.Err == nil || !attendance.IsRetryable(item.Err) {
			continue
		}
		p := batch[i]
		p.det.DetectionID = item.DetectionID
		w.retry(ctx, p)
	}
}

// retry requeues p with exponential backoff, giving up after MaxRetries.
func (w *Worker) retry(ctx context.Context, p pending) {
	if p.attempts >= w.cfg.MaxRetries {
		w.logger.Error("giving up on detection",
			"detection_id", p.det.DetectionID,
			"person_id", p.det.PersonID,
			"attempts", p.attempts,
		)
		return
	}

	msg, err := queue.NewDetectionMessage(p.det)
	if err != nil {
		w.logger.Error("encode retry failed", "detection_id", p.det.DetectionID, "error", err)
		return
	}
	delay := w.cfg.RetryBase * time.Duration(1<<p.attempts)
	msg.Attempts = p.attempts + 1

	if err := w.queue.PublishAfter(ctx, msg, delay); err != nil {
		w.logger.Error("requeue failed", "detection_id", p.det.DetectionID, "error", err)
		return
	}
	w.metrics.Retry()
	w.logger.Warn("detection requeued",
		"detection_id", p.det.DetectionID,
		"attempt", msg.Attempts,
		"delay", delay,
	)
}
