package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"cctv-attendance/internal/config"
	"cctv-attendance/internal/faceclient"
	"cctv-attendance/internal/infrastructure"
	"cctv-attendance/internal/worker"
)

// Worker consumes queued detections, identifies faces and applies them in
// batches.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal("worker needs a shared queue; QUEUE_BACKEND=memory runs the worker inside the api")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := infrastructure.New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("infrastructure init failed: %v", err)
	}
	defer infra.Close()
	logger := infra.Logger

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	// Check face service health on startup
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available, matching will retry", "error", err)
		} else {
			logger.Info("face service connected", "url", cfg.FaceServiceURL)
		}
	}

	w := worker.New(infra.Detections, face, infra.Coordinator, infra.Metrics, logger, worker.Config{
		BatchSize:     cfg.WorkerBatchSize,
		FlushInterval: cfg.WorkerFlushInterval,
		MaxRetries:    cfg.WorkerMaxRetries,
		RetryBase:     cfg.WorkerRetryBase,
		MinSimilarity: cfg.FaceMinSimilarity,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker failed", "error", err)
	}
	logger.Info("worker stopped")
}
