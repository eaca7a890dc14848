package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"cctv-attendance/internal/api"
	"cctv-attendance/internal/config"
	"cctv-attendance/internal/faceclient"
	"cctv-attendance/internal/httpmiddleware"
	"cctv-attendance/internal/infrastructure"
	"cctv-attendance/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := infrastructure.New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer infra.Close()
	logger := infra.Logger

	health := make(map[string]api.HealthCheck)
	for name, check := range infra.Health() {
		health[name] = check
	}

	r := api.NewRouter(api.Deps{
		Coordinator: infra.Coordinator,
		Policy:      infra.Engine,
		Queue:       infra.Detections,
		Hub:         infra.Hub,
		Limiter:     httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Health:      health,
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		Logger:      logger,
	})

	// WriteTimeout stays unset so the event stream is not cut off.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Shutdown does not cancel hijacked or streaming requests; ending the
	// hub subscriptions lets open event streams return.
	srv.RegisterOnShutdown(infra.Hub.Close)

	g, gctx := errgroup.WithContext(ctx)

	if relay := infra.Relay(); relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil {
				logger.Error("event relay stopped", "error", err)
			}
			return nil
		})
	}

	// A memory queue only reaches consumers in this process.
	if cfg.QueueBackend == "memory" {
		w := worker.New(infra.Detections, faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip), infra.Coordinator, infra.Metrics, logger, workerConfig(cfg))
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server exited")
	return nil
}

func workerConfig(cfg config.App) worker.Config {
	return worker.Config{
		BatchSize:     cfg.WorkerBatchSize,
		FlushInterval: cfg.WorkerFlushInterval,
		MaxRetries:    cfg.WorkerMaxRetries,
		RetryBase:     cfg.WorkerRetryBase,
		MinSimilarity: cfg.FaceMinSimilarity,
	}
}
