// Package infrastructure assembles the stores, queues and services both
// binaries run on.
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/broadcast"
	"cctv-attendance/internal/config"
	"cctv-attendance/internal/coordinator"
	"cctv-attendance/internal/metrics"
	"cctv-attendance/internal/persons"
	"cctv-attendance/internal/queue"
	"cctv-attendance/internal/review"
	"cctv-attendance/internal/store"
)

// Redis keys shared by the API and the worker.
const (
	DetectionQueueKey = "attendance:detections"
	ReviewPrefix      = "attendance:review"
)

// Infrastructure holds the systems the API and the worker share.
type Infrastructure struct {
	Logger      *slog.Logger
	DB          *store.DB
	Redis       *store.Redis
	Records     attendance.Store
	People      persons.Directory
	Reviews     review.Queue
	Detections  queue.Queue
	Hub         *broadcast.Hub
	Publisher   broadcast.Publisher
	Metrics     *metrics.Recorder
	Engine      *attendance.Service
	Coordinator *coordinator.Coordinator
}

// NewLogger builds the process logger. format is "text" or "json"; level is
// one of debug, info, warn, error.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New connects the configured backends and wires the engine and coordinator.
// reg may be nil to skip metric registration.
func New(ctx context.Context, cfg config.App, reg prometheus.Registerer) (*Infrastructure, error) {
	logger := NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	infra := &Infrastructure{
		Logger:  logger,
		Hub:     broadcast.NewHub(),
		Metrics: metrics.New(reg),
	}

	if !cfg.Memory() || cfg.QueueBackend != "memory" {
		infra.Redis = store.NewRedis(cfg.RedisAddr)
		if !infra.Redis.Healthy(ctx) {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr)
		}
	}

	if cfg.Memory() {
		mem := attendance.NewMemoryStore()
		infra.Records = mem
		infra.People = persons.NewStatic()
		infra.Reviews = review.NewMemoryQueue()
		infra.Publisher = infra.Hub
		if infra.Redis != nil {
			// Events still reach Redis subscribers outside this process.
			infra.Publisher = broadcast.Multi{infra.Hub, broadcast.NewRedisPublisher(infra.Redis.Client, broadcast.DefaultChannel)}
		}
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = infra.Close()
			return nil, fmt.Errorf("database init failed: %w", err)
		}
		infra.DB = db
		infra.Records = attendance.NewRepository(db.Client, cfg.LockTimeout)
		infra.People = persons.NewCachedDirectory(persons.NewPostgresDirectory(db.Client), infra.Redis.Client, cfg.PersonCacheTTL)
		infra.Reviews = review.NewRedisQueue(infra.Redis.Client, ReviewPrefix)
		infra.Publisher = broadcast.NewRedisPublisher(infra.Redis.Client, broadcast.DefaultChannel)
	}

	if cfg.QueueBackend == "memory" {
		infra.Detections = queue.NewInMemory(256)
	} else {
		infra.Detections = queue.NewRedisQueue(infra.Redis.Client, DetectionQueueKey, logger)
	}

	infra.Engine = attendance.NewService(infra.Records, infra.People, cfg.Policy, logger)
	infra.Coordinator = coordinator.New(coordinator.Deps{
		Engine:    infra.Engine,
		Records:   infra.Records,
		Reviews:   infra.Reviews,
		Publisher: infra.Publisher,
		People:    infra.People,
		Metrics:   infra.Metrics,
		Logger:    logger,
	}, coordinator.WithWorkers(cfg.BatchWorkers))

	return infra, nil
}

// Relay returns the pub/sub relay feeding Hub from Redis, or nil when events
// already reach Hub directly.
func (i *Infrastructure) Relay() *broadcast.Relay {
	if _, viaRedis := i.Publisher.(*broadcast.RedisPublisher); !viaRedis {
		return nil
	}
	return broadcast.NewRelay(i.Redis.Client, broadcast.DefaultChannel, i.Hub, i.Logger)
}

// Health lists a check per connected backend.
func (i *Infrastructure) Health() map[string]func(context.Context) bool {
	checks := make(map[string]func(context.Context) bool)
	if i.DB != nil {
		checks["db"] = i.DB.Healthy
	}
	if i.Redis != nil {
		checks["redis"] = i.Redis.Healthy
	}
	return checks
}

// Close releases the connections New opened.
func (i *Infrastructure) Close() error {
	return errors.Join(i.DB.Close(), i.Redis.Close())
}
