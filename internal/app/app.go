// Package app собирает общие для бинарников зависимости: хранилища, Redis,
// клиент Temporal, защищенный оркестратор, журнал аудита и служебные листенеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
	"github.com/xela07ax/spaceai-approvals/internal/repository/memory"
	"github.com/xela07ax/spaceai-approvals/internal/repository/postgres"
)

type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpsertUser(ctx context.Context, u *domain.User) error
}

type EventRepository interface {
	audit.Storage
	ListEvents(ctx context.Context, taskID string) ([]audit.Event, error)
}

// Stores: хранилища процесса, выбранные по database.driver.
type Stores struct {
	Tasks  engine.TaskStore
	Users  UserRepository
	Events EventRepository
	Ping   func(ctx context.Context) error

	close func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

func OpenStores(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory stores, data is lost on restart")
		return &Stores{
			Tasks:  memory.NewTaskStore(),
			Users:  memory.NewUserStore(),
			Events: memory.NewAuditLog(),
			Ping:   func(context.Context) error { return nil },
		}, nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := postgres.MigrateUp(cfg.URL); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info("database migrations applied")
		}
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to postgres", zap.Int32("max_conns", pool.Config().MaxConns))
		return &Stores{
			Tasks:  postgres.NewTaskRepo(pool),
			Users:  postgres.NewUserRepo(pool),
			Events: postgres.NewAuditRepo(pool),
			Ping:   pool.Ping,
			close:  pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg infra.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// DialTemporal открывает клиент Temporal с логами в zap.
func DialTemporal(cfg infra.OrchestratorConfig, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewTemporalLogger(logger.Named("temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// NewReliableOrchestrator оборачивает адаптер лимитером и предохранителем из engine-настроек.
func NewReliableOrchestrator(base engine.Orchestrator, cfg infra.EngineConfig, metrics *engine.Metrics, logger *zap.Logger) *engine.ReliableOrchestrator {
	return engine.NewReliableOrchestrator(base, engine.ReliabilityConfig{
		Name:                "orchestrator",
		MaxRequests:         uint32(cfg.CBMaxRequests),
		Interval:            cfg.CBInterval,
		Timeout:             cfg.CBTimeout,
		ConsecutiveFailures: cfg.CBFailures,
		RateLimit:           cfg.RateLimit,
		RateBurst:           cfg.RateBurst,
		StartAttempts:       uint(cfg.StartAttempts),
		StartDelay:          cfg.StartDelay,
	}, metrics, logger)
}

// StartAuditTrail запускает буферизованный журнал. Stop вызывает владелец.
func StartAuditTrail(storage audit.Storage, cfg infra.EngineConfig, metrics *engine.Metrics, logger *zap.Logger) *audit.Trail {
	trail := audit.NewTrail(storage, audit.Options{
		BufferSize:    cfg.AuditBufferSize,
		BatchSize:     cfg.AuditBatchSize,
		FlushInterval: cfg.AuditFlushInterval,
	}, logger).WithBufferGauge(metrics.AuditBufferFill.Set)
	trail.Start()
	return trail
}

// NewRegistry создает приватный реестр метрик процесса с рантайм-коллекторами.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ServeMetrics поднимает отдельный листенер /metrics. nil, если метрики выключены.
func ServeMetrics(cfg infra.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listener started", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}

// Health обслуживает gRPC health service процесса.
type Health struct {
	srv    *grpc.Server
	status *health.Server
}

// ServeHealth запускает gRPC health на порту. port <= 0 отключает сервис.
func ServeHealth(port int, logger *zap.Logger) (*Health, error) {
	status := health.NewServer()
	h := &Health{status: status}
	if port <= 0 {
		return h, nil
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen grpc health: %w", err)
	}
	h.srv = grpc.NewServer()
	healthpb.RegisterHealthServer(h.srv, status)

	go func() {
		logger.Info("gRPC health started", zap.Int("port", port))
		if err := h.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC health failed", zap.Error(err))
		}
	}()
	return h, nil
}

func (h *Health) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", st)
}

func (h *Health) Stop() {
	h.status.Shutdown()
	if h.srv != nil {
		h.srv.GracefulStop()
	}
}

// Shutdown гасит http-серверы в пределах таймаута.
func Shutdown(timeout time.Duration, logger *zap.Logger, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server forced to shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
