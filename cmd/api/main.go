package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/app"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/console/handler"
	"github.com/xela07ax/spaceai-approvals/internal/console/server"
	"github.com/xela07ax/spaceai-approvals/internal/console/service"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
	"github.com/xela07ax/spaceai-approvals/internal/infra/auth"
	"github.com/xela07ax/spaceai-approvals/internal/notify"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := infra.NewLogger(cfg.Logger).Named("api")
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited with error", zap.Error(err))
	}
	logger.Info("api exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	reg := app.NewRegistry()
	metrics := engine.NewMetrics(reg)

	stores, err := app.OpenStores(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	trail := app.StartAuditTrail(stores.Events, cfg.Engine, metrics, logger)
	defer trail.Stop()

	var rdb *redis.Client
	var notifier engine.Notifier = notify.NewLogNotifier(cfg.Notify.BaseURL, logger)
	if cfg.Redis.Enabled {
		if rdb, err = app.NewRedis(appCtx, cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
		notifier = notify.NewRedisNotifier(rdb, cfg.Notify.Channel, cfg.Notify.BaseURL, logger)
	}

	// 2. Оркестратор: адаптер + лимитер и предохранитель
	var base engine.Orchestrator
	var mem *connectors.MemoryOrchestrator
	switch cfg.Orchestrator.Driver {
	case "temporal":
		tc, err := app.DialTemporal(cfg.Orchestrator, logger)
		if err != nil {
			return err
		}
		defer tc.Close()
		base = connectors.NewTemporalOrchestrator(tc, connectors.TemporalConfig{
			TaskQueue:        cfg.Orchestrator.TaskQueue,
			ExecutionTimeout: cfg.Orchestrator.ApprovalTTL * 2,
		})
	default:
		logger.Warn("using in-memory orchestrator, executions pause immediately and register their tokens in-process")
		mem = connectors.NewMemoryOrchestrator()
		base = mem
	}
	orch := app.NewReliableOrchestrator(base, cfg.Engine, metrics, logger)
	tokens := engine.NewTokenValidator(cfg.Engine.TokenMinLength, orch)

	// 3. Core
	intake := engine.NewIntake(stores.Tasks, orch, engine.IntakeConfig{
		StartExecution: cfg.Orchestrator.StartOnIntake,
		DefinitionRef:  cfg.Orchestrator.DefinitionRef,
	}, trail, metrics, logger)
	resolver := engine.NewResolver(stores.Tasks, orch, tokens, trail, metrics, logger)

	if mem != nil {
		// Без внешнего воркера токен регистрируется прямо из "паузы"
		registrar := engine.NewRegistrar(stores.Tasks, tokens, notifier, trail, metrics, logger)
		mem.WithPauseHook(func(ctx context.Context, msg domain.TokenMessage) {
			if err := registrar.Register(ctx, &msg); err != nil {
				logger.Warn("in-process token registration failed", zap.String("task_id", msg.TaskID), zap.Error(err))
			}
		})
	}

	// 4. HTTP
	handlers := server.Handlers{
		Approvals: handler.NewApprovalHandler(intake, resolver, logger),
		Tasks:     handler.NewTasksHandler(service.NewTaskService(stores.Tasks, stores.Events)),
		Health:    stores.Ping,
	}
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		authSvc, err := newAuthService(cfg.Auth, stores.Users)
		if err != nil {
			return err
		}
		validator = authSvc
		if len(cfg.Auth.PrivateKey) > 0 {
			handlers.Auth = handler.NewAuthHandler(authSvc, logger)
		}
	} else {
		logger.Warn("console auth is disabled, /v1/tasks is open")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewApprovalServer(handlers, validator, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsSrv := app.ServeMetrics(cfg.Metrics, reg, logger)
	health, err := app.ServeHealth(cfg.Server.GRPCPort, logger)
	if err != nil {
		return err
	}
	defer health.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("approvals API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	health.SetServing(true)

	// 5. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("approvals API stopping", zap.String("signal", sig.String()))
	case err := <-errCh:
		health.SetServing(false)
		return err
	}

	health.SetServing(false)
	app.Shutdown(cfg.Server.ShutdownTimeout, logger, srv, metricsSrv)
	return nil
}

func newAuthService(cfg infra.AuthConfig, users service.AuthProvider) (*service.AuthService, error) {
	pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil && len(cfg.PrivateKey) > 0 {
		return nil, err
	}
	return service.NewAuthService(users, priv, pub, service.AuthConfig{
		Issuer:   cfg.Issuer,
		TokenTTL: cfg.TokenTTL,
	}), nil
}
