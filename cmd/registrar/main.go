package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/app"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
	"github.com/xela07ax/spaceai-approvals/internal/notify"
	"github.com/xela07ax/spaceai-approvals/internal/queue"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := infra.NewLogger(cfg.Logger).Named("registrar")
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("registrar exited with error", zap.Error(err))
	}
	logger.Info("registrar exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	if !cfg.Redis.Enabled {
		return errors.New("registrar requires redis: token stream is the only input")
	}

	// Контекст для управления жизненным циклом цикла чтения.
	// SIGTERM отменяет его, Run дочитывает текущую пачку и выходит.
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := app.NewRegistry()
	metrics := engine.NewMetrics(reg)

	stores, err := app.OpenStores(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	trail := app.StartAuditTrail(stores.Events, cfg.Engine, metrics, logger)
	defer trail.Stop()

	rdb, err := app.NewRedis(appCtx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Токены Temporal проверяются на base64 еще до записи в базу
	var codec engine.TokenCodec
	if cfg.Orchestrator.Driver == "temporal" {
		codec = connectors.TemporalTokenCodec{}
	}
	tokens := engine.NewTokenValidator(cfg.Engine.TokenMinLength, codec)

	notifier := notify.NewRedisNotifier(rdb, cfg.Notify.Channel, cfg.Notify.BaseURL, logger)
	registrar := engine.NewRegistrar(stores.Tasks, tokens, notifier, trail, metrics, logger)

	consumer := queue.NewConsumer(rdb, queue.ConfigFrom(cfg.Queue), registrar, logger)
	if err := consumer.Setup(appCtx); err != nil {
		return err
	}

	metricsSrv := app.ServeMetrics(cfg.Metrics, reg, logger)
	health, err := app.ServeHealth(cfg.Server.GRPCPort, logger)
	if err != nil {
		return err
	}
	defer health.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Info("registrar stopping", zap.String("signal", sig.String()))
		health.SetServing(false)
		cancel()
	}()

	health.SetServing(true)
	err = consumer.Run(appCtx)

	app.Shutdown(cfg.Server.ShutdownTimeout, logger, metricsSrv)
	return err
}
