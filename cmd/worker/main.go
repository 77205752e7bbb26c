package main

import (
	"context"
	"log"

	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/app"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
	"github.com/xela07ax/spaceai-approvals/internal/queue"
	"github.com/xela07ax/spaceai-approvals/internal/workflows"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := infra.NewLogger(cfg.Logger).Named("worker")
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
	logger.Info("worker exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	ctx := context.Background()

	reg := app.NewRegistry()
	metrics := engine.NewMetrics(reg)

	stores, err := app.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	trail := app.StartAuditTrail(stores.Events, cfg.Engine, metrics, logger)
	defer trail.Stop()

	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	tc, err := app.DialTemporal(cfg.Orchestrator, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	// Воркеру резолвер нужен только для TIMED_OUT / FAILED
	orch := app.NewReliableOrchestrator(
		connectors.NewTemporalOrchestrator(tc, connectors.TemporalConfig{TaskQueue: cfg.Orchestrator.TaskQueue}),
		cfg.Engine, metrics, logger,
	)
	resolver := engine.NewResolver(stores.Tasks, orch, engine.NewTokenValidator(cfg.Engine.TokenMinLength, orch), trail, metrics, logger)

	w := worker.New(tc, cfg.Orchestrator.TaskQueue, worker.Options{})

	wf := &workflows.ApprovalWorkflow{DecisionTimeout: cfg.Orchestrator.ApprovalTTL}
	w.RegisterWorkflowWithOptions(wf.Run, workflow.RegisterOptions{Name: cfg.Orchestrator.DefinitionRef})
	w.RegisterActivity(&workflows.Activities{
		Publisher: queue.NewProducer(rdb, cfg.Queue.Stream),
		Statuses:  resolver,
		Tasks:     stores.Tasks,
		Logger:    logger.Named("activities"),
	})

	metricsSrv := app.ServeMetrics(cfg.Metrics, reg, logger)
	defer app.Shutdown(cfg.Server.ShutdownTimeout, logger, metricsSrv)

	logger.Info("worker started",
		zap.String("task_queue", cfg.Orchestrator.TaskQueue),
		zap.String("workflow", cfg.Orchestrator.DefinitionRef),
	)
	return w.Run(worker.InterruptCh())
}
