package cli

import (
	"context"
	"fmt"

	"leadflow/internal/config"
	"leadflow/internal/database"
	"leadflow/internal/observability"
	"leadflow/internal/scheduler"
	"leadflow/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 持有一次进程运行所需的全部组件
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	db         *gorm.DB
	service    *services.AutomationService
	processor  *services.JobProcessor
	scheduler  *scheduler.Scheduler
	shutdownFn func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logrus.StandardLogger()

	shutdown, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
		shutdown = func(context.Context) error { return nil }
	}

	db, err := database.Open(cfg, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	sender := services.NewEmailSender(cfg.Email, log)
	executor := services.NewActionExecutor(db, sender, log)
	runner := services.NewAutomationRunner(db, executor, log)
	evaluators := services.NewTriggerEvaluators(db, log)
	processor := services.NewJobProcessor(db, runner, evaluators, cfg.Automation, log)
	service := services.NewAutomationService(db, runner, evaluators, log)

	sched, err := scheduler.New(processor, cfg.Automation, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     log,
		db:         db,
		service:    service,
		processor:  processor,
		scheduler:  sched,
		shutdownFn: shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.scheduler.Stop()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.shutdownFn(ctx); err != nil {
		a.logger.Errorf("tracer shutdown: %v", err)
	}
}
