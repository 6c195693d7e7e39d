package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/services"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Processor is the tick entry point driven by the scheduler.
type Processor interface {
	ProcessDueJobs(ctx context.Context) (*services.ProcessResult, error)
}

// Scheduler 按 cron 表达式驱动任务处理，保证同一时间只有一个 tick
type Scheduler struct {
	processor Processor
	logger    *logrus.Logger
	spec      string
	timeout   time.Duration

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(processor Processor, cfg config.AutomationConfig, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 1m"
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid automation schedule %q: %w", spec, err)
	}
	timeout := cfg.TickTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{processor: processor, logger: logger, spec: spec, timeout: timeout}, nil
}

// Start registers the tick and starts the cron runner in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(s.spec, func() { s.tick(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Infof("scheduler: started with schedule %q", s.spec)
	return nil
}

// Stop stops scheduling and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.cancel()
	s.logger.Info("scheduler: stopped")
}

// RunOnce executes a single tick synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (*services.ProcessResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.processor.ProcessDueJobs(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Errorf("scheduler: tick failed: %v", err)
	}
}
