package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/config"
)

// Scheduler is the periodic driver: it polls the trigger evaluator, spawns
// executions, and runs TTL cleanup. Concurrency across deliverables is
// bounded by the worker count; the single-flight invariant per deliverable
// is enforced downstream at version creation.
type Scheduler struct {
	config   *config.SchedulerConfig
	logger   *zap.Logger
	triggers *TriggerService
	runner   *Runner
	content  *ContentService
	ticker   *time.Ticker
	cleanup  *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, triggers *TriggerService, runner *Runner, content *ContentService) *Scheduler {
	return &Scheduler{
		config:   cfg,
		logger:   logger,
		triggers: triggers,
		runner:   runner,
		content:  content,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	interval, err := time.ParseDuration(s.config.PollInterval)
	if err != nil {
		s.logger.Error("Invalid poll interval", zap.String("interval", s.config.PollInterval), zap.Error(err))
		return err
	}
	cleanupInterval, err := time.ParseDuration(s.config.CleanupInterval)
	if err != nil {
		s.logger.Error("Invalid cleanup interval", zap.String("interval", s.config.CleanupInterval), zap.Error(err))
		return err
	}

	s.logger.Info("Starting scheduler",
		zap.String("poll_interval", s.config.PollInterval),
		zap.Int("workers", s.config.Workers))

	s.ticker = time.NewTicker(interval)
	s.cleanup = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.RunPass(ctx)
			case <-s.cleanup.C:
				if _, err := s.content.CleanupExpired(); err != nil {
					s.logger.Error("Cleanup pass failed", zap.Error(err))
				}
			case <-s.stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.logger.Info("Scheduler shutdown completed")
}

// RunPass executes one evaluation pass: collect due schedule triggers and
// run each on the worker pool. One deliverable's failure never halts the
// others.
func (s *Scheduler) RunPass(ctx context.Context) {
	start := time.Now()

	due, err := s.triggers.DueSchedules()
	if err != nil {
		s.logger.Error("Failed to evaluate due schedules", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.Dispatch(ctx, due)

	s.logger.Info("Evaluation pass completed",
		zap.Int("due", len(due)),
		zap.Duration("duration", time.Since(start)))
}

// Dispatch runs a batch of due triggers on the bounded worker pool. Used
// for schedule passes and for event/signal triggers arriving via the API.
func (s *Scheduler) Dispatch(ctx context.Context, due []DueTrigger) {
	workers := s.config.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for _, trigger := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(t DueTrigger) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.runner.Execute(ctx, t); err != nil && !errors.Is(err, ErrConcurrentExecution) {
				s.logger.Error("Execution failed",
					zap.Uint("deliverable_id", t.Deliverable.ID),
					zap.String("family", string(t.Family)),
					zap.Error(err))
			}
		}(trigger)
	}
	wg.Wait()
}
