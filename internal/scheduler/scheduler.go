// Package scheduler triggers batch cycles on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/dispatcher"
)

// DefaultSpec runs one cycle per minute.
const DefaultSpec = "@every 1m"

// CycleRunner runs one batch cycle. *dispatcher.Dispatcher implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context, limit int) (dispatcher.CycleResult, error)
}

// Scheduler runs batch cycles on a cron schedule. A tick that fires while the
// previous cycle is still running is skipped.
type Scheduler struct {
	cron      *cron.Cron
	runner    CycleRunner
	batchSize int
	spec      string
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New validates spec and builds a stopped Scheduler.
func New(runner CycleRunner, spec string, batchSize int, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("cycle runner is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{s: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      c,
		runner:    runner,
		batchSize: batchSize,
		spec:      spec,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing cycles in the background.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.String("spec", s.spec), zap.Int("batch_size", s.batchSize))
	s.cron.Start()
}

// Stop prevents new cycles, cancels the running one and waits for it to return.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		stopped := s.cron.Stop()
		s.cancel()
		<-stopped.Done()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) tick() {
	res, err := s.runner.RunCycle(s.ctx, s.batchSize)
	if err != nil {
		s.logger.Error("batch cycle failed", zap.Error(err))
		return
	}
	s.logger.Debug("batch cycle tick complete", zap.Int("selected", res.Selected))
}

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
