// Package supervisor restarts long-running tasks after a fixed backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task runs until ctx is cancelled or it fails.
type Task func(ctx context.Context) error

type Metrics interface {
	RestartInc(task string)
}

type Supervisor struct {
	backoff time.Duration
	logger  *zap.Logger
	metrics Metrics
}

func New(backoff time.Duration, logger *zap.Logger, m Metrics) *Supervisor {
	return &Supervisor{backoff: backoff, logger: logger, metrics: m}
}

// Run executes task, restarting it backoff after every failure or panic,
// whatever the cause. It returns once ctx is cancelled or the task returns
// nil.
func (s *Supervisor) Run(ctx context.Context, name string, task Task) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		log := s.logger.With(
			zap.String("task", name),
			zap.String("run", uuid.NewString()),
			zap.Int("attempt", attempt),
		)
		log.Info("task starting")

		err := call(ctx, task)
		if ctx.Err() != nil {
			if err != nil && !isCancellation(err) {
				log.Warn("task stopped with error during shutdown", zap.Error(err))
			} else {
				log.Info("task stopped")
			}
			return
		}
		if err == nil {
			log.Info("task finished")
			return
		}

		log.Error("task failed, waiting before restart", zap.Error(err), zap.Duration("backoff", s.backoff))
		if s.metrics != nil {
			s.metrics.RestartInc(name)
		}

		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("shutdown during backoff, not restarting")
			return
		case <-timer.C:
		}
	}
}

func call(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
