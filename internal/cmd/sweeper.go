package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/pipeline"
)

// sweepFunc runs one reclaim-and-finalize pass.
type sweepFunc func(ctx context.Context) (pipeline.SweepResult, error)

// sweeper runs sweepFunc on a cron schedule. Overlapping runs are skipped.
type sweeper struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// newSweeper validates spec (standard 5-field or @every/@hourly
// descriptors) and schedules fn.
func newSweeper(ctx context.Context, spec string, fn sweepFunc, logger *zap.Logger) (*sweeper, error) {
	spec = strings.TrimSpace(spec)
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}

	cl := cronLogger{s: logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		res, err := fn(ctx)
		if err != nil {
			logger.Warn("Sweep failed", zap.Error(err))
			return
		}
		if res.Reclaimed+res.Completed+res.Failed > 0 {
			logger.Info("Sweep finished",
				zap.Int("reclaimed", res.Reclaimed),
				zap.Int("completed", res.Completed),
				zap.Int("failed", res.Failed),
				zap.Duration("duration", res.Duration))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper: %w", err)
	}
	return &sweeper{cron: c, logger: logger}, nil
}

func (s *sweeper) Start() { s.cron.Start() }

// Stop prevents new runs and waits for a running sweep, bounded by ctx.
func (s *sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Sweeper did not stop before deadline")
	}
}
