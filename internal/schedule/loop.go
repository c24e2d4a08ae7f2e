// Package schedule runs periodic background work such as lease sweeps and
// snapshots. Each Loop is cancelled independently through its context.
package schedule

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one cycle of background work. A returned error is logged and the
// loop keeps going.
type Task func(ctx context.Context) error

type Options struct {
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	// Jitter spreads ticks by up to this ratio of the interval (0.0-1.0).
	Jitter float64
	// Immediate runs the task once before the first tick.
	Immediate bool
	Logger    *zap.Logger
}

type Loop struct {
	name     string
	interval time.Duration
	task     Task
	timeout  time.Duration
	jitter   float64
	now      bool
	logger   *zap.Logger

	runs     atomic.Int64
	failures atomic.Int64
}

func New(name string, interval time.Duration, task Task, opts Options) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = interval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:     name,
		interval: interval,
		task:     task,
		timeout:  timeout,
		jitter:   clampJitterRatio(opts.Jitter),
		now:      opts.Immediate,
		logger:   logger.With(zap.String("loop", name)),
	}
}

func (l *Loop) Name() string {
	return l.name
}

// Runs reports completed cycles, failed or not.
func (l *Loop) Runs() int64 {
	return l.runs.Load()
}

func (l *Loop) Failures() int64 {
	return l.failures.Load()
}

// Run blocks until ctx is done. It always returns nil so a stopped loop does
// not tear down an errgroup it shares with other loops.
func (l *Loop) Run(ctx context.Context) error {
	if l.now {
		l.runOnce(ctx)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(l.interval, l.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
			l.runOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(l.interval, l.jitter, rng.Float64()))
		}
	}
}

func (l *Loop) runOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, l.timeout)
	defer cancel()
	defer l.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			l.failures.Add(1)
			l.logger.Error("loop task panicked", zap.Any("panic", r))
		}
	}()
	if err := l.task(ctx); err != nil {
		l.failures.Add(1)
		l.logger.Warn("loop task failed", zap.Error(err))
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
