// Package scheduler wakes the downloader on demand, on alarms and on network changes.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/obb_downloader/internal/downloader"
	"github.com/italolelis/obb_downloader/internal/logctx"
)

// Runner runs one download batch.
type Runner interface {
	Run(ctx context.Context) (downloader.Result, error)
	Running() bool
}

// Watchdog owns the single worker goroutine that runs download batches.
type Watchdog struct {
	runner       Runner
	trigger      chan struct{}
	restartDelay time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	wakeAt time.Time
	last   downloader.Result
}

// NewWatchdog creates a watchdog for runner.
func NewWatchdog(runner Runner) *Watchdog {
	return &Watchdog{
		runner:       runner,
		trigger:      make(chan struct{}, 1),
		restartDelay: time.Second,
		now:          time.Now,
	}
}

// Trigger requests a batch run. Requests made while one is pending are coalesced.
func (w *Watchdog) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// NetworkChanged requests a run unless a batch is already in progress.
// A running batch notices connectivity changes on its own.
func (w *Watchdog) NetworkChanged() {
	if w.runner.Running() {
		return
	}

	w.Trigger()
}

// WakeAt returns the armed alarm, or the zero time when none is armed.
func (w *Watchdog) WakeAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.wakeAt
}

// Last returns the result of the most recent batch.
func (w *Watchdog) Last() downloader.Result {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.last
}

// Run drives batches until ctx is done. The first batch starts immediately.
// It returns once the batch in progress has stopped.
func (w *Watchdog) Run(ctx context.Context) error {
	w.Trigger()
	w.loop(ctx)

	return nil
}

func (w *Watchdog) loop(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "watchdog panic", "panic", r, "stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.InfoContext(ctx, "restarting watchdog after panic")
				time.Sleep(w.restartDelay)
				w.Trigger()
				w.loop(ctx)
			}
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "watchdog stopped")

			return
		case <-w.trigger:
		case <-timer.C:
			logger.DebugContext(ctx, "watchdog alarm fired")
		}

		timer.Stop()

		res, err := w.runner.Run(ctx)
		if errors.Is(err, downloader.ErrAlreadyRunning) {
			continue
		}

		if err != nil {
			logger.ErrorContext(ctx, "download batch failed", "state", res.State.String(), "err", err)
		}

		w.mu.Lock()
		w.last = res
		w.wakeAt = res.WakeAt
		w.mu.Unlock()

		if res.WakeAt.IsZero() || ctx.Err() != nil {
			continue
		}

		delay := max(res.WakeAt.Sub(w.now()), 0)
		timer.Reset(delay)

		logger.InfoContext(ctx, "watchdog armed", "state", res.State.String(), "in", delay.Round(time.Second).String())
	}
}
