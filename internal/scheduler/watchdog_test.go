package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/obb_downloader/internal/downloader"
	"github.com/italolelis/obb_downloader/internal/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	results []downloader.Result
	block   chan struct{}
	panics  int
	runs    atomic.Int32
	running atomic.Bool
	ran     chan struct{}
}

func newFakeRunner(results ...downloader.Result) *fakeRunner {
	return &fakeRunner{results: results, ran: make(chan struct{}, 16)}
}

func (f *fakeRunner) Run(context.Context) (downloader.Result, error) {
	f.running.Store(true)
	defer f.running.Store(false)

	n := int(f.runs.Add(1))

	f.mu.Lock()
	block := f.block
	shouldPanic := n <= f.panics

	res := downloader.Result{State: notifier.Completed}
	if n <= len(f.results) {
		res = f.results[n-1]
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.ran <- struct{}{}

	if shouldPanic {
		panic("runner exploded")
	}

	return res, nil
}

func (f *fakeRunner) Running() bool { return f.running.Load() }

func waitRuns(t *testing.T, f *fakeRunner, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-f.ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %d runs, got %d", n, f.runs.Load())
		}
	}
}

func TestWatchdog_RunsOnStartAndAlarm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := newFakeRunner(
		downloader.Result{State: notifier.PausedNetworkUnavailable, WakeAt: time.Now().Add(20 * time.Millisecond)},
		downloader.Result{State: notifier.Completed},
	)

	w := NewWatchdog(runner)
	go w.Run(ctx)

	waitRuns(t, runner, 2)

	assert.Eventually(t, func() bool { return w.Last().State == notifier.Completed }, time.Second, 5*time.Millisecond)
	assert.True(t, w.WakeAt().IsZero())

	// Without an alarm nothing else runs.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), runner.runs.Load())
}

func TestWatchdog_TriggerCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := newFakeRunner()
	runner.block = make(chan struct{})

	w := NewWatchdog(runner)
	go w.Run(ctx)

	require.Eventually(t, runner.Running, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		w.Trigger()
	}

	// Network changes during a run are left to the running batch.
	w.NetworkChanged()

	close(runner.block)
	waitRuns(t, runner, 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), runner.runs.Load())

	w.NetworkChanged()
	waitRuns(t, runner, 1)
}

func TestWatchdog_RestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner := newFakeRunner()
	runner.panics = 1

	w := NewWatchdog(runner)
	w.restartDelay = time.Millisecond
	go w.Run(ctx)

	waitRuns(t, runner, 2)
	assert.Eventually(t, func() bool { return w.Last().State == notifier.Completed }, time.Second, 5*time.Millisecond)
}

func TestWatchdog_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runner := newFakeRunner(downloader.Result{State: notifier.PausedNetworkUnavailable, WakeAt: time.Now().Add(time.Hour)})

	w := NewWatchdog(runner)
	go w.Run(ctx)
	waitRuns(t, runner, 1)

	assert.Eventually(t, func() bool { return !w.WakeAt().IsZero() }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	w.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runner.runs.Load())
}
