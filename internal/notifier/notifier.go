// Package notifier delivers batch state and progress to interested sinks.
package notifier

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/obb_downloader/internal/logctx"
)

// Notifier receives state changes and progress. Implementations must return quickly.
type Notifier interface {
	StateChanged(ctx context.Context, s State)
	ProgressChanged(ctx context.Context, p Progress)
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

func (LogNotifier) StateChanged(ctx context.Context, s State) {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download state changed", "state", s.String())
}

func (LogNotifier) ProgressChanged(ctx context.Context, p Progress) {
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download progress",
		"downloaded", humanize.Bytes(uint64(max(p.OverallProgress, 0))),
		"total", humanize.Bytes(uint64(max(p.OverallTotal, 0))),
		"remaining", p.TimeRemaining.String(),
	)
}

// Multi fans notifications out to several notifiers.
type Multi []Notifier

func (m Multi) StateChanged(ctx context.Context, s State) {
	for _, n := range m {
		n.StateChanged(ctx, s)
	}
}

func (m Multi) ProgressChanged(ctx context.Context, p Progress) {
	for _, n := range m {
		n.ProgressChanged(ctx, p)
	}
}

// Recorder keeps the latest state and progress for status queries.
type Recorder struct {
	mu       sync.RWMutex
	state    State
	progress Progress
}

// NewRecorder creates a Recorder in the Idle state.
func NewRecorder() *Recorder {
	return &Recorder{state: Idle}
}

func (r *Recorder) StateChanged(_ context.Context, s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recorder) ProgressChanged(_ context.Context, p Progress) {
	r.mu.Lock()
	r.progress = p
	r.mu.Unlock()
}

// Latest returns the last recorded state and progress.
func (r *Recorder) Latest() (State, Progress) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.state, r.progress
}
