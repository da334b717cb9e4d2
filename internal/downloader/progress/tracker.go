// Package progress aggregates batch progress and smooths the transfer speed.
package progress

import (
	"sync"
	"time"

	"github.com/italolelis/obb_downloader/internal/notifier"
)

// SmoothingFactor weights the latest speed sample against the running average.
const SmoothingFactor = 0.005

// UnknownRemaining is reported until a speed sample exists.
const UnknownRemaining time.Duration = -1

// Tracker turns cumulative byte counts into batch progress snapshots.
type Tracker struct {
	mu sync.Mutex

	total        int64
	bytesAtStart int64
	bytesSoFar   int64
	sampleBytes  int64
	sampleAt     time.Time
	avgSpeed     float64
	now          func() time.Time
}

// NewTracker creates a tracker for a batch of total bytes, of which soFar are already on disk.
func NewTracker(total, soFar int64, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}

	return &Tracker{total: total, bytesAtStart: soFar, bytesSoFar: soFar, now: now}
}

// Reset starts a new record: base is the batch byte count before the record's current session.
func (t *Tracker) Reset(base int64) {
	t.mu.Lock()
	t.bytesAtStart = base
	t.bytesSoFar = base
	t.mu.Unlock()
}

// SetTotal replaces the batch total, used when a record learns its size mid-transfer.
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Add records bytes received in the current session and returns the updated progress.
func (t *Tracker) Add(bytesThisSession int64) notifier.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.update(t.bytesAtStart + bytesThisSession)
}

// Update records the cumulative batch byte count and returns the updated progress.
func (t *Tracker) Update(totalSoFar int64) notifier.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.update(totalSoFar)
}

func (t *Tracker) update(soFar int64) notifier.Progress {
	now := t.now()
	remaining := UnknownRemaining

	if !t.sampleAt.IsZero() {
		elapsed := float64(now.Sub(t.sampleAt).Milliseconds())
		if elapsed > 0 {
			sample := float64(soFar-t.sampleBytes) / elapsed
			if t.avgSpeed != 0 {
				t.avgSpeed = SmoothingFactor*sample + (1-SmoothingFactor)*t.avgSpeed
			} else {
				t.avgSpeed = sample
			}
		}

		if t.avgSpeed > 0 {
			remaining = time.Duration(float64(t.total-soFar)/t.avgSpeed) * time.Millisecond
		}
	}

	t.sampleAt = now
	t.sampleBytes = soFar
	t.bytesSoFar = soFar

	return notifier.Progress{
		OverallTotal:    t.total,
		OverallProgress: soFar,
		TimeRemaining:   remaining,
		CurrentSpeed:    t.avgSpeed,
	}
}

// Snapshot returns the last computed progress without taking a sample.
func (t *Tracker) Snapshot() notifier.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return notifier.Progress{
		OverallTotal:    t.total,
		OverallProgress: t.bytesSoFar,
		TimeRemaining:   UnknownRemaining,
		CurrentSpeed:    t.avgSpeed,
	}
}
