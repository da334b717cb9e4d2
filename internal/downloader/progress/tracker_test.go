package progress_test

import (
	"testing"
	"time"

	"github.com/italolelis/obb_downloader/internal/downloader/progress"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_FirstSampleHasNoEstimate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := progress.NewTracker(10_000, 0, clock.now)

	p := tr.Add(1000)

	assert.Equal(t, int64(10_000), p.OverallTotal)
	assert.Equal(t, int64(1000), p.OverallProgress)
	assert.Equal(t, progress.UnknownRemaining, p.TimeRemaining)
	assert.Zero(t, p.CurrentSpeed)
}

func TestTracker_Smoothing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := progress.NewTracker(100_000, 0, clock.now)

	tr.Add(0)
	clock.advance(time.Second)

	// 1000 bytes in 1000ms seeds the average at 1 byte/ms.
	p := tr.Add(1000)
	assert.InDelta(t, 1.0, p.CurrentSpeed, 1e-9)
	assert.Equal(t, 99*time.Second, p.TimeRemaining)

	clock.advance(time.Second)

	// A 10 byte/ms sample moves the average by the smoothing factor only.
	p = tr.Add(11_000)
	want := progress.SmoothingFactor*10 + (1-progress.SmoothingFactor)*1
	assert.InDelta(t, want, p.CurrentSpeed, 1e-9)
	assert.Equal(t, time.Duration(float64(89_000)/want)*time.Millisecond, p.TimeRemaining)
}

func TestTracker_ResetKeepsBatchOffset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := progress.NewTracker(3000, 1000, clock.now)

	assert.Equal(t, int64(1500), tr.Add(500).OverallProgress)

	tr.Reset(2000)
	clock.advance(10 * time.Millisecond)
	assert.Equal(t, int64(2100), tr.Add(100).OverallProgress)

	tr.SetTotal(5000)
	assert.Equal(t, int64(5000), tr.Snapshot().OverallTotal)
	assert.Equal(t, int64(2100), tr.Snapshot().OverallProgress)
}

func TestTracker_ZeroElapsedKeepsAverage(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := progress.NewTracker(1000, 0, clock.now)

	tr.Add(0)
	clock.advance(100 * time.Millisecond)
	first := tr.Add(100)

	second := tr.Add(200)
	assert.Equal(t, first.CurrentSpeed, second.CurrentSpeed)
	assert.Equal(t, int64(200), second.OverallProgress)
}
