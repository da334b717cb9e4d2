package downloader

import (
	"sync/atomic"

	"github.com/italolelis/obb_downloader/internal/storage"
)

type controlState int32

const (
	controlRun controlState = iota
	controlPaused
	controlCanceled
)

// Control carries pause and cancel requests to the running transfer.
// It is safe for concurrent use.
type Control struct {
	state atomic.Int32
}

// Pause asks the running transfer to stop and keep its partial file.
func (c *Control) Pause() { c.state.Store(int32(controlPaused)) }

// Cancel asks the running transfer to stop and discard its partial file.
func (c *Control) Cancel() { c.state.Store(int32(controlCanceled)) }

// Resume clears a previous pause or cancel request.
func (c *Control) Resume() { c.state.Store(int32(controlRun)) }

// Paused reports whether a pause is in effect.
func (c *Control) Paused() bool { return controlState(c.state.Load()) == controlPaused }

// StopRequested maps the current request to the status the transfer stops with.
func (c *Control) StopRequested() (storage.Status, bool) {
	switch controlState(c.state.Load()) {
	case controlPaused:
		return storage.StatusPausedByApp, true
	case controlCanceled:
		return storage.StatusCanceled, true
	default:
		return 0, false
	}
}

// persisted is the record-level form of the current request.
func (c *Control) persisted() storage.Control {
	if c.Paused() {
		return storage.ControlPaused
	}

	return storage.ControlRun
}

// restore adopts a pause persisted by a previous process.
func (c *Control) restore(records []*storage.DownloadRecord) {
	for _, rec := range records {
		if rec.Control == storage.ControlPaused {
			c.Pause()

			return
		}
	}
}
