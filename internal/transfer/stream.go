package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/storage"
)

// transferData copies the response body to the temp file chunk by chunk.
// cancel aborts the request when no data arrives within the read timeout.
func (e *Engine) transferData(ctx context.Context, cancel context.CancelFunc, req Request, a *attempt, body io.Reader) *StopError {
	buf := make([]byte, e.cfg.BufferSize)

	idle := time.AfterFunc(e.cfg.ReadTimeout, cancel)
	defer idle.Stop()

	for {
		n, readErr := body.Read(buf)
		idle.Reset(e.cfg.ReadTimeout)

		if n > 0 {
			if se := e.writeChunk(a, buf[:n]); se != nil {
				return se
			}

			a.bytesSoFar += int64(n)
			a.bytesThisSession += int64(n)
			a.gotData = true

			e.reportProgress(ctx, req, a)

			if se := checkSignal(req); se != nil {
				return se
			}

			if e.limiter != nil {
				// Throttling is not idleness.
				idle.Stop()
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return stopErr(storage.StatusPausedByApp, "download interrupted by shutdown", err)
				}
				idle.Reset(e.cfg.ReadTimeout)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return e.handleEndOfStream(ctx, req, a)
		}

		if readErr != nil {
			return e.handleReadError(ctx, req, a, readErr)
		}
	}
}

// writeChunk appends data to the temp file, reopening it for every write.
func (e *Engine) writeChunk(a *attempt, data []byte) *StopError {
	f, err := os.OpenFile(a.tempPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		_, err = f.Write(data)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}

	if err == nil {
		return nil
	}

	fileErr := &FileError{Path: a.tempPath, Reason: "write failed", Err: err}

	if !e.space.Mounted() {
		return stopErr(storage.StatusDeviceNotFound, "external media not mounted while writing destination file", fileErr)
	}

	if free, spaceErr := e.space.Available(a.tempPath); spaceErr == nil && free < uint64(len(data)) {
		return stopErr(storage.StatusInsufficientSpace, "insufficient space while writing destination file", fileErr)
	}

	return stopErr(storage.StatusFileError, "while writing destination file", fileErr)
}

// reportProgress persists and publishes progress once both the byte and time thresholds are exceeded.
func (e *Engine) reportProgress(ctx context.Context, req Request, a *attempt) {
	now := e.now()

	if a.bytesSoFar-a.bytesNotified <= e.cfg.ProgressMinBytes || now.Sub(a.timeLastNotified) <= e.cfg.ProgressMinInterval {
		return
	}

	a.rec.CurrentBytes = a.bytesSoFar
	if err := e.store.UpdateProgress(ctx, a.rec.Index, a.bytesSoFar); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist progress", "err", err)
	}

	a.bytesNotified = a.bytesSoFar
	a.timeLastNotified = now

	if req.Progress != nil {
		req.Progress(a.bytesThisSession)
	}
}

func (e *Engine) persistCurrentBytes(ctx context.Context, a *attempt) {
	a.rec.CurrentBytes = a.bytesSoFar
	if err := e.store.UpdateProgress(context.WithoutCancel(ctx), a.rec.Index, a.bytesSoFar); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist progress", "err", err)
	}
}

func (e *Engine) handleEndOfStream(ctx context.Context, req Request, a *attempt) *StopError {
	e.persistCurrentBytes(ctx, a)

	if a.headerContentLength >= 0 && a.bytesSoFar != a.headerContentLength {
		if a.cannotResume() {
			return stop(storage.StatusCannotResume, "mismatched content length")
		}

		return e.finalStatusForHTTPError(req, a, "closed socket before end of file", io.ErrUnexpectedEOF)
	}

	// A chunked body with no known size is complete once it ends cleanly.
	if a.headerContentLength < 0 && a.rec.TotalBytes == storage.UnknownSize && a.bytesSoFar > 0 {
		a.rec.TotalBytes = a.bytesSoFar
	}

	return nil
}

func (e *Engine) handleReadError(ctx context.Context, req Request, a *attempt, err error) *StopError {
	e.persistCurrentBytes(ctx, a)

	if ctx.Err() != nil {
		return stopErr(storage.StatusPausedByApp, "download interrupted by shutdown", ctx.Err())
	}

	netErr := &NetworkError{Operation: "read_body", Err: err}

	if a.cannotResume() {
		return stopErr(storage.StatusCannotResume, "while reading response, can't resume interrupted download with no ETag", netErr)
	}

	return e.finalStatusForHTTPError(req, a, "while reading response", netErr)
}

func (a *attempt) cannotResume() bool {
	return a.bytesSoFar > 0 && a.headerETag == ""
}
