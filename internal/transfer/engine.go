// Package transfer runs single resumable download attempts for expansion files.
package transfer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/obb_downloader/internal/filesystem"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Network reports whether connectivity currently allows a transfer of totalBytes.
// A negative totalBytes means the size is not known yet.
type Network interface {
	Check(totalBytes int64) netgate.Verdict
}

// Signal is consulted between chunks for pause and cancel requests.
type Signal interface {
	// StopRequested returns the status to stop with, or false to keep going.
	StopRequested() (storage.Status, bool)
}

// Request is the input of one transfer attempt.
type Request struct {
	Record  *storage.DownloadRecord
	Network Network
	Signal  Signal
	// Progress receives the bytes written during this attempt at the
	// throttled progress cadence.
	Progress func(bytesThisSession int64)
}

// Outcome is the result of one transfer attempt.
type Outcome struct {
	Status           storage.Status
	BytesThisSession int64
	RedirectCount    int
	RetryAfter       time.Duration
	GotData          bool
	Message          string
	Err              error
}

// Engine executes transfer attempts. Attempts are expected to run one at a time.
type Engine struct {
	cfg       Config
	store     storage.DownloadRepository
	layout    filesystem.Layout
	space     filesystem.Space
	client    *http.Client
	limiter   *rate.Limiter
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the default HTTP client. Redirects must not be
// followed by the client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTelemetry instruments attempts.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config, store storage.DownloadRepository, layout filesystem.Layout, space filesystem.Space, opts ...Option) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:    cfg,
		store:  store,
		layout: layout,
		space:  space,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		e.client = newHTTPClient(cfg)
	}

	if cfg.MaxBytesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), max(cfg.MaxBytesPerSecond, cfg.BufferSize))
	}

	return e
}

func newHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// attempt is the mutable state of one Run.
type attempt struct {
	rec *storage.DownloadRecord

	tempPath  string
	finalPath string

	requestURI string
	newURI     string

	continuing          bool
	bytesSoFar          int64
	bytesThisSession    int64
	bytesNotified       int64
	timeLastNotified    time.Time
	headerETag          string
	headerContentLength int64

	redirectCount   int
	retryAfter      time.Duration
	countRetry      bool
	keepFailedCount bool
	gotData         bool
	tempRemoved     bool
}

// Run performs one attempt to download req.Record to completion. Every
// failure is converted into the outcome's status; Run never returns an error.
func (e *Engine) Run(ctx context.Context, req Request) Outcome {
	rec := req.Record
	ctx = logctx.With(ctx, "index", rec.Index, "file_name", rec.FileName)
	logger := logctx.LoggerFromContext(ctx)
	start := e.now()

	a := &attempt{
		rec:                 rec,
		tempPath:            e.layout.TempPath(rec.FileName),
		finalPath:           e.layout.FinalPath(rec.FileName),
		requestURI:          rec.URI,
		redirectCount:       rec.RedirectCount,
		headerContentLength: storage.UnknownSize,
	}

	rec.Status = storage.StatusRunning
	if err := e.store.Upsert(ctx, rec); err != nil {
		logger.WarnContext(ctx, "failed to mark download as running", "err", err)
	}

	var stopped *StopError

	_ = e.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) error {
		if se := e.execute(ctx, req, a); se != nil {
			stopped = se

			return se
		}

		return nil
	})

	status := storage.StatusSuccess
	if stopped != nil {
		status = stopped.Status
	}

	e.cleanup(ctx, a, status)
	e.finish(ctx, a, status)
	e.telemetry.RecordTransfer(status.String(), a.bytesThisSession, e.now().Sub(start))

	out := Outcome{
		Status:           status,
		BytesThisSession: a.bytesThisSession,
		RedirectCount:    a.redirectCount,
		RetryAfter:       a.retryAfter,
		GotData:          a.gotData,
	}

	if stopped != nil {
		out.Message = stopped.Message
		out.Err = stopped

		logger.WarnContext(ctx, "transfer stopped",
			"status", status.String(),
			"received", humanize.Bytes(uint64(max(a.bytesThisSession, 0))),
			"err", stopped,
		)

		return out
	}

	logger.InfoContext(ctx, "transfer completed",
		"size", humanize.Bytes(uint64(max(a.bytesSoFar, 0))),
		"duration", e.now().Sub(start).Round(time.Millisecond).String(),
	)

	return out
}

func (e *Engine) execute(ctx context.Context, req Request, a *attempt) *StopError {
	if a.requestURI == "" {
		return stop(storage.StatusHTTPDataError, "download has no source URI")
	}

	if se := e.setupDestination(ctx, a); se != nil {
		return se
	}

	// A complete temp file left behind before its rename only needs finalizing.
	if a.continuing && a.rec.TotalBytes != storage.UnknownSize && a.bytesSoFar == a.rec.TotalBytes {
		return e.finalize(ctx, a)
	}

	for {
		retry, se := e.executeRequest(ctx, req, a)
		if se != nil {
			return se
		}

		if retry == nil {
			break
		}

		a.requestURI = retry.uri
	}

	return e.finalize(ctx, a)
}

// setupDestination decides whether the attempt resumes an existing temp file.
func (e *Engine) setupDestination(ctx context.Context, a *attempt) *StopError {
	logger := logctx.LoggerFromContext(ctx)

	if !e.layout.ValidTempPath(a.tempPath) {
		logger.ErrorContext(ctx, "invalid internal destination path, refusing to write", "path", a.tempPath)

		return stop(storage.StatusFileError, "found invalid internal destination filename")
	}

	info, err := os.Stat(a.tempPath)
	if errors.Is(err, os.ErrNotExist) {
		a.rec.CurrentBytes = 0

		return nil
	}

	if err != nil {
		return stopErr(storage.StatusFileError, "while checking destination file", &FileError{Path: a.tempPath, Reason: "stat failed", Err: err})
	}

	if info.Size() == 0 {
		e.removeTemp(ctx, a)
		a.rec.CurrentBytes = 0

		return nil
	}

	if a.rec.ETag == "" {
		e.removeTemp(ctx, a)
		a.rec.CurrentBytes = 0

		return stop(storage.StatusCannotResume, "trying to resume a download that can't be resumed")
	}

	a.continuing = true
	a.bytesSoFar = info.Size()
	a.bytesNotified = a.bytesSoFar
	a.headerETag = a.rec.ETag
	a.rec.CurrentBytes = a.bytesSoFar

	if a.rec.TotalBytes != storage.UnknownSize {
		a.headerContentLength = a.rec.TotalBytes
	}

	logger.DebugContext(ctx, "resuming download", "offset", a.bytesSoFar)

	return nil
}

func (e *Engine) finalize(ctx context.Context, a *attempt) *StopError {
	logger := logctx.LoggerFromContext(ctx)

	if f, err := os.OpenFile(a.tempPath, os.O_WRONLY, 0); err == nil {
		if err := f.Sync(); err != nil {
			logger.WarnContext(ctx, "failed to sync destination file", "err", err)
		}

		f.Close()
	} else {
		logger.WarnContext(ctx, "failed to open destination file for sync", "err", err)
	}

	if a.rec.TotalBytes == storage.UnknownSize || a.bytesSoFar != a.rec.TotalBytes {
		return stop(storage.StatusFileDeliveredIncorrectly, "file delivered with incorrect size")
	}

	if err := os.Rename(a.tempPath, a.finalPath); err != nil {
		return stopErr(storage.StatusFileError, "unable to finalize destination file", &FileError{Path: a.finalPath, Reason: "rename failed", Err: err})
	}

	return nil
}

// cleanup removes the temp file after an error-class status so the next attempt starts clean.
func (e *Engine) cleanup(ctx context.Context, a *attempt, status storage.Status) {
	if status.IsError() {
		a.tempRemoved = e.removeTemp(ctx, a)
	}
}

func (e *Engine) removeTemp(ctx context.Context, a *attempt) bool {
	if !e.layout.ValidTempPath(a.tempPath) {
		return false
	}

	if err := os.Remove(a.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete temp file", "err", err)

		return false
	}

	return true
}

// finish writes the attempt's bookkeeping back into the record.
func (e *Engine) finish(ctx context.Context, a *attempt, status storage.Status) {
	rec := a.rec

	rec.Status = status
	rec.CurrentBytes = a.bytesSoFar
	rec.RetryAfter = a.retryAfter
	rec.RedirectCount = a.redirectCount
	rec.LastModified = e.now()

	if a.tempRemoved {
		rec.CurrentBytes = 0
	}

	switch {
	case a.keepFailedCount:
	case !a.countRetry:
		rec.FailedCount = 0
	case a.gotData:
		rec.FailedCount = 1
	default:
		rec.FailedCount++
	}

	if a.newURI != "" {
		rec.URI = a.newURI
	}

	// The record must be stored even when the attempt ended because ctx was canceled.
	if err := e.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download record", "err", err)
	}
}
