// Package downloader drives a batch of expansion file downloads one file at a time.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/obb_downloader/internal/cleanup"
	"github.com/italolelis/obb_downloader/internal/downloader/progress"
	"github.com/italolelis/obb_downloader/internal/filesystem"
	"github.com/italolelis/obb_downloader/internal/license"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/notifier"
	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/telemetry"
	"github.com/italolelis/obb_downloader/internal/transfer"
)

// ErrAlreadyRunning is returned when a batch is started while another one runs.
var ErrAlreadyRunning = errors.New("download batch already running")

// Engine performs one transfer attempt.
type Engine interface {
	Run(ctx context.Context, req transfer.Request) transfer.Outcome
}

// LicenseGate refreshes download records from the license server.
type LicenseGate interface {
	IsRecheckRequired(ctx context.Context) (bool, error)
	RefreshAndPopulateRecords(ctx context.Context) ([]*storage.DownloadRecord, error)
}

// Network is the connectivity view the batch needs.
type Network interface {
	transfer.Network
	Snapshot() netgate.Snapshot
}

// Config tunes the batch driver.
type Config struct {
	// WatchdogInterval is the delay before a paused batch is retried.
	WatchdogInterval time.Duration
	// MaxReruns bounds how often a batch restarts after an expired URL.
	MaxReruns int
}

// Result is the outcome of a batch run.
type Result struct {
	State notifier.State
	// WakeAt is when the batch should run again. Zero means no alarm.
	WakeAt time.Time
	// Rerun asks for an immediate run with a forced license refresh.
	Rerun bool
}

// Downloader is the batch state machine. Only one batch runs at a time.
type Downloader struct {
	cfg       Config
	store     storage.DownloadRepository
	engine    Engine
	network   Network
	notifier  notifier.Notifier
	layout    filesystem.Layout
	license   LicenseGate
	space     filesystem.Space
	telemetry *telemetry.Telemetry
	now       func() time.Time

	control Control
	running atomic.Bool
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLicenseGate enables license checks before each batch.
func WithLicenseGate(g LicenseGate) Option {
	return func(d *Downloader) { d.license = g }
}

// WithTelemetry instruments batches.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = t }
}

// WithSpace reports free storage at the start of each batch.
func WithSpace(s filesystem.Space) Option {
	return func(d *Downloader) { d.space = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) { d.now = now }
}

// NewDownloader creates the batch driver.
func NewDownloader(
	cfg Config,
	store storage.DownloadRepository,
	engine Engine,
	network Network,
	n notifier.Notifier,
	layout filesystem.Layout,
	opts ...Option,
) *Downloader {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Minute
	}

	if cfg.MaxReruns <= 0 {
		cfg.MaxReruns = 3
	}

	d := &Downloader{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		network:  network,
		notifier: n,
		layout:   layout,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Restore adopts the pause request persisted by a previous process.
func (d *Downloader) Restore(ctx context.Context) error {
	records, err := d.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}

	d.control.restore(records)

	return nil
}

// Control returns the pause and cancel switch shared with running transfers.
func (d *Downloader) Control() *Control {
	return &d.control
}

// Running reports whether a batch is in progress.
func (d *Downloader) Running() bool {
	return d.running.Load()
}

// Run executes batches until one finishes without asking for a license refresh.
func (d *Downloader) Run(ctx context.Context) (Result, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer d.running.Store(false)

	logger := logctx.LoggerFromContext(ctx)

	var (
		res Result
		err error
	)

	for attempt := 0; ; attempt++ {
		res, err = d.runSafely(ctx, attempt > 0)
		if err != nil || !res.Rerun {
			break
		}

		if attempt >= d.cfg.MaxReruns {
			logger.ErrorContext(ctx, "download URLs keep expiring, giving up", "reruns", attempt)

			res = Result{State: notifier.FailedFetchingURL, WakeAt: d.now().Add(d.cfg.WatchdogInterval)}

			break
		}

		logger.InfoContext(ctx, "download URL expired, refreshing license")
	}

	d.telemetry.RecordBatch(res.State.String())
	d.notifier.StateChanged(ctx, res.State)

	return res, err
}

func (d *Downloader) runSafely(ctx context.Context, forceRefresh bool) (res Result, err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download batch panicked", "panic", r, "stack", string(debug.Stack()))
			d.telemetry.RecordSystemError("downloader", "panic")

			res = Result{State: notifier.Failed}
			err = fmt.Errorf("download batch panicked: %v", r)
		}
	}()

	err = d.telemetry.InstrumentBatch(ctx, func(ctx context.Context) error {
		var runErr error
		res, runErr = d.runOnce(ctx, forceRefresh)

		return runErr
	})

	return res, err
}

func (d *Downloader) runOnce(ctx context.Context, forceRefresh bool) (Result, error) {
	records, res, err := d.loadRecords(ctx, forceRefresh)
	if err != nil || res != nil {
		if res == nil {
			res = &Result{State: notifier.Failed, WakeAt: d.now().Add(d.cfg.WatchdogInterval)}
		}

		return *res, err
	}

	if len(records) == 0 {
		return Result{State: notifier.Idle}, nil
	}

	if d.space != nil {
		if free, err := d.space.Available(d.layout.Dir()); err == nil {
			d.telemetry.RecordFreeSpace(int64(min(free, uint64(1<<62))))
		}
	}

	return d.RunBatch(ctx, records)
}

// loadRecords returns the records of this pass, refreshing them through the
// license gate when required. A non-nil Result ends the pass early.
func (d *Downloader) loadRecords(ctx context.Context, forceRefresh bool) ([]*storage.DownloadRecord, *Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	refresh := forceRefresh
	if d.license != nil && !refresh {
		required, err := d.license.IsRecheckRequired(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check license state: %w", err)
		}

		refresh = required
	}

	if d.license == nil || !refresh {
		records, err := d.store.ListAll(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list downloads: %w", err)
		}

		return records, nil, nil
	}

	d.notifier.StateChanged(ctx, notifier.FetchingURL)

	records, err := d.license.RefreshAndPopulateRecords(ctx)
	if errors.Is(err, license.ErrUnlicensed) {
		return nil, &Result{State: notifier.FailedUnlicensed}, nil
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to refresh download URLs", "err", err)

		return nil, &Result{State: notifier.FailedFetchingURL, WakeAt: d.now().Add(d.cfg.WatchdogInterval)}, nil
	}

	if _, err := cleanup.DeleteStaleFiles(ctx, records, d.layout); err != nil {
		logger.WarnContext(ctx, "failed to delete stale files", "err", err)
	}

	return records, nil, nil
}

// RunBatch downloads records in order, stopping at the first file that does not succeed.
func (d *Downloader) RunBatch(ctx context.Context, records []*storage.DownloadRecord) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	control := d.control.persisted()

	var total, soFar int64

	for _, rec := range records {
		if rec.Status == storage.StatusSuccess && !d.layout.FileExists(rec.FileName, rec.TotalBytes) {
			logger.WarnContext(ctx, "completed file missing or damaged, downloading again", "index", rec.Index, "file_name", rec.FileName)
			d.demote(ctx, rec)
		}

		if rec.TotalBytes > 0 {
			total += rec.TotalBytes
		}

		soFar += max(rec.CurrentBytes, 0)
	}

	tracker := progress.NewTracker(total, soFar, d.now)
	d.notifier.ProgressChanged(ctx, tracker.Snapshot())

	for _, rec := range records {
		if rec.Status == storage.StatusSuccess {
			continue
		}

		now := d.now()
		if rec.Status == storage.StatusWaitingToRetry {
			if restart := rec.RestartTime(now); restart.After(now) {
				logger.InfoContext(ctx, "download waiting to retry", "index", rec.Index, "restart_at", restart)

				return Result{State: notifier.PausedNetworkUnavailable, WakeAt: restart}, nil
			}
		}

		rec.Control = control

		base := soFar
		knownSize := rec.TotalBytes > 0
		downloading := false

		d.notifier.StateChanged(ctx, notifier.Connecting)

		out := d.engine.Run(ctx, transfer.Request{
			Record:  rec,
			Network: d.network,
			Signal:  &d.control,
			Progress: func(bytesThisSession int64) {
				if !downloading {
					downloading = true
					d.notifier.StateChanged(ctx, notifier.Downloading)
				}

				if !knownSize && rec.TotalBytes > 0 {
					knownSize = true
					total += rec.TotalBytes
					tracker.SetTotal(total)
				}

				d.notifier.ProgressChanged(ctx, tracker.Update(base+bytesThisSession))
			},
		})

		if out.Status == storage.StatusSuccess {
			if !knownSize && rec.TotalBytes > 0 {
				total += rec.TotalBytes
				tracker.SetTotal(total)
			}

			soFar = base + out.BytesThisSession
			d.notifier.ProgressChanged(ctx, tracker.Update(soFar))

			logger.InfoContext(ctx, "expansion file ready", "index", rec.Index, "file_name", rec.FileName,
				"size", humanize.Bytes(uint64(max(rec.TotalBytes, 0))))

			continue
		}

		return d.resultFor(ctx, rec, out), nil
	}

	if err := d.markCompleted(ctx); err != nil {
		return Result{State: notifier.Completed}, err
	}

	return Result{State: notifier.Completed}, nil
}

// resultFor maps a stopped transfer to the batch state and the watchdog decision.
func (d *Downloader) resultFor(ctx context.Context, rec *storage.DownloadRecord, out transfer.Outcome) Result {
	now := d.now()
	alarm := now.Add(d.cfg.WatchdogInterval)
	snapshot := d.network.Snapshot()

	switch out.Status {
	case storage.StatusForbidden:
		return Result{State: notifier.FetchingURL, Rerun: true}
	case storage.StatusFileDeliveredIncorrectly:
		rec.CurrentBytes = 0
		rec.Status = storage.StatusPending
		d.save(ctx, rec)

		return Result{State: notifier.PausedNetworkSetupFailure, WakeAt: alarm}
	case storage.StatusCannotResume:
		rec.CurrentBytes = 0
		rec.ETag = ""
		rec.Status = storage.StatusPending
		d.save(ctx, rec)

		return Result{State: notifier.PausedNetworkUnavailable, WakeAt: alarm}
	case storage.StatusPausedByApp:
		// Shutdown also stops with PausedByApp; only a user pause survives a restart.
		if d.control.Paused() && rec.Control != storage.ControlPaused {
			rec.Control = storage.ControlPaused
			d.save(ctx, rec)
		}

		return Result{State: notifier.PausedByRequest}
	case storage.StatusWaitingForNetwork:
		if snapshot.Connected && snapshot.Roaming {
			return Result{State: notifier.PausedRoaming, WakeAt: alarm}
		}

		return Result{State: notifier.PausedNetworkUnavailable, WakeAt: alarm}
	case storage.StatusWaitingToRetry:
		wake := rec.RestartTime(now)
		if !wake.After(now) {
			wake = alarm
		}

		return Result{State: notifier.PausedNetworkUnavailable, WakeAt: wake}
	case storage.StatusQueuedForWifi, storage.StatusQueuedForWifiOrCellularPermission:
		if !snapshot.WifiEnabled {
			return Result{State: notifier.PausedWifiDisabledNeedCellularPermission, WakeAt: alarm}
		}

		return Result{State: notifier.PausedNeedCellularPermission, WakeAt: alarm}
	case storage.StatusCanceled:
		return Result{State: notifier.FailedCanceled, WakeAt: alarm}
	case storage.StatusInsufficientSpace:
		return Result{State: notifier.FailedSDCardFull, WakeAt: alarm}
	case storage.StatusDeviceNotFound:
		return Result{State: notifier.PausedSDCardUnavailable, WakeAt: alarm}
	default:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed",
			"index", rec.Index, "file_name", rec.FileName, "status", out.Status.String(), "err", out.Err)

		return Result{State: notifier.Failed}
	}
}

func (d *Downloader) demote(ctx context.Context, rec *storage.DownloadRecord) {
	if err := d.layout.Remove(rec.FileName); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete damaged file", "file_name", rec.FileName, "err", err)
	}

	rec.CurrentBytes = 0
	rec.ETag = ""
	rec.Status = storage.StatusPending
	d.save(ctx, rec)
}

func (d *Downloader) save(ctx context.Context, rec *storage.DownloadRecord) {
	if err := d.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download record", "index", rec.Index, "err", err)
	}
}

func (d *Downloader) markCompleted(ctx context.Context) error {
	md, err := d.store.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	md.Status = int(storage.StatusSuccess)

	if err := d.store.UpdateMetadata(ctx, md); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	return nil
}
