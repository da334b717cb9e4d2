package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("download record not found")

// RetryFirstDelay is the base delay of the exponential retry schedule.
const RetryFirstDelay = 30 * time.Second

// UnknownSize marks a total byte count that has not been learned yet.
const UnknownSize int64 = -1

// Control is the externally requested run state of a record.
type Control int

const (
	ControlRun Control = iota
	ControlPaused
)

func (c Control) String() string {
	if c == ControlPaused {
		return "paused"
	}

	return "run"
}

// DownloadRecord is the persisted progress of one expansion file.
type DownloadRecord struct {
	Index         int
	FileName      string
	URI           string
	ETag          string
	TotalBytes    int64
	CurrentBytes  int64
	LastModified  time.Time
	Status        Status
	Control       Control
	FailedCount   int
	RetryAfter    time.Duration
	RedirectCount int
	Fuzz          int
}

// NewDownloadRecord seeds a record for the given slot with fresh counters.
func NewDownloadRecord(index int, fileName string) *DownloadRecord {
	r := &DownloadRecord{
		Index:    index,
		FileName: fileName,
		Fuzz:     rand.IntN(1000),
	}
	r.ResetDownload()

	return r
}

// ResetDownload clears all transfer progress so the next attempt starts from zero.
func (r *DownloadRecord) ResetDownload() {
	r.CurrentBytes = 0
	r.TotalBytes = UnknownSize
	r.ETag = ""
	r.Status = StatusPending
	r.LastModified = time.Now()
	r.FailedCount = 0
	r.RetryAfter = 0
	r.RedirectCount = 0
}

// RestartTime returns the earliest time at which the record may be retried.
func (r *DownloadRecord) RestartTime(now time.Time) time.Time {
	if r.FailedCount == 0 {
		return now
	}

	if r.RetryAfter > 0 {
		return r.LastModified.Add(r.RetryAfter)
	}

	// RetryFirstDelay is expressed in seconds and scaled by (1000+fuzz) milliseconds.
	delay := time.Duration(RetryFirstDelay.Seconds()) * time.Duration(1000+r.Fuzz) * time.Millisecond

	return r.LastModified.Add(delay << (r.FailedCount - 1))
}

// Metadata is the service-wide state stored next to the records.
type Metadata struct {
	VersionCode int
	Flags       int
	Status      int
}

// FlagDownloadOverCellular marks that the user allowed transfers on metered networks.
const FlagDownloadOverCellular = 1

// CellularAllowed reports whether the user permitted downloads over cellular.
func (m Metadata) CellularAllowed() bool {
	return m.Flags&FlagDownloadOverCellular != 0
}

// DownloadRepository is the narrow persistence contract of the download core.
type DownloadRepository interface {
	Get(ctx context.Context, index int) (*DownloadRecord, error)
	GetByFileName(ctx context.Context, fileName string) (*DownloadRecord, error)
	Upsert(ctx context.Context, record *DownloadRecord) error
	UpdateProgress(ctx context.Context, index int, currentBytes int64) error
	ListAll(ctx context.Context) ([]*DownloadRecord, error)
	// Prune deletes records whose index is count or greater.
	Prune(ctx context.Context, count int) error
	Metadata(ctx context.Context) (Metadata, error)
	UpdateMetadata(ctx context.Context, md Metadata) error
}
