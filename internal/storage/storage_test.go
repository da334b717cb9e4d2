package storage_test

import (
	"testing"
	"time"

	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestRestartTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	last := now.Add(-time.Minute)

	tests := []struct {
		name   string
		record storage.DownloadRecord
		want   time.Time
	}{
		{
			name:   "no failures restarts now",
			record: storage.DownloadRecord{LastModified: last},
			want:   now,
		},
		{
			name:   "server supplied retry after wins",
			record: storage.DownloadRecord{LastModified: last, FailedCount: 3, RetryAfter: 90 * time.Second},
			want:   last.Add(90 * time.Second),
		},
		{
			name:   "first failure without fuzz",
			record: storage.DownloadRecord{LastModified: last, FailedCount: 1},
			want:   last.Add(30 * time.Second),
		},
		{
			name:   "third failure doubles twice with fuzz",
			record: storage.DownloadRecord{LastModified: last, FailedCount: 3, Fuzz: 500},
			want:   last.Add(4 * 45 * time.Second),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.RestartTime(now))
		})
	}
}

func TestNewDownloadRecord(t *testing.T) {
	rec := storage.NewDownloadRecord(1, "patch.2.com.example.obb")

	assert.Equal(t, 1, rec.Index)
	assert.Equal(t, storage.UnknownSize, rec.TotalBytes)
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.GreaterOrEqual(t, rec.Fuzz, 0)
	assert.Less(t, rec.Fuzz, 1000)
}

func TestResetDownload(t *testing.T) {
	rec := storage.NewDownloadRecord(0, "main.obb")
	rec.CurrentBytes = 500
	rec.TotalBytes = 1000
	rec.ETag = "x"
	rec.FailedCount = 4
	rec.Status = storage.StatusCannotResume

	rec.ResetDownload()

	assert.Zero(t, rec.CurrentBytes)
	assert.Equal(t, storage.UnknownSize, rec.TotalBytes)
	assert.Empty(t, rec.ETag)
	assert.Zero(t, rec.FailedCount)
	assert.Equal(t, storage.StatusPending, rec.Status)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, storage.StatusRunning.IsInformational())
	assert.False(t, storage.StatusRunning.IsCompleted())
	assert.True(t, storage.StatusSuccess.IsSuccess())
	assert.True(t, storage.StatusSuccess.IsCompleted())

	for _, s := range []storage.Status{storage.StatusCanceled, storage.StatusCannotResume, storage.StatusFileDeliveredIncorrectly, storage.StatusForbidden} {
		assert.True(t, s.IsError(), s.String())
		assert.True(t, s.IsClientError(), s.String())
	}

	for _, s := range []storage.Status{storage.StatusPausedByApp, storage.StatusWaitingToRetry, storage.StatusWaitingForNetwork} {
		assert.False(t, s.IsError(), s.String())
	}

	assert.True(t, storage.Status(503).IsServerError())
	assert.Equal(t, "http_503", storage.Status(503).String())
	assert.Equal(t, "cannot_resume", storage.StatusCannotResume.String())
}
