package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/storage/sqlite"
	"github.com/italolelis/obb_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *sqlite.DownloadRepository {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlite.NewDownloadRepository(db)
}

func TestDownloadRepository_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := storage.NewDownloadRecord(0, "main.3.com.example.game.obb")
	rec.URI = "https://cdn.example.com/main.obb"
	rec.ETag = `"abc"`
	rec.TotalBytes = 1000
	rec.RetryAfter = 45 * time.Second
	rec.LastModified = time.UnixMilli(1700000000123)

	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, rec.FileName, got.FileName)
	assert.Equal(t, rec.URI, got.URI)
	assert.Equal(t, rec.ETag, got.ETag)
	assert.Equal(t, int64(1000), got.TotalBytes)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, 45*time.Second, got.RetryAfter)
	assert.Equal(t, rec.Fuzz, got.Fuzz)
	assert.True(t, rec.LastModified.Equal(got.LastModified))

	rec.Status = storage.StatusSuccess
	rec.CurrentBytes = 1000
	require.NoError(t, repo.Upsert(ctx, rec))

	got, err = repo.GetByFileName(ctx, rec.FileName)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, got.Status)
	assert.Equal(t, int64(1000), got.CurrentBytes)
}

func TestDownloadRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.Get(ctx, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = repo.UpdateProgress(ctx, 7, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_UpdateProgressAndList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.Upsert(ctx, storage.NewDownloadRecord(1, "patch.obb")))
	require.NoError(t, repo.Upsert(ctx, storage.NewDownloadRecord(0, "main.obb")))
	require.NoError(t, repo.UpdateProgress(ctx, 1, 4096))

	records, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, 1, records[1].Index)
	assert.Equal(t, int64(4096), records[1].CurrentBytes)
}

func TestDownloadRepository_Prune(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for i, name := range []string{"main.obb", "patch.obb", "extra.obb"} {
		require.NoError(t, repo.Upsert(ctx, storage.NewDownloadRecord(i, name)))
	}

	require.NoError(t, repo.Prune(ctx, 2))

	records, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "patch.obb", records[1].FileName)

	_, err = repo.GetByFileName(ctx, "extra.obb")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_Metadata(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	md, err := repo.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Metadata{}, md)

	md = storage.Metadata{VersionCode: 12, Flags: storage.FlagDownloadOverCellular}
	require.NoError(t, repo.UpdateMetadata(ctx, md))

	got, err := repo.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, md, got)
	assert.True(t, got.CellularAllowed())
}

func TestInstrumentedDownloadRepository_DisabledTelemetry(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := sqlite.NewInstrumentedDownloadRepository(db, tel)
	require.NoError(t, repo.Upsert(ctx, storage.NewDownloadRecord(0, "main.obb")))

	records, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
