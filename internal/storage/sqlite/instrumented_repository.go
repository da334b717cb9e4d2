package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// Get retrieves one record with telemetry.
func (r *InstrumentedDownloadRepository) Get(ctx context.Context, index int) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, index)

		return err
	})

	return result, err
}

// GetByFileName retrieves one record by file name with telemetry.
func (r *InstrumentedDownloadRepository) GetByFileName(ctx context.Context, fileName string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download_by_file_name", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetByFileName(ctx, fileName)

		return err
	})

	return result, err
}

// Upsert writes a record with telemetry.
func (r *InstrumentedDownloadRepository) Upsert(ctx context.Context, rec *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_download", func(ctx context.Context) error {
		return r.repo.Upsert(ctx, rec)
	})
}

// UpdateProgress stores the byte counter with telemetry.
func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, index int, currentBytes int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, index, currentBytes)
	})
}

// ListAll retrieves all records with telemetry.
func (r *InstrumentedDownloadRepository) ListAll(ctx context.Context) ([]*storage.DownloadRecord, error) {
	var result []*storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListAll(ctx)

		return err
	})

	return result, err
}

// Metadata retrieves the service metadata with telemetry.
func (r *InstrumentedDownloadRepository) Metadata(ctx context.Context) (storage.Metadata, error) {
	var result storage.Metadata

	err := r.telemetry.InstrumentDBOperation(ctx, "get_metadata", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Metadata(ctx)

		return err
	})

	return result, err
}

// Prune deletes unused slots with telemetry.
func (r *InstrumentedDownloadRepository) Prune(ctx context.Context, count int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "prune_downloads", func(ctx context.Context) error {
		return r.repo.Prune(ctx, count)
	})
}

// UpdateMetadata stores the service metadata with telemetry.
func (r *InstrumentedDownloadRepository) UpdateMetadata(ctx context.Context, md storage.Metadata) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_metadata", func(ctx context.Context) error {
		return r.repo.UpdateMetadata(ctx, md)
	})
}
