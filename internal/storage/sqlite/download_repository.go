package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/obb_downloader/internal/storage"
)

const recordColumns = `idx, file_name, uri, etag, total_bytes, current_bytes, last_modified,
	status, control, failed_count, retry_after_ms, redirect_count, fuzz`

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db *sql.DB
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.DownloadRecord, error) {
	var (
		rec          storage.DownloadRecord
		lastModified int64
		retryAfterMs int64
	)

	err := row.Scan(
		&rec.Index, &rec.FileName, &rec.URI, &rec.ETag, &rec.TotalBytes, &rec.CurrentBytes, &lastModified,
		&rec.Status, &rec.Control, &rec.FailedCount, &retryAfterMs, &rec.RedirectCount, &rec.Fuzz,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, err
	}

	rec.LastModified = time.UnixMilli(lastModified)
	rec.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond

	return &rec, nil
}

// Get returns the record stored for the file slot.
func (r *DownloadRepository) Get(ctx context.Context, index int) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE idx = ?`, index)

	return scanRecord(row)
}

// GetByFileName returns the record targeting fileName.
func (r *DownloadRepository) GetByFileName(ctx context.Context, fileName string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE file_name = ?`, fileName)

	return scanRecord(row)
}

// Upsert writes every field of the record, inserting it when the slot is new.
func (r *DownloadRepository) Upsert(ctx context.Context, rec *storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET
			file_name = excluded.file_name,
			uri = excluded.uri,
			etag = excluded.etag,
			total_bytes = excluded.total_bytes,
			current_bytes = excluded.current_bytes,
			last_modified = excluded.last_modified,
			status = excluded.status,
			control = excluded.control,
			failed_count = excluded.failed_count,
			retry_after_ms = excluded.retry_after_ms,
			redirect_count = excluded.redirect_count,
			fuzz = excluded.fuzz
	`,
		rec.Index, rec.FileName, rec.URI, rec.ETag, rec.TotalBytes, rec.CurrentBytes, rec.LastModified.UnixMilli(),
		rec.Status, rec.Control, rec.FailedCount, rec.RetryAfter.Milliseconds(), rec.RedirectCount, rec.Fuzz,
	)

	return err
}

// UpdateProgress stores only the byte counter. It is the hot path during a transfer.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, index int, currentBytes int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET current_bytes = ? WHERE idx = ?`, currentBytes, index)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListAll returns every record ordered by slot.
func (r *DownloadRepository) ListAll(ctx context.Context) ([]*storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM downloads ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Prune drops the slots a shorter file list no longer uses.
func (r *DownloadRepository) Prune(ctx context.Context, count int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE idx >= ?`, count)

	return err
}

// Metadata returns the service-wide row.
func (r *DownloadRepository) Metadata(ctx context.Context) (storage.Metadata, error) {
	var md storage.Metadata

	err := r.db.QueryRowContext(ctx, `SELECT version_code, flags, status FROM metadata WHERE id = 0`).
		Scan(&md.VersionCode, &md.Flags, &md.Status)
	if err != nil {
		return storage.Metadata{}, err
	}

	return md, nil
}

// UpdateMetadata replaces the service-wide row.
func (r *DownloadRepository) UpdateMetadata(ctx context.Context, md storage.Metadata) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE metadata SET version_code = ?, flags = ?, status = ? WHERE id = 0`,
		md.VersionCode, md.Flags, md.Status,
	)

	return err
}
