package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/obb_downloader/internal/filesystem"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/storage"
)

// ObbExtension is the suffix of expansion files managed in the package directory.
const ObbExtension = ".obb"

// DeleteStaleFiles removes expansion files and temp files in the package
// directory that no record references. It returns the removed file names.
func DeleteStaleFiles(ctx context.Context, records []*storage.DownloadRecord, layout filesystem.Layout) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(layout.Dir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(records)*2)
	for _, rec := range records {
		known[rec.FileName] = struct{}{}
		known[rec.FileName+filesystem.TempSuffix] = struct{}{}
	}

	var removed []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !managed(name) {
			continue
		}

		if _, ok := known[name]; ok {
			continue
		}

		path := filepath.Join(layout.Dir(), name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete stale file", "file", path, "err", err)

			return removed, err
		}

		logger.InfoContext(ctx, "deleted stale file", "file", path)

		removed = append(removed, name)
	}

	return removed, nil
}

func managed(name string) bool {
	name = strings.TrimSuffix(name, filesystem.TempSuffix)

	return strings.HasSuffix(name, ObbExtension)
}
