package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	idx INTEGER PRIMARY KEY,
	file_name TEXT NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	total_bytes INTEGER NOT NULL DEFAULT -1,
	current_bytes INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 190,
	control INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	retry_after_ms INTEGER NOT NULL DEFAULT 0,
	redirect_count INTEGER NOT NULL DEFAULT 0,
	fuzz INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS downloads_file_name ON downloads (file_name);
CREATE TABLE IF NOT EXISTS metadata (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	version_code INTEGER NOT NULL DEFAULT 0,
	flags INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO metadata (id) VALUES (0);
`

// InitDB opens the SQLite database at path and creates the tables if they don't exist.
// WAL mode lets status readers run while the download worker writes.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}
