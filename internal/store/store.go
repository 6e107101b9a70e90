package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations[i] moves the archive from user_version i to i+1.
var migrations = []string{
	// 1: duplicate imports are found by digest.
	`CREATE INDEX IF NOT EXISTS idx_recordings_digest ON recordings(digest)`,
}

// archivePragmas are applied on every open. One connection, so the
// busy timeout only matters for other processes sharing the file.
var archivePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Store is the recording archive: recorded documents keyed by scenario in
// a single SQLite file. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at path and brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	for _, pragma := range archivePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

// migrate runs every migration past the stored user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if version >= len(migrations) {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("write user_version: %w", err)
	}
	return nil
}

// Close closes the archive.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pragma reads a pragma's current value.
func (s *Store) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}
