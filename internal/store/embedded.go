package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"
)

// OpenEmbedded opens the embedded SQLite backend (spec §4.A "embedded
// mode", the default for local development) at path, creating parent
// directories as needed, and returns a ready Store. A single *sql.DB
// connection pool is used with SetMaxOpenConns(1): SQLite serializes
// writers at the file level regardless, and holding one connection avoids
// "database is locked" errors under the pending-writer-wakes-one semantics
// modernc.org/sqlite exposes.
func OpenEmbedded(ctx context.Context, path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := newSQLStore(db, sqliteDialect())
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	logrus.WithFields(logrus.Fields{"backend": "sqlite", "path": path}).Info("store ready")
	return s, nil
}

// OpenEmbeddedMemory opens an in-memory SQLite store, used by package tests
// throughout internal/store and the components built on top of it.
func OpenEmbeddedMemory(ctx context.Context) (Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := newSQLStore(db, sqliteDialect())
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite memory: %w", err)
	}
	return s, nil
}
