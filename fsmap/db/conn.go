package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/fsmap/fsmap"

	_ "github.com/tursodatabase/go-libsql"
)

// Open opens the libsql database behind a collection index. location is either
// fsmap.MemoryStore or a database file path.
//
// The pool is pinned to one connection: an in-memory database lives and dies with
// its connection, and a single writer keeps file-backed stores free of busy errors.
func Open(ctx context.Context, location string) (*sql.DB, error) {
	dsn := fsmap.DefaultMemoryDSN
	if location != fsmap.MemoryStore {
		if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory for %s: %w", location, err)
		}
		dsn = "file:" + location
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", location, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", location, err)
	}
	return db, nil
}
