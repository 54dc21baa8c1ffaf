package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/rs/zerolog"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IndexStore is the SQLite-backed index of one collection.
type IndexStore struct {
	db       *sql.DB
	location string
	encoding types.Encoding
	indexes  []types.IndexDecl
	log      zerolog.Logger
}

// NewIndexStore opens the store at location. Call Init before use.
func NewIndexStore(ctx context.Context, location string, encoding types.Encoding, indexes []types.IndexDecl, log zerolog.Logger) (*IndexStore, error) {
	db, err := Open(ctx, location)
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "open", err)
	}
	return &IndexStore{
		db:       db,
		location: location,
		encoding: encoding,
		indexes:  append([]types.IndexDecl(nil), indexes...),
		log:      log,
	}, nil
}

func (s *IndexStore) hasIndexType(t types.IndexType) bool {
	for _, idx := range s.indexes {
		if idx.Type == t {
			return true
		}
	}
	return false
}

// Init creates the schema, stamps the schema version, syncs the declared
// index table and purges index rows that no longer belong to anything.
func (s *IndexStore) Init(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "begin init", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := s.exec(ctx, tx, stmt); err != nil {
			return fsmap.Wrap(fsmap.ErrIndexStore, "apply schema", err)
		}
	}

	if _, err := s.exec(ctx, tx, `DELETE FROM "Index"`); err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "reset index declarations", err)
	}
	for _, idx := range s.indexes {
		if _, err := s.exec(ctx, tx, `INSERT INTO "Index" ("prop", "type") VALUES (?, ?)`, idx.Prop, string(idx.Type)); err != nil {
			return fsmap.Wrap(fsmap.ErrIndexStore, "declare index "+idx.Prop, err)
		}
	}

	for _, stmt := range purgeStatements {
		if _, err := s.exec(ctx, tx, stmt); err != nil {
			return fsmap.Wrap(fsmap.ErrIndexStore, "purge stale index rows", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "commit init", err)
	}
	return nil
}

// SchemaVersion reads the stamped schema version.
func (s *IndexStore) SchemaVersion(ctx context.Context) (int, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT "value" FROM "EavNumber" WHERE "prop" = 'schemaver'`).Scan(&v)
	if err != nil {
		return 0, fsmap.Wrap(fsmap.ErrIndexStore, "read schema version", err)
	}
	return int(v), nil
}

// Close releases the database.
func (s *IndexStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close index store %s: %w", s.location, err)
	}
	return nil
}

func (s *IndexStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	s.log.Trace().Msg(query)
	return q.ExecContext(ctx, query, args...)
}

func (s *IndexStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	s.log.Trace().Msg(query)
	return q.QueryContext(ctx, query, args...)
}
