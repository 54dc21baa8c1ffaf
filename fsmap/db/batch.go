package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"

	"github.com/rs/zerolog"
)

// batchStatement is one queued write with a label used in errors.
type batchStatement struct {
	sql   string
	label string
	args  []any
}

// WriteBatch queues index-store writes and runs them in one transaction.
// Statements are executed every size entries through statements prepared
// once per distinct SQL text.
type WriteBatch struct {
	ctx      context.Context
	tx       *sql.Tx
	log      zerolog.Logger
	size     int
	queued   []batchStatement
	prepared map[string]*sql.Stmt
	executed int
}

// NewBatchContext opens a transaction for a write batch.
func (s *IndexStore) NewBatchContext(ctx context.Context, size int) (*WriteBatch, error) {
	if size <= 0 {
		size = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrIndexStore, "begin write batch", err)
	}
	return &WriteBatch{
		ctx:      ctx,
		tx:       tx,
		log:      s.log,
		size:     size,
		queued:   make([]batchStatement, 0, size),
		prepared: make(map[string]*sql.Stmt),
	}, nil
}

// AddOperation queues a statement.
func (b *WriteBatch) AddOperation(query, label string, args ...any) {
	b.queued = append(b.queued, batchStatement{sql: query, label: label, args: args})
}

func (b *WriteBatch) stmt(query string) (*sql.Stmt, error) {
	if st, ok := b.prepared[query]; ok {
		return st, nil
	}
	b.log.Trace().Msg(query)
	st, err := b.tx.PrepareContext(b.ctx, query)
	if err != nil {
		return nil, err
	}
	b.prepared[query] = st
	return st, nil
}

// ExecuteBatch runs every queued statement.
func (b *WriteBatch) ExecuteBatch() error {
	if len(b.queued) == 0 {
		return nil
	}
	start := time.Now()
	for _, q := range b.queued {
		st, err := b.stmt(q.sql)
		if err != nil {
			return fsmap.Wrap(fsmap.ErrIndexStore, "prepare "+q.label, err)
		}
		if _, err := st.ExecContext(b.ctx, q.args...); err != nil {
			return fsmap.Wrap(fsmap.ErrIndexStore, q.label, err)
		}
	}
	b.executed += len(b.queued)
	b.log.Trace().Int("statements", len(b.queued)).Dur("took", time.Since(start)).Msg("write batch executed")
	b.queued = b.queued[:0]
	return nil
}

// Flush executes the queue once it holds size statements.
func (b *WriteBatch) Flush() error {
	if len(b.queued) < b.size {
		return nil
	}
	return b.ExecuteBatch()
}

// Commit executes what is left and commits.
func (b *WriteBatch) Commit() error {
	if err := b.ExecuteBatch(); err != nil {
		b.Rollback()
		return err
	}
	b.release()
	if err := b.tx.Commit(); err != nil {
		return fsmap.Wrap(fsmap.ErrIndexStore, "commit write batch", err)
	}
	b.log.Trace().Int("statements", b.executed).Msg("write batch committed")
	return nil
}

// Rollback abandons the transaction. It is a no-op after Commit.
func (b *WriteBatch) Rollback() error {
	b.release()
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fsmap.Wrap(fsmap.ErrIndexStore, "rollback write batch", err)
	}
	return nil
}

func (b *WriteBatch) release() {
	for q, st := range b.prepared {
		st.Close()
		delete(b.prepared, q)
	}
}
