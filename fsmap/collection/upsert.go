package collection

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem"
	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

const (
	// smallUpsertLimit is the largest upsert handled in a single pass
	smallUpsertLimit = 10
	// readChunk is how many files a read thread reads between buffer hand-offs
	readChunk = 5
	// bufferLimit bounds rows read but not yet flushed
	bufferLimit = 500
)

// batchPlan returns read threads and flush interval for a batch of n files.
func batchPlan(n int) (int, time.Duration) {
	switch {
	case n > 1000:
		return 20, 3000 * time.Millisecond
	case n > 100:
		return 10, 2000 * time.Millisecond
	case n > 50:
		return 5, 1000 * time.Millisecond
	default:
		return 2, 500 * time.Millisecond
	}
}

// upsert reads the files of pks and writes them to the index: derived index
// rows first, then the Data rows. Insert notifications follow each write
// when notify is set. Any read or write error fails the whole call.
func (c *Collection) upsert(ctx context.Context, notify bool, pks []types.Pk, source string) error {
	if len(pks) == 0 {
		return nil
	}
	if len(pks) <= smallUpsertLimit {
		return c.upsertSmall(ctx, notify, pks, source)
	}
	return c.upsertBatch(ctx, notify, pks, source)
}

func (c *Collection) upsertSmall(ctx context.Context, notify bool, pks []types.Pk, source string) error {
	rows := make([]types.Row, 0, len(pks))
	for _, pk := range pks {
		r, err := filesystem.ReadRow(c.cfg.DataPath, pk)
		if err != nil {
			c.log.Error().Err(err).Msg("queue upsert small: read files")
			return err
		}
		rows = append(rows, r)
	}

	if err := c.write(ctx, notify, rows, source); err != nil {
		c.log.Error().Err(err).Msg("queue upsert small")
		return err
	}
	for _, pk := range pks {
		c.log.Debug().Msgf("queue upsert small: upsert file %s", pk)
	}
	return nil
}

func (c *Collection) write(ctx context.Context, notify bool, rows []types.Row, source string) error {
	if err := c.store.UpsertWithIndex(ctx, rows); err != nil {
		return err
	}
	if err := c.store.UpsertData(ctx, rows); err != nil {
		return err
	}
	metrics.RecordsUpsertedTotal.WithLabelValues(c.cfg.Name, source).Add(float64(len(rows)))
	if notify && c.cb.OnInsert != nil {
		c.cb.OnInsert(rows)
	}
	return nil
}

func split(pks []types.Pk, parts int) [][]types.Pk {
	size := (len(pks) + parts - 1) / parts
	out := make([][]types.Pk, 0, parts)
	for start := 0; start < len(pks); start += size {
		out = append(out, pks[start:min(start+size, len(pks))])
	}
	return out
}

// upsertBatch reads files on several threads into a bounded buffer while a
// flusher writes whatever accumulated on every interval. A full buffer blocks
// the readers until the next flush.
func (c *Collection) upsertBatch(ctx context.Context, notify bool, pks []types.Pk, source string) error {
	threads, interval := batchPlan(len(pks))
	c.log.Debug().Msgf("queue upsert big: start %d threads for read %d files", threads, len(pks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	buffer := make(chan types.Row, bufferLimit)
	progress := rate.Sometimes{First: 1, Interval: time.Second}

	readers := pool.New().WithMaxGoroutines(threads).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, part := range split(pks, threads) {
		readers.Go(func(ctx context.Context) error {
			for start := 0; start < len(part); start += readChunk {
				for _, pk := range part[start:min(start+readChunk, len(part))] {
					r, err := filesystem.ReadRow(c.cfg.DataPath, pk)
					if err != nil {
						return err
					}
					select {
					case buffer <- r:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			return nil
		})
	}

	readDone := make(chan error, 1)
	go func() {
		err := readers.Wait()
		close(buffer)
		readDone <- err
	}()

	flushed := 0
	flush := func(rows []types.Row) error {
		if len(rows) == 0 {
			return nil
		}
		if err := c.write(ctx, notify, rows, source); err != nil {
			return err
		}
		flushed += len(rows)
		progress.Do(func() {
			c.log.Debug().Msgf("queue upsert big: upsert portion maps %d of %d", flushed, len(pks))
		})
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readDone:
			if err != nil {
				c.log.Error().Err(err).Msg("queue upsert big: read files")
				return err
			}
			var rest []types.Row
			for r := range buffer {
				rest = append(rest, r)
			}
			if err := flush(rest); err != nil {
				c.log.Error().Err(err).Msg("queue upsert big: upsert")
				return err
			}
			c.log.Debug().Msgf("queue upsert big: done, %d maps", flushed)
			return nil

		case <-ticker.C:
			if err := flush(drainBuffer(buffer)); err != nil {
				c.log.Error().Err(err).Msg("queue upsert big: upsert")
				cancel()
				<-readDone
				return err
			}
		}
	}
}

// drainBuffer takes every row currently buffered without blocking.
func drainBuffer(buffer <-chan types.Row) []types.Row {
	var rows []types.Row
	for {
		select {
		case r, ok := <-buffer:
			if !ok {
				return rows
			}
			rows = append(rows, r)
		default:
			return rows
		}
	}
}
