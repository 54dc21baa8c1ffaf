package collection

import (
	"context"
	"slices"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

func (c *Collection) runRemap(ctx context.Context) {
	defer c.wg.Done()

	for {
		// failures are logged and retried on the next interval
		_ = c.Remap(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.timings.RemapInterval):
		}
	}
}

// Remap runs one reindex then rescan cycle and records the remap time when
// both succeed. A call made while a cycle is running returns immediately.
func (c *Collection) Remap(ctx context.Context) error {
	if !c.remapping.CompareAndSwap(false, true) {
		return nil
	}
	defer c.remapping.Store(false)

	c.workMu.Lock()
	defer c.workMu.Unlock()

	start := time.Now()
	if err := c.reindex(ctx); err != nil {
		metrics.RemapFailuresTotal.WithLabelValues(c.cfg.Name, "reindex").Inc()
		return err
	}
	if err := c.rescan(ctx); err != nil {
		metrics.RemapFailuresTotal.WithLabelValues(c.cfg.Name, "rescan").Inc()
		return err
	}

	metrics.RemapDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())
	c.info.update(func(wi *WorkInfo) { wi.TimeRemap = time.Now() })
	return nil
}

func (c *Collection) reindex(ctx context.Context) error {
	c.log.Debug().Msg("map reindex: begin")
	n, err := c.store.Reindex(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("map reindex")
		return err
	}
	c.log.Debug().Msgf("map reindex: end, %d map(s) reindexed", n)
	return nil
}

// rescan reconciles the index with the files on disk without change notifications.
func (c *Collection) rescan(ctx context.Context) error {
	c.log.Debug().Msg("map rescan: begin")

	files, stats, err := c.scanner.List(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("map rescan: in scan dir")
		return err
	}
	metrics.ScanDuration.WithLabelValues(c.cfg.Name).Observe(stats.Duration.Seconds())
	c.log.Debug().Msgf("map rescan: find %d file(s) in %d dir(s)", len(files), stats.DirsProcessed)

	maps, err := c.store.Fingerprints(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("map rescan: in scan map")
		return err
	}
	c.log.Debug().Msgf("map rescan: find %d map(s)", len(maps))

	var needDelete, needUpdate, needInsert []types.Pk
	for pk := range maps {
		if _, ok := files[pk]; !ok {
			needDelete = append(needDelete, pk)
		}
	}
	for pk, fp := range files {
		stored, ok := maps[pk]
		switch {
		case !ok:
			needInsert = append(needInsert, pk)
		case stored != fp:
			needUpdate = append(needUpdate, pk)
		}
	}
	for _, list := range [][]types.Pk{needDelete, needUpdate, needInsert} {
		slices.SortFunc(list, comparePk)
	}
	c.log.Debug().Msgf("map rescan: check for delete %d map(s), update %d map(s), insert %d map(s)", len(needDelete), len(needUpdate), len(needInsert))

	if err := c.store.DeleteByPk(ctx, needDelete); err != nil {
		c.log.Error().Err(err).Msg("map rescan: in delete checked map(s)")
		return err
	}
	metrics.RecordsDeletedTotal.WithLabelValues(c.cfg.Name, metrics.SourceRescan).Add(float64(len(needDelete)))

	if err := c.upsert(ctx, false, needUpdate, metrics.SourceRescan); err != nil {
		return err
	}
	if err := c.upsert(ctx, false, needInsert, metrics.SourceRescan); err != nil {
		return err
	}

	c.log.Debug().Msg("map rescan: end")
	return nil
}

func comparePk(a, b types.Pk) int {
	if a.Path != b.Path {
		if a.Path < b.Path {
			return -1
		}
		return 1
	}
	switch {
	case a.File < b.File:
		return -1
	case a.File > b.File:
		return 1
	}
	return 0
}
