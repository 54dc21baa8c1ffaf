package collection

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem/watcher"
	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

func (c *Collection) runWatchQueue(ctx context.Context) {
	defer c.wg.Done()

	for {
		delay := c.tickWatchQueue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Collection) drainQueue() []watcher.Event {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	events := c.queue
	c.queue = nil
	return events
}

// tickWatchQueue runs one watch-queue step and returns the delay before the next.
func (c *Collection) tickWatchQueue(ctx context.Context) time.Duration {
	switch c.State() {
	case StateUnwanted:
		if events := c.drainQueue(); len(events) > 0 {
			c.log.Debug().Msgf(`timer watch queue: state "unwanted", ignore %d change(s)`, len(events))
		}
		return c.timings.IdleQueueTick
	case StatePause:
		return c.timings.QueueTick
	}

	events := c.drainQueue()
	if len(events) == 0 {
		return c.timings.QueueTick
	}

	c.workMu.Lock()
	defer c.workMu.Unlock()
	c.applyEvents(ctx, events)
	return c.timings.QueueTick
}

// applyEvents routes a drained batch: unlinks delete records, adds and changes
// upsert them. Several events for one file collapse to the last one, except
// that an unlink followed by an add still deletes before the upsert.
func (c *Collection) applyEvents(ctx context.Context, events []watcher.Event) {
	type fate struct {
		unlinked bool
		last     watcher.EventType
	}
	fates := make(map[types.Pk]*fate, len(events))
	order := make([]types.Pk, 0, len(events))
	for _, ev := range events {
		pk, ok := c.filter.Pk(ev.Path)
		if !ok {
			continue
		}
		f, seen := fates[pk]
		if !seen {
			f = &fate{}
			fates[pk] = f
			order = append(order, pk)
		}
		f.last = ev.Type
		if ev.Type == watcher.EventUnlink {
			f.unlinked = true
		}
	}

	var forDelete, forUpsert []types.Pk
	for _, pk := range order {
		f := fates[pk]
		if f.unlinked {
			forDelete = append(forDelete, pk)
		}
		if f.last != watcher.EventUnlink {
			forUpsert = append(forUpsert, pk)
		}
	}

	if len(forDelete) > 0 {
		if err := c.store.DeleteByPk(ctx, forDelete); err != nil {
			c.log.Error().Err(err).Msg("queue delete: delete map(s)")
		} else {
			metrics.RecordsDeletedTotal.WithLabelValues(c.cfg.Name, metrics.SourceWatch).Add(float64(len(forDelete)))
			if c.cb.OnDelete != nil {
				c.cb.OnDelete(forDelete)
			}
			if len(forDelete) > 10 {
				c.log.Debug().Msgf("queue delete: delete %d files", len(forDelete))
			} else {
				for _, pk := range forDelete {
					c.log.Debug().Msgf("queue delete: delete file %s", pk)
				}
			}
		}
	}

	// failures are logged by upsert and repaired by the next rescan
	_ = c.upsert(ctx, true, forUpsert, metrics.SourceWatch)
}
