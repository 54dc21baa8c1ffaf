package collection

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/config"
	"github.com/ZanzyTHEbar/fsmap/fsmap/db"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem/watcher"
	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/rs/zerolog"
)

// Collection maps one directory tree of record files onto its own index
// store and keeps the two in sync.
type Collection struct {
	cfg     config.Collection
	timings Timings
	log     zerolog.Logger
	cb      Callbacks

	store   *db.IndexStore
	filter  *filesystem.Filter
	scanner *filesystem.Scanner
	watcher watcher.Watcher

	info workInfo

	// workMu serializes index mutations of the watch queue and remap cycles
	workMu    sync.Mutex
	remapping atomic.Bool

	queueMu sync.Mutex
	queue   []watcher.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a collection. Nothing touches disk before Init.
func New(cfg config.Collection, timings Timings, log zerolog.Logger, cb Callbacks) *Collection {
	return &Collection{
		cfg:     cfg,
		timings: timings,
		log:     log.With().Str("collection", cfg.Name).Logger(),
		cb:      cb,
		info:    workInfo{notify: cb.OnWorkInfo},
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.cfg.Name
}

// Config returns the resolved collection declaration.
func (c *Collection) Config() config.Collection {
	return c.cfg
}

// WorkInfo returns a snapshot of the lifecycle milestones.
func (c *Collection) WorkInfo() WorkInfo {
	return c.info.get()
}

// State returns the current watch-queue state.
func (c *Collection) State() State {
	return c.info.get().State()
}

// Init prepares the index store, starts the watcher and launches the watch
// queue and remap loops. The loops stop when ctx ends or Close is called.
// On failure the collection stays unwanted.
func (c *Collection) Init(ctx context.Context) error {
	c.log.Debug().Msg("map init: begin")
	if err := c.init(ctx); err != nil {
		c.log.Error().Err(err).Msg("map init failed")
		return err
	}
	c.log.Debug().Msg("map init: end")
	return nil
}

func (c *Collection) init(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.DataPath, 0o755); err != nil {
		return fsmap.Wrap(fsmap.ErrFileIO, "create data path "+c.cfg.DataPath, err)
	}

	store, err := db.NewIndexStore(ctx, c.cfg.IndexLocation(), c.cfg.Encoding, c.cfg.Indexes, c.log)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return err
	}

	filter, err := filesystem.NewFilter(c.cfg.DataPath, c.cfg.Encoding.Ext())
	if err != nil {
		store.Close()
		return err
	}

	w, err := watcher.NewWatcher(watcher.WatcherConfig{
		DebounceDelay:    c.timings.Stability,
		MaxDebounceDelay: c.timings.MaxStability,
		QueueCapacity:    watcher.DefaultConfig().QueueCapacity,
		Filter:           filter.Match,
		SkipDir:          filter.SkipDir,
	}, c.log)
	if err != nil {
		store.Close()
		return fsmap.Wrap(fsmap.ErrFileIO, "create watcher", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(runCtx, []string{c.cfg.DataPath}); err != nil {
		cancel()
		w.Close()
		store.Close()
		return fsmap.Wrap(fsmap.ErrFileIO, "start watcher", err)
	}

	c.store = store
	c.filter = filter
	c.scanner = filesystem.NewScanner(filter, c.log)
	c.watcher = w
	c.cancel = cancel

	c.info.update(func(wi *WorkInfo) { wi.TimeInit = time.Now() })

	c.wg.Add(4)
	go c.collectEvents(runCtx)
	go c.armWatch(runCtx)
	go c.runWatchQueue(runCtx)
	go c.runRemap(runCtx)
	return nil
}

// Close stops the loops and releases the watcher and the store.
func (c *Collection) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	var firstErr error
	if err := c.watcher.Close(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.cancel = nil
	return firstErr
}

func (c *Collection) armWatch(ctx context.Context) {
	defer c.wg.Done()

	select {
	case <-ctx.Done():
	case <-time.After(c.timings.WatchGrace):
		c.info.update(func(wi *WorkInfo) { wi.TimeWatch = time.Now() })
	}
}

// collectEvents appends settled watcher events to the watch queue.
func (c *Collection) collectEvents(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events():
			if !ok {
				return
			}
			metrics.WatchEventsTotal.WithLabelValues(c.cfg.Name, ev.Type.String()).Inc()
			c.queueMu.Lock()
			c.queue = append(c.queue, ev)
			c.queueMu.Unlock()
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			c.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// EncodeData renders a value the way record files store it: strings as-is,
// everything else as 4-space indented JSON.
func (c *Collection) EncodeData(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return "", fsmap.Wrap(fsmap.ErrParse, "decode data", err)
		}
		return c.EncodeData(decoded)
	}
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", fsmap.Wrap(fsmap.ErrParse, "encode data", err)
	}
	return string(b), nil
}

// DecodeData turns stored record content into the configured result shape.
// JSON that does not parse decodes to nil.
func (c *Collection) DecodeData(raw string) any {
	if c.cfg.Result == types.ResultString || c.cfg.Encoding == types.EncodingString {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}
