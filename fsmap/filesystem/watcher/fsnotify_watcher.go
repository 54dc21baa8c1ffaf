package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TreeWatcher watches directory trees with fsnotify. fsnotify is not
// recursive, so every directory below a root gets its own watch and
// directories that appear later are added as they are created.
type TreeWatcher struct {
	notify *fsnotify.Watcher
	cfg    WatcherConfig
	log    zerolog.Logger

	settle Debouncer
	events chan Event
	errs   chan error

	// dirMu serializes tree walks; dirs is the set of watched directories
	dirMu sync.Mutex
	dirs  map[string]struct{}

	stop     context.CancelFunc
	stopped  context.Context
	loops    sync.WaitGroup
	shutdown sync.Once
}

// NewTreeWatcher creates a watcher. Nothing is watched before Start.
func NewTreeWatcher(cfg WatcherConfig, log zerolog.Logger) (*TreeWatcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrFileIO, "create fsnotify watcher", err)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}

	stopped, stop := context.WithCancel(context.Background())
	return &TreeWatcher{
		notify:  notify,
		cfg:     cfg,
		log:     log,
		settle:  NewDebouncer(cfg.DebounceDelay, cfg.MaxDebounceDelay, cfg.QueueCapacity),
		events:  make(chan Event, cfg.QueueCapacity),
		errs:    make(chan error, 10),
		dirs:    make(map[string]struct{}),
		stop:    stop,
		stopped: stopped,
	}, nil
}

// Start watches every root recursively. A missing root is an error. The
// watcher stops when ctx ends or on Close.
func (w *TreeWatcher) Start(ctx context.Context, roots []string) error {
	w.dirMu.Lock()
	for _, root := range roots {
		if err := w.watchTree(root, false); err != nil {
			w.dirMu.Unlock()
			return fsmap.Wrap(fsmap.ErrFileIO, "watch "+root, err)
		}
	}
	w.dirMu.Unlock()

	context.AfterFunc(ctx, w.stop)

	w.loops.Add(2)
	go w.receive()
	go w.forward()

	w.log.Debug().Strs("roots", roots).Msg("watcher: started")
	return nil
}

// Events returns settled events.
func (w *TreeWatcher) Events() <-chan Event {
	return w.events
}

// Errors returns fsnotify errors. Errors are dropped while the channel is full.
func (w *TreeWatcher) Errors() <-chan error {
	return w.errs
}

// Close releases the fsnotify watcher and closes both channels. It is safe
// to call more than once.
func (w *TreeWatcher) Close() error {
	var err error
	w.shutdown.Do(func() {
		w.stop()
		if cerr := w.notify.Close(); cerr != nil {
			err = fsmap.Wrap(fsmap.ErrFileIO, "close fsnotify watcher", cerr)
		}
		w.settle.Close()
		w.loops.Wait()
		close(w.events)
		close(w.errs)
	})
	return err
}

// watchTree adds a watch for dir and each directory below it that SkipDir
// allows. With announce set, files found on the way are queued as added:
// they were written before their new directory was watched.
// Callers hold dirMu.
func (w *TreeWatcher) watchTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		isRoot := path == dir
		if err != nil {
			if isRoot {
				return err
			}
			w.log.Warn().Err(err).Str("path", path).Msg("watcher: walk")
			return nil
		}

		if !d.IsDir() {
			if announce && w.wants(path) {
				w.settle.Add(Event{Type: EventAdd, Path: path, Timestamp: time.Now()})
			}
			return nil
		}
		if !isRoot && w.skips(path) {
			return filepath.SkipDir
		}
		if _, ok := w.dirs[path]; ok {
			return nil
		}
		if err := w.notify.Add(path); err != nil {
			if isRoot {
				return err
			}
			w.log.Warn().Err(err).Str("path", path).Msg("watcher: add directory")
			return nil
		}
		w.dirs[path] = struct{}{}
		return nil
	})
}

func (w *TreeWatcher) wants(path string) bool {
	return w.cfg.Filter == nil || w.cfg.Filter(path)
}

func (w *TreeWatcher) skips(dir string) bool {
	return w.cfg.SkipDir != nil && w.cfg.SkipDir(dir)
}

// receive routes raw fsnotify events into the debouncer.
func (w *TreeWatcher) receive() {
	defer w.loops.Done()

	for {
		select {
		case <-w.stopped.Done():
			return
		case raw, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.route(raw)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
				w.log.Warn().Err(err).Msg("watcher: error dropped")
			}
		}
	}
}

func (w *TreeWatcher) route(raw fsnotify.Event) {
	if raw.Has(fsnotify.Create) && w.newDir(raw.Name) {
		return
	}
	if raw.Has(fsnotify.Remove) || raw.Has(fsnotify.Rename) {
		w.dirMu.Lock()
		delete(w.dirs, raw.Name)
		w.dirMu.Unlock()
	}

	typ, ok := classify(raw.Op)
	if !ok || !w.wants(raw.Name) {
		return
	}
	w.settle.Add(Event{Type: typ, Path: raw.Name, Timestamp: time.Now()})
}

// newDir watches a created directory and reports whether path was one.
func (w *TreeWatcher) newDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if w.skips(path) {
		return true
	}

	w.dirMu.Lock()
	defer w.dirMu.Unlock()
	if err := w.watchTree(path, true); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("watcher: watch new directory")
	}
	return true
}

// classify maps an fsnotify op to an event type. Chmod alone is not a change.
func classify(op fsnotify.Op) (EventType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventAdd, true
	case op.Has(fsnotify.Write):
		return EventChange, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventUnlink, true
	}
	return 0, false
}

// forward hands settled events to the consumer.
func (w *TreeWatcher) forward() {
	defer w.loops.Done()

	for {
		select {
		case <-w.stopped.Done():
			return
		case ev, ok := <-w.settle.Events():
			if !ok {
				return
			}
			select {
			case w.events <- ev:
			case <-w.stopped.Done():
				return
			}
		}
	}
}
