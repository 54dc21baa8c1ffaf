package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/collection"
	"github.com/ZanzyTHEbar/fsmap/fsmap/config"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem"
	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// setPollInterval is how often a gated set request rechecks its collections.
const setPollInterval = 500 * time.Millisecond

// Options tune a Worker.
type Options struct {
	Timings collection.Timings
	// Output receives the engine log; nil discards it
	Output io.Writer
	// Level is the minimum level logged
	Level zerolog.Level
	// Forward is the minimum level sent to the caller as message_* messages;
	// zerolog.Disabled sends none
	Forward zerolog.Level
	// Buffer is the capacity of the outbound message channel
	Buffer int
	// Metrics, when set, receives the engine collectors on Start
	Metrics prometheus.Registerer
}

// DefaultOptions logs nothing and forwards errors only.
func DefaultOptions() Options {
	return Options{
		Timings: collection.DefaultTimings(),
		Level:   zerolog.DebugLevel,
		Forward: zerolog.ErrorLevel,
		Buffer:  256,
	}
}

// Worker runs the collections of a store and serves the message protocol:
// get and set requests in, results, notifications and log lines out.
type Worker struct {
	env  *config.Env
	opts Options
	log  zerolog.Logger

	registry *Registry
	pending  pendingSets

	changesMu sync.Mutex
	changes   []StateChange

	completeSent atomic.Bool

	out    chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	postMu sync.Mutex
	closed bool
}

// New creates a worker for env. Nothing runs before Start.
func New(env *config.Env, opts Options) *Worker {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions().Buffer
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}

	w := &Worker{
		env:      env,
		opts:     opts,
		registry: NewRegistry(),
		out:      make(chan Message, opts.Buffer),
	}
	forward := &messageWriter{min: opts.Forward, emit: w.emit}
	w.log = zerolog.New(zerolog.MultiLevelWriter(opts.Output, forward)).
		Level(opts.Level).
		With().Timestamp().Logger()
	return w
}

// Messages returns the outbound channel. It must be drained; it is closed by Close.
func (w *Worker) Messages() <-chan Message {
	return w.out
}

// Registry returns the collections of the worker.
func (w *Worker) Registry() *Registry {
	return w.registry
}

// Start creates and initializes every collection and starts the state-change
// timer. A collection that fails to initialize stays unwanted and is logged;
// the others keep running.
func (w *Worker) Start(ctx context.Context) error {
	if w.opts.Metrics != nil {
		if err := metrics.Register(w.opts.Metrics); err != nil {
			return fsmap.Wrap(fsmap.ErrConfig, "register metrics", err)
		}
	}

	w.postMu.Lock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.postMu.Unlock()

	for _, cfg := range w.env.Collections {
		name := cfg.Name
		c := collection.New(cfg, w.opts.Timings, w.log, collection.Callbacks{
			OnWorkInfo: func(collection.WorkInfo) { w.checkComplete() },
			OnInsert:   func(rows []types.Row) { w.onInsert(name, rows) },
			OnDelete:   func(pks []types.Pk) { w.onDelete(name, pks) },
		})
		if err := w.registry.Add(c); err != nil {
			w.cancel()
			return err
		}
		w.log.Debug().Msgf("worker start: collection %s", cfg)
	}
	w.log.Info().Msgf("worker start: init %d collection(s)", w.registry.Len())

	for _, c := range w.registry.All() {
		// the collection logs its own failure
		_ = c.Init(w.ctx)
	}

	w.wg.Add(1)
	go w.runStateChange()
	return nil
}

// Close stops every collection and closes the message channel.
func (w *Worker) Close() error {
	w.postMu.Lock()
	if w.closed {
		w.postMu.Unlock()
		return nil
	}
	w.closed = true
	w.postMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	var errs []error
	for _, c := range w.registry.All() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	close(w.out)
	return errors.Join(errs...)
}

// Post handles a request asynchronously. Requests posted after Close are dropped.
func (w *Worker) Post(req Request) {
	w.postMu.Lock()
	defer w.postMu.Unlock()
	if w.closed || w.ctx == nil {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.handle(w.ctx, req)
	}()
}

func (w *Worker) handle(ctx context.Context, req Request) {
	switch req.Type {
	case RequestObtain:
		rows, err := fanOut(ctx, req.Obtain, func(ctx context.Context, f types.ObtainFilter) (string, []types.StateRow, error) {
			if f.Collection == "" {
				return "", nil, nil
			}
			c, err := w.registry.Get(f.Collection)
			if err != nil {
				return f.Collection, nil, err
			}
			rows, err := c.Obtain(ctx, f)
			return f.Collection, rows, err
		})
		w.emit(Message{Type: MessageObtain, Key: req.Key, Rows: rows, Error: errorText(err), Err: err})

	case RequestQuery:
		rows, err := fanOut(ctx, req.Query, func(ctx context.Context, f types.QueryFilter) (string, []types.StateRow, error) {
			c, err := w.registry.Get(f.Collection)
			if err != nil {
				return f.Collection, nil, err
			}
			rows, err := c.Query(ctx, f)
			return f.Collection, rows, err
		})
		w.emit(Message{Type: MessageQuery, Key: req.Key, Rows: rows, Error: errorText(err), Err: err})

	case RequestSet:
		w.handleSet(ctx, req)

	default:
		w.log.Error().Msgf("unknown request type %q with key %q", req.Type, req.Key)
	}
}

// fanOut runs one select per filter concurrently. Results keep filter order;
// a failed filter yields no rows and the first failure is returned.
func fanOut[F any](ctx context.Context, filters []F, run func(context.Context, F) (string, []types.StateRow, error)) ([]CollectionRows, error) {
	results := make([]CollectionRows, len(filters))
	var g errgroup.Group
	for i, f := range filters {
		g.Go(func() error {
			name, rows, err := run(ctx, f)
			if rows == nil || err != nil {
				rows = []types.StateRow{}
			}
			results[i] = CollectionRows{Collection: name, Rows: rows}
			return err
		})
	}
	return results, g.Wait()
}

func (w *Worker) handleSet(ctx context.Context, req Request) {
	set := w.pending.open(req.Key)

	targets := make([]*collection.Collection, len(req.Sets))
	for i, change := range req.Sets {
		c, err := w.registry.Get(change.Collection)
		if err != nil {
			w.pending.fail(set, err)
			return
		}
		targets[i] = c
	}

	if !w.awaitWork(ctx, targets) {
		w.pending.fail(set, fsmap.Wrap(fsmap.ErrProtocol, "set "+req.Key, ctx.Err()))
		return
	}

	rows, err := buildSetRows(req.Sets, targets)
	if err != nil {
		w.pending.fail(set, err)
		return
	}
	w.pending.setRows(set, rows)

	for i, r := range rows {
		if r.action != SetDelete {
			continue
		}
		c := targets[r.change]
		err := fsmap.Errorf(fsmap.ErrNotFound, "file is empty")
		if r.pk.File != "" {
			err = filesystem.DeleteRecord(c.Config().DataPath, r.pk)
		}
		switch {
		case err == nil:
		case errors.Is(err, fsmap.ErrNotFound):
			w.pending.failRow(set, i, err)
			w.addChange(StateChange{Action: ChangeDelete, Collection: c.Name(), Rows: []types.StateRow{{Path: r.pk.Path, File: r.pk.File}}})
		default:
			w.log.Error().Err(err).Msgf("set %q: delete file", req.Key)
			w.pending.fail(set, err)
			return
		}
	}

	for _, r := range rows {
		if r.action != SetInsert {
			continue
		}
		if err := filesystem.WriteRecord(targets[r.change].Config().DataPath, r.pk, r.data); err != nil {
			w.log.Error().Err(err).Msgf("set %q: save file", req.Key)
			w.pending.fail(set, err)
			return
		}
	}
	w.pending.markProcessed(set)
}

// awaitWork blocks until every target applies watcher events.
func (w *Worker) awaitWork(ctx context.Context, targets []*collection.Collection) bool {
	for {
		ready := true
		for _, c := range targets {
			if c.State() != collection.StateWork {
				ready = false
				break
			}
		}
		if ready {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(setPollInterval):
		}
	}
}

func buildSetRows(changes []SetChange, targets []*collection.Collection) ([]setRow, error) {
	var rows []setRow
	for ci, change := range changes {
		c := targets[ci]
		for ri, in := range change.Rows {
			r := setRow{change: ci, row: ri, action: change.Action, collection: c.Name(), pk: types.NewPk(in.Path, in.File)}
			switch change.Action {
			case SetInsert:
				if r.pk.File == "" {
					r.pk.File = uuid.NewString() + c.Config().Encoding.Ext()
				}
				data, err := c.EncodeData(in.Data)
				if err != nil {
					return nil, err
				}
				r.data = data
			case SetDelete:
			default:
				return nil, fsmap.Errorf(fsmap.ErrProtocol, "unknown set action %q", change.Action)
			}
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (w *Worker) onInsert(name string, rows []types.Row) {
	w.pending.observeInsert(name, rows)

	c, err := w.registry.Get(name)
	if err != nil {
		return
	}
	out := make([]types.StateRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.StateRow{Path: r.Path, File: r.File, Data: c.DecodeData(r.Data)})
	}
	w.addChange(StateChange{Action: ChangeInsert, Collection: name, Rows: out})
}

func (w *Worker) onDelete(name string, pks []types.Pk) {
	w.pending.observeDelete(name, pks)

	out := make([]types.StateRow, 0, len(pks))
	for _, pk := range pks {
		out = append(out, types.StateRow{Path: pk.Path, File: pk.File})
	}
	w.addChange(StateChange{Action: ChangeDelete, Collection: name, Rows: out})
}

func (w *Worker) addChange(ch StateChange) {
	w.changesMu.Lock()
	defer w.changesMu.Unlock()
	w.changes = append(w.changes, ch)
}

func (w *Worker) takeChanges() []StateChange {
	w.changesMu.Lock()
	defer w.changesMu.Unlock()
	ch := w.changes
	w.changes = nil
	return ch
}

// runStateChange sends the coalesced changes and finished sets on every tick.
func (w *Worker) runStateChange() {
	defer w.wg.Done()

	delay := w.env.StateChangeDelay
	if delay <= 0 {
		delay = config.DefaultStateChangeDelay
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushStateChange()
		}
	}
}

func (w *Worker) flushStateChange() {
	changes := w.takeChanges()
	sets := w.pending.collect()
	if len(changes) == 0 && len(sets) == 0 {
		return
	}
	w.emit(Message{Type: MessageStateChange, Changes: changes, Sets: sets})
}

// checkComplete sends state_complete the first time every collection has
// initialized and remapped.
func (w *Worker) checkComplete() {
	all := w.registry.All()
	if len(all) != len(w.env.Collections) {
		return
	}
	for _, c := range all {
		if !c.WorkInfo().Ready() {
			return
		}
	}
	if w.completeSent.CompareAndSwap(false, true) {
		w.emit(Message{Type: MessageStateComplete})
	}
}

func (w *Worker) emit(m Message) {
	if w.ctx == nil {
		return
	}
	select {
	case w.out <- m:
	case <-w.ctx.Done():
	}
}
