package watcher

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// EventBatch represents the pending events of one path
type EventBatch struct {
	Path      string
	Events    []Event
	LastEvent Event
	Started   time.Time
	Timer     *time.Timer

	gen     uint64
	seen    types.Fingerprint
	seenErr error
}

// DebouncerImpl implements the Debouncer interface. A path is reported once it
// received no events for delay and its fingerprint did not move in between,
// or once maxDelay passed since its first event.
type DebouncerImpl struct {
	delay     time.Duration
	maxDelay  time.Duration
	eventChan chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	pending   map[string]*EventBatch
}

// NewDebouncer creates a new debouncer
func NewDebouncer(delay, maxDelay time.Duration, queueCapacity int) *DebouncerImpl {
	ctx, cancel := context.WithCancel(context.Background())

	return &DebouncerImpl{
		delay:     delay,
		maxDelay:  maxDelay,
		eventChan: make(chan Event, queueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*EventBatch),
	}
}

// Add adds an event to be debounced
func (d *DebouncerImpl) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	batch, exists := d.pending[event.Path]
	if !exists {
		batch = &EventBatch{
			Path:    event.Path,
			Events:  make([]Event, 0, 4),
			Started: time.Now(),
		}
		d.pending[event.Path] = batch
	}

	batch.Events = append(batch.Events, event)
	batch.LastEvent = event
	batch.seen, batch.seenErr = Stat(event.Path)
	d.arm(batch)
}

// Events returns the debounced events channel
func (d *DebouncerImpl) Events() <-chan Event {
	return d.eventChan
}

// Pending returns the number of paths waiting to settle
func (d *DebouncerImpl) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// arm (re)schedules the batch timer. Callers hold d.mu.
func (d *DebouncerImpl) arm(batch *EventBatch) {
	if batch.Timer != nil && batch.Timer.Stop() {
		d.wg.Done()
	}

	delay := d.delay
	if d.maxDelay > 0 {
		remaining := d.maxDelay - time.Since(batch.Started)
		delay = max(min(delay, remaining), 0)
	}

	batch.gen++
	gen := batch.gen
	path := batch.Path

	d.wg.Add(1)
	batch.Timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.fire(path, gen)
	})
}

func (d *DebouncerImpl) fire(path string, gen uint64) {
	d.mu.Lock()
	batch, exists := d.pending[path]
	if d.closed || !exists || batch.gen != gen {
		d.mu.Unlock()
		return
	}

	fp, err := Stat(path)
	overdue := d.maxDelay > 0 && time.Since(batch.Started) >= d.maxDelay
	if !overdue && err == nil && batch.seenErr == nil && fp != batch.seen {
		// still being written
		batch.seen = fp
		d.arm(batch)
		d.mu.Unlock()
		return
	}

	delete(d.pending, path)
	d.mu.Unlock()

	for _, event := range settle(batch, fp, err) {
		select {
		case d.eventChan <- event:
		case <-d.ctx.Done():
			return
		}
	}
}

// settle classifies a batch from the current state of the file. A file that
// was removed and came back within the batch settles as an unlink followed by
// an add.
func settle(batch *EventBatch, fp types.Fingerprint, statErr error) []Event {
	now := time.Now()
	if statErr != nil && errors.Is(statErr, fs.ErrNotExist) {
		return []Event{{Type: EventUnlink, Path: batch.Path, Timestamp: now}}
	}

	replaced := false
	for _, ev := range batch.Events {
		if ev.Type == EventUnlink {
			replaced = true
			break
		}
	}

	event := Event{Type: EventChange, Path: batch.Path, Fingerprint: fp, Timestamp: now}
	switch {
	case replaced:
		event.Type = EventAdd
		return []Event{{Type: EventUnlink, Path: batch.Path, Timestamp: now}, event}
	case batch.Events[0].Type == EventAdd:
		event.Type = EventAdd
	}
	return []Event{event}
}

// Close stops the debouncer
func (d *DebouncerImpl) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()

	for _, batch := range d.pending {
		if batch.Timer != nil && batch.Timer.Stop() {
			d.wg.Done()
		}
	}
	d.pending = make(map[string]*EventBatch)
	d.mu.Unlock()

	d.wg.Wait()
	close(d.eventChan)
}
