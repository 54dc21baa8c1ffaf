package collection

import (
	"sync"
	"time"
)

// State is the watch-queue state derived from WorkInfo.
type State string

const (
	// StateUnwanted: not initialized, queued events are discarded
	StateUnwanted State = "unwanted"
	// StatePause: initialized but the watch grace period or the first remap is pending
	StatePause State = "pause"
	// StateWork: events are applied to the index
	StateWork State = "work"
)

// WorkInfo records lifecycle milestones of a collection. Zero means not reached.
type WorkInfo struct {
	TimeInit  time.Time `json:"timeInit"`
	TimeWatch time.Time `json:"timeWatch"`
	TimeRemap time.Time `json:"timeRemap"`
}

// State derives the watch-queue state.
func (w WorkInfo) State() State {
	if w.TimeInit.IsZero() {
		return StateUnwanted
	}
	if w.TimeWatch.IsZero() || w.TimeRemap.IsZero() {
		return StatePause
	}
	return StateWork
}

// Ready reports whether init and at least one remap completed.
func (w WorkInfo) Ready() bool {
	return !w.TimeInit.IsZero() && !w.TimeRemap.IsZero()
}

// workInfo guards WorkInfo and publishes every change.
type workInfo struct {
	mu     sync.RWMutex
	info   WorkInfo
	notify func(WorkInfo)
}

func (w *workInfo) get() WorkInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.info
}

func (w *workInfo) update(fn func(*WorkInfo)) {
	w.mu.Lock()
	fn(&w.info)
	snapshot := w.info
	w.mu.Unlock()

	if w.notify != nil {
		w.notify(snapshot)
	}
}
