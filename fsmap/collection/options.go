package collection

import (
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// Timings are the engine intervals of a collection.
type Timings struct {
	// WatchGrace delays event processing after init so startup noise settles
	WatchGrace time.Duration
	// QueueTick is the watch-queue interval in the pause and work states
	QueueTick time.Duration
	// IdleQueueTick is the watch-queue interval in the unwanted state
	IdleQueueTick time.Duration
	// RemapInterval separates reindex and rescan cycles
	RemapInterval time.Duration
	// Stability is how long a file must stay quiet before its change is reported
	Stability time.Duration
	// MaxStability caps the wait for a file that never settles
	MaxStability time.Duration
}

// DefaultTimings returns the production intervals.
func DefaultTimings() Timings {
	return Timings{
		WatchGrace:    3 * time.Second,
		QueueTick:     500 * time.Millisecond,
		IdleQueueTick: time.Second,
		RemapInterval: 10 * time.Second,
		Stability:     2 * time.Second,
		MaxStability:  10 * time.Second,
	}
}

// Callbacks receive collection notifications. Nil callbacks are skipped.
// They run on collection goroutines and must not block for long.
type Callbacks struct {
	OnWorkInfo func(WorkInfo)
	OnInsert   func(rows []types.Row)
	OnDelete   func(pks []types.Pk)
}
