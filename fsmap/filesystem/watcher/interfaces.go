package watcher

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// EventType represents the classification of a settled file change
type EventType int

const (
	// EventAdd represents a file that appeared
	EventAdd EventType = iota
	// EventChange represents a modified file
	EventChange
	// EventUnlink represents a removed file
	EventUnlink
)

// Action maps the event type to the record action it triggers.
func (t EventType) Action() types.Action {
	switch t {
	case EventAdd:
		return types.ActionAdd
	case EventUnlink:
		return types.ActionUnlink
	default:
		return types.ActionChange
	}
}

func (t EventType) String() string {
	return string(t.Action())
}

// Event represents a debounced file system event
type Event struct {
	Type        EventType
	Path        string
	Fingerprint types.Fingerprint
	Timestamp   time.Time
}

// Watcher defines the interface for file system watching
type Watcher interface {
	// Start begins watching the specified paths recursively
	Start(ctx context.Context, paths []string) error

	// Events returns a channel of settled file events
	Events() <-chan Event

	// Errors returns a channel of errors encountered during watching
	Errors() <-chan error

	// Close stops watching and cleans up resources
	Close() error
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	// DebounceDelay is the quiet period a file must stay unchanged before it is reported
	DebounceDelay time.Duration

	// MaxDebounceDelay caps how long a continuously changing file is held back
	MaxDebounceDelay time.Duration

	// QueueCapacity is the capacity of the event channel
	QueueCapacity int

	// Filter selects the files whose events are reported. Nil reports every file.
	Filter func(path string) bool

	// SkipDir excludes directories from recursive watching. Nil watches every directory.
	SkipDir func(path string) bool
}

// Debouncer coalesces raw events per path until the file settles
type Debouncer interface {
	// Add adds an event to be debounced
	Add(event Event)

	// Events returns settled events
	Events() <-chan Event

	// Close stops the debouncer
	Close()
}
