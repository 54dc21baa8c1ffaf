package watcher

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultConfig returns a default watcher configuration
func DefaultConfig() WatcherConfig {
	return WatcherConfig{
		DebounceDelay:    2 * time.Second,
		MaxDebounceDelay: 10 * time.Second,
		QueueCapacity:    1000,
	}
}

// NewWatcher creates the recursive watcher used for collection roots
func NewWatcher(config WatcherConfig, log zerolog.Logger) (Watcher, error) {
	return NewTreeWatcher(config, log)
}
