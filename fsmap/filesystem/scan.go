package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem/watcher"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ScanStats tracks work done by one scan
type ScanStats struct {
	DirsProcessed  int64
	FilesProcessed int64
	Duration       time.Duration
}

// Scanner lists the data files of a collection root, one directory level at a
// time with a bounded pool of goroutines per level.
type Scanner struct {
	filter     *Filter
	maxWorkers int
	log        zerolog.Logger
}

// NewScanner creates a scanner sized for I/O bound work
func NewScanner(filter *Filter, log zerolog.Logger) *Scanner {
	return &Scanner{
		filter:     filter,
		maxWorkers: min(max(runtime.NumCPU()*2, 4), 32),
		log:        log,
	}
}

// List returns the fingerprint of every data file under the root.
func (s *Scanner) List(ctx context.Context) (map[types.Pk]types.Fingerprint, ScanStats, error) {
	var stats ScanStats
	start := time.Now()

	root := s.filter.Root()
	if _, err := os.Stat(root); err != nil {
		return nil, stats, fsmap.Wrap(fsmap.ErrFileIO, "scan "+root, err)
	}

	var (
		mu    sync.Mutex
		found = make(map[types.Pk]types.Fingerprint)
	)

	currentLevel := []string{root}
	for len(currentLevel) > 0 {
		var nextLevel []string
		var nextLevelMu sync.Mutex

		levelPool := pool.New().WithMaxGoroutines(s.maxWorkers).WithContext(ctx).WithCancelOnError()
		for _, dir := range currentLevel {
			levelPool.Go(func(ctx context.Context) error {
				subdirs, files, err := s.readDir(ctx, dir)
				if err != nil {
					return err
				}
				atomic.AddInt64(&stats.DirsProcessed, 1)
				atomic.AddInt64(&stats.FilesProcessed, int64(len(files)))

				nextLevelMu.Lock()
				nextLevel = append(nextLevel, subdirs...)
				nextLevelMu.Unlock()

				mu.Lock()
				for pk, fp := range files {
					found[pk] = fp
				}
				mu.Unlock()
				return nil
			})
		}
		if err := levelPool.Wait(); err != nil {
			return nil, stats, err
		}
		currentLevel = nextLevel
	}

	stats.Duration = time.Since(start)
	s.log.Debug().
		Int64("dirs", stats.DirsProcessed).
		Int64("files", stats.FilesProcessed).
		Dur("duration", stats.Duration).
		Msg("scan complete")
	return found, stats, nil
}

func (s *Scanner) readDir(ctx context.Context, dir string) ([]string, map[types.Pk]types.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if dir != s.filter.Root() && os.IsNotExist(err) {
			// removed while scanning
			return nil, nil, nil
		}
		return nil, nil, fsmap.Wrap(fsmap.ErrFileIO, "read directory "+dir, err)
	}

	var subdirs []string
	files := make(map[types.Pk]types.Fingerprint)
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			if !s.filter.SkipDir(path) {
				subdirs = append(subdirs, path)
			}
		case entry.Type().IsRegular():
			if !s.filter.Match(path) {
				continue
			}
			pk, ok := s.filter.Pk(path)
			if !ok {
				continue
			}
			fp, err := watcher.Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, nil, fsmap.Wrap(fsmap.ErrFileIO, "stat "+path, err)
			}
			files[pk] = fp
		}
	}
	return subdirs, files, nil
}
