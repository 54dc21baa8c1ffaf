package worker

import (
	"sync"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	roaring "github.com/RoaringBitmap/roaring"
)

// setRow is one row of a set request as it was written to disk.
type setRow struct {
	change     int
	row        int
	action     SetAction
	collection string
	pk         types.Pk
	data       string
}

// pendingSet tracks a set request until every row it wrote was observed
// back through a watch queue, or until it failed.
type pendingSet struct {
	key       string
	rows      []setRow
	watched   *roaring.Bitmap
	rowErrs   map[uint32]error
	err       error
	processed bool
}

func (s *pendingSet) complete() bool {
	if s.err != nil {
		return true
	}
	return s.processed && s.watched.GetCardinality() == uint64(len(s.rows))
}

func (s *pendingSet) result() SetResult {
	res := SetResult{Key: s.key, Error: errorText(s.err), Err: s.err}
	for i, r := range s.rows {
		err, ok := s.rowErrs[uint32(i)]
		if !ok {
			continue
		}
		res.Rows = append(res.Rows, RowError{Change: r.change, Row: r.row, Path: r.pk.Path, File: r.pk.File, Error: err.Error()})
	}
	return res
}

// pendingSets is the table of outstanding set requests.
type pendingSets struct {
	mu   sync.Mutex
	sets []*pendingSet
}

func (p *pendingSets) open(key string) *pendingSet {
	s := &pendingSet{key: key, watched: roaring.New(), rowErrs: make(map[uint32]error)}
	p.mu.Lock()
	p.sets = append(p.sets, s)
	p.mu.Unlock()
	return s
}

func (p *pendingSets) setRows(s *pendingSet, rows []setRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.rows = rows
}

func (p *pendingSets) fail(s *pendingSet, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// failRow completes row i with err. The row counts as observed.
func (p *pendingSets) failRow(s *pendingSet, i int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.rowErrs[uint32(i)] = err
	s.watched.Add(uint32(i))
}

func (p *pendingSets) markProcessed(s *pendingSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.processed = true
}

// observe marks rows of collection name matching an observed change. Inserts
// match on key and content, deletes on key.
func (p *pendingSets) observe(name string, action SetAction, match func(setRow) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sets {
		if s.err != nil {
			continue
		}
		for i, r := range s.rows {
			if r.action != action || r.collection != name || s.watched.Contains(uint32(i)) {
				continue
			}
			if match(r) {
				s.watched.Add(uint32(i))
			}
		}
	}
}

func (p *pendingSets) observeInsert(name string, rows []types.Row) {
	byPk := make(map[types.Pk]string, len(rows))
	for _, r := range rows {
		byPk[r.Pk] = r.Data
	}
	p.observe(name, SetInsert, func(r setRow) bool {
		data, ok := byPk[r.pk]
		return ok && data == r.data
	})
}

func (p *pendingSets) observeDelete(name string, pks []types.Pk) {
	seen := make(map[types.Pk]struct{}, len(pks))
	for _, pk := range pks {
		seen[pk] = struct{}{}
	}
	p.observe(name, SetDelete, func(r setRow) bool {
		_, ok := seen[r.pk]
		return ok
	})
}

// collect removes and returns the finished sets.
func (p *pendingSets) collect() []SetResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var done []SetResult
	kept := p.sets[:0]
	for _, s := range p.sets {
		if s.complete() {
			done = append(done, s.result())
			continue
		}
		kept = append(kept, s)
	}
	clear(p.sets[len(kept):])
	p.sets = kept
	return done
}
