package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/config"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem/watcher"
	"github.com/ZanzyTHEbar/fsmap/fsmap/metrics"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimings() Timings {
	return Timings{
		WatchGrace:    100 * time.Millisecond,
		QueueTick:     50 * time.Millisecond,
		IdleQueueTick: 50 * time.Millisecond,
		RemapInterval: time.Hour,
		Stability:     50 * time.Millisecond,
		MaxStability:  time.Second,
	}
}

func personConfig(root string) config.Collection {
	return config.Collection{
		Name:      "person",
		DataPath:  root,
		IndexPath: fsmap.MemoryStore,
		Encoding:  types.EncodingJSON,
		Result:    types.ResultNative,
		Indexes: []types.IndexDecl{
			{Prop: "name", Type: types.IndexString},
			{Prop: "age", Type: types.IndexNumber},
		},
	}
}

// recorder collects collection callbacks.
type recorder struct {
	mu      sync.Mutex
	inserts []types.Row
	deletes []types.Pk
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnInsert: func(rows []types.Row) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.inserts = append(r.inserts, rows...)
		},
		OnDelete: func(pks []types.Pk) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deletes = append(r.deletes, pks...)
		},
	}
}

func (r *recorder) inserted(pk types.Pk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.inserts {
		if row.Pk == pk {
			return true
		}
	}
	return false
}

func (r *recorder) deleted(pk types.Pk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.deletes {
		if p == pk {
			return true
		}
	}
	return false
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func startCollection(t *testing.T, cfg config.Collection, cb Callbacks) *Collection {
	t.Helper()
	c := New(cfg, testTimings(), zerolog.Nop(), cb)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return c.State() == StateWork }, 5*time.Second, 20*time.Millisecond)
	return c
}

func files(rows []types.StateRow) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.NewPk(r.Path, r.File).Rel())
	}
	return out
}

func TestLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	cb := Callbacks{OnWorkInfo: func(wi WorkInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, wi.State())
	}}

	c := New(personConfig(t.TempDir()), testTimings(), zerolog.Nop(), cb)
	assert.Equal(t, StateUnwanted, c.State())
	assert.False(t, c.WorkInfo().Ready())

	_, err := c.Obtain(context.Background(), types.ObtainFilter{Collection: "person"})
	assert.True(t, errors.Is(err, fsmap.ErrIndexStore))

	require.NoError(t, c.Init(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateWork }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, c.WorkInfo().Ready())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == StateWork
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, StatePause, seen[0])
	mu.Unlock()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestRescanIndexesExistingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.json", `{"name": "ann", "age": 30}`)
	writeFile(t, root, "sub/b.json", `{"name": "bob", "age": 31}`)
	writeFile(t, root, "subway/c.json", `{"name": "cid", "age": 40}`)
	writeFile(t, root, "broken.json", `{not json`)
	writeFile(t, root, "note.txt", `ignored`)
	writeFile(t, root, ".hidden/d.json", `{"age": 30}`)

	c := startCollection(t, personConfig(root), Callbacks{})
	ctx := context.Background()

	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "age", Value: 30}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Path)
	assert.Equal(t, "a.json", rows[0].File)
	assert.Equal(t, map[string]any{"name": "ann", "age": float64(30)}, rows[0].Data)
	if diff := cmp.Diff([]types.IndexValue{
		{Prop: "name", Type: types.IndexString, Value: "ann"},
		{Prop: "age", Type: types.IndexNumber, Value: float64(30)},
	}, rows[0].Indexes); diff != "" {
		t.Errorf("indexes mismatch (-want +got):\n%s", diff)
	}

	rows, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "age", Value: 31}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/b.json"}, files(rows))

	rows, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person", Path: "sub"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/b.json"}, files(rows))

	rows, err = c.Query(ctx, types.QueryFilter{Collection: "person", Filters: []types.QueryCondition{{Index: "age", Query: "$value > 25"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "sub/b.json", "subway/c.json"}, files(rows))

	rows, err = c.Query(ctx, types.QueryFilter{Collection: "person", Filters: []types.QueryCondition{{Index: "age", Query: "$value > 35"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"subway/c.json"}, files(rows))

	// unparsable JSON is still a record, without data
	rows, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person", File: "broken.json"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Data)
	assert.Empty(t, rows[0].Indexes)

	// a second cycle finds nothing to change
	n, err := c.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	upserted := testutil.ToFloat64(metrics.RecordsUpsertedTotal.WithLabelValues("person", metrics.SourceRescan))
	deleted := testutil.ToFloat64(metrics.RecordsDeletedTotal.WithLabelValues("person", metrics.SourceRescan))
	require.NoError(t, c.Remap(ctx))
	n, err = c.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, upserted, testutil.ToFloat64(metrics.RecordsUpsertedTotal.WithLabelValues("person", metrics.SourceRescan)))
	assert.Equal(t, deleted, testutil.ToFloat64(metrics.RecordsDeletedTotal.WithLabelValues("person", metrics.SourceRescan)))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.ScanDuration, "fsmap_scan_duration_seconds"), 1)
}

func TestRescanRemovesVanishedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.json", `{"age": 1}`)
	cfg := personConfig(root)

	c := startCollection(t, cfg, Callbacks{})
	ctx := context.Background()

	// bypass the watcher: stop the loops, then change the disk behind the store
	stopLoops(c)
	require.NoError(t, os.Remove(filepath.Join(root, "a.json")))
	writeFile(t, root, "b.json", `{"age": 2}`)

	require.NoError(t, c.Remap(ctx))
	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.json"}, files(rows))
}

func TestWatchAppliesChanges(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	c := startCollection(t, personConfig(root), rec.callbacks())
	ctx := context.Background()

	pk := types.NewPk("team", "x.json")
	require.NoError(t, filesystem.WriteRecord(root, pk, `{"name": "xena", "age": 50}`))

	require.Eventually(t, func() bool { return rec.inserted(pk) }, 5*time.Second, 20*time.Millisecond)
	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "name", Value: "xena"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"team/x.json"}, files(rows))

	require.NoError(t, filesystem.DeleteRecord(root, pk))
	require.Eventually(t, func() bool { return rec.deleted(pk) }, 5*time.Second, 20*time.Millisecond)
	rows, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBatchUpsert(t *testing.T) {
	root := t.TempDir()
	for i := range 60 {
		writeFile(t, root, fmt.Sprintf("d%d/p%03d.json", i%3, i), fmt.Sprintf(`{"name": "p%d", "age": %d}`, i, i))
	}

	c := startCollection(t, personConfig(root), Callbacks{})
	ctx := context.Background()

	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person"})
	require.NoError(t, err)
	assert.Len(t, rows, 60)

	rows, err = c.Query(ctx, types.QueryFilter{Collection: "person", FilterGlobal: `$path = 'd1'`, Filters: []types.QueryCondition{{Index: "age", Query: "$value < 10"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1/p001.json", "d1/p004.json", "d1/p007.json"}, files(rows))
}

// stopLoops halts the watcher and background loops so tests drive the
// collection by hand.
func stopLoops(c *Collection) {
	c.cancel()
	c.wg.Wait()
}

func TestBatchUpsertLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 1500 files")
	}
	root := t.TempDir()
	rec := &recorder{}
	c := startCollection(t, personConfig(root), rec.callbacks())
	stopLoops(c)
	ctx := context.Background()

	pks := make([]types.Pk, 0, 1500)
	for i := range 1500 {
		pk := types.NewPk(fmt.Sprintf("d%d", i%7), fmt.Sprintf("p%04d.json", i))
		writeFile(t, root, pk.Rel(), fmt.Sprintf(`{"name": "p%d", "age": %d}`, i, i))
		pks = append(pks, pk)
	}

	// rescan writes silently
	require.NoError(t, c.Remap(ctx))
	n, err := c.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	rec.mu.Lock()
	assert.Empty(t, rec.inserts)
	rec.mu.Unlock()

	// the watch path notifies every row
	for i, pk := range pks {
		writeFile(t, root, pk.Rel(), fmt.Sprintf(`{"name": "p%d", "age": %d}`, i, i+10000))
	}
	require.NoError(t, c.upsert(ctx, true, pks, metrics.SourceWatch))
	rec.mu.Lock()
	assert.Len(t, rec.inserts, 1500)
	rec.mu.Unlock()

	rows, err := c.Query(ctx, types.QueryFilter{Collection: "person", Filters: []types.QueryCondition{{Index: "age", Query: "$value >= 10000"}}})
	require.NoError(t, err)
	assert.Len(t, rows, 1500)
}

func TestBatchUpsertReadErrorFailsWhole(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	c := startCollection(t, personConfig(root), rec.callbacks())
	stopLoops(c)
	ctx := context.Background()

	pks := []types.Pk{types.NewPk("", "missing.json")}
	for i := range 59 {
		pk := types.NewPk("", fmt.Sprintf("p%03d.json", i))
		writeFile(t, root, pk.Rel(), `{"age": 1}`)
		pks = append(pks, pk)
	}

	err := c.upsert(ctx, true, pks, metrics.SourceWatch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fsmap.ErrFileIO))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	n, err := c.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	rec.mu.Lock()
	assert.Empty(t, rec.inserts)
	rec.mu.Unlock()
}

func TestWatchReplacedFileDeletesThenUpserts(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	c := startCollection(t, personConfig(root), rec.callbacks())
	stopLoops(c)
	ctx := context.Background()

	pk := types.NewPk("", "a.json")
	writeFile(t, root, "a.json", `{"age": 1}`)
	require.NoError(t, c.upsert(ctx, false, []types.Pk{pk}, metrics.SourceWatch))

	writeFile(t, root, "a.json", `{"age": 2}`)
	full := pk.Join(root)
	c.applyEvents(ctx, []watcher.Event{
		{Type: watcher.EventUnlink, Path: full},
		{Type: watcher.EventAdd, Path: full},
	})
	assert.True(t, rec.deleted(pk))
	assert.True(t, rec.inserted(pk))

	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "age", Value: 2}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, files(rows))

	// removed for good: delete only
	rec = &recorder{}
	c.cb = rec.callbacks()
	require.NoError(t, os.Remove(full))
	c.applyEvents(ctx, []watcher.Event{
		{Type: watcher.EventAdd, Path: full},
		{Type: watcher.EventUnlink, Path: full},
	})
	assert.True(t, rec.deleted(pk))
	assert.False(t, rec.inserted(pk))
}

func TestUnknownIndex(t *testing.T) {
	c := startCollection(t, personConfig(t.TempDir()), Callbacks{})
	ctx := context.Background()

	_, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "height", Value: 1}}})
	assert.True(t, errors.Is(err, fsmap.ErrProtocol))

	_, err = c.Query(ctx, types.QueryFilter{Collection: "person", Filters: []types.QueryCondition{{Index: "height", Query: "$value > 1"}}})
	assert.True(t, errors.Is(err, fsmap.ErrProtocol))

	_, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person", Filters: []types.ObtainCondition{{Index: "age", Value: "old"}}})
	assert.True(t, errors.Is(err, fsmap.ErrProtocol))

	// conditions without a query are dropped before resolution
	_, err = c.Query(ctx, types.QueryFilter{Collection: "person", Filters: []types.QueryCondition{{Index: "height"}}})
	assert.NoError(t, err)
}

func TestStringCollection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "memo.txt", "hello")
	writeFile(t, root, "skip.json", `{"a": 1}`)

	cfg := config.Collection{Name: "memo", DataPath: root, IndexPath: fsmap.MemoryStore, Encoding: types.EncodingString, Result: types.ResultNative}
	c := startCollection(t, cfg, Callbacks{})

	rows, err := c.Obtain(context.Background(), types.ObtainFilter{Collection: "memo"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "memo.txt", rows[0].File)
	assert.Equal(t, "hello", rows[0].Data)
}

func TestEncodeDecodeData(t *testing.T) {
	c := New(personConfig(t.TempDir()), testTimings(), zerolog.Nop(), Callbacks{})

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string as-is", "plain", "plain"},
		{"nil", nil, ""},
		{"object indented", map[string]any{"age": 30}, "{\n    \"age\": 30\n}"},
		{"raw message", json.RawMessage(`{"a":1}`), "{\n    \"a\": 1\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.EncodeData(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, map[string]any{"age": float64(30)}, c.DecodeData(`{"age": 30}`))
	assert.Nil(t, c.DecodeData(`{`))

	c.cfg.Result = types.ResultString
	assert.Equal(t, `{"age": 30}`, c.DecodeData(`{"age": 30}`))
}

func TestBatchPlan(t *testing.T) {
	tests := []struct {
		n        int
		threads  int
		interval time.Duration
	}{
		{11, 2, 500 * time.Millisecond},
		{51, 5, time.Second},
		{101, 10, 2 * time.Second},
		{1001, 20, 3 * time.Second},
	}
	for _, tt := range tests {
		threads, interval := batchPlan(tt.n)
		assert.Equal(t, tt.threads, threads, "n=%d", tt.n)
		assert.Equal(t, tt.interval, interval, "n=%d", tt.n)
	}

	pks := make([]types.Pk, 11)
	parts := split(pks, 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 6)
	assert.Len(t, parts[1], 5)

	assert.Len(t, split(make([]types.Pk, 3), 5), 3)
}
