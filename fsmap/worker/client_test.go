package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTransport answers get requests with a canned row and records sets.
type echoTransport struct {
	out  chan Message
	mu   sync.Mutex
	sets []Request
	fail bool
}

func newEchoTransport() *echoTransport {
	return &echoTransport{out: make(chan Message, 16)}
}

func (e *echoTransport) Messages() <-chan Message { return e.out }

func (e *echoTransport) Post(req Request) {
	switch req.Type {
	case RequestSet:
		e.mu.Lock()
		e.sets = append(e.sets, req)
		e.mu.Unlock()
	case RequestObtain, RequestQuery:
		if e.fail {
			e.out <- Message{Type: MessageType(req.Type), Key: req.Key, Error: "broken"}
			return
		}
		e.out <- Message{Type: MessageType(req.Type), Key: req.Key, Rows: []CollectionRows{{Collection: "person", Rows: []types.StateRow{{File: "a.json"}}}}}
	}
}

func TestClientGet(t *testing.T) {
	tr := newEchoTransport()
	c := NewClient(tr, Handlers{})
	ctx := context.Background()

	rows, err := c.Obtain(ctx, types.ObtainFilter{Collection: "person"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.json", rows[0].Rows[0].File)

	_, err = c.Query(ctx, types.QueryFilter{Collection: "person"})
	require.NoError(t, err)

	tr.fail = true
	_, err = c.Obtain(ctx, types.ObtainFilter{Collection: "person"})
	assert.True(t, errors.Is(err, fsmap.ErrProtocol))
	assert.Contains(t, err.Error(), "broken")

	close(tr.out)
	<-c.Done()
	_, err = c.Obtain(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientGetCancelled(t *testing.T) {
	tr := &silentTransport{out: make(chan Message)}
	c := NewClient(tr, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Obtain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

type silentTransport struct{ out chan Message }

func (s *silentTransport) Post(Request)             {}
func (s *silentTransport) Messages() <-chan Message { return s.out }

func TestClientSetAndHandlers(t *testing.T) {
	tr := newEchoTransport()

	var mu sync.Mutex
	var texts []string
	var complete int
	var sets []SetResult
	h := Handlers{
		OnError:         func(s string) { mu.Lock(); texts = append(texts, "error:"+s); mu.Unlock() },
		OnDebug:         func(s string) { mu.Lock(); texts = append(texts, "debug:"+s); mu.Unlock() },
		OnStateComplete: func() { mu.Lock(); complete++; mu.Unlock() },
		OnStateChange: func(_ []StateChange, s []SetResult) {
			mu.Lock()
			sets = append(sets, s...)
			mu.Unlock()
		},
	}
	c := NewClient(tr, h)

	key := c.Set(SetChange{Collection: "person", Action: SetInsert, Rows: []SetRow{{Data: map[string]any{"age": 1}}}})
	assert.True(t, strings.HasPrefix(key, "set."))
	tr.mu.Lock()
	require.Len(t, tr.sets, 1)
	assert.Equal(t, key, tr.sets[0].Key)
	tr.mu.Unlock()

	tr.out <- Message{Type: MessageError, Text: "e"}
	tr.out <- Message{Type: MessageDebug, Text: "d"}
	tr.out <- Message{Type: MessageTrace, Text: "ignored without handler"}
	tr.out <- Message{Type: MessageStateComplete}
	tr.out <- Message{Type: MessageStateChange, Sets: []SetResult{{Key: key}}}
	close(tr.out)
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"error:e", "debug:d"}, texts)
	assert.Equal(t, 1, complete)
	assert.Equal(t, []SetResult{{Key: key}}, sets)
}
