package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/google/uuid"
)

// Transport carries requests to an engine and its messages back.
type Transport interface {
	Post(req Request)
	Messages() <-chan Message
}

var _ Transport = (*Worker)(nil)

// Handlers receive the engine messages that answer no request. Nil handlers
// are skipped.
type Handlers struct {
	OnError         func(text string)
	OnDebug         func(text string)
	OnTrace         func(text string)
	OnStateComplete func()
	OnStateChange   func(changes []StateChange, sets []SetResult)
}

// ErrClientClosed is returned for requests that can no longer be answered.
var ErrClientClosed = errors.New("client closed")

// Client is the caller side of the protocol: it correlates get responses with
// their requests and dispatches everything else to Handlers.
type Client struct {
	t        Transport
	handlers Handlers

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	done chan struct{}
}

// NewClient starts dispatching the messages of t. The client stops when the
// message channel closes.
func NewClient(t Transport, h Handlers) *Client {
	c := &Client{
		t:        t,
		handlers: h,
		pending:  make(map[string]chan Message),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Done is closed once the transport stopped sending.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) dispatch() {
	defer close(c.done)
	defer c.failPending()

	for m := range c.t.Messages() {
		switch m.Type {
		case MessageObtain, MessageQuery:
			c.resolve(m)
		case MessageError:
			call(c.handlers.OnError, m.Text)
		case MessageDebug:
			call(c.handlers.OnDebug, m.Text)
		case MessageTrace:
			call(c.handlers.OnTrace, m.Text)
		case MessageStateComplete:
			if c.handlers.OnStateComplete != nil {
				c.handlers.OnStateComplete()
			}
		case MessageStateChange:
			if c.handlers.OnStateChange != nil {
				c.handlers.OnStateChange(m.Changes, m.Sets)
			}
		}
	}
}

func call(fn func(string), text string) {
	if fn != nil {
		fn(text)
	}
}

func (c *Client) resolve(m Message) {
	c.mu.Lock()
	ch, ok := c.pending[m.Key]
	delete(c.pending, m.Key)
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
}

// Obtain runs equality filters and blocks for the result.
func (c *Client) Obtain(ctx context.Context, filters ...types.ObtainFilter) ([]CollectionRows, error) {
	return c.get(ctx, Request{Type: RequestObtain, Key: "obtain." + uuid.NewString(), Obtain: filters})
}

// Query runs raw SQL filters and blocks for the result.
func (c *Client) Query(ctx context.Context, filters ...types.QueryFilter) ([]CollectionRows, error) {
	return c.get(ctx, Request{Type: RequestQuery, Key: "query." + uuid.NewString(), Query: filters})
}

func (c *Client) get(ctx context.Context, req Request) ([]CollectionRows, error) {
	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[req.Key] = ch
	c.mu.Unlock()

	c.t.Post(req)

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		return m.Rows, messageErr(m)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func messageErr(m Message) error {
	if m.Err != nil {
		return m.Err
	}
	if m.Error != "" {
		return fsmap.Errorf(fsmap.ErrProtocol, "%s", m.Error)
	}
	return nil
}

// Set posts a changeset and returns its key. The outcome arrives later in a
// state_change message with the same key.
func (c *Client) Set(changes ...SetChange) string {
	key := "set." + uuid.NewString()
	c.t.Post(Request{Type: RequestSet, Key: key, Sets: changes})
	return key
}
