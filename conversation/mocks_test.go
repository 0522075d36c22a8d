package conversation_test

import (
	"context"
	"sync"

	"github.com/karthikraju391/go-nats-chat-sync/connection"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

type mockLoader struct {
	mu     sync.Mutex
	loadFn func(ctx context.Context, id session.Identity, conversationID string) (models.History, error)
	calls  int
}

func (l *mockLoader) Load(ctx context.Context, id session.Identity, conversationID string) (models.History, error) {
	l.mu.Lock()
	l.calls++
	fn := l.loadFn
	l.mu.Unlock()
	if fn == nil {
		return models.History{}, nil
	}
	return fn(ctx, id, conversationID)
}

func (l *mockLoader) setLoadFn(fn func(ctx context.Context, id session.Identity, conversationID string) (models.History, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadFn = fn
}

func (l *mockLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// mockConnection stands in for connection.Manager. Open succeeds and
// reports Connecting then Open unless openFn says otherwise; Send succeeds
// only while open.
type mockConnection struct {
	mu        sync.Mutex
	onMessage connection.MessageHandler
	onState   connection.StateHandler
	open      bool
	opened    []session.Identity
	live      session.Identity // identity of the last Open to finish
	sent      []models.Message
	closes    int
	openFn    func(ctx context.Context, id session.Identity) error
}

func (c *mockConnection) OnMessage(fn connection.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *mockConnection) OnStateChange(fn connection.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *mockConnection) Open(ctx context.Context, id session.Identity) error {
	c.mu.Lock()
	c.opened = append(c.opened, id)
	fn := c.openFn
	c.mu.Unlock()

	c.setState(connection.Connecting, nil)
	if fn != nil {
		if err := fn(ctx, id); err != nil {
			c.setState(connection.Dropped, &connection.TransportError{Err: err})
			return err
		}
	}
	c.mu.Lock()
	c.live = id
	c.mu.Unlock()
	c.setState(connection.Open, nil)
	return nil
}

func (c *mockConnection) Send(ctx context.Context, env models.Message, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return connection.ErrConnectionNotReady
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *mockConnection) Close() error {
	c.mu.Lock()
	c.closes++
	c.open = false
	c.onMessage = nil
	c.onState = nil
	c.mu.Unlock()
	return nil
}

// setState flips the link and reports st the way the manager does.
func (c *mockConnection) setState(st connection.State, err error) {
	c.mu.Lock()
	c.open = st == connection.Open
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st, err)
	}
}

func (c *mockConnection) push(m models.Message) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *mockConnection) setOpenFn(fn func(ctx context.Context, id session.Identity) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openFn = fn
}

func (c *mockConnection) Opened() []session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Identity(nil), c.opened...)
}

func (c *mockConnection) Live() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *mockConnection) Sent() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.sent...)
}

func (c *mockConnection) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
