package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

var (
	// ErrConnectionNotReady is returned by Send unless the connection is open.
	// The message is not transmitted; the caller decides whether to hold it.
	ErrConnectionNotReady = errors.New("connection not ready")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("connection manager closed")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")

	errSuperseded = errors.New("connection superseded")
)

// TransportError reports a low-level connection failure: a failed dial or
// an abrupt close.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

type State int

const (
	Idle State = iota
	Connecting
	Open
	// Dropped means the transport failed. Without reconnect it stays here.
	Dropped
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Dropped:
		return "dropped"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MessageHandler receives new_message payloads unchanged.
type MessageHandler func(models.Message)

// StateHandler receives every state change; err is a *TransportError for
// Dropped and nil otherwise.
type StateHandler func(State, error)

type Option func(*Manager)

// WithReconnect redials a dropped connection with exponential backoff when
// cfg.Enabled is set.
func WithReconnect(cfg config.ReconnectConfig) Option {
	return func(m *Manager) { m.reconnect = cfg }
}

// WithClock overrides the time source used to check identity expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the single live connection of one conversation screen.
// It is opened on mount and closed exactly once on unmount.
type Manager struct {
	dialer    Dialer
	log       *zap.Logger
	reconnect config.ReconnectConfig
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     Conn
	identity session.Identity
	gen      uint64 // bumped whenever the current conn is replaced or closed
	seq      uint64 // orders state changes for notify
	closed   bool

	// notifyMu serialises state callbacks; notified is the seq last delivered.
	notifyMu sync.Mutex
	notified uint64

	// handlerMu is read-held while a handler runs so Close can wait for an
	// in-flight dispatch before deregistering.
	handlerMu sync.RWMutex
	onMessage MessageHandler
	onState   StateHandler

	wg sync.WaitGroup
}

func NewManager(d Dialer, log *zap.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer: d,
		log:    logger.OrNop(log).Named("connection"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnMessage registers the receive callback. Handlers must not call Close.
func (m *Manager) OnMessage(fn MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onMessage = fn
}

// OnStateChange registers the state callback. Handlers must not call Close.
func (m *Manager) OnStateChange(fn StateHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onState = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open connects as id. It refuses an identity that has not resolved yet
// with session.ErrIdentityNotReady; the caller retries when it changes.
// Opening with a different identity replaces the current connection.
func (m *Manager) Open(ctx context.Context, id session.Identity) error {
	if !id.Ready(m.now()) {
		return session.ErrIdentityNotReady
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.identity == id && (m.state == Open || m.state == Connecting) {
		m.mu.Unlock()
		return nil
	}
	old := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.identity = id
	seq := m.setState(Connecting)
	m.mu.Unlock()

	if old != nil {
		m.log.Info("identity changed, replacing connection", zap.String("user_id", id.UserID))
		_ = old.Close()
	}
	m.notify(seq, Connecting, nil)

	// Close also aborts a dial in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	conn, err := m.dialer.Dial(ctx, id)
	if err != nil {
		m.drop(gen, err)
		return &TransportError{Err: err}
	}
	if err := m.attach(gen, conn); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	return nil
}

// attach installs conn as the live connection if gen is still current.
func (m *Manager) attach(gen uint64, conn Conn) error {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		closed := m.closed
		m.mu.Unlock()
		_ = conn.Close()
		if closed {
			return ErrClosed
		}
		return errSuperseded
	}
	m.gen++
	gen = m.gen
	m.conn = conn
	seq := m.setState(Open)
	userID := m.identity.UserID
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	m.log.Info("connection open", zap.String("user_id", userID))
	m.notify(seq, Open, nil)
	return nil
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.drop(gen, err)
			return
		}
		m.dispatch(gen, ev)
	}
}

func (m *Manager) dispatch(gen uint64, ev models.Event) {
	switch ev.Type {
	case models.EventNewMessage:
		msg, err := ev.Message()
		if err != nil {
			m.log.Warn("discarding bad new_message payload", zap.Error(err))
			return
		}

		m.handlerMu.RLock()
		defer m.handlerMu.RUnlock()
		if m.stale(gen) || m.onMessage == nil {
			return
		}
		m.onMessage(msg)

	default:
		m.log.Debug("ignoring event", zap.String("type", ev.Type))
	}
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || gen != m.gen
}

// drop handles a transport failure on connection generation gen. Failures
// of replaced or closed connections are expected and ignored.
func (m *Manager) drop(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	seq := m.setState(Dropped)
	conn := m.conn
	m.conn = nil
	id := m.identity
	redial := m.reconnect.Enabled
	if redial {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	terr := &TransportError{Err: cause}
	m.log.Warn("connection dropped", zap.String("user_id", id.UserID), zap.Error(cause))
	m.notify(seq, Dropped, terr)

	if redial {
		go m.redial(gen, id)
	}
}

func (m *Manager) redial(gen uint64, id session.Identity) {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.reconnect.InitialInterval
	b.MaxInterval = m.reconnect.MaxInterval
	b.MaxElapsedTime = m.reconnect.MaxElapsed

	op := func() error {
		if m.stale(gen) {
			return backoff.Permanent(errSuperseded)
		}
		conn, err := m.dialer.Dial(m.ctx, id)
		if err != nil {
			return err
		}
		if err := m.attach(gen, conn); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.log.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, m.ctx), notify)
	switch {
	case err == nil:
		m.log.Info("reconnected", zap.String("user_id", id.UserID))
	case errors.Is(err, errSuperseded), errors.Is(err, ErrClosed), m.ctx.Err() != nil:
	default:
		m.log.Warn("giving up reconnect", zap.String("user_id", id.UserID), zap.Error(err))
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		seq := m.setState(Dropped)
		m.mu.Unlock()
		m.notify(seq, Dropped, &TransportError{Err: err})
	}
}

// setState must be called with m.mu held. The returned seq is passed to
// notify.
func (m *Manager) setState(st State) uint64 {
	m.state = st
	m.seq++
	return m.seq
}

// notify delivers state changes one at a time. A change overtaken by a
// newer one is dropped, so the handler always ends on the current state.
func (m *Manager) notify(seq uint64, st State, err error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.notified {
		return
	}
	m.notified = seq

	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	if m.onState != nil {
		m.onState(st, err)
	}
}

// Send frames env as a send_message event for conversationID and transmits
// it. It fails with ErrConnectionNotReady unless the connection is open.
func (m *Manager) Send(ctx context.Context, env models.Message, conversationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionNotReady, ErrClosed)
	}
	if m.state != Open || m.conn == nil {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrConnectionNotReady, st)
	}
	conn := m.conn
	userID := m.identity.UserID
	m.mu.Unlock()

	ev, err := models.NewSendEvent(env, userID, conversationID)
	if err != nil {
		return err
	}
	if err := conn.WriteEvent(ctx, ev); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionNotReady, err)
	}
	m.log.Debug("message sent", zap.String("message_id", env.ID), zap.String("conversation_id", conversationID))
	return nil
}

// Close terminates the connection unconditionally and deregisters the
// handlers. It waits for any in-flight dispatch, so no handler runs after
// it returns. Calling it again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.setState(Closed)
	conn := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	m.cancel()

	m.handlerMu.Lock()
	m.onMessage = nil
	m.onState = nil
	m.handlerMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close connection", zap.Error(err))
		}
	}
	m.wg.Wait()
	m.log.Info("connection closed")
	return nil
}
