// Package conversation ties the loader, the live connection and the
// transcript together for one open conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/connection"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
	"github.com/karthikraju391/go-nats-chat-sync/transcript"
)

var (
	ErrClosed    = errors.New("conversation closed")
	ErrEmptyBody = errors.New("message body is empty")
)

// Loader fetches the initial history. *loader.Client implements it.
type Loader interface {
	Load(ctx context.Context, id session.Identity, conversationID string) (models.History, error)
}

// Connection is the live connection as the screen uses it.
// *connection.Manager implements it.
type Connection interface {
	Open(ctx context.Context, id session.Identity) error
	Send(ctx context.Context, env models.Message, conversationID string) error
	Close() error
	OnMessage(fn connection.MessageHandler)
	OnStateChange(fn connection.StateHandler)
}

type Phase int

const (
	// Loading covers waiting for an identity and the history fetch.
	Loading Phase = iota
	Ready
	// Failed means the history fetch failed; Reload retries it.
	Failed
	Closed
)

func (p Phase) String() string {
	switch p {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// View is an immutable snapshot of what the screen shows.
type View struct {
	Phase      Phase
	Entries    []transcript.Entry
	Pending    []models.Message // local sends not yet transmitted, oldest first
	Connection connection.State
	// Err is the load failure while Failed, otherwise the last transport
	// error until the connection reopens.
	Err error
}

type Option func(*Screen)

func WithClock(now func() time.Time) Option {
	return func(s *Screen) { s.now = now }
}

const opsBuffer = 64

// Screen owns one conversation from mount to unmount. All transcript state
// is confined to a single loop goroutine; every input (history result,
// local send, remote push, connection state) is an op on that loop, so they
// apply in delivery order.
type Screen struct {
	conversationID string
	identities     session.Provider
	loader         Loader
	conn           Connection
	log            *zap.Logger
	now            func() time.Time
	validate       *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc

	ops      chan func()
	openReq  chan session.Identity // newest identity to connect as; only the loop sends
	stopping chan struct{}         // closed first by Unmount; posts fail after it
	done     chan struct{} // closed when the loop exits
	updates  chan View

	mountOnce   sync.Once
	unmountOnce sync.Once
	wg          sync.WaitGroup

	mu   sync.Mutex
	last View

	// Loop-owned.
	rec       *transcript.Reconciler
	phase     Phase
	identity  session.Identity
	loading   bool
	loadGen   uint64
	loadErr   error
	connState connection.State
	connErr   error
	outbox    []models.Message
}

// NewScreen starts the screen's loop. Unmount must be called to release it.
func NewScreen(conversationID string, identities session.Provider, l Loader, conn Connection, log *zap.Logger, opts ...Option) *Screen {
	log = logger.OrNop(log).Named("conversation").With(zap.String("conversation_id", conversationID))
	s := &Screen{
		conversationID: conversationID,
		identities:     identities,
		loader:         l,
		conn:           conn,
		log:            log,
		now:            time.Now,
		validate:       validator.New(),
		ops:            make(chan func(), opsBuffer),
		openReq:        make(chan session.Identity, 1),
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
		updates:        make(chan View, 1),
		rec:            transcript.New(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.last = s.view()

	conn.OnMessage(s.onMessage)
	conn.OnStateChange(s.onState)

	s.wg.Add(1)
	go s.opener()
	go s.loop()
	return s
}

func (s *Screen) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopping:
			return
		case fn := <-s.ops:
			select {
			case <-s.stopping:
				return
			default:
			}
			fn()
			s.publish()
		}
	}
}

// post queues fn on the loop. It reports false once Unmount has begun.
func (s *Screen) post(fn func()) bool {
	select {
	case <-s.stopping:
		return false
	default:
	}
	select {
	case s.ops <- fn:
		return true
	case <-s.stopping:
		return false
	}
}

func (s *Screen) view() View {
	v := View{
		Phase:      s.phase,
		Entries:    s.rec.Entries(),
		Pending:    append([]models.Message(nil), s.outbox...),
		Connection: s.connState,
	}
	switch {
	case s.phase == Failed:
		v.Err = s.loadErr
	case s.connErr != nil:
		v.Err = s.connErr
	}
	return v
}

// publish replaces any unread view with the current one.
func (s *Screen) publish() {
	v := s.view()
	s.mu.Lock()
	s.last = v
	s.mu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	s.updates <- v
}

// Updates delivers the newest view after each change. A slow reader skips
// intermediate views. The channel is closed by Unmount.
func (s *Screen) Updates() <-chan View { return s.updates }

// Snapshot returns the most recently published view.
func (s *Screen) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Mount starts following the identity provider. Once an identity is ready
// the history load and the live connection start together. ctx bounds the
// screen's background work in addition to Unmount.
func (s *Screen) Mount(ctx context.Context) error {
	select {
	case <-s.stopping:
		return ErrClosed
	default:
	}

	s.mountOnce.Do(func() {
		stop := context.AfterFunc(ctx, s.cancel)

		watch := s.identities.Watch(s.ctx)
		current := s.identities.Current()
		s.post(func() { s.onIdentity(current) })

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case id := <-watch:
					if !s.post(func() { s.onIdentity(id) }) {
						return
					}
				}
			}
		}()
	})
	return nil
}

func (s *Screen) onIdentity(id session.Identity) {
	if !id.Ready(s.now()) {
		if s.identity.UserID != "" {
			s.log.Info("identity no longer valid, keeping current connection")
		} else {
			s.log.Debug("waiting for identity")
		}
		return
	}
	changed := id != s.identity
	s.identity = id

	if s.phase == Loading && !s.loading {
		s.startLoad(id)
	}
	if changed {
		s.open(id)
	}
}

func (s *Screen) startLoad(id session.Identity) {
	s.rec.BeginSeed()
	s.phase = Loading
	s.loading = true
	s.loadErr = nil
	s.loadGen++
	gen := s.loadGen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h, err := s.loader.Load(s.ctx, id, s.conversationID)
		s.post(func() { s.finishLoad(gen, h, err) })
	}()
}

func (s *Screen) finishLoad(gen uint64, h models.History, err error) {
	if gen != s.loadGen {
		return
	}
	s.loading = false
	if err != nil {
		s.phase = Failed
		s.loadErr = err
		s.log.Error("failed to load conversation", zap.Error(err))
		return
	}
	s.rec.Seed(h.Messages, h.Participants)
	s.phase = Ready
	s.log.Info("conversation loaded", zap.Int("messages", s.rec.Len()))
}

// open hands id to the opener, replacing any identity it has not picked up
// yet. Only the loop calls it, so the send never blocks.
func (s *Screen) open(id session.Identity) {
	select {
	case <-s.openReq:
	default:
	}
	s.openReq <- id
}

// opener runs Open calls one at a time in the order the loop asked for
// them, so the last identity requested is the one left connected. It never
// runs on the loop: Open reports state synchronously through onState, which
// posts back to the loop.
func (s *Screen) opener() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.openReq:
			err := s.conn.Open(s.ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, connection.ErrClosed), s.ctx.Err() != nil:
			case errors.Is(err, session.ErrIdentityNotReady):
				s.log.Debug("identity expired before connect")
			default:
				// Also reported as Dropped through onState.
				s.log.Warn("failed to open connection", zap.Error(err))
			}
		}
	}
}

func (s *Screen) onMessage(m models.Message) {
	s.post(func() { s.rec.AppendRemote(m) })
}

func (s *Screen) onState(st connection.State, err error) {
	s.post(func() {
		s.connState = st
		switch st {
		case connection.Open:
			s.connErr = nil
			s.flush()
		case connection.Dropped:
			s.connErr = err
		}
	})
}

// flush transmits the outbox in order, stopping at the first refusal.
func (s *Screen) flush() {
	sent := 0
	for _, env := range s.outbox {
		if err := s.conn.Send(s.ctx, env, s.conversationID); err != nil {
			s.log.Debug("outbox flush interrupted", zap.Int("remaining", len(s.outbox)-sent), zap.Error(err))
			break
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("flushed pending messages", zap.Int("count", sent))
		s.outbox = append(s.outbox[:0], s.outbox[sent:]...)
	}
}

type sendResult struct {
	env models.Message
	err error
}

// Send appends body to the transcript as an optimistic local entry and then
// transmits it. If the connection is not open the entry stays in the
// transcript, the envelope is held as pending until the connection opens,
// and the returned error wraps connection.ErrConnectionNotReady.
func (s *Screen) Send(ctx context.Context, body string) (models.Message, error) {
	if err := s.validate.Var(strings.TrimSpace(body), "required"); err != nil {
		return models.Message{}, ErrEmptyBody
	}

	reply := make(chan sendResult, 1)
	if !s.post(func() { reply <- s.send(ctx, body) }) {
		return models.Message{}, ErrClosed
	}
	select {
	case r := <-reply:
		return r.env, r.err
	case <-s.done:
		return models.Message{}, ErrClosed
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (s *Screen) send(ctx context.Context, body string) sendResult {
	if !s.identity.Ready(s.now()) {
		return sendResult{err: session.ErrIdentityNotReady}
	}
	env := models.NewEnvelope(s.identity.UserID, s.conversationID, body, s.now())
	if err := s.validate.Struct(env); err != nil {
		return sendResult{err: fmt.Errorf("invalid envelope: %w", err)}
	}

	s.rec.AppendLocal(env)

	// Keep transmission order: nothing overtakes what is already pending.
	if len(s.outbox) > 0 {
		s.outbox = append(s.outbox, env)
		return sendResult{env: env, err: fmt.Errorf("%w: queued behind %d pending", connection.ErrConnectionNotReady, len(s.outbox)-1)}
	}

	err := s.conn.Send(ctx, env, s.conversationID)
	if errors.Is(err, connection.ErrConnectionNotReady) {
		s.outbox = append(s.outbox, env)
		s.log.Info("connection not ready, holding message", zap.String("message_id", env.ID))
	} else if err != nil {
		s.log.Error("failed to send message", zap.String("message_id", env.ID), zap.Error(err))
	}
	return sendResult{env: env, err: err}
}

// Reload retries a failed history load. It does nothing unless the screen
// is Failed.
func (s *Screen) Reload() error {
	if !s.post(func() {
		if s.phase != Failed {
			return
		}
		if !s.identity.Ready(s.now()) {
			s.phase = Loading
			s.loadErr = nil
			return
		}
		s.startLoad(s.identity)
	}) {
		return ErrClosed
	}
	return nil
}

// Unmount tears the screen down: pending loads and dials are cancelled, the
// connection is closed, the loop stops and Updates is closed after a final
// Closed view. Further calls are no-ops.
func (s *Screen) Unmount() error {
	var err error
	s.unmountOnce.Do(func() {
		close(s.stopping)
		s.cancel()
		err = s.conn.Close()
		<-s.done
		s.wg.Wait()

		s.phase = Closed
		s.connState = connection.Closed
		s.publish()
		close(s.updates)
		s.log.Info("conversation closed")
	})
	return err
}
