package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/connection"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

var errClosed = errors.New("nats connection closed")

const inboxSize = 256

// Dialer opens the live connection over NATS JetStream instead of a
// websocket. Events for a user arrive on <prefix>.user.<user_id>; sends are
// published to <prefix>.send.<conversation_id>.
type Dialer struct {
	cfg config.NATSConfig
	log *zap.Logger
}

func NewDialer(cfg config.NATSConfig, log *zap.Logger) *Dialer {
	return &Dialer{cfg: cfg, log: logger.OrNop(log).Named("nats")}
}

// UserSubject is where events addressed to userID are published.
func UserSubject(prefix, userID string) string {
	return fmt.Sprintf("%s.user.%s", prefix, token(userID))
}

// SendSubject is where outgoing send_message events for a conversation go.
func SendSubject(prefix, conversationID string) string {
	return fmt.Sprintf("%s.send.%s", prefix, token(conversationID))
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (d *Dialer) Dial(ctx context.Context, id session.Identity) (connection.Conn, error) {
	c := &natsConn{
		prefix: d.cfg.SubjectPrefix,
		inbox:  make(chan models.Event, inboxSize),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
		log:    d.log.With(zap.String("user_id", id.UserID)),
	}

	opts := []nats.Option{
		nats.Name("chat-sync " + id.UserID),
		nats.Token(id.AccessToken),
		nats.ClosedHandler(func(*nats.Conn) { c.markLost() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(dl)))
	}

	nc, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	c.js = js

	if err := d.ensureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}

	subject := UserSubject(d.cfg.SubjectPrefix, id.UserID)
	// Ephemeral: only events published after connect are delivered. History
	// comes from the loader.
	cons, err := js.CreateOrUpdateConsumer(ctx, d.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	cc, err := cons.Consume(c.deliver, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.log.Warn("consume error", zap.Error(err))
	}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}
	c.consume = cc

	d.log.Debug("subscribed", zap.String("subject", subject))
	return c, nil
}

func (d *Dialer) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	stream, err := js.Stream(ctx, d.cfg.StreamName)
	if err == nil {
		d.log.Debug("found existing stream", zap.String("stream", stream.CachedInfo().Config.Name))
		return nil
	}

	d.log.Info("stream not found, attempting to create", zap.String("stream", d.cfg.StreamName))
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        d.cfg.StreamName,
		Description: "Stores chat events",
		Subjects:    []string{d.cfg.SubjectPrefix + ".>"},
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream '%s': %w", d.cfg.StreamName, err)
	}
	return nil
}

type natsConn struct {
	prefix  string
	nc      *nats.Conn
	js      jetstream.JetStream
	consume jetstream.ConsumeContext

	inbox     chan models.Event
	done      chan struct{} // closed by Close
	lost      chan struct{} // closed when the NATS connection is gone for good
	lostOnce  sync.Once
	closeOnce sync.Once
	log       *zap.Logger
}

func (c *natsConn) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

func (c *natsConn) deliver(msg jetstream.Msg) {
	var ev models.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.log.Warn("discarding malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
		return
	}
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *natsConn) ReadEvent() (models.Event, error) {
	select {
	case ev := <-c.inbox:
		return ev, nil
	case <-c.done:
		return models.Event{}, errClosed
	case <-c.lost:
		return models.Event{}, fmt.Errorf("nats connection lost: %w", nats.ErrConnectionClosed)
	}
}

func (c *natsConn) WriteEvent(ctx context.Context, ev models.Event) error {
	select {
	case <-c.done:
		return errClosed
	case <-c.lost:
		return nats.ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := SendSubject(c.prefix, ev.DirectMessageID)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event to subject '%s': %w", subject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.consume.Stop()
		c.nc.Close()
	})
	return nil
}
