package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/connection"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

var alice = session.Identity{UserID: "u1", AccessToken: "token-1"}

func newMessageEvent(m models.Message) models.Event {
	ev, err := models.NewMessageEvent(m)
	Expect(err).NotTo(HaveOccurred())
	return ev
}

var _ = Describe("Manager", func() {
	var (
		dialer   *fakeDialer
		mgr      *connection.Manager
		states   *stateRecorder
		received *inbox
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dialer = &fakeDialer{}
		states = &stateRecorder{}
		received = &inbox{}
		mgr = connection.NewManager(dialer, nil)
		mgr.OnStateChange(states.record)
		mgr.OnMessage(received.receive)
	})

	AfterEach(func() {
		Expect(mgr.Close()).To(Succeed())
	})

	Describe("Open", func() {
		It("defers an unresolved identity without dialing", func() {
			err := mgr.Open(ctx, session.Identity{UserID: "u1"})
			Expect(err).To(MatchError(session.ErrIdentityNotReady))
			Expect(dialer.Dials()).To(BeZero())
			Expect(mgr.State()).To(Equal(connection.Idle))
		})

		It("refuses an expired credential", func() {
			expired := alice
			expired.ExpiresAt = time.Now().Add(-time.Minute)
			Expect(mgr.Open(ctx, expired)).To(MatchError(session.ErrIdentityNotReady))
		})

		It("connects and reports connecting then open", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.State()).To(Equal(connection.Open))
			Expect(states.States()).To(Equal([]connection.State{connection.Connecting, connection.Open}))
			Expect(dialer.ids).To(Equal([]session.Identity{alice}))
		})

		It("is a no-op for the identity already open", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(dialer.Dials()).To(Equal(1))
		})

		It("replaces the connection when the identity changes", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			first := dialer.Conn(0)

			refreshed := alice
			refreshed.AccessToken = "token-2"
			Expect(mgr.Open(ctx, refreshed)).To(Succeed())

			Expect(dialer.Dials()).To(Equal(2))
			Expect(first.isClosed()).To(BeTrue())
			Expect(mgr.State()).To(Equal(connection.Open))
			Consistently(states.States).ShouldNot(ContainElement(connection.Dropped))
		})

		It("surfaces a failed dial as a transport error", func() {
			dialer.dialFn = func(context.Context, session.Identity) (connection.Conn, error) {
				return nil, errors.New("connection refused")
			}

			err := mgr.Open(ctx, alice)

			var terr *connection.TransportError
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(err).To(MatchError(connection.ErrTransport))
			Expect(mgr.State()).To(Equal(connection.Dropped))
			Expect(states.LastErr()).To(MatchError(connection.ErrTransport))
		})

		It("fails after Close", func() {
			Expect(mgr.Close()).To(Succeed())
			Expect(mgr.Open(ctx, alice)).To(MatchError(connection.ErrClosed))
		})
	})

	Describe("inbound dispatch", func() {
		BeforeEach(func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
		})

		It("forwards new_message payloads unchanged", func() {
			m := models.Message{ID: "r1", SenderID: "u2", ConversationID: "dm1", Body: "hey", CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Kind: models.KindText}
			dialer.Conn(0).inbound <- newMessageEvent(m)

			Eventually(received.Messages).Should(Equal([]models.Message{m}))
		})

		It("discards unknown event types and bad payloads, then keeps going", func() {
			conn := dialer.Conn(0)
			conn.inbound <- models.Event{Type: "new_group_request", Payload: json.RawMessage(`{}`)}
			conn.inbound <- models.Event{Type: models.EventNewMessage, Payload: json.RawMessage(`[1,2]`)}
			conn.inbound <- newMessageEvent(models.Message{ID: "ok"})

			Eventually(received.Messages).Should(HaveLen(1))
			Expect(received.Messages()[0].ID).To(Equal("ok"))
			Expect(mgr.State()).To(Equal(connection.Open))
		})
	})

	Describe("Send", func() {
		env := models.Message{ID: "c1", SenderID: "u1", ConversationID: "dm1", Body: "hi", Kind: models.KindText}

		It("refuses while not open", func() {
			err := mgr.Send(ctx, env, "dm1")
			Expect(err).To(MatchError(connection.ErrConnectionNotReady))
		})

		It("frames a send_message event", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.Send(ctx, env, "dm1")).To(Succeed())

			written := dialer.Conn(0).Written()
			Expect(written).To(HaveLen(1))
			Expect(written[0].Type).To(Equal(models.EventSendMessage))
			Expect(written[0].UserID).To(Equal("u1"))
			Expect(written[0].DirectMessageID).To(Equal("dm1"))
			Expect(written[0].GroupID).To(BeEmpty())

			sent, err := written[0].Message()
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(env))
		})

		It("reports a write failure as not ready", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			dialer.Conn(0).writeErr = errors.New("broken pipe")

			Expect(mgr.Send(ctx, env, "dm1")).To(MatchError(connection.ErrConnectionNotReady))
		})

		It("refuses after Close", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.Close()).To(Succeed())

			err := mgr.Send(ctx, env, "dm1")
			Expect(err).To(MatchError(connection.ErrConnectionNotReady))
			Expect(err).To(MatchError(connection.ErrClosed))
		})
	})

	Describe("Close", func() {
		It("is idempotent", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.Close()).To(Succeed())
			Expect(mgr.Close()).To(Succeed())
			Expect(mgr.State()).To(Equal(connection.Closed))
			Expect(dialer.Conn(0).closes.Load()).To(BeEquivalentTo(1))
		})

		It("never dispatches after returning", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			conn := dialer.Conn(0)
			Expect(mgr.Close()).To(Succeed())

			conn.inbound <- newMessageEvent(models.Message{ID: "late"})
			Consistently(received.Messages, 100*time.Millisecond).Should(BeEmpty())
			Expect(states.States()).NotTo(ContainElement(connection.Dropped))
		})

		It("aborts a dial in flight", func() {
			started := make(chan struct{})
			dialer.dialFn = func(ctx context.Context, _ session.Identity) (connection.Conn, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}

			errs := make(chan error, 1)
			go func() { errs <- mgr.Open(ctx, alice) }()
			Eventually(started).Should(BeClosed())

			Expect(mgr.Close()).To(Succeed())
			Eventually(errs).Should(Receive(MatchError(context.Canceled)))
			Expect(mgr.State()).To(Equal(connection.Closed))
		})

		It("closes a connection that finishes dialing after Close", func() {
			release := make(chan struct{})
			late := newFakeConn()
			dialer.dialFn = func(context.Context, session.Identity) (connection.Conn, error) {
				<-release
				return late, nil
			}

			errs := make(chan error, 1)
			go func() { errs <- mgr.Open(context.Background(), alice) }()
			Eventually(dialer.Dials).Should(Equal(1))

			closed := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(closed)
				Expect(mgr.Close()).To(Succeed())
			}()
			Eventually(mgr.State).Should(Equal(connection.Closed))
			close(release)

			Eventually(errs).Should(Receive(MatchError(connection.ErrClosed)))
			Eventually(closed).Should(BeClosed())
			Expect(late.isClosed()).To(BeTrue())
		})
	})

	Describe("transport failure", func() {
		It("moves to dropped without reconnecting by default", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			dialer.Conn(0).breakLink()

			Eventually(mgr.State).Should(Equal(connection.Dropped))
			Expect(states.LastErr()).To(MatchError(connection.ErrTransport))
			Consistently(dialer.Dials, 200*time.Millisecond).Should(Equal(1))
			Expect(mgr.Send(ctx, models.Message{ID: "x"}, "dm1")).To(MatchError(connection.ErrConnectionNotReady))
		})

		It("ends on dropped even when the state listener is slow", func() {
			for range 20 {
				dead := newFakeConn()
				dead.breakLink()
				d := &fakeDialer{dialFn: func(context.Context, session.Identity) (connection.Conn, error) {
					return dead, nil
				}}
				slow := &stateRecorder{}
				m := connection.NewManager(d, nil)
				m.OnStateChange(func(st connection.State, err error) {
					time.Sleep(200 * time.Microsecond)
					slow.record(st, err)
				})

				_ = m.Open(ctx, alice)
				Eventually(m.State).Should(Equal(connection.Dropped))
				Eventually(slow.Last).Should(Equal(connection.Dropped))
				Consistently(slow.Last, 20*time.Millisecond).Should(Equal(connection.Dropped))
				Expect(slow.LastErr()).To(MatchError(connection.ErrTransport))
				Expect(m.Close()).To(Succeed())
			}
		})

		It("can be reopened explicitly after a drop", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			dialer.Conn(0).breakLink()
			Eventually(mgr.State).Should(Equal(connection.Dropped))

			Expect(mgr.Open(ctx, alice)).To(Succeed())
			Expect(mgr.State()).To(Equal(connection.Open))
		})
	})

	Describe("with reconnect enabled", func() {
		BeforeEach(func() {
			Expect(mgr.Close()).To(Succeed())
			mgr = connection.NewManager(dialer, nil, connection.WithReconnect(config.ReconnectConfig{
				Enabled:         true,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     20 * time.Millisecond,
			}))
			mgr.OnStateChange(states.record)
			mgr.OnMessage(received.receive)
		})

		It("redials with backoff after a drop", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			attempts := 0
			dialer.mu.Lock()
			dialer.dialFn = func(context.Context, session.Identity) (connection.Conn, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("still down")
				}
				c := newFakeConn()
				dialer.conns = append(dialer.conns, c)
				return c, nil
			}
			dialer.mu.Unlock()

			dialer.Conn(0).breakLink()

			Eventually(dialer.Dials).Should(Equal(4))
			Eventually(mgr.State).Should(Equal(connection.Open))
			Expect(states.States()).To(ContainElement(connection.Dropped))
			Expect(states.Last()).To(Equal(connection.Open))

			m := models.Message{ID: "after-reconnect"}
			dialer.Conn(1).inbound <- newMessageEvent(m)
			Eventually(received.Messages).Should(ContainElement(m))
		})

		It("stops redialing on Close", func() {
			Expect(mgr.Open(ctx, alice)).To(Succeed())
			dialer.mu.Lock()
			dialer.dialFn = func(context.Context, session.Identity) (connection.Conn, error) {
				return nil, errors.New("down")
			}
			dialer.mu.Unlock()
			dialer.Conn(0).breakLink()
			Eventually(dialer.Dials).Should(BeNumerically(">", 2))

			Expect(mgr.Close()).To(Succeed())
			n := dialer.Dials()
			Consistently(dialer.Dials, 100*time.Millisecond).Should(Equal(n))
		})
	})
})
