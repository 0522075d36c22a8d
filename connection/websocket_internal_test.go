package connection

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/go-nats-chat-sync/chattest"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

var _ = Describe("wsConn writes", func() {
	var (
		srv  *chattest.Server
		conn *wsConn
		ctx  context.Context
	)

	sendEvent := func(body string) models.Event {
		ev, err := models.NewSendEvent(models.NewEnvelope("u1", "dm1", body, time.Now()), "u1", "dm1")
		Expect(err).NotTo(HaveOccurred())
		return ev
	}

	BeforeEach(func() {
		var err error
		srv, err = chattest.Start("secret")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(srv.Close)

		ctx = context.Background()
		c, err := NewWebSocketDialer(srv.Config(), nil).Dial(ctx, session.Identity{UserID: "u1", AccessToken: "secret"})
		Expect(err).NotTo(HaveOccurred())
		conn = c.(*wsConn)
		DeferCleanup(func() { _ = conn.Close() })
	})

	It("returns after the frame is written", func() {
		Expect(conn.WriteEvent(ctx, sendEvent("one"))).To(Succeed())
		Eventually(srv.Received).Should(HaveLen(1))
	})

	It("reports a frame that could not be written", func() {
		Expect(conn.WriteEvent(ctx, sendEvent("one"))).To(Succeed())
		Eventually(srv.Received).Should(HaveLen(1))

		// Cut the socket under the writer.
		_ = conn.ws.Close()

		Expect(conn.WriteEvent(ctx, sendEvent("two"))).NotTo(Succeed())
		Consistently(srv.Received, 100*time.Millisecond).Should(HaveLen(1))
		Expect(conn.WriteEvent(ctx, sendEvent("three"))).To(MatchError(errConnClosed))
	})

	It("refuses writes after Close", func() {
		Expect(conn.Close()).To(Succeed())
		Expect(conn.WriteEvent(ctx, sendEvent("late"))).To(MatchError(errConnClosed))
	})
})
