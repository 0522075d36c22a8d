// Package chattest runs an in-process chat backend speaking the live
// connection protocol and serving conversation history, for tests.
package chattest

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/models"
)

var ErrNotConnected = errors.New("user not connected")

type rawResponse struct {
	status int
	body   string
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *peer) writeRaw(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// kill fails the handler's pending read so it returns. The socket is closed
// once the handler is gone; closing the hijacked conn directly is a no-op.
func (p *peer) kill() error {
	return p.conn.SetReadDeadline(time.Now())
}

type Server struct {
	token string
	app   *fiber.App
	ln    net.Listener

	mu              sync.Mutex
	peers           map[string]*peer
	received        []models.Event
	echo            bool
	histories       map[string]models.History
	rawHistories    map[string]rawResponse
	historyStatus   int
	historyFailures int
	historyDelay    time.Duration

	historyRequests atomic.Int64
	connects        atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Start listens on a random loopback port. Only token is accepted as a
// credential on both endpoints.
func Start(token string) (*Server, error) {
	s := &Server{
		token:     token,
		peers:     make(map[string]*peer),
		histories:    make(map[string]models.History),
		rawHistories: make(map[string]rawResponse),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/api/v1/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if c.Query("Authorization") != s.token {
			return fiber.ErrUnauthorized
		}
		return c.Next()
	})
	app.Get("/api/v1/ws/connect/:userID", websocket.New(s.handleSocket))
	app.Get("/api/v1/users/:userID/contacts/:chatID/chat", s.handleHistory)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.app = app
	s.ln = ln
	go func() {
		_ = app.Listener(ln)
	}()
	return s, nil
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// API points a client at this server.
func (s *Server) API() config.APIConfig {
	return config.APIConfig{
		Scheme:  "http",
		Host:    "127.0.0.1",
		Port:    s.Port(),
		Version: config.APIVersion,
		Timeout: 2 * time.Second,
	}
}

// Config is config.Default with API replaced and short websocket timings.
func (s *Server) Config() *config.Config {
	c := config.Default()
	c.API = s.API()
	c.Transport.HandshakeTimeout = 2 * time.Second
	c.Transport.WriteWait = time.Second
	return c
}

func (s *Server) handleSocket(c *websocket.Conn) {
	userID := c.Params("userID")
	p := &peer{conn: c}

	s.mu.Lock()
	s.peers[userID] = p
	s.mu.Unlock()
	s.connects.Add(1)

	defer func() {
		s.mu.Lock()
		if s.peers[userID] == p {
			delete(s.peers, userID)
		}
		s.mu.Unlock()
	}()

	for {
		var ev models.Event
		if err := c.ReadJSON(&ev); err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, ev)
		echo := s.echo
		s.mu.Unlock()

		if echo && ev.Type == models.EventSendMessage {
			_ = p.writeJSON(models.Event{Type: models.EventNewMessage, Payload: ev.Payload})
		}
	}
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	if c.Get("Authorization") != s.token {
		return c.Status(fiber.StatusUnauthorized).SendString("Missing Authorization header")
	}
	s.historyRequests.Add(1)

	s.mu.Lock()
	delay := s.historyDelay
	status := 0
	if s.historyFailures > 0 {
		s.historyFailures--
		status = s.historyStatus
	}
	h, ok := s.histories[c.Params("chatID")]
	raw, isRaw := s.rawHistories[c.Params("chatID")]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		return c.Status(status).SendString("unavailable")
	}
	if isRaw {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(raw.status).SendString(raw.body)
	}
	if !ok {
		return c.Status(fiber.StatusBadRequest).SendString("Contact does not exist.")
	}
	return c.JSON(h)
}

// SetEcho makes the server answer each send_message with a new_message
// carrying the same payload back to the sender.
func (s *Server) SetEcho(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = on
}

func (s *Server) SetHistory(conversationID string, h models.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[conversationID] = h
}

// SetRawHistory answers history requests for conversationID with status and
// body as given, ahead of any SetHistory value.
func (s *Server) SetRawHistory(conversationID string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawHistories[conversationID] = rawResponse{status: status, body: body}
}

// FailHistory answers the next n history requests with status.
func (s *Server) FailHistory(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyStatus = status
	s.historyFailures = n
}

func (s *Server) SetHistoryDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyDelay = d
}

func (s *Server) HistoryRequests() int { return int(s.historyRequests.Load()) }

// Connects counts accepted websocket upgrades.
func (s *Server) Connects() int { return int(s.connects.Load()) }

func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[userID]
	return ok
}

// Received returns a copy of every event read from clients.
func (s *Server) Received() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.received...)
}

func (s *Server) peer(userID string) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", userID, ErrNotConnected)
	}
	return p, nil
}

// Push sends ev to userID's live socket.
func (s *Server) Push(userID string, ev models.Event) error {
	p, err := s.peer(userID)
	if err != nil {
		return err
	}
	return p.writeJSON(ev)
}

// PushMessage frames msg as new_message and pushes it.
func (s *Server) PushMessage(userID string, msg models.Message) error {
	ev, err := models.NewMessageEvent(msg)
	if err != nil {
		return err
	}
	return s.Push(userID, ev)
}

// PushRaw writes an arbitrary text frame.
func (s *Server) PushRaw(userID string, data []byte) error {
	p, err := s.peer(userID)
	if err != nil {
		return err
	}
	return p.writeRaw(data)
}

// Drop cuts userID's socket without a close handshake.
func (s *Server) Drop(userID string) error {
	p, err := s.peer(userID)
	if err != nil {
		return err
	}
	return p.kill()
}

// Close cuts every socket and stops the server. Further calls return the
// first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, p := range s.peers {
			_ = p.kill()
		}
		s.mu.Unlock()
		s.closeErr = s.app.ShutdownWithTimeout(2 * time.Second)
	})
	return s.closeErr
}
