package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

var errConnClosed = errors.New("websocket closed")

// WebSocketDialer connects to <ConnectURL>/<user_id>?Authorization=<token>.
// The credential travels once, at connect time.
type WebSocketDialer struct {
	ConnectURL       string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	SendBuffer       int

	log *zap.Logger
}

func NewWebSocketDialer(cfg *config.Config, log *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		ConnectURL:       cfg.API.ConnectURL(),
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		PingPeriod:       cfg.Transport.PingInterval,
		PongWait:         cfg.Transport.PongWait,
		WriteWait:        cfg.Transport.WriteWait,
		MaxMessageSize:   cfg.Transport.MaxMessageSize,
		SendBuffer:       cfg.Transport.SendBuffer,
		log:              logger.OrNop(log).Named("websocket"),
	}
}

func (d *WebSocketDialer) endpoint(id session.Identity) string {
	q := url.Values{"Authorization": {id.AccessToken}}
	return d.ConnectURL + "/" + url.PathEscape(id.UserID) + "?" + q.Encode()
}

func (d *WebSocketDialer) Dial(ctx context.Context, id session.Identity) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, d.endpoint(id), nil)
	if err != nil {
		// Never log the endpoint, it carries the credential.
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake for %s failed with status %d: %w", id.UserID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket for %s: %w", id.UserID, err)
	}

	c := newWSConn(ws, d, d.log.With(zap.String("user_id", id.UserID)))
	go c.writePump()
	d.log.Debug("websocket connected", zap.String("user_id", id.UserID))
	return c, nil
}

// frame is one queued write; writePump reports its outcome on result.
type frame struct {
	ev     models.Event
	result chan error
}

type wsConn struct {
	ws         *websocket.Conn
	egress     chan frame    // Outgoing frames, drained by writePump
	done       chan struct{} // Closed by Close
	writerDone chan struct{}
	closeOnce  sync.Once

	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
	log        *zap.Logger
}

func newWSConn(ws *websocket.Conn, d *WebSocketDialer, log *zap.Logger) *wsConn {
	buf := d.SendBuffer
	if buf <= 0 {
		buf = 1
	}
	c := &wsConn{
		ws:         ws,
		egress:     make(chan frame, buf),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		pingPeriod: d.PingPeriod,
		pongWait:   d.PongWait,
		writeWait:  d.WriteWait,
		log:        log,
	}

	if d.MaxMessageSize > 0 {
		ws.SetReadLimit(d.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	return c
}

// ReadEvent skips frames that are not valid JSON events; a bad frame from
// the server is not a reason to drop the connection.
func (c *wsConn) ReadEvent() (models.Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return models.Event{}, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		return ev, nil
	}
}

// WriteEvent returns once the frame is on the socket. A frame still queued
// when the connection goes away is reported as not written.
func (c *wsConn) WriteEvent(ctx context.Context, ev models.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	case <-c.writerDone:
		return errConnClosed
	default:
	}

	f := frame{ev: ev, result: make(chan error, 1)}
	select {
	case c.egress <- f:
	case <-c.done:
		return errConnClosed
	case <-c.writerDone:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.result:
		return err
	case <-c.writerDone:
		select {
		case err := <-f.result:
			return err
		default:
			return errConnClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump is the only writer on the socket apart from Close's control frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case f := <-c.egress:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			err := c.ws.WriteJSON(f.ev)
			f.result <- err
			if err != nil {
				c.log.Warn("websocket write error", zap.Error(err))
				// Unblock the reader so the manager sees the drop.
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("websocket ping error", zap.Error(err))
				_ = c.ws.Close()
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			return
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.writerDone
		err = c.ws.Close()
	})
	return err
}
