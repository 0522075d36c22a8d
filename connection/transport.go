package connection

import (
	"context"

	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

// Dialer opens a live connection authenticated as id.
type Dialer interface {
	Dial(ctx context.Context, id session.Identity) (Conn, error)
}

// Conn is one established live connection. ReadEvent is called from a
// single goroutine; WriteEvent may be called concurrently with it.
type Conn interface {
	// ReadEvent blocks for the next inbound frame. It returns an error once
	// the connection is gone.
	ReadEvent() (models.Event, error)
	WriteEvent(ctx context.Context, ev models.Event) error
	// Close is idempotent.
	Close() error
}
