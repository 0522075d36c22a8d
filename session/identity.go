package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrIdentityNotReady is returned when the user id or credential has not
// resolved yet. Callers defer and retry once the Provider reports a change.
var ErrIdentityNotReady = errors.New("identity not ready")

// Identity is the authenticated user a live connection is opened for.
type Identity struct {
	UserID      string
	AccessToken string
	// ExpiresAt is zero when the credential carries no expiry.
	ExpiresAt time.Time
}

// Ready reports whether the identity can be used to authenticate at now.
func (i Identity) Ready(now time.Time) bool {
	if i.UserID == "" || i.AccessToken == "" {
		return false
	}
	return i.ExpiresAt.IsZero() || now.Before(i.ExpiresAt)
}

// Provider supplies the current identity and notifies on change.
type Provider interface {
	Current() Identity
	// Watch delivers every identity set after the call until ctx is done.
	Watch(ctx context.Context) <-chan Identity
}

type accessClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// FromAccessToken derives an Identity from a JWT access token. The
// signature is not verified: the client holds no key and only needs the
// user id and expiry.
func FromAccessToken(token string) (Identity, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	id := Identity{UserID: claims.UserID, AccessToken: token}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("access token has no user id: %w", ErrIdentityNotReady)
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Store is an in-memory Provider fed by the auth flow.
type Store struct {
	mu       sync.Mutex
	current  Identity
	watchers map[int]chan Identity
	nextID   int
}

func NewStore() *Store {
	return &Store{watchers: make(map[int]chan Identity)}
}

func (s *Store) Current() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the identity and notifies watchers.
func (s *Store) Set(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
	for _, ch := range s.watchers {
		// Latest wins: a slow watcher sees the newest identity, never a stale one.
		select {
		case <-ch:
		default:
		}
		ch <- id
	}
}

// Clear signs the user out.
func (s *Store) Clear() {
	s.Set(Identity{})
}

func (s *Store) Watch(ctx context.Context) <-chan Identity {
	ch := make(chan Identity, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()
	return ch
}
