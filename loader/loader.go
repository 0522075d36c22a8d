// Package loader fetches the initial transcript and participant map of a
// conversation over HTTP.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

// ErrLoadFailure matches every failed Load. An empty conversation is not a
// failure.
var ErrLoadFailure = errors.New("conversation load failed")

// StatusError is a non-2xx answer from the history endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("history request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("history request failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrLoadFailure }

// retryable reports whether a retry could change the outcome.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500
}

const maxErrorBody = 512

type Client struct {
	baseURL string
	timeout time.Duration
	retries uint64
	http    *http.Client
	log     *zap.Logger
}

func New(cfg config.APIConfig, log *zap.Logger) *Client {
	tr := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		baseURL: cfg.BaseURL(),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		http:    &http.Client{Transport: tr},
		log:     logger.OrNop(log).Named("loader"),
	}
}

func (c *Client) endpoint(userID, conversationID string) string {
	return fmt.Sprintf("%s/users/%s/contacts/%s/chat", c.baseURL, url.PathEscape(userID), url.PathEscape(conversationID))
}

// Load fetches the history of conversationID as id. Every attempt is
// bounded by the configured timeout; network errors and 5xx answers are
// retried up to the configured count. Cancelling ctx abandons the load.
func (c *Client) Load(ctx context.Context, id session.Identity, conversationID string) (models.History, error) {
	if id.UserID == "" || id.AccessToken == "" {
		return models.History{}, fmt.Errorf("%w: %w", ErrLoadFailure, session.ErrIdentityNotReady)
	}

	log := c.log.With(zap.String("conversation_id", conversationID))
	var (
		h       models.History
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		h, err = c.fetch(ctx, id, conversationID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var serr *StatusError
		if errors.As(err, &serr) && !serr.retryable() {
			return backoff.Permanent(err)
		}
		var derr *decodeError
		if errors.As(err, &derr) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debug("history request failed, retrying", zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, context.Canceled) {
			return models.History{}, fmt.Errorf("%w: %w", ErrLoadFailure, err)
		}
		log.Error("failed to load conversation", zap.Int("attempts", attempt), zap.Error(err))
		if errors.Is(err, ErrLoadFailure) {
			return models.History{}, err
		}
		return models.History{}, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}

	log.Debug("conversation loaded", zap.Int("messages", len(h.Messages)), zap.Int("participants", len(h.Participants)))
	return h, nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode history: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) fetch(ctx context.Context, id session.Identity, conversationID string) (models.History, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(id.UserID, conversationID), nil)
	if err != nil {
		return models.History{}, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", id.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.History{}, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.History{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// An empty 2xx body (204 included) is an empty conversation.
	var h models.History
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil && !errors.Is(err, io.EOF) {
		return models.History{}, &decodeError{err: err}
	}
	if h.Participants == nil {
		h.Participants = map[string]models.Profile{}
	}
	if h.Messages == nil {
		h.Messages = []models.Message{}
	}
	return h, nil
}
