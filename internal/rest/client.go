// Package rest talks to the platform's HTTP API. The duel flow only needs a
// handful of endpoints: fetching a match summary, minting a short-lived
// websocket token, and creating matches via matchmaking or a direct
// challenge. Every response arrives wrapped in the backend's
// {status, message, data} envelope and the client unwraps data before
// decoding.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/config"
	"github.com/libgame/duelclient/internal/protocol"
)

// APIError is a non-retryable backend rejection carrying the envelope's
// message and the HTTP status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (status %d)", e.StatusCode)
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client is the REST collaborator for the duel client. Requests retry on
// transport failures and 5xx responses with exponential backoff, bounded by
// the configured request timeout. 4xx responses surface immediately as
// *APIError.
type Client struct {
	cfg    config.APIConfig
	logger *zap.Logger
	http   *http.Client
}

// NewClient creates a Client from the API configuration.
//
// Precondition: cfg must have passed Config.Validate; logger must be non-nil.
func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.Named("rest"),
		http:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Match fetches the match resource by id. Used as the fallback source of
// truth when the duel channel is gone, for example after an opponent
// disconnect or when remounting a finished match.
func (c *Client) Match(ctx context.Context, id int64) (protocol.Match, error) {
	var match protocol.Match
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/quiz/matches/%d/", id), nil, &match)
	if err != nil {
		return protocol.Match{}, fmt.Errorf("fetch match %d: %w", id, err)
	}
	return match, nil
}

// ChannelToken mints a short-lived token authorizing a websocket handshake.
// A fresh token is required per connection attempt; tokens are single-use.
func (c *Client) ChannelToken(ctx context.Context) (string, error) {
	var payload struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodGet, "/auth/token/websocket/", nil, &payload)
	if err != nil {
		return "", fmt.Errorf("fetch channel token: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("fetch channel token: empty token in response")
	}
	return payload.Token, nil
}

// FindMatch asks matchmaking for an open match on the given book, creating
// one if none is waiting. The returned match id keys the duel channel.
func (c *Client) FindMatch(ctx context.Context, subjectID, bookID int64) (protocol.Match, error) {
	body := map[string]any{
		"subject_id": subjectID,
		"book_id":    bookID,
	}
	var match protocol.Match
	if err := c.do(ctx, http.MethodPost, "/quiz/matches/find/", body, &match); err != nil {
		return protocol.Match{}, fmt.Errorf("find match: %w", err)
	}
	return match, nil
}

// Challenge creates a match directly against a chosen opponent. The server
// delivers the offer to the opponent over their presence channel.
func (c *Client) Challenge(ctx context.Context, opponentID, subjectID, bookID int64) (protocol.Match, error) {
	body := map[string]any{
		"opponent_id": opponentID,
		"subject_id":  subjectID,
		"book_id":     bookID,
	}
	var match protocol.Match
	if err := c.do(ctx, http.MethodPost, "/quiz/matches/challenge/", body, &match); err != nil {
		return protocol.Match{}, fmt.Errorf("challenge opponent %d: %w", opponentID, err)
	}
	return match, nil
}

// do issues one logical request with retries and decodes the unwrapped data
// field into out. out may be nil for endpoints whose payload is ignored.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("request failed, will retry",
				zap.String("method", method), zap.String("path", path), zap.Error(err))
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 500 {
			c.logger.Warn("server error, will retry",
				zap.String("path", path), zap.Int("status", resp.StatusCode))
			return nil, &APIError{StatusCode: resp.StatusCode, Message: envelopeMessage(raw)}
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(&APIError{
				StatusCode: resp.StatusCode,
				Message:    envelopeMessage(raw),
			})
		}
		return raw, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.RequestTimeout
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)

	var raw []byte
	err := backoff.Retry(func() error {
		var err error
		raw, err = attempt()
		return err
	}, policy)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if len(env.Data) == 0 {
		// Some endpoints reply without the wrapper; fall back to the raw body.
		env.Data = raw
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func envelopeMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Message
}
