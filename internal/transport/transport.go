// Package transport maintains the client's logical duplex channels: one
// websocket per channel kind with automatic reconnection, keepalive, and
// typed event multiplexing, plus the registry enforcing at most one live
// connection per channel kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/event"
	"github.com/libgame/duelclient/internal/health"
	"github.com/libgame/duelclient/internal/protocol"
)

// ChannelKind distinguishes the two logical channels.
type ChannelKind string

const (
	// KindDuel is the per-match channel.
	KindDuel ChannelKind = "duel"
	// KindPresence is the per-session notification channel.
	KindPresence ChannelKind = "presence"
)

// ErrClosed is returned when an operation races a deliberate Disconnect.
var ErrClosed = errors.New("transport deliberately closed")

// Options configures one Transport.
type Options struct {
	// BaseURL is the websocket endpoint base, e.g. "ws://localhost:8000".
	BaseURL string
	// Kind selects the channel route.
	Kind ChannelKind
	// Key is the channel key: the match id for duel, the session token
	// identity for presence.
	Key string
	// Token is the one-time channel authorization token.
	Token string
	// KeepaliveInterval is the ping cadence once connected.
	KeepaliveInterval time.Duration
	// ReconnectBaseDelay is multiplied by the attempt count.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnection.
	MaxReconnectAttempts int
	// Logger must be non-nil.
	Logger *zap.Logger
	// Health receives status transitions; may be nil.
	Health *health.Tracker
	// Dialer overrides the websocket dialer; nil uses the default.
	Dialer *websocket.Dialer
}

// Transport owns the physical connection, reconnection policy, and listener
// multiplexing for one channel. All methods are safe for concurrent use.
type Transport struct {
	opts Options
	bus  *event.Bus

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	connecting    bool
	closed        bool
	attempts      int
	gen           int
	reconnect     *time.Timer
	keepaliveDone chan struct{}

	writeMu sync.Mutex
}

// New creates an unconnected Transport.
//
// Precondition: opts.Logger must be non-nil; opts.BaseURL, opts.Kind, and
// opts.Key must be set; intervals must be positive.
func New(opts Options) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Transport{
		opts: opts,
		bus:  event.NewBus(),
	}
}

// Kind returns the channel kind.
func (t *Transport) Kind() ChannelKind { return t.opts.Kind }

// Key returns the channel key.
func (t *Transport) Key() string { return t.opts.Key }

// URL returns the channel-specific endpoint with the token query parameter.
func (t *Transport) URL() string {
	switch t.opts.Kind {
	case KindDuel:
		return fmt.Sprintf("%s/ws/match/%s/?token=%s", t.opts.BaseURL, t.opts.Key, t.opts.Token)
	default:
		return fmt.Sprintf("%s/ws/notifications/?token=%s", t.opts.BaseURL, t.opts.Token)
	}
}

// Connect dials the channel endpoint. It returns nil once the connection is
// confirmed open, or the dial error on failure. A failed attempt still
// schedules automatic retries up to the configured bound, so a caller may
// treat the error as informational.
//
// Postcondition: On success the read loop and keepalive are running and the
// status is connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected || t.connecting {
		t.mu.Unlock()
		return nil
	}
	t.connecting = true
	reconnecting := t.attempts > 0
	t.mu.Unlock()

	if !reconnecting {
		t.setStatus(health.StatusConnecting)
	}

	conn, _, err := t.opts.Dialer.DialContext(ctx, t.URL(), nil)

	t.mu.Lock()
	t.connecting = false
	if err != nil {
		closed := t.closed
		var status health.Status
		if !closed {
			status = t.scheduleReconnectLocked()
		}
		t.mu.Unlock()
		if closed {
			return ErrClosed
		}
		t.setStatus(status)
		return fmt.Errorf("dialing %s channel: %w", t.opts.Kind, err)
	}
	if t.closed {
		// Disconnect raced the dial; the teardown was queued until the
		// in-flight connect settled.
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.connected = true
	t.attempts = 0
	t.gen++
	gen := t.gen
	t.keepaliveDone = make(chan struct{})
	done := t.keepaliveDone
	t.mu.Unlock()

	t.setStatus(health.StatusConnected)
	t.opts.Logger.Info("channel connected", zap.String("kind", string(t.opts.Kind)), zap.String("key", t.opts.Key))

	go t.readLoop(conn, gen)
	go t.keepaliveLoop(done)
	return nil
}

// Send serializes and transmits one event. It is a silent no-op when the
// channel is not currently open; callers must not assume delivery.
func (t *Transport) Send(eventType string, payload any) {
	frame, err := protocol.EncodeEnvelope(eventType, payload)
	if err != nil {
		t.opts.Logger.Warn("dropping unencodable outbound event",
			zap.String("event", eventType), zap.Error(err))
		return
	}

	t.mu.Lock()
	conn := t.conn
	open := t.connected
	t.mu.Unlock()
	if !open || conn == nil {
		return
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	t.writeMu.Unlock()
	if err != nil {
		// The read loop observes the close and drives reconnection.
		t.opts.Logger.Debug("write on closing channel", zap.String("event", eventType), zap.Error(err))
	}
}

// Subscribe registers a handler for one inbound event type and returns its
// cancellation token.
func (t *Transport) Subscribe(eventType string, fn event.Handler) event.Subscription {
	return t.bus.Subscribe(eventType, fn)
}

// Unsubscribe removes exactly one registration; unknown tokens are a no-op.
func (t *Transport) Unsubscribe(sub event.Subscription) {
	t.bus.Unsubscribe(sub)
}

// Connected reports whether the underlying connection is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connecting reports whether a dial or scheduled reconnect is in flight.
func (t *Transport) Connecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connecting || t.reconnect != nil
}

// Disconnect deliberately tears the channel down: it suppresses any further
// automatic reconnection, cancels pending timers, clears all listeners, and
// resets the status to disconnected. Safe to call repeatedly and while a
// connect is in flight.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	if t.keepaliveDone != nil {
		close(t.keepaliveDone)
		t.keepaliveDone = nil
	}
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.bus.Reset()
	t.setStatus(health.StatusDisconnected)
	t.opts.Logger.Info("channel closed", zap.String("kind", string(t.opts.Kind)), zap.String("key", t.opts.Key))
}

// readLoop delivers inbound frames to the bus in network order. Malformed
// frames are logged and dropped; the channel stays open.
func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		env, perr := protocol.ParseEnvelope(frame)
		if perr != nil {
			t.opts.Logger.Warn("dropping malformed frame",
				zap.String("kind", string(t.opts.Kind)), zap.Error(perr))
			continue
		}
		t.bus.Emit(env.Type, env.Raw())
	}
}

// handleClose reacts to an unexpected close for the given connection
// generation. Stale generations (already replaced or torn down) are ignored.
func (t *Transport) handleClose(gen int, cause error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	if t.keepaliveDone != nil {
		close(t.keepaliveDone)
		t.keepaliveDone = nil
	}
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.opts.Logger.Warn("channel closed unexpectedly",
		zap.String("kind", string(t.opts.Kind)), zap.Error(cause))
	status := t.scheduleReconnectLocked()
	t.mu.Unlock()
	t.setStatus(status)
}

// scheduleReconnectLocked arms the next retry and returns the status the
// caller must publish after releasing the lock: reconnecting while attempts
// remain, terminally disconnected once the bound is reached.
//
// Precondition: t.mu is held; t.closed is false.
func (t *Transport) scheduleReconnectLocked() health.Status {
	if t.attempts >= t.opts.MaxReconnectAttempts {
		t.opts.Logger.Warn("reconnect attempts exhausted",
			zap.String("kind", string(t.opts.Kind)), zap.Int("attempts", t.attempts))
		return health.StatusDisconnected
	}
	t.attempts++
	delay := t.opts.ReconnectBaseDelay * time.Duration(t.attempts)
	t.opts.Logger.Info("scheduling reconnect",
		zap.String("kind", string(t.opts.Kind)),
		zap.Int("attempt", t.attempts),
		zap.Duration("delay", delay))
	t.reconnect = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.reconnect = nil
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		_ = t.Connect(context.Background())
	})
	return health.StatusReconnecting
}

// keepaliveLoop sends a ping envelope at the configured interval while the
// connection stays open. done is closed on teardown or unexpected close.
func (t *Transport) keepaliveLoop(done chan struct{}) {
	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.Send(protocol.EventPing, nil)
		}
	}
}

func (t *Transport) setStatus(s health.Status) {
	if t.opts.Health != nil {
		t.opts.Health.Set(string(t.opts.Kind), s)
	}
}
