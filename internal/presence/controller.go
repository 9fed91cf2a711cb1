// Package presence maintains the online-user roster and the incoming match
// and invite offers delivered over the notification channel. Roster
// mutations are idempotent by user id and offers are keyed by match id with
// at most one live offer each, so duplicated or replayed events after a
// reconnect cannot corrupt either.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/config"
	"github.com/libgame/duelclient/internal/protocol"
	"github.com/libgame/duelclient/internal/transport"
)

// OfferKind distinguishes open matchmaking offers from direct invites. The
// kind selects the event prefix used for the accept and decline replies.
type OfferKind string

const (
	OfferMatch  OfferKind = "match"
	OfferInvite OfferKind = "invite"
)

// Offer is one pending match or invite notification with its countdown.
type Offer struct {
	Kind      OfferKind
	MatchID   int64
	Player    protocol.User
	Book      protocol.Book
	Subject   protocol.Subject
	Remaining int
}

// Options configures a Controller.
type Options struct {
	// SessionKey identifies the presence channel in the registry, usually
	// the session token.
	SessionKey string
	// Registry owns the presence transport slot.
	Registry *transport.Registry
	// Factory builds the presence transport when none is live.
	Factory transport.Factory
	// Config supplies the default offer expiry.
	Config config.PresenceConfig
	// Logger must be non-nil.
	Logger *zap.Logger
	// OnAccepted is invoked with the match id when the server confirms an
	// accepted offer, so the caller can navigate to the match. Optional.
	OnAccepted func(matchID int64)
	// OnChange is invoked after every roster or offer mutation. Optional.
	OnChange func()
	// TickInterval is the offer countdown cadence. Defaults to one second.
	TickInterval time.Duration
}

// Controller consumes presence channel events. All handlers and exported
// methods serialize on one mutex; the countdown ticker is fenced by a
// generation counter.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	gen    int
	tr     *transport.Transport
	roster *roster
	offers map[int64]*Offer
	order  []int64
	done   chan struct{}
}

// NewController creates a Controller. Call Start to open the channel.
//
// Precondition: opts.Registry, opts.Factory and opts.Logger must be non-nil.
func NewController(opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger.Named("presence"),
		roster: newRoster(),
		offers: make(map[int64]*Offer),
	}
}

// Start acquires the presence transport, registers handlers, and connects.
// The server pushes the full roster snapshot upon connection.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.tr = c.opts.Registry.AcquireOrReuse(transport.KindPresence, c.opts.SessionKey, c.opts.Factory)
	c.subscribe(gen)
	alreadyOpen := c.tr.Connected()
	tr := c.tr
	c.startTickerLocked(gen)
	c.mu.Unlock()

	if alreadyOpen {
		return nil
	}
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("open presence channel: %w", err)
	}
	return nil
}

// Stop releases the presence transport and fences out pending callbacks.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.tr = nil
	c.mu.Unlock()
	c.opts.Registry.Release(transport.KindPresence)
}

// Roster returns the online users in arrival order.
func (c *Controller) Roster() []protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.Users()
}

// Offers returns the pending offers in arrival order.
func (c *Controller) Offers() []Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Offer, 0, len(c.order))
	for _, id := range c.order {
		if o, ok := c.offers[id]; ok {
			out = append(out, *o)
		}
	}
	return out
}

// Accept transmits the accept decision and removes the offer immediately.
// The removal is optimistic: send failures are silent no-ops and the server
// enforces offer expiry on its own.
func (c *Controller) Accept(kind OfferKind, matchID int64) {
	c.decide(kind, matchID, true)
}

// Decline transmits the decline decision and removes the offer immediately.
func (c *Controller) Decline(kind OfferKind, matchID int64) {
	c.decide(kind, matchID, false)
}

func (c *Controller) decide(kind OfferKind, matchID int64, accept bool) {
	c.mu.Lock()
	removed := c.removeOfferLocked(matchID)
	tr := c.tr
	c.mu.Unlock()
	if !removed {
		return
	}

	eventType := string(kind) + ":decline"
	if accept {
		eventType = string(kind) + ":accept"
	}
	if tr != nil {
		tr.Send(eventType, protocol.OfferDecision{MatchID: matchID})
	}
	c.logger.Info("offer decided",
		zap.String("event", eventType), zap.Int64("match_id", matchID))
	c.notify()
}

func (c *Controller) subscribe(gen int) {
	on := func(eventType string, fn func(json.RawMessage)) {
		c.tr.Subscribe(eventType, func(data json.RawMessage) {
			c.mu.Lock()
			stale := c.gen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			fn(data)
		})
	}

	on(protocol.EventActiveUsers, c.onActiveUsers)
	on(protocol.EventUserJoined, c.onUserJoined)
	on(protocol.EventUserLeft, c.onUserLeft)
	on(protocol.EventMatchNotification, c.offerHandler(OfferMatch))
	on(protocol.EventInviteNotification, c.offerHandler(OfferInvite))
	on(protocol.EventMatchAccepted, c.onAccepted)
	on(protocol.EventInviteAccepted, c.onAccepted)
	on(protocol.EventMatchDeclined, c.onOfferGone)
	on(protocol.EventInviteDeclined, c.onOfferGone)
	on(protocol.EventMatchTimeout, c.onOfferGone)
	on(protocol.EventInviteTimeout, c.onOfferGone)
}

func (c *Controller) onActiveUsers(data json.RawMessage) {
	var snapshot protocol.ActiveUsers
	if err := protocol.DecodePayload(data, &snapshot); err != nil {
		c.logger.Warn("dropping malformed roster snapshot", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.roster.Replace(snapshot.Users)
	count := c.roster.Len()
	c.mu.Unlock()
	c.logger.Debug("roster snapshot applied", zap.Int("users", count))
	c.notify()
}

func (c *Controller) onUserJoined(data json.RawMessage) {
	var joined protocol.UserJoined
	if err := protocol.DecodePayload(data, &joined); err != nil {
		return
	}
	c.mu.Lock()
	c.roster.Add(joined.User)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onUserLeft(data json.RawMessage) {
	var left protocol.UserLeft
	if err := protocol.DecodePayload(data, &left); err != nil {
		return
	}
	c.mu.Lock()
	c.roster.Remove(left.UserID)
	c.mu.Unlock()
	c.notify()
}

// offerHandler installs an offer, one per match id. A redelivered
// notification for a live offer is dropped so its countdown cannot restart.
func (c *Controller) offerHandler(kind OfferKind) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var notice protocol.OfferNotice
		if err := protocol.DecodePayload(data, &notice); err != nil {
			c.logger.Warn("dropping malformed offer", zap.Error(err))
			return
		}
		timeout := notice.Timeout
		if timeout <= 0 {
			timeout = c.opts.Config.OfferExpirySeconds
		}

		c.mu.Lock()
		if _, ok := c.offers[notice.MatchID]; ok {
			c.mu.Unlock()
			return
		}
		c.offers[notice.MatchID] = &Offer{
			Kind:      kind,
			MatchID:   notice.MatchID,
			Player:    notice.Player,
			Book:      notice.Book,
			Subject:   notice.Subject,
			Remaining: timeout,
		}
		c.order = append(c.order, notice.MatchID)
		c.mu.Unlock()

		c.logger.Info("offer received",
			zap.String("kind", string(kind)),
			zap.Int64("match_id", notice.MatchID),
			zap.Int("timeout", timeout))
		c.notify()
	}
}

// onAccepted removes the offer and surfaces the match id for navigation.
func (c *Controller) onAccepted(data json.RawMessage) {
	var decision protocol.OfferDecision
	if err := protocol.DecodePayload(data, &decision); err != nil {
		return
	}
	c.mu.Lock()
	c.removeOfferLocked(decision.MatchID)
	c.mu.Unlock()
	if c.opts.OnAccepted != nil {
		c.opts.OnAccepted(decision.MatchID)
	}
	c.notify()
}

// onOfferGone handles the declined and timeout variants; removal is
// idempotent so variants arriving after a local decision are absorbed.
func (c *Controller) onOfferGone(data json.RawMessage) {
	var decision protocol.OfferDecision
	if err := protocol.DecodePayload(data, &decision); err != nil {
		return
	}
	c.mu.Lock()
	removed := c.removeOfferLocked(decision.MatchID)
	c.mu.Unlock()
	if removed {
		c.notify()
	}
}

// removeOfferLocked reports whether the offer was present. Exactly-once
// semantics for every terminal offer action hang on this check.
func (c *Controller) removeOfferLocked(matchID int64) bool {
	if _, ok := c.offers[matchID]; !ok {
		return false
	}
	delete(c.offers, matchID)
	for i, id := range c.order {
		if id == matchID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// startTickerLocked runs the offer countdown. An offer reaching zero is
// auto-declined through the same path as a user decline, which removes it
// exactly once.
func (c *Controller) startTickerLocked(gen int) {
	if c.done != nil {
		return
	}
	done := make(chan struct{})
	c.done = done
	go func() {
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.gen != gen {
					c.mu.Unlock()
					return
				}
				var expired []*Offer
				for _, o := range c.offers {
					o.Remaining--
					if o.Remaining <= 0 {
						expired = append(expired, o)
					}
				}
				ticking := len(c.offers) > len(expired)
				c.mu.Unlock()

				for _, o := range expired {
					c.logger.Info("offer expired, auto-declining",
						zap.Int64("match_id", o.MatchID))
					c.Decline(o.Kind, o.MatchID)
				}
				if ticking {
					c.notify()
				}
			}
		}
	}()
}

func (c *Controller) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
