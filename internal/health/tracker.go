// Package health tracks per-channel connection status plus host online
// state, for the status indicator and for controllers deciding whether to
// attempt actions.
package health

import (
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one channel transport.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Snapshot is a point-in-time view of all connection state.
type Snapshot struct {
	// Channels maps channel kind ("duel", "presence") to its status.
	Channels map[string]Status
	// Online reports host-level network availability.
	Online bool
}

// WatchFunc receives each state change with the full resulting snapshot.
type WatchFunc func(Snapshot)

// Tracker is the process-wide connection health record. Written by the
// transport layer, read by everything else. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]Status
	online   bool
	watchers map[string]WatchFunc
}

// NewTracker creates a Tracker with every channel disconnected and the host
// assumed online.
func NewTracker() *Tracker {
	return &Tracker{
		channels: make(map[string]Status),
		online:   true,
		watchers: make(map[string]WatchFunc),
	}
}

// Set records the status of one channel kind and notifies watchers.
//
// Precondition: kind must be non-empty.
func (t *Tracker) Set(kind string, status Status) {
	t.mu.Lock()
	if t.channels[kind] == status {
		t.mu.Unlock()
		return
	}
	t.channels[kind] = status
	snap := t.snapshotLocked()
	watchers := t.watchersLocked()
	t.mu.Unlock()

	for _, w := range watchers {
		w(snap)
	}
}

// Status returns the recorded status for kind, defaulting to disconnected.
func (t *Tracker) Status(kind string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.channels[kind]; ok {
		return s
	}
	return StatusDisconnected
}

// SetOnline records host network availability and notifies watchers.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	snap := t.snapshotLocked()
	watchers := t.watchersLocked()
	t.mu.Unlock()

	for _, w := range watchers {
		w(snap)
	}
}

// Online reports the recorded host network availability.
func (t *Tracker) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Snapshot returns a copy of the full connection state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Watch registers fn for state changes and returns a token for Unwatch.
//
// Precondition: fn must not be nil.
func (t *Tracker) Watch(fn WatchFunc) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	t.watchers[id] = fn
	return id
}

// Unwatch removes a watcher. Unknown tokens are a no-op.
func (t *Tracker) Unwatch(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchers, token)
}

func (t *Tracker) snapshotLocked() Snapshot {
	channels := make(map[string]Status, len(t.channels))
	for k, v := range t.channels {
		channels[k] = v
	}
	return Snapshot{Channels: channels, Online: t.online}
}

func (t *Tracker) watchersLocked() []WatchFunc {
	out := make([]WatchFunc, 0, len(t.watchers))
	for _, w := range t.watchers {
		out = append(out, w)
	}
	return out
}
