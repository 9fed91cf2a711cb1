package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Factory constructs a Transport for a registry slot.
type Factory func() *Transport

// Registry is the single source of truth for the active transport per
// channel kind. It enforces the invariant that at most one live connection
// exists per (kind, key) at any time: acquiring with a new key evicts the
// old transport with a deliberate disconnect before the replacement is
// installed. All methods are safe for concurrent use.
type Registry struct {
	logger *zap.Logger
	mu     sync.Mutex
	slots  map[ChannelKind]*Transport
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		slots:  make(map[ChannelKind]*Transport),
	}
}

// AcquireOrReuse returns the current transport for kind when its key matches
// and it is open or mid-connect, so a remounting owner reuses the existing
// connection instead of opening a duplicate. Otherwise any existing
// transport for the kind is deliberately disconnected (a teardown racing an
// in-flight connect is absorbed by Disconnect's mid-connect handling) and a
// new one is built via factory.
//
// Precondition: key must be non-empty; factory must return a transport whose
// Kind and Key match the arguments.
func (r *Registry) AcquireOrReuse(kind ChannelKind, key string, factory Factory) *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.slots[kind]; ok && cur != nil {
		if cur.Key() == key && (cur.Connected() || cur.Connecting()) {
			r.logger.Debug("reusing transport",
				zap.String("kind", string(kind)), zap.String("key", key))
			return cur
		}
		r.logger.Info("replacing transport",
			zap.String("kind", string(kind)),
			zap.String("old_key", cur.Key()),
			zap.String("new_key", key))
		cur.Disconnect()
	}

	tr := factory()
	r.slots[kind] = tr
	return tr
}

// Release deliberately disconnects and clears the transport for kind.
// Idempotent; releasing an empty slot is a no-op.
func (r *Registry) Release(kind ChannelKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.slots[kind]; ok && cur != nil {
		cur.Disconnect()
	}
	delete(r.slots, kind)
}

// ReleaseAll tears down every held transport; used on logout and shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, cur := range r.slots {
		if cur != nil {
			cur.Disconnect()
		}
		delete(r.slots, kind)
	}
}

// Get returns the current transport for kind, or nil.
func (r *Registry) Get(kind ChannelKind) *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[kind]
}
