package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/health"
	"github.com/libgame/duelclient/internal/testutil"
)

func registryFactory(s *testutil.WSServer, kind ChannelKind, key string) Factory {
	return func() *Transport {
		return New(Options{
			BaseURL:              s.URL(),
			Kind:                 kind,
			Key:                  key,
			Token:                "tok",
			KeepaliveInterval:    time.Second,
			ReconnectBaseDelay:   10 * time.Millisecond,
			MaxReconnectAttempts: 5,
			Logger:               zap.NewNop(),
			Health:               health.NewTracker(),
		})
	}
}

func TestRegistry_AcquireSameKeyReusesTransport(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())
	defer r.ReleaseAll()

	first := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	require.NoError(t, first.Connect(context.Background()))

	second := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Accepted())
}

func TestRegistry_AcquireDifferentKeyReplacesTransport(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())
	defer r.ReleaseAll()

	first := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	require.NoError(t, first.Connect(context.Background()))

	second := r.AcquireOrReuse(KindDuel, "8", registryFactory(s, KindDuel, "8"))
	assert.NotSame(t, first, second)
	assert.False(t, first.Connected())

	// The evicted transport must never come back on its own.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, first.Connected())
}

func TestRegistry_AcquireDeadTransportReplacesIt(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())
	defer r.ReleaseAll()

	first := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	require.NoError(t, first.Connect(context.Background()))
	first.Disconnect()

	second := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	assert.NotSame(t, first, second)
}

func TestRegistry_ReleaseDisconnects(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())

	tr := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	require.NoError(t, tr.Connect(context.Background()))

	r.Release(KindDuel)
	assert.False(t, tr.Connected())
	assert.Nil(t, r.Get(KindDuel))

	// Idempotent.
	r.Release(KindDuel)
}

func TestRegistry_IndependentChannelKinds(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())
	defer r.ReleaseAll()

	duel := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	presence := r.AcquireOrReuse(KindPresence, "session", registryFactory(s, KindPresence, "session"))

	require.NoError(t, duel.Connect(context.Background()))
	require.NoError(t, presence.Connect(context.Background()))

	r.Release(KindDuel)
	assert.False(t, duel.Connected())
	assert.True(t, presence.Connected())
}

func TestRegistry_ReleaseAll(t *testing.T) {
	s := testutil.NewWSServer(t)
	r := NewRegistry(zap.NewNop())

	duel := r.AcquireOrReuse(KindDuel, "7", registryFactory(s, KindDuel, "7"))
	presence := r.AcquireOrReuse(KindPresence, "session", registryFactory(s, KindPresence, "session"))
	require.NoError(t, duel.Connect(context.Background()))
	require.NoError(t, presence.Connect(context.Background()))

	r.ReleaseAll()
	assert.False(t, duel.Connected())
	assert.False(t, presence.Connected())
	assert.Nil(t, r.Get(KindDuel))
	assert.Nil(t, r.Get(KindPresence))
}
