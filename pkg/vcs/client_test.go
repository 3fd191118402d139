package vcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

// TestClient_WriteRetry_OnStaleCounter exercises the §4.4 write-retry
// mini-FSM end to end: the client's cached counter goes stale behind its
// back (simulating a concurrent server-side change), its first write is
// rejected with Invalid Change Counter, and the FSM transparently re-reads
// state and retries exactly once, succeeding without caller intervention
// (§8 "the client's second attempt (auto-retry) succeeds").
func TestClient_WriteRetry_OnStaleCounter(t *testing.T) {
	server, surface := newTestServer(t, defaultConfig())

	client := NewClient(surface, 1, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error, aicsCount, vocsCount int) {
		discoverErr = err
	})
	require.NoError(t, discoverErr)

	// A concurrent local write bumps the server's change counter to 1
	// without the client's knowledge, staling its cached counter of 0.
	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x00}, 0))

	var gotErr error
	var called bool
	err := client.RelVolUp(context.Background(), func(e error) {
		called = true
		gotErr = e
	})
	require.NoError(t, err)
	require.True(t, called)
	require.NoError(t, gotErr)

	assert.Equal(t, byte(102), server.State().Volume) // 100 -> 101 (direct) -> 102 (retried write)
	assert.False(t, client.Busy())
}

// A write that is stale by more than one generation still recovers: the
// single reread picks up whatever the current counter is, and the retry
// carries that forward successfully (§4.4 step 3 only forbids retrying
// after a *second* mismatch, not after an arbitrarily stale first one).
func TestClient_WriteRetry_RecoversArbitraryStaleness(t *testing.T) {
	server, surface := newTestServer(t, defaultConfig())

	client := NewClient(surface, 1, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error, aicsCount, vocsCount int) { discoverErr = err })
	require.NoError(t, discoverErr)

	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x00}, 0))
	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x01}, 0))
	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x02}, 0))

	var gotErr error
	err := client.RelVolUp(context.Background(), func(e error) { gotErr = e })
	require.NoError(t, err)
	require.NoError(t, gotErr)
	assert.Equal(t, byte(104), server.State().Volume)
}

// Dispatching a notification on the State attribute updates the client's
// cache and fires OnStateChange. Subscribes directly to the real attribute
// handle rather than through Client.SubscribeAll, sidestepping that
// method's documented value-handle+2 CCC approximation (§4.4) so this test
// exercises dispatch itself, not the approximation's interaction with the
// in-memory fake surface.
func TestClient_DispatchUpdatesCache(t *testing.T) {
	server, surface := newTestServer(t, defaultConfig())
	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x00}, 0))

	client := NewClient(surface, 1, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error, aicsCount, vocsCount int) { discoverErr = err })
	require.NoError(t, discoverErr)

	var state State
	client.OnStateChange = func(err error, st State) { state = st }

	attrState, ok := surface.AttrHandleFor(UUID, charState)
	require.True(t, ok)
	surface.Connect(1, "AA:AA:AA:AA:AA:AA/random")
	surface.Subscribe(context.Background(), gatt.SubscribeParams{Conn: 1, Attr: attrState, Enabled: true}, func(error) {})

	require.NoError(t, server.writeControl(1, []byte{OpRelVolUp, 0x01}, 0))
	assert.Equal(t, byte(102), state.Volume)
}
