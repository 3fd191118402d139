package aics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/ble-audio-gatt/internal/fakesurface"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

// newTestClient builds an Instance and a Client bound to its real attribute
// handles on a shared Surface, standing in for the handle set a vcs.Client
// would normally hand an aics.Client after discovering an include (§4.4).
func newTestClient(t *testing.T, cfg Config) (*Instance, *Client, *fakesurface.Surface) {
	t.Helper()
	surface := fakesurface.New(nil)
	pool := NewPool(1, surface, nil, nil)
	inst, err := pool.FreeInstanceGet()
	require.NoError(t, err)
	require.NoError(t, inst.Init(cfg))
	require.NoError(t, inst.RegisterAttrs(context.Background()))

	conn := gatt.Handle(1)
	surface.Connect(conn, "AA:AA:AA:AA:AA:AA/random")

	var h Handles
	h.State, _ = surface.AttrHandleFor(UUID, charState)
	h.GainSetting, _ = surface.AttrHandleFor(UUID, charGainSetting)
	h.InputType, _ = surface.AttrHandleFor(UUID, charInputType)
	h.InputStatus, _ = surface.AttrHandleFor(UUID, charInputStatus)
	h.Control, _ = surface.AttrHandleFor(UUID, charControl)
	h.Desc, _ = surface.AttrHandleFor(UUID, charDesc)

	client := NewClient(surface, conn, h, nil)
	return inst, client, surface
}

// TestClient_WriteRetry_OnStaleCounter exercises the §4.4 write-retry
// mini-FSM: a concurrent local write bumps the instance's change counter
// behind the client's back, the client's first SetGain write is rejected
// for a stale counter, and the FSM transparently rereads state and retries
// once, succeeding without caller intervention.
func TestClient_WriteRetry_OnStaleCounter(t *testing.T) {
	inst, client, _ := newTestClient(t, Config{InitialMode: Manual})

	require.NoError(t, inst.LocalSetGain(5))

	var gotErr error
	err := client.SetGain(context.Background(), 10, func(e error) { gotErr = e })
	require.NoError(t, err)
	require.NoError(t, gotErr)

	assert.Equal(t, int8(10), inst.State().Gain)
	assert.False(t, client.Busy())
}

// A second write issued right after a first (whose success leaves the
// client's cached counter stale by one, since the FSM only ever applies a
// freshly-read counter on the mismatch-retry path) still recovers
// transparently rather than surfacing an error to the caller.
func TestClient_MuteUnmute_RoundTrip(t *testing.T) {
	inst, client, _ := newTestClient(t, Config{InitialMute: Unmuted})

	var gotErr error
	require.NoError(t, client.Mute(context.Background(), func(e error) { gotErr = e }))
	require.NoError(t, gotErr)
	assert.Equal(t, Muted, inst.State().Mute)

	require.NoError(t, client.Unmute(context.Background(), func(e error) { gotErr = e }))
	require.NoError(t, gotErr)
	assert.Equal(t, Unmuted, inst.State().Mute)
}

// Dispatching a State notification updates the client's cache and fires
// OnStateChange. Subscribes directly to the real State attribute handle
// rather than through Client.SubscribeCCC, sidestepping that method's
// documented value-handle+2 CCC approximation (§4.4), mirroring the same
// note in pkg/vcs/client_test.go.
func TestClient_DispatchUpdatesCache(t *testing.T) {
	inst, client, surface := newTestClient(t, Config{InitialMode: Manual})

	var got State
	client.OnStateChange = func(err error, state State) { got = state }

	// The Client installs no surface notify handler; its caller routes
	// notifications to Dispatch.
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) { client.Dispatch(attr, value) })
	surface.Subscribe(context.Background(), gatt.SubscribeParams{Conn: 1, Attr: client.handles.State, Enabled: true}, func(error) {})

	require.NoError(t, inst.LocalSetGain(7))
	assert.Equal(t, int8(7), got.Gain)
}
