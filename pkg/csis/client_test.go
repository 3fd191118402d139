package csis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

// Discover self-installs the connection's notification dispatcher (mirroring
// vcs.Client), so a peer that locks the set drives OnLockChange on every
// other discovered Client without any extra wiring from the caller.
// Subscribes directly to the real Lock attribute handle rather than through
// Client.SubscribeCCC, sidestepping that method's documented value-handle+2
// CCC approximation, mirroring the same note in pkg/vcs/client_test.go.
func TestClient_Discover_DispatchesLockNotifications(t *testing.T) {
	e, surface := newTestEngine(t, Config{SetSize: 2, Rank: 1})

	connA, connB := gatt.Handle(1), gatt.Handle(2)
	surface.Connect(connA, "AA:AA:AA:AA:AA:AA/random")
	surface.Connect(connB, "BB:BB:BB:BB:BB:BB/random")

	client := NewClient(surface, connB, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error) { discoverErr = err })
	require.NoError(t, discoverErr)

	var calls int
	var gotLock Lock
	client.OnLockChange = func(lock Lock) {
		calls++
		gotLock = lock
	}

	attrLock, ok := surface.AttrHandleFor(UUID, charLock)
	require.True(t, ok)
	surface.Subscribe(context.Background(), gatt.SubscribeParams{Conn: connB, Attr: attrLock, Enabled: true}, func(error) {})

	require.NoError(t, surface.WriteWithoutResponse(connA, attrLock, []byte{byte(Locked)}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, Locked, gotLock)
	assert.Equal(t, Locked, client.Lock())

	lock, holder := e.LockState()
	assert.Equal(t, Locked, lock)
	assert.Equal(t, connA, holder)
}

func TestClient_ReadAll_PopulatesCache(t *testing.T) {
	_, surface := newTestEngine(t, Config{SetSize: 4, Rank: 2})

	conn := gatt.Handle(1)
	surface.Connect(conn, "AA:AA:AA:AA:AA:AA/random")

	client := NewClient(surface, conn, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error) { discoverErr = err })
	require.NoError(t, discoverErr)

	var readErr error
	client.ReadAll(context.Background(), func(err error) { readErr = err })
	require.NoError(t, readErr)

	assert.Equal(t, byte(4), client.SetSize())
	assert.Equal(t, byte(2), client.Rank())
	assert.NotEqual(t, [16]byte{}, client.SIRK())
}

// RequestLock and RequestRelease are plain fire-and-forget ATT writes with
// no retry sub-FSM (§4.5) — unlike VCS/VOCS/AICS, a single write either
// succeeds or surfaces the service error verbatim.
func TestClient_RequestLockAndRelease(t *testing.T) {
	e, surface := newTestEngine(t, Config{SetSize: 1, Rank: 1})

	conn := gatt.Handle(1)
	surface.Connect(conn, "AA:AA:AA:AA:AA:AA/random")

	client := NewClient(surface, conn, nil)
	var discoverErr error
	client.Discover(context.Background(), func(err error) { discoverErr = err })
	require.NoError(t, discoverErr)

	var lockErr error
	client.RequestLock(context.Background(), func(err error) { lockErr = err })
	require.NoError(t, lockErr)

	lock, holder := e.LockState()
	assert.Equal(t, Locked, lock)
	assert.Equal(t, conn, holder)

	var releaseErr error
	client.RequestRelease(context.Background(), func(err error) { releaseErr = err })
	require.NoError(t, releaseErr)

	lock, _ = e.LockState()
	assert.Equal(t, Released, lock)
}
