package ascs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/ble-audio-gatt/internal/fakesurface"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

func newTestEndpoint(t *testing.T, conn gatt.Handle) (*Endpoint, *fakesurface.Surface) {
	t.Helper()
	surface := fakesurface.New(nil)
	ep := NewEndpoint(surface, conn, Config{ASEIDs: []byte{1, 2}}, nil, nil)
	require.NoError(t, ep.RegisterAttrs(context.Background()))
	return ep, surface
}

func configCodecPacket(ids ...byte) []byte {
	buf := []byte{OpConfigCodec, byte(len(ids))}
	for _, id := range ids {
		blob := []byte{0x01, 0x02, 0x06, 0xAA, 0xBB} // latency, phy, codecID, codecData...
		buf = append(buf, id, byte(len(blob)))
		buf = append(buf, blob...)
	}
	return buf
}

func configQoSPacket(id byte) []byte {
	operand := make([]byte, 14)
	operand[3] = 0x00 // framing
	buf := []byte{OpConfigQoS, 0x01, id}
	buf = append(buf, operand...)
	return buf
}

func TestNewEndpoint_StartsIdle(t *testing.T) {
	ep, _ := newTestEndpoint(t, 1)
	assert.Equal(t, Idle, ep.ASE(1).State)
	assert.Equal(t, Idle, ep.ASE(2).State)
}

func TestLifecycle_ConfigToStreamingToIdle(t *testing.T) {
	ep, surface := newTestEndpoint(t, 1)
	attrControl, ok := surface.AttrHandleFor(UUID, charControlPoint)
	require.True(t, ok)

	var responses [][]byte
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) {
		if attr == attrControl {
			responses = append(responses, value)
		}
	})

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, configCodecPacket(1)))
	assert.Equal(t, Config, ep.ASE(1).State)
	last := responses[len(responses)-1]
	assert.Equal(t, OpConfigCodec, last[0])
	assert.Equal(t, byte(1), last[1]) // num_ases
	assert.Equal(t, RespSuccess, RespCode(last[3]))

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, configQoSPacket(1)))
	assert.Equal(t, QoS, ep.ASE(1).State)

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpEnable, 0x01, 1, 0x00, 0x01, 0xCA, 0xFE}))
	assert.Equal(t, Enabling, ep.ASE(1).State)

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpReceiverStartReady, 0x01, 1}))
	assert.Equal(t, Streaming, ep.ASE(1).State)

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpDisable, 0x01, 1}))
	assert.Equal(t, Disabling, ep.ASE(1).State)

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpReceiverStopReady, 0x01, 1}))
	assert.Equal(t, QoS, ep.ASE(1).State)

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpRelease, 0x01, 1}))
	assert.Equal(t, Idle, ep.ASE(1).State)
}

func TestControlPoint_InvalidASEState(t *testing.T) {
	ep, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)

	var responses [][]byte
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) {
		if attr == attrControl {
			responses = append(responses, value)
		}
	})

	// Enable on an Idle ASE is invalid (must be QoS first).
	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpEnable, 0x01, 1, 0x00}))
	assert.Equal(t, Idle, ep.ASE(1).State)
	last := responses[len(responses)-1]
	assert.Equal(t, RespInvalidASEState, RespCode(last[3]))
}

func TestControlPoint_UnknownASEID(t *testing.T) {
	ep, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)

	var responses [][]byte
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) {
		if attr == attrControl {
			responses = append(responses, value)
		}
	})

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpDisable, 0x01, 99}))
	last := responses[len(responses)-1]
	assert.Equal(t, RespInvalidASE, RespCode(last[3]))
	assert.Equal(t, byte(99), last[2])
	_ = ep
}

func TestControlPoint_UnsupportedOpcode(t *testing.T) {
	_, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)

	var responses [][]byte
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) {
		if attr == attrControl {
			responses = append(responses, value)
		}
	})

	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{0xFE, 0x01}))
	last := responses[len(responses)-1]
	assert.Equal(t, byte(0xFE), last[0])
	assert.Equal(t, byte(0xFF), last[1]) // num_ases overloaded to 0xFF
}

func TestControlPoint_TruncatedPacket(t *testing.T) {
	_, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)

	var responses [][]byte
	surface.SetNotifyHandler(1, func(attr gatt.AttrHandle, value []byte) {
		if attr == attrControl {
			responses = append(responses, value)
		}
	})

	// Claims 2 ASEs but body only has one ID-only entry.
	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, []byte{OpDisable, 0x02, 1}))
	last := responses[len(responses)-1]
	assert.Equal(t, byte(0xFF), last[1])
}

func TestControlPoint_TooShortIsATTError(t *testing.T) {
	_, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)

	err := surface.WriteWithoutResponse(1, attrControl, []byte{OpDisable})
	require.Error(t, err)
	code, ok := gatt.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, byte(gatt.ATTInvalidAttributeLength), code)
}

func TestDetach_KeepsConfigClearsChannel(t *testing.T) {
	ep, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)
	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, configCodecPacket(1)))
	ep.ASE(1).Channel = new(gatt.Handle)

	ep.Detach()
	assert.Equal(t, Config, ep.ASE(1).State)
	assert.Nil(t, ep.ASE(1).Channel)
}

func TestClear_RevertsToIdle(t *testing.T) {
	ep, surface := newTestEndpoint(t, 1)
	attrControl, _ := surface.AttrHandleFor(UUID, charControlPoint)
	require.NoError(t, surface.WriteWithoutResponse(1, attrControl, configCodecPacket(1)))

	ep.Clear()
	assert.Equal(t, Idle, ep.ASE(1).State)
	assert.Nil(t, ep.ASE(1).Codec.CodecData)
}

func TestEncodeStatus_IdleIsBare(t *testing.T) {
	ase := &ASE{ID: 3, Direction: Sink, State: Idle}
	assert.Equal(t, []byte{3, byte(Sink), byte(Idle)}, EncodeStatus(ase))
}
