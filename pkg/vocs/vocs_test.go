package vocs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/doismellburning/ble-audio-gatt/internal/fakesurface"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

func newTestInstance(t *testing.T, cfg Config) *Instance {
	t.Helper()
	surface := fakesurface.New(nil)
	pool := NewPool(1, surface, nil, nil)
	inst, err := pool.FreeInstanceGet()
	require.NoError(t, err)
	require.NoError(t, inst.Init(cfg))
	require.NoError(t, inst.RegisterAttrs(context.Background()))
	return inst
}

func TestFreeInstanceGet_Exhausted(t *testing.T) {
	pool := NewPool(1, fakesurface.New(nil), nil, nil)
	_, err := pool.FreeInstanceGet()
	require.NoError(t, err)
	_, err = pool.FreeInstanceGet()
	require.Error(t, err)
}

// Scenario 5 from spec §8: an out-of-range offset is rejected with 0x82,
// state unchanged.
func TestSetOffset_OutOfRange(t *testing.T) {
	inst := newTestInstance(t, Config{})
	before := inst.State()

	err := inst.writeControl(1, []byte{OpSetOffset, 0x00, 0x00, 0x01}, 0)
	require.Error(t, err)
	code, ok := gatt.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeOutOfRange, code)
	assert.Equal(t, before, inst.State())
}

func TestSetOffset_Valid(t *testing.T) {
	inst := newTestInstance(t, Config{})
	err := inst.writeControl(1, []byte{OpSetOffset, 0x00, 0xFF, 0x00}, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(255), inst.State().Offset)
	assert.Equal(t, byte(1), inst.State().ChangeCounter)
}

func TestSetOffset_Noop_NoCounterBump(t *testing.T) {
	inst := newTestInstance(t, Config{})
	err := inst.writeControl(1, []byte{OpSetOffset, 0x00, 0x00, 0x00}, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), inst.State().ChangeCounter)
}

func TestLocalSetOffset_Reentrant(t *testing.T) {
	inst := newTestInstance(t, Config{})
	require.NoError(t, inst.LocalSetOffset(-100))
	assert.Equal(t, int16(-100), inst.State().Offset)
}

func TestWriteLocation_RejectedWhenNotWritable(t *testing.T) {
	inst := newTestInstance(t, Config{LocationWritable: false})
	err := inst.writeLocation(1, []byte{3}, 0)
	require.Error(t, err)
}

func TestWriteLocation_Writable(t *testing.T) {
	inst := newTestInstance(t, Config{LocationWritable: true})
	require.NoError(t, inst.writeLocation(1, []byte{7}, 0))
	assert.Equal(t, byte(7), inst.State().Location)
}

// Description writes clip rather than reject (§4.3, §9 "silently clip").
func TestWriteDesc_ClipsOverlongWrite(t *testing.T) {
	inst := newTestInstance(t, Config{DescWritable: true})
	long := make([]byte, MaxDescLen+10)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, inst.writeDesc(1, long, 0))
	assert.Len(t, inst.State().OutputDesc, MaxDescLen)
}

func TestWriteDesc_SameValue_UnchangedNoError(t *testing.T) {
	inst := newTestInstance(t, Config{DescWritable: true, InitialDesc: "speaker"})
	require.NoError(t, inst.writeDesc(1, []byte("speaker"), 0))
	assert.Equal(t, "speaker", inst.State().OutputDesc)
}

// §8: SetOffset(v) with |v|>255 always fails with 0x82 leaving the offset
// untouched; any value within range is stored exactly.
func TestSetOffset_BoundaryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		surface := fakesurface.New(nil)
		pool := NewPool(1, surface, nil, nil)
		inst, err2 := pool.FreeInstanceGet()
		require.NoError(t, err2)
		require.NoError(t, inst.Init(Config{}))
		require.NoError(t, inst.RegisterAttrs(context.Background()))
		v := rapid.Int32Range(-32768, 32767).Draw(t, "offset")

		operand := []byte{OpSetOffset, 0x00, byte(v), byte(v >> 8)}
		err := inst.writeControl(1, operand, 0)

		if v < -255 || v > 255 {
			require.Error(t, err)
			code, ok := gatt.CodeOf(err)
			require.True(t, ok)
			assert.Equal(t, ErrCodeOutOfRange, code)
			assert.Equal(t, int16(0), inst.State().Offset)
		} else {
			require.NoError(t, err)
			assert.Equal(t, int16(v), inst.State().Offset)
		}
	})
}

func TestEncodeDecodeState_RoundTrip(t *testing.T) {
	s := State{Offset: -42, ChangeCounter: 9}
	got, err := DecodeState(EncodeState(s))
	require.NoError(t, err)
	assert.Equal(t, s.Offset, got.Offset)
	assert.Equal(t, s.ChangeCounter, got.ChangeCounter)
}
