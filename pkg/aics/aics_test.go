package aics

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

// Scenario 4 from spec §8: Unmute on an instance with mute disabled fails
// with 0x82, state unchanged.
func TestUnmute_MuteDisabled(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMute: MuteDisabled})
	before := inst.State()

	err := inst.writeControl(1, []byte{OpUnmute, 0x00}, 0)
	require.Error(t, err)
	code, ok := gatt.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeMuteDisabled, code)
	assert.Equal(t, before, inst.State())
}

func TestMute_MuteDisabled(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMute: MuteDisabled})
	err := inst.writeControl(1, []byte{OpMute, 0x00}, 0)
	require.Error(t, err)
	code, _ := gatt.CodeOf(err)
	assert.Equal(t, ErrCodeMuteDisabled, code)
}

func TestMute_Unmute_NormalPath(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMute: Unmuted})
	require.NoError(t, inst.writeControl(1, []byte{OpMute, 0x00}, 0))
	assert.Equal(t, Muted, inst.State().Mute)
	require.NoError(t, inst.writeControl(1, []byte{OpUnmute, 0x01}, 0))
	assert.Equal(t, Unmuted, inst.State().Mute)
}

// §8: with mode in {AutoOnly,ManualOnly}, SetManual/SetAuto fail with 0x84.
func TestSetManual_AutoOnlyMode_Rejected(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMode: AutoOnly})
	err := inst.writeControl(1, []byte{OpSetManual, 0x00}, 0)
	require.Error(t, err)
	code, ok := gatt.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeGainModeNoSupport, code)
}

func TestSetAuto_ManualOnlyMode_Rejected(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMode: ManualOnly})
	err := inst.writeControl(1, []byte{OpSetAuto, 0x00}, 0)
	require.Error(t, err)
	code, _ := gatt.CodeOf(err)
	assert.Equal(t, ErrCodeGainModeNoSupport, code)
}

func TestSetManual_FromAuto_Allowed(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMode: Auto})
	require.NoError(t, inst.writeControl(1, []byte{OpSetManual, 0x00}, 0))
	assert.Equal(t, Manual, inst.State().Mode)
}

func TestSetGain_ClampedToRange(t *testing.T) {
	inst := newTestInstance(t, Config{GainSettings: GainSettings{Min: -10, Max: 10}, InitialMode: Manual})
	require.NoError(t, inst.writeControl(1, []byte{OpSetGain, 0x00, byte(int8(50))}, 0))
	assert.Equal(t, int8(10), inst.State().Gain)
}

func TestSetGain_NotAppliedInFixedMode(t *testing.T) {
	inst := newTestInstance(t, Config{InitialMode: AutoOnly, InitialGain: 0})
	require.NoError(t, inst.writeControl(1, []byte{OpSetGain, 0x00, byte(int8(5))}, 0))
	assert.Equal(t, int8(0), inst.State().Gain)
}

func TestWriteDesc_Clips(t *testing.T) {
	inst := newTestInstance(t, Config{DescWritable: true})
	long := make([]byte, MaxDescLen+5)
	for i := range long {
		long[i] = 'm'
	}
	require.NoError(t, inst.writeDesc(1, long, 0))
	assert.Len(t, inst.desc, MaxDescLen)
}

// §8/§4.1 SetGain opcode: whatever operand is supplied, the committed gain
// always lands within [min, max] in Manual/Auto mode (it is simply not
// applied at all in the two *Only modes, covered separately above).
func TestSetGain_AlwaysWithinRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		min := rapid.Int8Range(-120, 0).Draw(t, "min")
		max := rapid.Int8Range(1, 120).Draw(t, "max")
		operand := rapid.Int8Range(-128, 127).Draw(t, "operand")

		surface := fakesurface.New(nil)
		pool := NewPool(1, surface, nil, nil)
		inst, err := pool.FreeInstanceGet()
		require.NoError(t, err)
		require.NoError(t, inst.Init(Config{GainSettings: GainSettings{Min: min, Max: max}, InitialMode: Manual}))
		require.NoError(t, inst.RegisterAttrs(context.Background()))

		require.NoError(t, inst.writeControl(1, []byte{OpSetGain, 0x00, byte(operand)}, 0))
		got := inst.State().Gain
		assert.GreaterOrEqual(t, got, min)
		assert.LessOrEqual(t, got, max)
	})
}

func TestEncodeDecodeState_RoundTrip(t *testing.T) {
	s := State{Gain: -5, Mute: Muted, Mode: Manual, ChangeCounter: 3}
	got, err := DecodeState(EncodeState(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSetStatus_UpdatesStatus(t *testing.T) {
	inst := newTestInstance(t, Config{})
	inst.SetStatus(Inactive)
	assert.Equal(t, Inactive, inst.status)
}
