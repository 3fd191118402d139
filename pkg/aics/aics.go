// Package aics implements the Audio Input Control Service: a secondary
// service included by VCS, one instance per controllable audio input.
// Structurally a sibling of pkg/vocs (§2 "AicsServer"); the opcode table,
// field layout, and semantic guards differ enough (mute-disable latch,
// immutable gain modes) that it is its own implementation rather than a
// parameterised vocs, per the design note on isomorphic-but-not-
// interchangeable control points.
package aics

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/ctlpoint"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
)

const UUID gatt.UUID = "1843"

const (
	charState       gatt.UUID = "2B77"
	charGainSetting gatt.UUID = "2B78"
	charInputType   gatt.UUID = "2B79"
	charInputStatus gatt.UUID = "2B7A"
	charControl     gatt.UUID = "2B7B"
	charDesc        gatt.UUID = "2B7C"
)

// Mute is the AICS mute tri-state (§3.3).
type Mute byte

const (
	Unmuted     Mute = 0
	Muted       Mute = 1
	MuteDisabled Mute = 2
)

// Mode is the AICS gain mode (§3.3). The *Only variants are immutable.
type Mode byte

const (
	ManualOnly Mode = 0
	AutoOnly   Mode = 1
	Manual     Mode = 2
	Auto       Mode = 3
)

// InputType enumerates the immutable input-type field (§3.3).
type InputType byte

const (
	InputUnspecified InputType = 0
	InputLocal       InputType = 1
	InputISO         InputType = 2
	InputAnalog      InputType = 3
	InputDigital     InputType = 4
	InputRadio       InputType = 5
	InputPhysMedia   InputType = 6
	InputNetwork     InputType = 7
	InputOther       InputType = 8
)

// Status is the server-controlled activity field (§3.3).
type Status byte

const (
	Inactive Status = 0
	Active   Status = 1
)

// Opcodes on the AICS control point (§4.1).
const (
	OpSetGain   byte = 0x01
	OpUnmute    byte = 0x02
	OpMute      byte = 0x03
	OpSetManual byte = 0x04
	OpSetAuto   byte = 0x05
)

var opcodeTable = ctlpoint.OpcodeTable{
	OpSetGain:   3,
	OpUnmute:    2,
	OpMute:      2,
	OpSetManual: 2,
	OpSetAuto:   2,
}

const MaxDescLen = 64

// GainSettings is immutable after Init (§3.3).
type GainSettings struct {
	Units byte // 0.1 dB increments
	Min   int8
	Max   int8
}

// State is the wire-visible AICS instance state.
type State struct {
	Gain          int8
	Mute          Mute
	Mode          Mode
	ChangeCounter byte
}

type ChangeCallback func(conn *gatt.Handle, err error, state State)

// Config configures one instance at Init time. GainSettings and InputType
// are immutable for the instance's lifetime once set (§3.3). InitialDesc
// is only the starting description; clients may overwrite it when
// DescWritable is set.
type Config struct {
	GainSettings     GainSettings
	InitialGain      int8
	InitialMute      Mute
	InitialMode      Mode
	InputType        InputType
	InitialDesc      string
	DescWritable     bool
	OnChange         ChangeCallback
}

type Instance struct {
	id    int
	used  bool
	initd bool

	surface gatt.Surface
	log     *log.Logger
	metrics *metrics.Registry

	svcAttr         gatt.AttrHandle
	attrState       gatt.AttrHandle
	attrGainSetting gatt.AttrHandle
	attrInputType   gatt.AttrHandle
	attrInputStatus gatt.AttrHandle
	attrControl     gatt.AttrHandle
	attrDesc        gatt.AttrHandle

	state        State
	gainSettings GainSettings
	inputType    InputType
	status       Status
	desc         string
	descWritable bool
	onChange     ChangeCallback
}

type Pool struct {
	instances []*Instance
}

func NewPool(n int, surface gatt.Surface, logger *log.Logger, m *metrics.Registry) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{instances: make([]*Instance, n)}
	for i := range p.instances {
		p.instances[i] = &Instance{id: i, surface: surface, log: logger.With("service", "aics", "instance", i), metrics: m, status: Active}
	}
	return p
}

func (p *Pool) FreeInstanceGet() (*Instance, error) {
	for _, inst := range p.instances {
		if !inst.used {
			inst.used = true
			return inst, nil
		}
	}
	return nil, gatt.NewAPIError(gatt.APINoMemory)
}

func (p *Pool) Len() int { return len(p.instances) }

func (inst *Instance) Init(cfg Config) error {
	if inst.initd {
		return gatt.NewAPIError(gatt.APIAlreadyInitialised)
	}
	inst.state = State{
		Gain: clampGain(cfg.InitialGain, cfg.GainSettings),
		Mute: cfg.InitialMute,
		Mode: cfg.InitialMode,
	}
	inst.gainSettings = cfg.GainSettings
	inst.inputType = cfg.InputType
	inst.desc = clip(cfg.InitialDesc, MaxDescLen)
	inst.descWritable = cfg.DescWritable
	inst.onChange = cfg.OnChange
	inst.initd = true
	return nil
}

func (inst *Instance) ID() int      { return inst.id }
func (inst *Instance) State() State { return inst.state }

// SetStatus is a server-only transition (§3.3 "status... server-controlled");
// no control-point opcode reaches it.
func (inst *Instance) SetStatus(s Status) {
	if s == inst.status {
		return
	}
	inst.status = s
	inst.surface.Notify(0, charInputStatus, inst.attrs(), []byte{byte(s)})
}

func (inst *Instance) Decl() gatt.ServiceDecl {
	descProps := gatt.PropRead | gatt.PropNotify
	if inst.descWritable {
		descProps |= gatt.PropWrite
	}
	return gatt.ServiceDecl{
		UUID: UUID,
		Characteristics: []gatt.CharacteristicDecl{
			{UUID: charState, Properties: gatt.PropRead | gatt.PropNotify, Encrypted: true, OnRead: inst.readState},
			{UUID: charGainSetting, Properties: gatt.PropRead, Encrypted: true, OnRead: inst.readGainSettings},
			{UUID: charInputType, Properties: gatt.PropRead, Encrypted: true, OnRead: inst.readInputType},
			{UUID: charInputStatus, Properties: gatt.PropRead | gatt.PropNotify, Encrypted: true, OnRead: inst.readInputStatus},
			{UUID: charControl, Properties: gatt.PropWrite, Encrypted: true, OnWrite: inst.writeControl},
			{UUID: charDesc, Properties: descProps, Encrypted: true, OnRead: inst.readDesc, OnWrite: inst.writeDesc},
		},
	}
}

func (inst *Instance) RegisterAttrs(ctx context.Context) error {
	start, err := inst.surface.RegisterService(ctx, inst.Decl())
	if err != nil {
		return err
	}
	inst.attrState = start + 1
	inst.attrGainSetting = start + 2
	inst.attrInputType = start + 3
	inst.attrInputStatus = start + 4
	inst.attrControl = start + 5
	inst.attrDesc = start + 6
	inst.svcAttr = start
	return nil
}

// ServiceAttr returns this instance's registered service start handle, used
// by the owning VCS server to back-patch its own Include declaration
// (§4.2).
func (inst *Instance) ServiceAttr() gatt.AttrHandle { return inst.svcAttr }

func (inst *Instance) attrs() []gatt.Attr {
	return []gatt.Attr{
		{Handle: inst.attrState, UUID: charState},
		{Handle: inst.attrGainSetting, UUID: charGainSetting},
		{Handle: inst.attrInputType, UUID: charInputType},
		{Handle: inst.attrInputStatus, UUID: charInputStatus},
		{Handle: inst.attrControl, UUID: charControl},
		{Handle: inst.attrDesc, UUID: charDesc},
	}
}

func (inst *Instance) readState(gatt.Handle, int) ([]byte, error) {
	return EncodeState(inst.state), nil
}

func (inst *Instance) readGainSettings(gatt.Handle, int) ([]byte, error) {
	return []byte{inst.gainSettings.Units, byte(inst.gainSettings.Min), byte(inst.gainSettings.Max)}, nil
}

func (inst *Instance) readInputType(gatt.Handle, int) ([]byte, error) {
	return []byte{byte(inst.inputType)}, nil
}

func (inst *Instance) readInputStatus(gatt.Handle, int) ([]byte, error) {
	return []byte{byte(inst.status)}, nil
}

func (inst *Instance) readDesc(gatt.Handle, int) ([]byte, error) {
	return []byte(inst.desc), nil
}

func (inst *Instance) writeDesc(conn gatt.Handle, data []byte, offset int) error {
	if !inst.descWritable {
		return gatt.NewATTError(gatt.ATTWriteRequestRejected)
	}
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	clipped := clip(string(data), MaxDescLen)
	if clipped == inst.desc {
		return nil
	}
	inst.desc = clipped
	inst.surface.Notify(0, charDesc, inst.attrs(), []byte(clipped))
	return nil
}

func (inst *Instance) writeControl(conn gatt.Handle, data []byte, offset int) error {
	return inst.handleControlWrite(&conn, data, offset)
}

// LocalSetGain is the write-to-self reentrant path (§4.2, §9).
func (inst *Instance) LocalSetGain(gain int8) error {
	return inst.localOp(OpSetGain, []byte{byte(gain)})
}

func (inst *Instance) LocalMute() error   { return inst.localOp(OpMute, nil) }
func (inst *Instance) LocalUnmute() error { return inst.localOp(OpUnmute, nil) }

func (inst *Instance) localOp(op byte, operand []byte) error {
	buf := append([]byte{op, inst.state.ChangeCounter}, operand...)
	return inst.handleControlWrite(nil, buf, 0)
}

func (inst *Instance) handleControlWrite(conn *gatt.Handle, data []byte, offset int) error {
	operand, opcode, err := ctlpoint.Validate(data, offset, opcodeTable,
		errOpcodeNotSupported(), errInvalidChangeCounter(), inst.state.ChangeCounter)
	if err != nil {
		inst.observeResult("rejected")
		inst.fireChange(conn, err)
		return err
	}

	next := inst.state
	switch opcode {
	case OpSetGain:
		g := clampGain(int8(operand[0]), inst.gainSettings)
		if next.Mode == ManualOnly || next.Mode == AutoOnly {
			// Accepted by the protocol but not applied: the mode is not
			// "settable" (§4.1 AICS SetGain row).
		} else {
			next.Gain = g
		}
	case OpUnmute:
		if next.Mute == MuteDisabled {
			err = errMuteDisabled()
		} else {
			next.Mute = Unmuted
		}
	case OpMute:
		if next.Mute == MuteDisabled {
			err = errMuteDisabled()
		} else {
			next.Mute = Muted
		}
	case OpSetManual:
		if next.Mode == ManualOnly || next.Mode == AutoOnly {
			err = errGainModeNoSupport()
		} else {
			next.Mode = Manual
		}
	case OpSetAuto:
		if next.Mode == ManualOnly || next.Mode == AutoOnly {
			err = errGainModeNoSupport()
		} else {
			next.Mode = Auto
		}
	}

	if err != nil {
		inst.observeResult("rejected")
		inst.fireChange(conn, err)
		return err
	}

	if next == inst.state {
		inst.observeResult("noop")
		inst.fireChange(conn, nil)
		return nil
	}

	inst.state = next
	inst.state.ChangeCounter = ctlpoint.NextCounter(inst.state.ChangeCounter)
	inst.observeResult("applied")
	inst.surface.Notify(0, charState, inst.attrs(), EncodeState(inst.state))
	inst.log.Debug("aics state applied", "gain", inst.state.Gain, "mute", inst.state.Mute, "mode", inst.state.Mode, "counter", inst.state.ChangeCounter)
	inst.fireChange(conn, nil)
	return nil
}

func (inst *Instance) fireChange(conn *gatt.Handle, err error) {
	if inst.onChange != nil {
		inst.onChange(conn, err, inst.state)
	}
}

func (inst *Instance) observeResult(result string) {
	inst.metrics.ObserveWrite("aics", result)
}

func clampGain(g int8, gs GainSettings) int8 {
	if gs.Min == 0 && gs.Max == 0 {
		return g
	}
	if g < gs.Min {
		return gs.Min
	}
	if g > gs.Max {
		return gs.Max
	}
	return g
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// EncodeState serialises State to the 4-byte AICS-State wire form (§6.4).
func EncodeState(s State) []byte {
	return []byte{byte(s.Gain), byte(s.Mute), byte(s.Mode), s.ChangeCounter}
}

func DecodeState(b []byte) (State, error) {
	if len(b) != 4 {
		return State{}, fmt.Errorf("aics: bad state length %d", len(b))
	}
	return State{
		Gain:          int8(b[0]),
		Mute:          Mute(b[1]),
		Mode:          Mode(b[2]),
		ChangeCounter: b[3],
	}, nil
}
