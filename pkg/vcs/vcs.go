// Package vcs implements the Volume Control Service: the primary profile
// of this engine, composing included VOCS and AICS instances the way
// §4.2 describes — VCS owns pointers to its secondaries, the secondaries
// never know their parent (§9 "Cyclic include graph").
package vcs

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/ctlpoint"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
	"github.com/doismellburning/ble-audio-gatt/pkg/aics"
	"github.com/doismellburning/ble-audio-gatt/pkg/vocs"
)

const UUID gatt.UUID = "1844"

const (
	charState   gatt.UUID = "2B7D"
	charControl gatt.UUID = "2B7E"
	charFlags   gatt.UUID = "2B7F"
)

// Mute is the VCS mute state (§3.1).
type Mute byte

const (
	Unmuted Mute = 0
	Muted   Mute = 1
)

// Opcodes on the VCS control point (§4.1).
const (
	OpRelVolDown       byte = 0x00
	OpRelVolUp         byte = 0x01
	OpUnmuteRelVolDown byte = 0x02
	OpUnmuteRelVolUp   byte = 0x03
	OpSetAbsVol        byte = 0x04
	OpUnmute           byte = 0x05
	OpMute             byte = 0x06
)

var opcodeTable = ctlpoint.OpcodeTable{
	OpRelVolDown:       2,
	OpRelVolUp:         2,
	OpUnmuteRelVolDown: 2,
	OpUnmuteRelVolUp:   2,
	OpSetAbsVol:        3,
	OpUnmute:           2,
	OpMute:             2,
}

// FlagVolumeChanged is bit 0 of the VCS Flags characteristic: "volume ever
// changed", write-once per session (§3.1).
const FlagVolumeChanged byte = 1 << 0

// State is the wire-visible VCS state (§3.1).
type State struct {
	Volume        byte
	Mute          Mute
	ChangeCounter byte
	Flags         byte
}

type ChangeCallback func(conn *gatt.Handle, err error, state State)

// Config configures a Server at Init time.
type Config struct {
	InitialVolume byte
	InitialMute   Mute
	VolumeStep    byte // must be > 0 (§3.1 invariant)

	VocsConfigs []vocs.Config
	AicsConfigs []aics.Config

	OnVolumeChange ChangeCallback
	OnFlagsChange  func(conn *gatt.Handle, flags byte)
}

// Server is the process-wide VCS instance: one per radio/audio endpoint in
// the host process (§3.7 — VCS itself is not pooled; its secondaries are).
type Server struct {
	surface gatt.Surface
	log     *log.Logger
	metrics *metrics.Registry

	attrState   gatt.AttrHandle
	attrControl gatt.AttrHandle
	attrFlags   gatt.AttrHandle

	state      State
	volumeStep byte
	initd      bool

	vocsIncludes []*vocs.Instance
	aicsIncludes []*aics.Instance

	onVolumeChange ChangeCallback
	onFlagsChange  func(conn *gatt.Handle, flags byte)
}

// New constructs an uninitialised Server bound to surface.
func New(surface gatt.Surface, logger *log.Logger, m *metrics.Registry) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{surface: surface, log: logger.With("service", "vcs"), metrics: m}
}

// Init acquires one instance per entry in cfg.VocsConfigs/AicsConfigs from
// the supplied pools, initialises each, and prepares the include back-patch
// described in §4.2. It must be called exactly once.
func (s *Server) Init(cfg Config, vocsPool *vocs.Pool, aicsPool *aics.Pool) error {
	if s.initd {
		return gatt.NewAPIError(gatt.APIAlreadyInitialised)
	}
	if cfg.VolumeStep == 0 {
		return gatt.NewAPIError(gatt.APIInvalidArgument)
	}

	for _, vc := range cfg.VocsConfigs {
		inst, err := vocsPool.FreeInstanceGet()
		if err != nil {
			return err
		}
		if err := inst.Init(vc); err != nil {
			return err
		}
		s.vocsIncludes = append(s.vocsIncludes, inst)
	}
	for _, ac := range cfg.AicsConfigs {
		inst, err := aicsPool.FreeInstanceGet()
		if err != nil {
			return err
		}
		if err := inst.Init(ac); err != nil {
			return err
		}
		s.aicsIncludes = append(s.aicsIncludes, inst)
	}

	s.state = State{Volume: cfg.InitialVolume, Mute: cfg.InitialMute}
	s.volumeStep = cfg.VolumeStep
	s.onVolumeChange = cfg.OnVolumeChange
	s.onFlagsChange = cfg.OnFlagsChange
	s.initd = true
	return nil
}

// RegisterAttrs registers each included secondary first, then VCS's own
// attribute table with Include placeholders back-patched to point at the
// secondaries' declarations — the order spec §4.2 describes ("pulls one
// free VOCS then one free AICS... back-patches the include attribute's
// user_data").
func (s *Server) RegisterAttrs(ctx context.Context) error {
	if !s.initd {
		return gatt.NewAPIError(gatt.APINotPermitted)
	}

	includes := make([]gatt.IncludeDecl, 0, len(s.vocsIncludes)+len(s.aicsIncludes))
	for _, inst := range s.vocsIncludes {
		if err := inst.RegisterAttrs(ctx); err != nil {
			return err
		}
		includes = append(includes, gatt.IncludeDecl{ServiceAttr: inst.ServiceAttr()})
	}
	for _, inst := range s.aicsIncludes {
		if err := inst.RegisterAttrs(ctx); err != nil {
			return err
		}
		includes = append(includes, gatt.IncludeDecl{ServiceAttr: inst.ServiceAttr()})
	}

	decl := gatt.ServiceDecl{
		UUID: UUID,
		Characteristics: []gatt.CharacteristicDecl{
			{UUID: charState, Properties: gatt.PropRead | gatt.PropNotify, Encrypted: true, OnRead: s.readState},
			{UUID: charControl, Properties: gatt.PropWrite, Encrypted: true, OnWrite: s.writeControl},
			{UUID: charFlags, Properties: gatt.PropRead | gatt.PropNotify, Encrypted: true, OnRead: s.readFlags},
		},
		Includes: includes,
	}
	start, err := s.surface.RegisterService(ctx, decl)
	if err != nil {
		return err
	}
	s.attrState = start + 1
	s.attrControl = start + 2
	s.attrFlags = start + 3
	return nil
}

func (s *Server) attrs() []gatt.Attr {
	return []gatt.Attr{
		{Handle: s.attrState, UUID: charState},
		{Handle: s.attrControl, UUID: charControl},
		{Handle: s.attrFlags, UUID: charFlags},
	}
}

// VocsInstance returns the i'th included VOCS instance.
func (s *Server) VocsInstance(i int) (*vocs.Instance, error) {
	if i < 0 || i >= len(s.vocsIncludes) {
		return nil, gatt.NewAPIError(gatt.APIOutOfRangeIndex)
	}
	return s.vocsIncludes[i], nil
}

// AicsInstance returns the i'th included AICS instance.
//
// §9 flags an unreachable local-server path around this kind of lookup
// ("bt_vcs_aics_type_get ... missing if (!conn) guard"); this accessor has
// no such guard to omit in the first place, since it takes no connection
// parameter at all.
func (s *Server) AicsInstance(i int) (*aics.Instance, error) {
	if i < 0 || i >= len(s.aicsIncludes) {
		return nil, gatt.NewAPIError(gatt.APIOutOfRangeIndex)
	}
	return s.aicsIncludes[i], nil
}

func (s *Server) NumVocsIncludes() int { return len(s.vocsIncludes) }
func (s *Server) NumAicsIncludes() int { return len(s.aicsIncludes) }

func (s *Server) State() State { return s.state }

// SetVolumeStep changes the server-global step used by relative volume
// opcodes. §9 flags the source's volume_step setter as returning
// -EOPNOTSUPP after a successful store when VCS is compiled in — treated
// here as the implementer's bug it is: success always returns nil.
func (s *Server) SetVolumeStep(step byte) error {
	if step == 0 {
		return gatt.NewAPIError(gatt.APIInvalidArgument)
	}
	s.volumeStep = step
	return nil
}

func (s *Server) readState(gatt.Handle, int) ([]byte, error) {
	return EncodeState(s.state), nil
}

func (s *Server) readFlags(gatt.Handle, int) ([]byte, error) {
	return []byte{s.state.Flags}, nil
}

func (s *Server) writeControl(conn gatt.Handle, data []byte, offset int) error {
	return s.handleControlWrite(&conn, data, offset)
}

// LocalCall performs a write-to-self (§4.2 "reentrant path"): an upper
// layer application calls this directly, and it is funnelled through the
// exact same validate/commit/notify logic a GATT write would take.
func (s *Server) LocalCall(opcode byte, operand []byte) error {
	buf := append([]byte{opcode, s.state.ChangeCounter}, operand...)
	return s.handleControlWrite(nil, buf, 0)
}

func (s *Server) handleControlWrite(conn *gatt.Handle, data []byte, offset int) error {
	operand, opcode, err := ctlpoint.Validate(data, offset, opcodeTable,
		errOpcodeNotSupported(), errInvalidChangeCounter(), s.state.ChangeCounter)
	if err != nil {
		s.observeResult("rejected")
		s.fireVolumeChange(conn, err)
		return err
	}

	next := s.state
	switch opcode {
	case OpRelVolDown:
		next.Volume = subClamp(next.Volume, s.volumeStep)
	case OpRelVolUp:
		next.Volume = addClamp(next.Volume, s.volumeStep)
	case OpUnmuteRelVolDown:
		next.Volume = subClamp(next.Volume, s.volumeStep)
		next.Mute = Unmuted
	case OpUnmuteRelVolUp:
		next.Volume = addClamp(next.Volume, s.volumeStep)
		next.Mute = Unmuted
	case OpSetAbsVol:
		next.Volume = operand[0]
	case OpUnmute:
		next.Mute = Unmuted
	case OpMute:
		next.Mute = Muted
	}

	// §4.1 step 8: any successful volume-changing opcode, even an idempotent
	// one, latches flags bit 0 the first time only, with its own notification.
	latchFlags := func() {
		if opcode > OpSetAbsVol || s.state.Flags&FlagVolumeChanged != 0 {
			return
		}
		s.state.Flags |= FlagVolumeChanged
		s.surface.Notify(0, charFlags, s.attrs(), []byte{s.state.Flags})
		if s.onFlagsChange != nil {
			s.onFlagsChange(conn, s.state.Flags)
		}
	}

	if next.Volume == s.state.Volume && next.Mute == s.state.Mute {
		s.observeResult("noop")
		latchFlags()
		s.fireVolumeChange(conn, nil)
		return nil
	}

	s.state.Volume = next.Volume
	s.state.Mute = next.Mute
	s.state.ChangeCounter = ctlpoint.NextCounter(s.state.ChangeCounter)
	s.observeResult("applied")
	s.surface.Notify(0, charState, s.attrs(), EncodeState(s.state))
	s.log.Debug("volume state applied", "volume", s.state.Volume, "mute", s.state.Mute, "counter", s.state.ChangeCounter)

	latchFlags()

	s.fireVolumeChange(conn, nil)
	return nil
}

func (s *Server) fireVolumeChange(conn *gatt.Handle, err error) {
	if s.onVolumeChange != nil {
		s.onVolumeChange(conn, err, s.state)
	}
}

func (s *Server) observeResult(result string) {
	s.metrics.ObserveWrite("vcs", result)
}

func subClamp(v, step byte) byte {
	if int(v)-int(step) < 0 {
		return 0
	}
	return v - step
}

func addClamp(v, step byte) byte {
	if int(v)+int(step) > 255 {
		return 255
	}
	return v + step
}

// EncodeState serialises State to the 3-byte VCS-State wire form (§6.4).
func EncodeState(s State) []byte {
	return []byte{s.Volume, byte(s.Mute), s.ChangeCounter}
}

func DecodeState(b []byte) (State, error) {
	if len(b) != 3 {
		return State{}, fmt.Errorf("vcs: bad state length %d", len(b))
	}
	return State{Volume: b[0], Mute: Mute(b[1]), ChangeCounter: b[2]}, nil
}
