// Package vocs implements the Volume Offset Control Service: a secondary
// service included by VCS, one instance per audio output the server wants
// independently trimmable. Layout and lifecycle mirror the teacher's
// fixed-size session/channel tables (appserver.go's session_s array,
// aclients.go's MAX_CLIENTS): a bounded pool of instances, acquired once at
// init and never reclaimed (§3.7).
package vocs

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/ctlpoint"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
)

// UUID is the VOCS primary (secondary-in-practice) service UUID.
const UUID gatt.UUID = "1845"

const (
	charState    gatt.UUID = "2B80"
	charLocation gatt.UUID = "2B81"
	charControl  gatt.UUID = "2B82"
	charDesc     gatt.UUID = "2B83"
)

// Opcodes accepted on the VOCS control point (§4.1).
const OpSetOffset byte = 0x01

var opcodeTable = ctlpoint.OpcodeTable{
	OpSetOffset: 4,
}

// MaxDescLen bounds the output description buffer; writes longer than this
// are clipped, never rejected (§4.3).
const MaxDescLen = 64

// State is the wire-visible VOCS instance state (§3.2).
type State struct {
	Offset        int16
	ChangeCounter byte
	Location      byte
	OutputDesc    string
}

// ChangeCallback fires on every observed state change, server-side writes
// and (for clients) notifications alike (§6.3). conn is nil for a
// server-side local write.
type ChangeCallback func(conn *gatt.Handle, err error, state State)

// Config configures one instance at Init time.
type Config struct {
	InitialLocation   byte
	LocationWritable  bool
	InitialDesc       string
	DescWritable      bool
	OnChange          ChangeCallback
}

// Instance is one VOCS instance, acquired from a Pool.
type Instance struct {
	id      int
	used    bool
	initd   bool

	surface gatt.Surface
	log     *log.Logger
	metrics *metrics.Registry

	svcAttr      gatt.AttrHandle
	attrState    gatt.AttrHandle
	attrLocation gatt.AttrHandle
	attrControl  gatt.AttrHandle
	attrDesc     gatt.AttrHandle

	state            State
	locationWritable bool
	descWritable     bool
	onChange         ChangeCallback
}

// Pool is a bounded, process-wide set of VOCS instances.
type Pool struct {
	instances []*Instance
}

// NewPool builds a pool of n unused instances.
func NewPool(n int, surface gatt.Surface, logger *log.Logger, m *metrics.Registry) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{instances: make([]*Instance, n)}
	for i := range p.instances {
		p.instances[i] = &Instance{id: i, surface: surface, log: logger.With("service", "vocs", "instance", i), metrics: m}
	}
	return p
}

// FreeInstanceGet returns the next unused instance, or an APIError(NoMemory)
// once the pool is exhausted. Mirrors the teacher's bounded-table
// allocation pattern (session[] in appserver.go).
func (p *Pool) FreeInstanceGet() (*Instance, error) {
	for _, inst := range p.instances {
		if !inst.used {
			inst.used = true
			return inst, nil
		}
	}
	return nil, gatt.NewAPIError(gatt.APINoMemory)
}

// Len reports the pool's total capacity.
func (p *Pool) Len() int { return len(p.instances) }

// Init initialises an acquired instance exactly once; a second call fails
// with APIError(AlreadyInitialised) (§3.7).
func (inst *Instance) Init(cfg Config) error {
	if inst.initd {
		return gatt.NewAPIError(gatt.APIAlreadyInitialised)
	}
	inst.state = State{
		Location:   cfg.InitialLocation,
		OutputDesc: clip(cfg.InitialDesc, MaxDescLen),
	}
	inst.locationWritable = cfg.LocationWritable
	inst.descWritable = cfg.DescWritable
	inst.onChange = cfg.OnChange
	inst.initd = true
	return nil
}

// ID is the instance's index within its pool, stable for the process
// lifetime.
func (inst *Instance) ID() int { return inst.id }

// State returns a snapshot of the instance's current wire state.
func (inst *Instance) State() State { return inst.state }

// Decl builds the GATT declaration for this instance, wiring each
// characteristic's read/write handler back to the instance. RegisterAttrs
// must be called once, after Init, before the instance can serve traffic.
func (inst *Instance) Decl() gatt.ServiceDecl {
	props := gatt.PropRead | gatt.PropNotify
	locProps := gatt.PropRead | gatt.PropNotify
	if inst.locationWritable {
		locProps |= gatt.PropWrite
	}
	descProps := gatt.PropRead | gatt.PropNotify
	if inst.descWritable {
		descProps |= gatt.PropWrite
	}

	return gatt.ServiceDecl{
		UUID: UUID,
		Characteristics: []gatt.CharacteristicDecl{
			{UUID: charState, Properties: props, Encrypted: true, OnRead: inst.readState},
			{UUID: charLocation, Properties: locProps, Encrypted: true, OnRead: inst.readLocation, OnWrite: inst.writeLocation},
			{UUID: charControl, Properties: gatt.PropWrite, Encrypted: true, OnWrite: inst.writeControl},
			{UUID: charDesc, Properties: descProps, Encrypted: true, OnRead: inst.readDesc, OnWrite: inst.writeDesc},
		},
	}
}

// RegisterAttrs registers the instance's service with the surface and
// records the attribute handles it was assigned, in declaration order, so
// Notify and read handlers can address the right characteristic.
func (inst *Instance) RegisterAttrs(ctx context.Context) error {
	start, err := inst.surface.RegisterService(ctx, inst.Decl())
	if err != nil {
		return err
	}
	inst.attrState = start + 1
	inst.attrLocation = start + 2
	inst.attrControl = start + 3
	inst.attrDesc = start + 4
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
		{Handle: inst.attrLocation, UUID: charLocation},
		{Handle: inst.attrControl, UUID: charControl},
		{Handle: inst.attrDesc, UUID: charDesc},
	}
}

func (inst *Instance) readState(gatt.Handle, int) ([]byte, error) {
	return EncodeState(inst.state), nil
}

func (inst *Instance) readLocation(gatt.Handle, int) ([]byte, error) {
	return []byte{inst.state.Location}, nil
}

func (inst *Instance) readDesc(gatt.Handle, int) ([]byte, error) {
	return []byte(inst.state.OutputDesc), nil
}

func (inst *Instance) writeLocation(conn gatt.Handle, data []byte, offset int) error {
	if !inst.locationWritable {
		return gatt.NewATTError(gatt.ATTWriteRequestRejected)
	}
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	if len(data) != 1 {
		return gatt.NewATTError(gatt.ATTInvalidAttributeLength)
	}
	inst.state.Location = data[0]
	inst.surface.Notify(0, charLocation, inst.attrs(), []byte{inst.state.Location})
	return nil
}

// writeDesc clips overlong writes rather than rejecting them (§4.3, design
// note on description writes). The comparison against the *current* value
// intentionally uses string equality rather than a length-then-memcmp
// split, sidestepping the source's trailing-NUL short-circuit bug named in
// spec §9.
func (inst *Instance) writeDesc(conn gatt.Handle, data []byte, offset int) error {
	if !inst.descWritable {
		return gatt.NewATTError(gatt.ATTWriteRequestRejected)
	}
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	clipped := clip(string(data), MaxDescLen)
	if clipped == inst.state.OutputDesc {
		return nil
	}
	inst.state.OutputDesc = clipped
	inst.surface.Notify(0, charDesc, inst.attrs(), []byte(clipped))
	return nil
}

func (inst *Instance) writeControl(conn gatt.Handle, data []byte, offset int) error {
	return inst.handleControlWrite(&conn, data, offset)
}

// LocalSetOffset performs a write-to-self (§4.2 "reentrant path"): the
// server application calls this directly, and it is funnelled through the
// exact same validate/commit/notify logic a GATT write would take, with
// conn=nil so notifications reach every subscriber including none excluded.
func (inst *Instance) LocalSetOffset(offset int16) error {
	buf := make([]byte, 4)
	buf[0] = OpSetOffset
	buf[1] = inst.state.ChangeCounter
	buf[2] = byte(uint16(offset))
	buf[3] = byte(uint16(offset) >> 8)
	return inst.handleControlWrite(nil, buf, 0)
}

func (inst *Instance) handleControlWrite(conn *gatt.Handle, data []byte, offset int) error {
	operand, _, err := ctlpoint.Validate(data, offset, opcodeTable,
		errOpcodeNotSupported(), errInvalidChangeCounter(), inst.state.ChangeCounter)
	if err != nil {
		inst.observeResult("rejected")
		inst.fireChange(conn, err)
		return err
	}

	newOffset := int16(uint16(operand[0]) | uint16(operand[1])<<8)
	if newOffset < -255 || newOffset > 255 {
		err = errOutOfRange()
		inst.observeResult("rejected")
		inst.fireChange(conn, err)
		return err
	}

	if newOffset == inst.state.Offset {
		inst.observeResult("noop")
		inst.fireChange(conn, nil)
		return nil
	}

	inst.state.Offset = newOffset
	inst.state.ChangeCounter = ctlpoint.NextCounter(inst.state.ChangeCounter)
	inst.observeResult("applied")
	inst.surface.Notify(0, charState, inst.attrs(), EncodeState(inst.state))
	inst.log.Debug("offset applied", "offset", newOffset, "counter", inst.state.ChangeCounter)
	inst.fireChange(conn, nil)
	return nil
}

func (inst *Instance) fireChange(conn *gatt.Handle, err error) {
	if inst.onChange != nil {
		inst.onChange(conn, err, inst.state)
	}
}

func (inst *Instance) observeResult(result string) {
	inst.metrics.ObserveWrite("vocs", result)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// EncodeState serialises State to the 3-byte VOCS-State wire form (§6.4).
func EncodeState(s State) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(uint16(s.Offset))
	buf[1] = byte(uint16(s.Offset) >> 8)
	buf[2] = s.ChangeCounter
	return buf
}

// DecodeState parses the 3-byte VOCS-State wire form.
func DecodeState(b []byte) (State, error) {
	if len(b) != 3 {
		return State{}, fmt.Errorf("vocs: bad state length %d", len(b))
	}
	return State{
		Offset:        int16(uint16(b[0]) | uint16(b[1])<<8),
		ChangeCounter: b[2],
	}, nil
}
