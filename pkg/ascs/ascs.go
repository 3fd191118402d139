// Package ascs implements the Audio Stream Control Service endpoint state
// machine: the only component in this engine with a genuinely multi-state
// per-entity lifecycle (§1, §4.6). Unlike VCS/VOCS/AICS, there is no
// change-counter control point here — the control-point characteristic
// instead carries an opcode applying to a *list* of ASE IDs at once, and
// answers with a response array rather than a single accept/reject.
package ascs

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
)

// UUID is the Audio Stream Control Service UUID.
const UUID gatt.UUID = "184E"

const charControlPoint gatt.UUID = "2BC6"

// Per-ASE status characteristic UUIDs, selected by direction (§3.5
// direction).
const (
	charSinkASE   gatt.UUID = "2BC4"
	charSourceASE gatt.UUID = "2BC5"
)

// State is an ASE's position in the lifecycle of §4.6.
type State byte

const (
	Idle State = iota
	Config
	QoS
	Enabling
	Streaming
	Disabling
	Releasing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Config:
		return "config"
	case QoS:
		return "qos"
	case Enabling:
		return "enabling"
	case Streaming:
		return "streaming"
	case Disabling:
		return "disabling"
	case Releasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// Direction is an ASE's audio direction.
type Direction byte

const (
	Sink   Direction = 0x01
	Source Direction = 0x02
)

// CodecConfig is the codec and framing parameters an ASE is configured
// with (§3.5 codec).
type CodecConfig struct {
	CodecID     byte
	CodecData   []byte
	TargetLatency byte
	TargetPHY     byte
	Framing       byte
}

// QoSConfig is an ASE's negotiated QoS parameters (§3.5 qos).
type QoSConfig struct {
	SDUInterval   uint32
	Framing       byte
	PHY           byte
	MaxSDU        uint16
	RetxNumber    byte
	MaxTransportLatency uint16
	PresentationDelay   uint32
}

// ASE is one Audio Stream Endpoint (§3.5): per-peer, up to K per session.
type ASE struct {
	ID        byte
	Direction Direction
	State     State
	Codec     CodecConfig
	QoS       QoSConfig
	Metadata  []byte
	Channel   *gatt.Handle // bound transport, nil when unbound
}

// Config configures an Endpoint at construction.
type Config struct {
	ASEIDs []byte // the fixed set of ASE IDs this endpoint exposes, per direction
}

// Endpoint is one peer's ASCS instance: its set of ASEs plus the shared
// control-point dispatcher. One Endpoint exists per connected peer-session
// (§3.5 "per peer").
type Endpoint struct {
	surface gatt.Surface
	log     *log.Logger
	metrics *metrics.Registry
	conn    gatt.Handle

	ases          map[byte]*ASE
	attrControl   gatt.AttrHandle
	aseAttrs      map[byte]gatt.AttrHandle

	OnStateChange func(ase *ASE)
}

// NewEndpoint constructs an Endpoint for conn with one Idle ASE per
// configured ID.
func NewEndpoint(surface gatt.Surface, conn gatt.Handle, cfg Config, logger *log.Logger, m *metrics.Registry) *Endpoint {
	if logger == nil {
		logger = log.Default()
	}
	ep := &Endpoint{
		surface:  surface,
		log:      logger.With("service", "ascs", "conn", conn),
		metrics:  m,
		conn:     conn,
		ases:     make(map[byte]*ASE, len(cfg.ASEIDs)),
		aseAttrs: make(map[byte]gatt.AttrHandle, len(cfg.ASEIDs)),
	}
	for _, id := range cfg.ASEIDs {
		ep.ases[id] = &ASE{ID: id, State: Idle}
	}
	return ep
}

// RegisterAttrs installs the control-point characteristic plus one status
// characteristic per ASE.
func (ep *Endpoint) RegisterAttrs(ctx context.Context) error {
	decl := gatt.ServiceDecl{
		UUID: UUID,
		Characteristics: []gatt.CharacteristicDecl{
			{UUID: charControlPoint, Properties: gatt.PropWrite | gatt.PropNotify, Encrypted: true, OnWrite: ep.writeControlPoint},
		},
	}
	for _, id := range ep.sortedIDs() {
		ase := ep.ases[id]
		decl.Characteristics = append(decl.Characteristics, gatt.CharacteristicDecl{
			UUID:       aseUUIDFor(ase.Direction),
			Properties: gatt.PropRead | gatt.PropNotify,
			Encrypted:  true,
			OnRead:     ep.readStatusFor(ase.ID),
		})
	}
	start, err := ep.surface.RegisterService(ctx, decl)
	if err != nil {
		return err
	}
	ep.attrControl = start + 1
	next := ep.attrControl + 1
	for _, id := range ep.sortedIDs() {
		ep.aseAttrs[id] = next
		next++
	}
	return nil
}

func (ep *Endpoint) sortedIDs() []byte {
	ids := make([]byte, 0, len(ep.ases))
	for id := range ep.ases {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (ep *Endpoint) attrs() []gatt.Attr {
	out := []gatt.Attr{{Handle: ep.attrControl, UUID: charControlPoint}}
	for _, id := range ep.sortedIDs() {
		out = append(out, gatt.Attr{Handle: ep.aseAttrs[id], UUID: aseUUIDFor(ep.ases[id].Direction)})
	}
	return out
}

func aseUUIDFor(dir Direction) gatt.UUID {
	if dir == Source {
		return charSourceASE
	}
	return charSinkASE
}

// ASE returns the endpoint's ASE by ID, or nil if unknown.
func (ep *Endpoint) ASE(id byte) *ASE { return ep.ases[id] }

func (ep *Endpoint) readStatusFor(id byte) func(gatt.Handle, int) ([]byte, error) {
	return func(gatt.Handle, int) ([]byte, error) {
		ase, ok := ep.ases[id]
		if !ok {
			return nil, gatt.NewATTError(gatt.ATTUnlikely)
		}
		return EncodeStatus(ase), nil
	}
}

func (ep *Endpoint) notifyStatus(ase *ASE) {
	attr, ok := ep.aseAttrs[ase.ID]
	if !ok {
		return
	}
	uuid := aseUUIDFor(ase.Direction)
	ep.surface.Notify(ep.conn, uuid, []gatt.Attr{{Handle: attr, UUID: uuid}}, EncodeStatus(ase))
	ep.metrics.SetAseCount(ase.State.String(), ep.countInState(ase.State))
	if ep.OnStateChange != nil {
		ep.OnStateChange(ase)
	}
}

func (ep *Endpoint) countInState(s State) int {
	n := 0
	for _, a := range ep.ases {
		if a.State == s {
			n++
		}
	}
	return n
}

// Detach implements §4.6 "bonded peers → detach": ASEs are kept cached
// (their configuration survives) but any bound transport channel is
// cleared, since the underlying CIS/BIS no longer exists.
func (ep *Endpoint) Detach() {
	for _, ase := range ep.ases {
		ase.Channel = nil
	}
}

// Clear implements §4.6 "non-bonded → clear": every ASE reverts fully to
// Idle, as there is no bond to justify remembering its configuration.
func (ep *Endpoint) Clear() {
	for _, ase := range ep.ases {
		ase.State = Idle
		ase.Codec = CodecConfig{}
		ase.QoS = QoSConfig{}
		ase.Metadata = nil
		ase.Channel = nil
	}
}

// EncodeStatus serialises one ASE's state-dependent status payload
// (§4.6 "Per-ASE notifications carry the serialised status"). The layout
// is deliberately minimal: ID, direction, state, then whatever fields that
// state makes meaningful.
func EncodeStatus(ase *ASE) []byte {
	buf := []byte{ase.ID, byte(ase.Direction), byte(ase.State)}
	switch ase.State {
	case Config, QoS:
		buf = append(buf, ase.Codec.CodecID, ase.Codec.TargetLatency, ase.Codec.TargetPHY, ase.Codec.Framing)
	case Enabling, Streaming, Disabling:
		buf = append(buf, byte(ase.QoS.PHY), ase.QoS.RetxNumber)
	}
	return buf
}
