package ascs

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Opcodes on the ASCS control point (§4.6): unlike VCS/VOCS/AICS, each
// write carries a list of ASE IDs rather than acting on a single implicit
// instance, so there is no change-counter here — see the package doc.
const (
	OpConfigCodec        byte = 0x01
	OpConfigQoS          byte = 0x02
	OpEnable             byte = 0x03
	OpReceiverStartReady byte = 0x04
	OpDisable            byte = 0x05
	OpReceiverStopReady  byte = 0x06
	OpUpdateMetadata     byte = 0x07
	OpRelease            byte = 0x08
)

// RespCode is one ASE's per-opcode result, reported in the response array
// rather than as an ATT-layer error (§4.6).
type RespCode byte

const (
	RespSuccess             RespCode = 0x00
	RespUnsupportedOpcode   RespCode = 0x01
	RespInvalidASE          RespCode = 0x02
	RespInvalidASEState     RespCode = 0x03
	RespConfigInvalid       RespCode = 0x04
	RespConfigUnsupported   RespCode = 0x05
	RespConfigRejected      RespCode = 0x06
	RespMetadataInvalid     RespCode = 0x07
	RespMetadataUnsupported RespCode = 0x08
	RespNoMemory            RespCode = 0x09
	RespUnspecified         RespCode = 0x0A
)

// Reason disambiguates which config field a RespConfig* code refers to
// (§4.6 "reason disambiguates which config field failed").
type Reason byte

const (
	ReasonNone              Reason = 0x00
	ReasonCodecID           Reason = 0x01
	ReasonCodecData         Reason = 0x02
	ReasonSDUInterval       Reason = 0x03
	ReasonFraming           Reason = 0x04
	ReasonPHY               Reason = 0x05
	ReasonMaxSDU            Reason = 0x06
	ReasonRetxNumber        Reason = 0x07
	ReasonMaxLatency        Reason = 0x08
	ReasonPresentationDelay Reason = 0x09
	ReasonMetadata          Reason = 0x0A
)

// numASesTruncated is the overloaded num_ases value sent when the opcode
// itself is unsupported or the request could not be fully parsed (§4.6
// "num_ases is overloaded... it is 0xFF").
const numASesTruncated byte = 0xFF

// aseResult is one entry of the response array.
type aseResult struct {
	id     byte
	code   RespCode
	reason Reason
}

// writeControlPoint dispatches one control-point write. Per §4.6 the
// result of each submitted ASE ID travels back via a single notification
// carrying the response array, not via the ATT write's own status; the ATT
// write itself only fails for a nonzero offset or a malformed packet too
// short to contain even an opcode and count.
func (ep *Endpoint) writeControlPoint(conn gatt.Handle, data []byte, offset int) error {
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	if len(data) < 2 {
		return gatt.NewATTError(gatt.ATTInvalidAttributeLength)
	}

	opcode := data[0]
	numASes := int(data[1])
	body := data[2:]

	handler, ok := opcodeHandlers[opcode]
	if !ok {
		ep.notifyControlResponse(opcode, numASesTruncated, nil)
		ep.metrics.ObserveWrite("ascs", "unsupported_opcode")
		return nil
	}

	entries, ok := splitEntries(body, numASes, handler.framing, handler.entryLen)
	if !ok {
		ep.notifyControlResponse(opcode, numASesTruncated, nil)
		ep.metrics.ObserveWrite("ascs", "truncated")
		return nil
	}

	results := make([]aseResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, ep.applyOne(handler, e))
	}
	ep.notifyControlResponse(opcode, byte(len(results)), results)
	return nil
}

// framing selects how splitEntries carves one per-ASE record out of the
// control-point body, since the three opcode shapes in §4.6 are not
// byte-compatible: a fixed-width QoS record, an ID with no operand at
// all, and an ID followed by a one-byte-length-prefixed blob.
type framing int

const (
	framingFixed          framing = iota // entryLen bytes total, including the ID
	framingIDOnly                        // just the ID byte, no operand
	framingLengthPrefixed                // ID(1) + len(1) + len bytes
)

type opcodeHandler struct {
	framing framing
	entryLen int // meaningful only for framingFixed; includes the ID byte
	apply    func(ep *Endpoint, ase *ASE, operand []byte) (RespCode, Reason)
}

var opcodeHandlers = map[byte]opcodeHandler{
	OpConfigCodec:        {framing: framingLengthPrefixed, apply: applyConfigCodec},
	OpConfigQoS:          {framing: framingFixed, entryLen: 15, apply: applyConfigQoS},
	OpEnable:             {framing: framingLengthPrefixed, apply: applyEnable},
	OpReceiverStartReady: {framing: framingIDOnly, apply: applyReceiverStartReady},
	OpDisable:            {framing: framingIDOnly, apply: applyDisable},
	OpReceiverStopReady:  {framing: framingIDOnly, apply: applyReceiverStopReady},
	OpUpdateMetadata:     {framing: framingLengthPrefixed, apply: applyUpdateMetadata},
	OpRelease:            {framing: framingIDOnly, apply: applyRelease},
}

// entry is one parsed {ASE ID, per-ASE operand} pair, operand stripped of
// the leading ID byte (and, for framingLengthPrefixed, the length byte).
type entry struct {
	id      byte
	operand []byte
}

// splitEntries walks body, slicing out n per-ASE records according to f.
func splitEntries(body []byte, n int, f framing, fixedLen int) ([]entry, bool) {
	if n <= 0 || n > 255 {
		return nil, false
	}
	out := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		if len(body) < 1 {
			return nil, false
		}
		id := body[0]
		rest := body[1:]

		switch f {
		case framingIDOnly:
			out = append(out, entry{id: id})
			body = rest

		case framingFixed:
			want := fixedLen - 1
			if len(rest) < want {
				return nil, false
			}
			out = append(out, entry{id: id, operand: rest[:want]})
			body = rest[want:]

		case framingLengthPrefixed:
			if len(rest) < 1 {
				return nil, false
			}
			blobLen := int(rest[0])
			if len(rest) < 1+blobLen {
				return nil, false
			}
			out = append(out, entry{id: id, operand: rest[1 : 1+blobLen]})
			body = rest[1+blobLen:]
		}
	}
	return out, true
}

func (ep *Endpoint) applyOne(h opcodeHandler, e entry) aseResult {
	ase, ok := ep.ases[e.id]
	if !ok {
		return aseResult{id: e.id, code: RespInvalidASE}
	}
	code, reason := h.apply(ep, ase, e.operand)
	if code == RespSuccess {
		ep.notifyStatus(ase)
		ep.metrics.ObserveWrite("ascs", "applied")
	} else {
		ep.metrics.ObserveWrite("ascs", "rejected")
	}
	return aseResult{id: e.id, code: code, reason: reason}
}

// --- per-opcode semantics (§4.6 state diagram) ---

func applyConfigCodec(ep *Endpoint, ase *ASE, operand []byte) (RespCode, Reason) {
	if ase.State != Idle && ase.State != Config && ase.State != QoS {
		return RespInvalidASEState, ReasonNone
	}
	if len(operand) < 4 {
		return RespConfigInvalid, ReasonCodecData
	}
	ase.Codec = CodecConfig{
		TargetLatency: operand[0],
		TargetPHY:     operand[1],
		CodecID:       operand[2],
		CodecData:     append([]byte(nil), operand[3:]...),
	}
	ase.State = Config
	return RespSuccess, ReasonNone
}

func applyConfigQoS(ep *Endpoint, ase *ASE, operand []byte) (RespCode, Reason) {
	if ase.State != Config && ase.State != QoS {
		return RespInvalidASEState, ReasonNone
	}
	if len(operand) != 14 {
		return RespConfigInvalid, ReasonSDUInterval
	}
	sduInterval := le24(operand[0:3])
	framing := operand[3]
	phy := operand[4]
	maxSDU := le16(operand[5:7])
	retx := operand[7]
	maxLatency := le16(operand[8:10])
	pd := le24(operand[10:13])
	// operand[13] reserved/padding to keep the record 15 bytes including
	// the leading ID that splitEntries already stripped.
	if framing > 1 {
		return RespConfigRejected, ReasonFraming
	}
	ase.QoS = QoSConfig{
		SDUInterval:         sduInterval,
		Framing:             framing,
		PHY:                 phy,
		MaxSDU:              maxSDU,
		RetxNumber:          retx,
		MaxTransportLatency: maxLatency,
		PresentationDelay:   pd,
	}
	ase.State = QoS
	return RespSuccess, ReasonNone
}

func applyEnable(ep *Endpoint, ase *ASE, operand []byte) (RespCode, Reason) {
	if ase.State != QoS {
		return RespInvalidASEState, ReasonNone
	}
	ase.Metadata = append([]byte(nil), operand...)
	ase.State = Enabling
	return RespSuccess, ReasonNone
}

func applyReceiverStartReady(ep *Endpoint, ase *ASE, _ []byte) (RespCode, Reason) {
	if ase.State != Enabling {
		return RespInvalidASEState, ReasonNone
	}
	ase.State = Streaming
	return RespSuccess, ReasonNone
}

func applyDisable(ep *Endpoint, ase *ASE, _ []byte) (RespCode, Reason) {
	if ase.State != Enabling && ase.State != Streaming {
		return RespInvalidASEState, ReasonNone
	}
	ase.State = Disabling
	return RespSuccess, ReasonNone
}

func applyReceiverStopReady(ep *Endpoint, ase *ASE, _ []byte) (RespCode, Reason) {
	if ase.State != Disabling {
		return RespInvalidASEState, ReasonNone
	}
	ase.State = QoS
	ase.Channel = nil
	return RespSuccess, ReasonNone
}

func applyUpdateMetadata(ep *Endpoint, ase *ASE, operand []byte) (RespCode, Reason) {
	if ase.State != Enabling && ase.State != Streaming {
		return RespInvalidASEState, ReasonNone
	}
	ase.Metadata = append([]byte(nil), operand...)
	return RespSuccess, ReasonNone
}

// applyRelease implements the Releasing transient: since this engine has
// no ISO data-plane transport to wait on (§1 Non-goals), there is nothing
// to keep an ASE in Releasing for, so it notifies once in that state and
// immediately completes the teardown to Idle.
func applyRelease(ep *Endpoint, ase *ASE, _ []byte) (RespCode, Reason) {
	if ase.State == Idle {
		return RespInvalidASEState, ReasonNone
	}
	ase.State = Releasing
	ep.notifyStatus(ase)
	ase.State = Idle
	ase.Codec = CodecConfig{}
	ase.QoS = QoSConfig{}
	ase.Metadata = nil
	ase.Channel = nil
	return RespSuccess, ReasonNone
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le24(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 }

// notifyControlResponse builds and sends the single response-array
// notification for one control-point transaction (§4.6).
func (ep *Endpoint) notifyControlResponse(opcode, numASes byte, results []aseResult) {
	buf := []byte{opcode, numASes}
	for _, r := range results {
		buf = append(buf, r.id, byte(r.code), byte(r.reason))
	}
	ep.surface.Notify(ep.conn, charControlPoint, []gatt.Attr{{Handle: ep.attrControl, UUID: charControlPoint}}, buf)
}
