package csis

import "time"

// csisADType is the GAP AD type reserved for RSI/PSRI advertising data in
// the Bluetooth CSIS profile.
const csisADType byte = 0x2E

// Advertiser is the narrow collaborator CSIS needs from the host's
// advertising scheduler (§6, "advertising scheduler"): start connectable
// scannable advertising carrying a fixed payload for duration, and report
// back via onExpire when that round ends so the engine can rotate the
// PSRI. Nothing in this package talks to a real radio.
type Advertiser interface {
	Start(data []byte, duration time.Duration, onExpire func())
	Stop()
}

// GeneratePSRI implements §4.5 "PSRI (used in advertising)": a repeatedly
// regenerated 24-bit prand, constrained to bit 22 set / bit 23 clear and
// excluded from {0, 0x3FFFFF}, concatenated with its Set Identity Hash.
func (e *Engine) GeneratePSRI() [6]byte {
	var prand [3]byte
	for {
		e.crypto.Random(prand[:])
		v := uint32(prand[0]) | uint32(prand[1])<<8 | uint32(prand[2])<<16
		v &^= 0x800000 // bit 23 clear
		v |= 0x400000  // bit 22 set
		if v == 0 || v == 0x3FFFFF {
			continue
		}
		prand[0] = byte(v)
		prand[1] = byte(v >> 8)
		prand[2] = byte(v >> 16)
		break
	}
	hash := e.crypto.Sih(e.sirk, prand)

	var psri [6]byte
	copy(psri[:3], hash[:])
	copy(psri[3:], prand[:])
	return psri
}

// BuildAdvertisingData assembles the GAP structures CSIS advertises:
// flags, then the CSIS AD type carrying PSRI (§4.5, §6.4).
func BuildAdvertisingData(psri [6]byte, flags byte) []byte {
	out := make([]byte, 0, 3+2+len(psri))
	out = append(out, 0x02, 0x01, flags) // length, AD type 0x01 (Flags), value
	out = append(out, byte(1+len(psri)), csisADType)
	out = append(out, psri[:]...)
	return out
}

// StartAdvertising implements §4.5 "Advertising": compute a fresh PSRI,
// build advertising data, and start a round lasting ~90% of the RPA
// timeout so the controller's address rotation and CSIS's PSRI rotation
// stay in lockstep. On expiry it restarts with a newly regenerated PSRI.
func (e *Engine) StartAdvertising(adv Advertiser) {
	e.adv = adv
	e.advActive = true
	e.rotateAdvertising()
}

func (e *Engine) rotateAdvertising() {
	if !e.advActive {
		return
	}
	e.advPSRI = e.GeneratePSRI()
	data := BuildAdvertisingData(e.advPSRI, 0x06) // LE General Discoverable | BR/EDR Not Supported
	duration := time.Duration(float64(e.cfg.RPATimeout) * 0.9)
	e.adv.Start(data, duration, e.rotateAdvertising)
}

// StopAdvertising halts the rotation loop and the underlying Advertiser.
func (e *Engine) StopAdvertising() {
	e.advActive = false
	if e.adv != nil {
		e.adv.Stop()
	}
}

// CurrentPSRI returns the most recently generated advertising PSRI, mostly
// useful for tests asserting §8's validity property against what actually
// went out over the air.
func (e *Engine) CurrentPSRI() [6]byte { return e.advPSRI }
