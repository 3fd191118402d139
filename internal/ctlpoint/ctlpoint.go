// Package ctlpoint implements the validation steps common to every
// counter-checked control-point write (spec §4.1, steps 1-4): the offset,
// opcode, length, and change-counter guards shared verbatim by VCS, VOCS,
// and AICS. Each profile package still owns its own opcode table and
// semantic (step 5) and commit (step 6-8) logic — those differ enough
// between the three that folding them into this package would just be the
// "copy-pasted 200-line function" the design notes warn against, wearing a
// generic-looking hat.
package ctlpoint

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// OpcodeTable maps an opcode to the exact write length it requires,
// including the 2-byte opcode+counter header.
type OpcodeTable map[byte]int

// CheckOffset fails fragmented writes (§4.1 step 1). Control-point
// characteristics never support a nonzero write offset.
func CheckOffset(offset int) error {
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	return nil
}

// CheckOpcode validates opcode against table (§4.1 step 2). errOpcode is
// the profile-specific "opcode not supported" error to return.
func CheckOpcode(opcode byte, table OpcodeTable, errOpcode error) (wantLen int, err error) {
	wantLen, ok := table[opcode]
	if !ok {
		return 0, errOpcode
	}
	return wantLen, nil
}

// CheckLength enforces the exact length an opcode implies (§4.1 step 3).
func CheckLength(gotLen, wantLen int) error {
	if gotLen != wantLen {
		return gatt.NewATTError(gatt.ATTInvalidAttributeLength)
	}
	return nil
}

// CheckCounter enforces optimistic concurrency (§4.1 step 4). errCounter is
// the profile-specific "invalid change counter" error.
func CheckCounter(got, want byte, errCounter error) error {
	if got != want {
		return errCounter
	}
	return nil
}

// Validate runs the four shared guards in order and returns the opcode's
// operand slice (the write payload with the 2-byte opcode+counter header
// stripped) once every guard passes.
func Validate(data []byte, offset int, table OpcodeTable, errOpcode, errCounter error, currentCounter byte) (operand []byte, opcode byte, err error) {
	if err = CheckOffset(offset); err != nil {
		return nil, 0, err
	}
	if len(data) < 2 {
		return nil, 0, gatt.NewATTError(gatt.ATTInvalidAttributeLength)
	}
	opcode = data[0]
	counter := data[1]

	wantLen, err := CheckOpcode(opcode, table, errOpcode)
	if err != nil {
		return nil, opcode, err
	}
	if err = CheckLength(len(data), wantLen); err != nil {
		return nil, opcode, err
	}
	if err = CheckCounter(counter, currentCounter, errCounter); err != nil {
		return nil, opcode, err
	}
	return data[2:], opcode, nil
}

// NextCounter advances a change counter modulo 256 (§3.1 invariant).
func NextCounter(c byte) byte { return c + 1 }
