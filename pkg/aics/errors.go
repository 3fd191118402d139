package aics

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Service-layer error codes (§7.2), specific to AICS.
const (
	ErrCodeInvalidChangeCounter byte = 0x80
	ErrCodeOpcodeNotSupported   byte = 0x81
	ErrCodeMuteDisabled         byte = 0x82
	ErrCodeGainModeNoSupport    byte = 0x84
)

func errInvalidChangeCounter() error {
	return &gatt.ATTError{Code: ErrCodeInvalidChangeCounter, Msg: "invalid change counter"}
}

func errOpcodeNotSupported() error {
	return &gatt.ATTError{Code: ErrCodeOpcodeNotSupported, Msg: "opcode not supported"}
}

func errMuteDisabled() error {
	return &gatt.ATTError{Code: ErrCodeMuteDisabled, Msg: "mute disabled"}
}

func errGainModeNoSupport() error {
	return &gatt.ATTError{Code: ErrCodeGainModeNoSupport, Msg: "gain mode not supported"}
}
