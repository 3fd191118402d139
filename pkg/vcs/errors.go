package vcs

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Service-layer error codes (§7.2), specific to VCS.
const (
	ErrCodeInvalidChangeCounter byte = 0x80
	ErrCodeOpcodeNotSupported   byte = 0x81
)

func errInvalidChangeCounter() error {
	return &gatt.ATTError{Code: ErrCodeInvalidChangeCounter, Msg: "invalid change counter"}
}

func errOpcodeNotSupported() error {
	return &gatt.ATTError{Code: ErrCodeOpcodeNotSupported, Msg: "opcode not supported"}
}
