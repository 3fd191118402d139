package vocs

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Service-layer error codes (§7.2), specific to VOCS.
const (
	ErrCodeInvalidChangeCounter byte = 0x80
	ErrCodeOpcodeNotSupported   byte = 0x81
	ErrCodeOutOfRange           byte = 0x82
)

func errInvalidChangeCounter() error {
	return &gatt.ATTError{Code: ErrCodeInvalidChangeCounter, Msg: "invalid change counter"}
}

func errOpcodeNotSupported() error {
	return &gatt.ATTError{Code: ErrCodeOpcodeNotSupported, Msg: "opcode not supported"}
}

func errOutOfRange() error {
	return &gatt.ATTError{Code: ErrCodeOutOfRange, Msg: "out of range"}
}
