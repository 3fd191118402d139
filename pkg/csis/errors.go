package csis

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Service-layer error codes for the Set Member Lock characteristic (§7.2).
// 0x81 is unused: the codes are 0x80 (invalid lock value), 0x82 (lock
// denied) and 0x83 (lock release denied).
const (
	ErrCodeInvalidLockValue  byte = 0x80
	ErrCodeLockDenied        byte = 0x82
	ErrCodeLockReleaseDenied byte = 0x83
)

func errInvalidLockValue() error {
	return &gatt.ATTError{Code: ErrCodeInvalidLockValue, Msg: "invalid lock value"}
}

func errLockDenied() error {
	return &gatt.ATTError{Code: ErrCodeLockDenied, Msg: "lock denied"}
}

func errLockReleaseDenied() error {
	return &gatt.ATTError{Code: ErrCodeLockReleaseDenied, Msg: "lock release denied"}
}
