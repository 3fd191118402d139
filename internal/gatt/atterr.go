package gatt

import "fmt"

// ATTCode is a standard Attribute Protocol error code, shared by every
// profile in this engine (§7.1). Profile-specific application error codes
// are named constants in each package's own errors.go and travel in the
// same *ATTError type, so the code alone does not say which profile
// raised it.
type ATTCode byte

const (
	ATTInvalidOffset          ATTCode = 0x07
	ATTInvalidAttributeLength ATTCode = 0x0D
	ATTUnlikely               ATTCode = 0x0E
	ATTWriteRequestRejected   ATTCode = 0xFC
)

func (c ATTCode) String() string {
	switch c {
	case ATTInvalidOffset:
		return "invalid offset"
	case ATTInvalidAttributeLength:
		return "invalid attribute length"
	case ATTUnlikely:
		return "unlikely error"
	case ATTWriteRequestRejected:
		return "write request rejected"
	default:
		return fmt.Sprintf("att error 0x%02x", byte(c))
	}
}

// ATTError wraps a standard or profile-specific application error code as
// it would travel back over the wire from a control-point write.
type ATTError struct {
	Code byte
	Msg  string
}

func (e *ATTError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("att error 0x%02x", e.Code)
}

// NewATTError builds an ATTError for a standard code.
func NewATTError(code ATTCode) *ATTError {
	return &ATTError{Code: byte(code), Msg: code.String()}
}

// CodeOf extracts the ATT application error byte from err, when err (or
// something it wraps) is an *ATTError. ok is false for any other error,
// including transport failures that never reached the protocol layer.
func CodeOf(err error) (code byte, ok bool) {
	var ae *ATTError
	if asATTError(err, &ae) {
		return ae.Code, true
	}
	return 0, false
}

func asATTError(err error, target **ATTError) bool {
	for err != nil {
		if ae, okT := err.(*ATTError); okT {
			*target = ae
			return true
		}
		unwrapper, okU := err.(interface{ Unwrap() error })
		if !okU {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
