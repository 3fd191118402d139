package gatt

// APICode is a negative application-layer status, the third error layer of
// §7: what a local API call returns to its caller, as distinct from an
// over-the-air ATT code.
type APICode int

const (
	APINotConnected      APICode = -1
	APIInvalidArgument    APICode = -2
	APIBusy               APICode = -3
	APINotSupported       APICode = -4
	APINotPermitted       APICode = -5
	APIAlreadyInitialised APICode = -6
	APIOutOfRangeIndex    APICode = -7
	APINoMemory           APICode = -8
)

var apiCodeText = map[APICode]string{
	APINotConnected:       "not connected",
	APIInvalidArgument:    "invalid argument",
	APIBusy:               "busy",
	APINotSupported:       "not supported",
	APINotPermitted:       "not permitted",
	APIAlreadyInitialised: "already initialised",
	APIOutOfRangeIndex:    "index out of range",
	APINoMemory:           "no memory",
}

// APIError is returned by local (non-wire) entry points: acquiring an
// instance, subscribing a client, issuing a local control-point call.
type APIError struct {
	Code APICode
}

func (e *APIError) Error() string {
	if msg, ok := apiCodeText[e.Code]; ok {
		return msg
	}
	return "api error"
}

func NewAPIError(code APICode) *APIError { return &APIError{Code: code} }

// Is supports errors.Is(err, gatt.NewAPIError(gatt.APIBusy)) style checks.
func (e *APIError) Is(target error) bool {
	other, ok := target.(*APIError)
	return ok && other.Code == e.Code
}
