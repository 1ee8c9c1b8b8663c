package dispense

import (
	"errors"
	"net/http"
)

// Kind classifies a failed lookup or dispense.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidFormat
	KindNotFound
	KindMalformedRecord
	KindNoMappableMedicines
	KindWriteFailed
	KindNoResponse
	KindUnavailable
)

var kindInfo = map[Kind]struct {
	code   string
	status int
}{
	KindInternal:            {"INTERNAL", http.StatusInternalServerError},
	KindInvalidFormat:       {"INVALID_FORMAT", http.StatusBadRequest},
	KindNotFound:            {"NOT_FOUND", http.StatusNotFound},
	KindMalformedRecord:     {"MALFORMED_RECORD", http.StatusInternalServerError},
	KindNoMappableMedicines: {"NO_MAPPABLE_MEDICINES", http.StatusNotFound},
	KindWriteFailed:         {"DEVICE_WRITE_FAILED", http.StatusInternalServerError},
	KindNoResponse:          {"DEVICE_NO_RESPONSE", http.StatusGatewayTimeout},
	KindUnavailable:         {"DEVICE_UNAVAILABLE", http.StatusServiceUnavailable},
}

// Code is the stable machine-readable name of the kind.
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return kindInfo[KindInternal].code
}

// HTTPStatus is the response status a kind maps to.
func (k Kind) HTTPStatus() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

func (k Kind) String() string { return k.Code() }

// Error is the only error type returned by the Orchestrator. Message is safe
// to show to clients; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Code() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Code() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// Codes lists every error code in Kind order.
func Codes() []string {
	codes := make([]string, 0, len(kindInfo))
	for k := KindInternal; k <= KindUnavailable; k++ {
		codes = append(codes, k.Code())
	}
	return codes
}
