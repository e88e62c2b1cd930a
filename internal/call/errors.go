package call

import (
	"errors"

	"github.com/propvoice/voice-agent/internal/mic"
)

var (
	ErrPermissionDenied = mic.ErrPermissionDenied
	ErrNoInputDevice    = mic.ErrNoInputDevice
	ErrInvalidState     = errors.New("operation not valid in current call state")
)

// TransportError wraps a failure of the remote voice session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNoInputDevice    ErrorKind = "no_input_device"
	KindTransport        ErrorKind = "transport"
	KindInternal         ErrorKind = "internal"
)

func kindOf(err error) ErrorKind {
	var te *TransportError
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNoInputDevice):
		return KindNoInputDevice
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindInternal
	}
}

// userMessage is the text shown next to the retry control.
func userMessage(kind ErrorKind) string {
	switch kind {
	case KindPermissionDenied:
		return "Microphone access was denied. Allow microphone access and try again."
	case KindNoInputDevice:
		return "No microphone detected. Connect a microphone and try again."
	case KindTransport:
		return "The voice agent could not be reached. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
