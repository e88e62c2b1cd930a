// Package mic holds the microphone contract shared by the capture backend and
// the call controller. It has no cgo dependencies.
package mic

import (
	"errors"
	"io"
)

var (
	ErrPermissionDenied = errors.New("microphone access denied")
	ErrNoInputDevice    = errors.New("no microphone detected")
)

// Capture is a started microphone stream.
type Capture interface {
	// Stream copies PCM16-LE mono samples to w until Stop is called or the
	// stream fails.
	Stream(w io.Writer) error
	Stop() error
}

// Device opens capture streams on the host's input hardware.
type Device interface {
	HasInput() (bool, error)
	Open(sampleRate int) (Capture, error)
}
