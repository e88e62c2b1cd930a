package audio

import "github.com/propvoice/voice-agent/internal/mic"

var (
	ErrPermissionDenied = mic.ErrPermissionDenied
	ErrNoInputDevice    = mic.ErrNoInputDevice
)

type (
	Capture = mic.Capture
	Device  = mic.Device
)
