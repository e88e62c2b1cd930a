package audio

import (
	"fmt"
	"strings"
	"sync"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from the default input through the Deepgram SDK
// microphone wrapper.
type PortAudioDevice struct {
	initOnce sync.Once
}

func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

func (d *PortAudioDevice) init() {
	d.initOnce.Do(microphone.Initialize)
}

// Close releases the PortAudio library.
func (d *PortAudioDevice) Close() {
	microphone.Teardown()
}

func (d *PortAudioDevice) HasInput() (bool, error) {
	d.init()
	devices, err := portaudio.Devices()
	if err != nil {
		return false, fmt.Errorf("enumerate audio devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (d *PortAudioDevice) Open(sampleRate int) (Capture, error) {
	d.init()
	mic, err := microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(sampleRate)})
	if err != nil {
		return nil, classifyOpenError(err)
	}
	if err := mic.Start(); err != nil {
		_ = mic.Stop()
		return nil, classifyOpenError(err)
	}
	return mic, nil
}

// classifyOpenError maps host audio failures onto the two user-actionable
// cases. Anything that is not a missing device is treated as refused access.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no default input") || strings.Contains(msg, "invalid device") || strings.Contains(msg, "device unavailable") {
		return fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
}

// OpenSpeaker opens the default output for agent playback.
func (d *PortAudioDevice) OpenSpeaker(sampleRate, framesPerBuffer int) (*Speaker, error) {
	d.init()
	return NewSpeaker(sampleRate, framesPerBuffer)
}

type DeviceInfo struct {
	Name              string
	HostAPI           string
	InputChannels     int
	DefaultSampleRate float64
	Default           bool
}

// InputDevices lists every device with at least one input channel.
func (d *PortAudioDevice) InputDevices() ([]DeviceInfo, error) {
	d.init()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}

	defaultName := ""
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		info := DeviceInfo{
			Name:              dev.Name,
			InputChannels:     dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           dev.Name == defaultName,
		}
		if dev.HostApi != nil {
			info.HostAPI = dev.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}
