package audio

import (
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Speaker plays PCM16-LE mono audio on the default output device.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	filled int
	carry  []byte
}

// NewSpeaker opens a PortAudio playback stream with the given sample rate
// and buffer size (in frames). PortAudio must already be initialized.
func NewSpeaker(sampleRate, framesPerBuffer int) (*Speaker, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Speaker{stream: stream, buf: buf}, nil
}

func (s *Speaker) Start() error { return s.stream.Start() }

func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stream.Stop(); err != nil {
		return err
	}
	return s.stream.Close()
}

// Write queues samples and blocks while full buffers are played. A trailing
// odd byte is held until the next call.
func (s *Speaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := p
	if len(s.carry) > 0 {
		data = append(s.carry, p...)
		s.carry = nil
	}

	for len(data) >= 2 {
		s.buf[s.filled] = int16(binary.LittleEndian.Uint16(data))
		s.filled++
		data = data[2:]
		if s.filled == len(s.buf) {
			s.filled = 0
			if err := s.stream.Write(); err != nil {
				return len(p), err
			}
		}
	}
	if len(data) == 1 {
		s.carry = []byte{data[0]}
	}
	return len(p), nil
}
