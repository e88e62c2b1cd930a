package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultMeterInterval approximates one display frame.
const DefaultMeterInterval = 16 * time.Millisecond

const streamStopTimeout = time.Second

// LevelFunc receives metered input levels in the range 0-100.
type LevelFunc func(level int)

type resourceSet struct {
	capture    Capture
	analyser   *Analyser
	rate       int
	cancel     context.CancelFunc
	streamDone chan struct{}
	meterDone  chan struct{}
}

// Manager owns at most one live microphone stream, level analyser and
// metering loop. Acquire is a no-op while a set is live and Release is a
// no-op once it has been released.
type Manager struct {
	device   Device
	rates    []int
	interval time.Duration
	onLevel  LevelFunc
	wait     func(time.Duration)

	mu  sync.Mutex
	set *resourceSet
}

type ManagerOption func(*Manager)

func WithSampleRates(rates []int) ManagerOption {
	return func(m *Manager) {
		if len(rates) > 0 {
			m.rates = rates
		}
	}
}

func WithMeterInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLevelFunc enables metering. Without it no analyser or loop is built.
func WithLevelFunc(fn LevelFunc) ManagerOption {
	return func(m *Manager) { m.onLevel = fn }
}

func NewManager(device Device, opts ...ManagerOption) *Manager {
	m := &Manager{
		device:   device,
		rates:    []int{16000, 48000, 44100, 32000, 24000},
		interval: DefaultMeterInterval,
		wait:     time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire opens the microphone and starts copying its samples to sink. The
// first sample rate the device accepts wins.
func (m *Manager) Acquire(ctx context.Context, sink io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.set != nil {
		return nil
	}

	ok, err := m.device.HasInput()
	if err != nil {
		return fmt.Errorf("check input devices: %w", err)
	}
	if !ok {
		return ErrNoInputDevice
	}

	var capture Capture
	var rate int
	var lastErr error
	for _, candidate := range m.rates {
		c, err := m.device.Open(candidate)
		if err != nil {
			slog.Warn("microphone open failed", "sample_rate", candidate, "error", err)
			lastErr = err
			if errors.Is(err, ErrNoInputDevice) {
				break
			}
			continue
		}
		capture, rate = c, candidate
		break
	}
	if capture == nil {
		if lastErr == nil {
			lastErr = ErrNoInputDevice
		}
		return fmt.Errorf("open microphone: %w", lastErr)
	}

	if err := ctx.Err(); err != nil {
		if stopErr := capture.Stop(); stopErr != nil {
			slog.Warn("microphone stop failed", "error", stopErr)
		}
		return err
	}

	if sink == nil {
		sink = io.Discard
	}

	runCtx, cancel := context.WithCancel(context.Background())
	set := &resourceSet{
		capture:    capture,
		rate:       rate,
		cancel:     cancel,
		streamDone: make(chan struct{}),
	}

	writer := sink
	if m.onLevel != nil {
		set.analyser = NewAnalyser()
		set.meterDone = make(chan struct{})
		writer = io.MultiWriter(sink, set.analyser)
		go m.meter(runCtx, set.analyser, set.meterDone)
	}

	go func() {
		defer close(set.streamDone)
		if err := streamWithRetry(runCtx, capture, writer, m.wait); err != nil {
			slog.Error("mic stream failed", "sample_rate", rate, "error", err)
		}
	}()

	m.set = set
	slog.Info("microphone acquired", "sample_rate", rate)
	return nil
}

func (m *Manager) meter(ctx context.Context, a *Analyser, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := a.Level()
			if ctx.Err() != nil {
				return
			}
			m.onLevel(level)
		}
	}
}

// Release stops the stream and metering loop and drops every reference.
// It returns once the metering loop has exited, then reports a zero level.
// Callers must not hold locks that the level callback takes.
func (m *Manager) Release() {
	m.mu.Lock()
	set := m.set
	m.set = nil
	m.mu.Unlock()

	if set == nil {
		return
	}

	set.cancel()
	if err := set.capture.Stop(); err != nil {
		slog.Warn("microphone stop failed", "error", err)
	}
	if set.meterDone != nil {
		<-set.meterDone
	}
	select {
	case <-set.streamDone:
	case <-time.After(streamStopTimeout):
		slog.Warn("mic stream did not stop in time")
	}

	if m.onLevel != nil {
		m.onLevel(0)
	}
	slog.Info("microphone released")
}

func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set != nil
}

// SampleRate is the live capture rate, or 0 when nothing is acquired.
func (m *Manager) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		return 0
	}
	return m.set.rate
}
