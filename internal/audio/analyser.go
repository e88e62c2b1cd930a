package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Level meter tuned to match a browser AnalyserNode with its default
// decibel range and smoothing.
const (
	fftSize        = 256
	minDecibels    = -100.0
	maxDecibels    = -30.0
	smoothing      = 0.8
	levelScale     = 2.0
	maxLevel       = 100
	bytesPerSample = 2
)

var blackman = func() []float64 {
	w := make([]float64, fftSize)
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(fftSize)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}()

// Analyser is an io.Writer that keeps the most recent fftSize samples and
// reports their spectral energy as a 0-100 level.
type Analyser struct {
	mu       sync.Mutex
	ring     [fftSize]float64
	pos      int
	carry    []byte
	smoothed [fftSize / 2]float64
}

func NewAnalyser() *Analyser {
	return &Analyser{}
}

func (a *Analyser) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := p
	if len(a.carry) > 0 {
		data = append(a.carry, p...)
		a.carry = nil
	}
	for len(data) >= bytesPerSample {
		sample := int16(binary.LittleEndian.Uint16(data))
		a.ring[a.pos] = float64(sample) / 32768.0
		a.pos = (a.pos + 1) % fftSize
		data = data[bytesPerSample:]
	}
	if len(data) == 1 {
		a.carry = []byte{data[0]}
	}
	return len(p), nil
}

// Level averages the byte-scaled frequency bins and maps them onto 0-100.
func (a *Analyser) Level() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var frame [fftSize]float64
	for i := 0; i < fftSize; i++ {
		frame[i] = a.ring[(a.pos+i)%fftSize] * blackman[i]
	}

	var sum float64
	for k := 0; k < fftSize/2; k++ {
		var re, im float64
		for n := 0; n < fftSize; n++ {
			angle := -2 * math.Pi * float64(k) * float64(n) / float64(fftSize)
			re += frame[n] * math.Cos(angle)
			im += frame[n] * math.Sin(angle)
		}
		mag := math.Hypot(re, im) / fftSize
		a.smoothed[k] = smoothing*a.smoothed[k] + (1-smoothing)*mag
		sum += byteMagnitude(a.smoothed[k])
	}

	avg := sum / float64(fftSize/2)
	return clampLevel(avg * levelScale)
}

// Reset clears buffered samples and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = [fftSize]float64{}
	a.smoothed = [fftSize / 2]float64{}
	a.pos = 0
	a.carry = nil
}

func byteMagnitude(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(255, scaled))
}

func clampLevel(v float64) int {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= maxLevel {
		return maxLevel
	}
	return int(math.Round(v))
}
