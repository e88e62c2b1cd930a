package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSampleRate = 16000
	encodeTimeout     = 2 * time.Minute
)

// Recorder keeps a per-call copy of the microphone audio. Samples are
// spooled to <dir>/<call>.pcm and encoded to mp3 (or wav when no encoder
// is installed) once the call ends.
type Recorder struct {
	dir string

	mu         sync.Mutex
	callID     string
	spool      *os.File
	written    int64
	sampleRate int

	encode func(spoolPath, callID string, sampleRate int) (string, error)
}

func NewRecorder(dir string) *Recorder {
	if dir == "" {
		dir = filepath.Join("data", "audio")
	}
	r := &Recorder{dir: dir, sampleRate: defaultSampleRate}
	r.encode = r.encodeCall
	return r
}

// SetSampleRate records the capture rate of the stream being spooled. It
// is applied when the call is encoded.
func (r *Recorder) SetSampleRate(rate int) {
	if rate <= 0 {
		return
	}
	r.mu.Lock()
	r.sampleRate = rate
	r.mu.Unlock()
}

// Writer tees everything written to dst into the active call's recording.
// Recording failures are logged and never reach the audio path.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spool != nil
}

func (r *Recorder) StartCall(callID string) error {
	name, err := spoolName(callID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spool != nil {
		slog.Warn("discarding unfinished recording", "call_id", r.callID)
		r.discardLocked()
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}
	spool, err := os.Create(filepath.Join(r.dir, name+".pcm"))
	if err != nil {
		return fmt.Errorf("create recording spool: %w", err)
	}

	r.callID = name
	r.spool = spool
	r.written = 0
	return nil
}

// EndCall closes the spool and encodes it. It returns "" when nothing was
// being recorded or no audio arrived.
func (r *Recorder) EndCall() (string, error) {
	r.mu.Lock()
	spool, callID, written, rate := r.spool, r.callID, r.written, r.sampleRate
	r.spool, r.callID, r.written = nil, "", 0
	r.mu.Unlock()

	if spool == nil {
		return "", nil
	}
	spoolPath := spool.Name()
	if err := spool.Close(); err != nil {
		_ = os.Remove(spoolPath)
		return "", fmt.Errorf("close recording spool: %w", err)
	}
	if written == 0 {
		_ = os.Remove(spoolPath)
		return "", nil
	}

	path, err := r.encode(spoolPath, callID, rate)
	if err != nil {
		return "", fmt.Errorf("encode recording for call %s: %w", callID, err)
	}
	_ = os.Remove(spoolPath)
	return path, nil
}

func (r *Recorder) discardLocked() {
	path := r.spool.Name()
	_ = r.spool.Close()
	_ = os.Remove(path)
	r.spool, r.callID, r.written = nil, "", 0
}

func (r *Recorder) append(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spool == nil {
		return nil
	}
	n, err := r.spool.Write(p)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("append to recording spool: %w", err)
	}
	return nil
}

// spoolName rejects call ids that would escape the audio directory.
func spoolName(callID string) (string, error) {
	id := strings.TrimSpace(callID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid call id %q for recording", callID)
	}
	return id, nil
}

type encoder struct {
	name string
	args func(in, out string, rate int) []string
}

var mp3Encoders = []encoder{
	{name: "ffmpeg", args: func(in, out string, rate int) []string {
		return []string{"-hide_banner", "-loglevel", "error", "-y", "-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", "1", "-i", in, out}
	}},
	{name: "lame", args: func(in, out string, rate int) []string {
		khz := strconv.FormatFloat(float64(rate)/1000, 'f', -1, 64)
		return []string{"--quiet", "-r", "-s", khz, "--bitwidth", "16", "--signed", "--little-endian", "-m", "m", in, out}
	}},
}

func (r *Recorder) encodeCall(spoolPath, callID string, rate int) (string, error) {
	mp3Path := filepath.Join(r.dir, callID+".mp3")
	for _, enc := range mp3Encoders {
		bin, err := exec.LookPath(enc.name)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), encodeTimeout)
		err = exec.CommandContext(ctx, bin, enc.args(spoolPath, mp3Path, rate)...).Run()
		cancel()
		if err == nil {
			return mp3Path, nil
		}
		slog.Warn("mp3 encoder failed", "encoder", enc.name, "call_id", callID, "error", err)
	}

	wavPath := filepath.Join(r.dir, callID+".wav")
	if err := writeWAV(spoolPath, wavPath, rate); err != nil {
		return "", err
	}
	return wavPath, nil
}

// wavHeader is the canonical 44-byte header for mono 16-bit PCM.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newWAVHeader(dataSize uint32, rate int) wavHeader {
	const channels, bits = 1, 16
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      channels,
		SampleRate:    uint32(rate),
		ByteRate:      uint32(rate * channels * bits / 8),
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
}

func writeWAV(spoolPath, wavPath string, rate int) (err error) {
	in, err := os.Open(spoolPath)
	if err != nil {
		return fmt.Errorf("open recording spool: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat recording spool: %w", err)
	}

	out, err := os.Create(wavPath)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	if err := binary.Write(out, binary.LittleEndian, newWAVHeader(uint32(info.Size()), rate)); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return nil
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		if rerr := w.recorder.append(p[:n]); rerr != nil {
			slog.Warn("call recording write failed", "error", rerr)
		}
	}
	return n, err
}
