package call

import (
	"context"
	"io"
	"time"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/transcript"
)

// Descriptor identifies a session issued by the transport.
type Descriptor struct {
	CallID     string
	JoinTarget string
}

// Listener receives events for one connection. Status carries a non-nil
// error only with Error.
type Listener struct {
	Status      func(state State, err error)
	Transcripts func(utts []transcript.Utterance)
}

// Transport is the remote real-time voice session.
type Transport interface {
	CreateSession(ctx context.Context) (Descriptor, error)
	Connect(ctx context.Context, joinTarget string, l Listener) error
	Leave(ctx context.Context) error
	MuteMic() error
	UnmuteMic() error
	MuteSpeaker() error
	UnmuteSpeaker() error
	SendText(ctx context.Context, text string) error
	// AudioInput accepts PCM16-LE microphone audio for the live session.
	AudioInput() io.Writer
}

// Resources owns the microphone stream and level meter.
type Resources interface {
	Acquire(ctx context.Context, sink io.Writer) error
	Release()
	Live() bool
	SampleRate() int
}

type EventBus interface {
	Publish(name string, payload any) error
	Subscribe(name string, h bus.Handler) func()
}

// Interceptor rewrites listing-style agent lines and resolves them into
// search criteria. The controller publishes the resulting command so it can
// drop searches that outlive their call.
type Interceptor interface {
	transcript.Rewriter
	Resolve(ctx context.Context, text string) bus.SearchCriteria
}

type Store interface {
	CreateCall(id string, startedAt time.Time) error
	EndCall(id string, endedAt time.Time, audioPath string, failed bool) error
	AppendUtterance(callID string, entry transcript.Entry) error
	GetUtterances(callID string) ([]transcript.Entry, error)
	UpdateSummary(callID, summary, status string) error
}

type Recorder interface {
	StartCall(callID string) error
	EndCall() (string, error)
	SetSampleRate(rate int)
	Writer(dst io.Writer) io.Writer
}

type TranscriptWriter interface {
	StartCall(callID string, startedAt time.Time) error
	Append(entry transcript.Entry) error
}

type Summarizer interface {
	Summarize(ctx context.Context, callID, transcript string) (string, error)
}

type Broadcaster interface {
	BroadcastCallState(s Snapshot)
	BroadcastTranscript(log []transcript.Entry, speaking string)
	BroadcastAudioLevel(level int)
	BroadcastSummaryReady(callID, summary, status string)
}

// Snapshot is the externally visible view of the controller.
type Snapshot struct {
	State         State              `json:"state"`
	CallID        string             `json:"callId,omitempty"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	MicMuted      bool               `json:"micMuted"`
	SpeakerMuted  bool               `json:"speakerMuted"`
	Log           []transcript.Entry `json:"log"`
	Speaking      string             `json:"speaking,omitempty"`
	Level         int                `json:"level"`
	Error         string             `json:"error,omitempty"`
	ErrorKind     ErrorKind          `json:"errorKind,omitempty"`
	CanRetry      bool               `json:"canRetry"`
	ResourcesLive bool               `json:"resourcesLive"`
}
