// Package call owns the lifetime of one voice conversation: resource
// acquisition, the transport session, transcript reconciliation and the
// guaranteed teardown on every exit path.
package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/storage"
	"github.com/propvoice/voice-agent/internal/transcript"
)

const (
	DefaultLeaveTimeout = 2 * time.Second
	intentTimeout       = 10 * time.Second
	summaryTimeout      = 2 * time.Minute
)

// Deps wires a Controller. Transport, Resources and Bus are required.
type Deps struct {
	Transport   Transport
	Resources   Resources
	Bus         EventBus
	Interceptor Interceptor
	Store       Store
	Recorder    Recorder
	Transcripts TranscriptWriter
	Summarizer  Summarizer
	UI          Broadcaster

	LeaveTimeout   time.Duration
	MinProvisional int
}

// Controller runs the call state machine. Operations are serialized by opMu;
// mu guards the state they share with transport callbacks. Transport
// callbacks never take opMu.
type Controller struct {
	transport    Transport
	resources    Resources
	bus          EventBus
	intents      Interceptor
	store        Store
	recorder     Recorder
	transcripts  TranscriptWriter
	summarizer   Summarizer
	ui           Broadcaster
	engine       *transcript.Engine
	leaveTimeout time.Duration
	now          func() time.Time

	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	generation   uint64
	callID       string
	startedAt    time.Time
	micMuted     bool
	speakerMuted bool
	log          []transcript.Entry
	speaking     string
	lastErr      error
	startCancel  context.CancelFunc
	callCtx      context.Context
	callCancel   context.CancelFunc

	// searchMu is held for reading while a search command is published and
	// for writing by End, so no command outlives the call that produced it.
	searchMu sync.RWMutex

	level  atomic.Int32
	wg     sync.WaitGroup
	unsubs []func()
}

func NewController(d Deps) *Controller {
	leaveTimeout := d.LeaveTimeout
	if leaveTimeout <= 0 {
		leaveTimeout = DefaultLeaveTimeout
	}

	opts := []transcript.Option{}
	if d.MinProvisional > 0 {
		opts = append(opts, transcript.WithMinProvisional(d.MinProvisional))
	}
	if d.Interceptor != nil {
		opts = append(opts, transcript.WithRewriter(d.Interceptor))
	}

	c := &Controller{
		transport:    d.Transport,
		resources:    d.Resources,
		bus:          d.Bus,
		intents:      d.Interceptor,
		store:        d.Store,
		recorder:     d.Recorder,
		transcripts:  d.Transcripts,
		summarizer:   d.Summarizer,
		ui:           d.UI,
		engine:       transcript.NewEngine(opts...),
		leaveTimeout: leaveTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		state:        Idle,
	}

	c.unsubs = append(c.unsubs,
		d.Bus.Subscribe(bus.AgentRequestedHangup, c.onHangupRequested),
		d.Bus.Subscribe(bus.OpenVoiceAgent, func(bus.Event) {
			c.background(func() {
				if err := c.Start(context.Background()); err != nil {
					slog.Warn("open voice agent failed", "error", err)
				}
			})
		}),
		d.Bus.Subscribe(bus.CloseVoiceAgent, func(bus.Event) {
			c.background(func() { c.Close(context.Background()) })
		}),
	)

	return c
}

// Detach removes the controller's bus subscriptions.
func (c *Controller) Detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// Wait blocks until background work (intent dispatch, summaries, bus
// triggered operations) has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) background(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Start opens a new conversation. A previous call that ended in Error or
// Disconnected is torn down first; nothing from it carries over.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case Idle:
	case Error, Disconnected:
		c.endLocked()
	default:
		return ErrInvalidState
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.state = Idle
	c.callID = ""
	c.startedAt = time.Time{}
	c.micMuted = false
	c.speakerMuted = false
	c.log = nil
	c.speaking = ""
	c.lastErr = nil
	c.startCancel = cancel
	if c.callCancel != nil {
		c.callCancel()
	}
	c.callCtx, c.callCancel = context.WithCancel(context.Background())
	c.engine.Reset()
	c.mu.Unlock()
	c.level.Store(0)

	defer func() {
		c.mu.Lock()
		c.startCancel = nil
		c.mu.Unlock()
	}()

	c.broadcastState()
	c.broadcastTranscript()

	if err := c.resources.Acquire(startCtx, c.audioSink()); err != nil {
		c.resources.Release()
		return c.fail(gen, fmt.Errorf("acquire microphone: %w", err))
	}
	if c.recorder != nil {
		c.recorder.SetSampleRate(c.resources.SampleRate())
	}

	desc, err := c.transport.CreateSession(startCtx)
	if err != nil {
		c.resources.Release()
		return c.fail(gen, &TransportError{Op: "create session", Err: err})
	}

	startedAt := c.now()
	c.mu.Lock()
	c.callID = desc.CallID
	c.startedAt = startedAt
	c.mu.Unlock()
	c.transition(gen, Initializing)
	c.beginRecords(desc.CallID, startedAt)

	if err := c.transport.Connect(startCtx, desc.JoinTarget, c.listener(gen)); err != nil {
		c.resources.Release()
		return c.fail(gen, &TransportError{Op: "connect", Err: err})
	}

	slog.Info("call started", "call_id", desc.CallID)
	return nil
}

// End terminates the current call. It never fails: transport errors are
// logged, resources are always released and the controller finishes in
// Idle. Calling it with no call in progress is a no-op.
func (c *Controller) End(_ context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.endLocked()
}

// Close is the dialog-close path. Resources are released before any
// network work so an unresponsive transport cannot keep the microphone
// open, and an in-flight Start is cancelled.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.startCancel != nil {
		c.startCancel()
	}
	c.mu.Unlock()

	c.resources.Release()
	c.End(ctx)
}

// Retry ends whatever is left of the current call and starts a fresh one.
func (c *Controller) Retry(ctx context.Context) error {
	c.End(ctx)
	return c.Start(ctx)
}

func (c *Controller) endLocked() {
	c.mu.Lock()
	st := c.state
	callID := c.callID
	if c.callCancel != nil {
		c.callCancel()
		c.callCancel = nil
	}
	c.generation++
	c.mu.Unlock()

	// Wait out a search command already being published.
	c.searchMu.Lock()
	c.searchMu.Unlock()

	c.mu.Lock()
	if st == Idle {
		c.mu.Unlock()
		c.resources.Release()
		return
	}
	failed := st == Error
	if canTransition(st, Ending) {
		c.state = Ending
	}
	c.mu.Unlock()
	c.broadcastState()

	if st.inCall() && callID != "" {
		if err := c.leave(); err != nil {
			failed = true
			slog.Warn("transport leave failed", "call_id", callID, "error", &TransportError{Op: "leave", Err: err})
		}
	}

	c.resources.Release()
	// A start that failed before the transport issued an id never became a
	// call, so there is nothing to announce.
	if callID != "" {
		c.finishRecords(callID, failed)
		if err := c.bus.Publish(bus.CallEnded, bus.CallEndedPayload{CallID: callID, Error: failed}); err != nil {
			slog.Warn("publish call ended failed", "call_id", callID, "error", err)
		}
	}

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	c.broadcastState()

	c.mu.Lock()
	c.state = Idle
	c.callID = ""
	c.startedAt = time.Time{}
	c.micMuted = false
	c.speakerMuted = false
	c.speaking = ""
	c.lastErr = nil
	c.mu.Unlock()
	c.level.Store(0)
	c.broadcastState()

	slog.Info("call ended", "call_id", callID, "error", failed)
}

func (c *Controller) leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.transport.Leave(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("leave timed out after %s: %w", c.leaveTimeout, ctx.Err())
	}
}

// ToggleMic flips the microphone mute. Muting releases the audio resources
// and unmuting acquires them again. On failure the flag is unchanged.
func (c *Controller) ToggleMic(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Active {
		muted := c.micMuted
		c.mu.Unlock()
		return muted, ErrInvalidState
	}
	muted := c.micMuted
	c.mu.Unlock()

	if !muted {
		if err := c.transport.MuteMic(); err != nil {
			return muted, &TransportError{Op: "mute mic", Err: err}
		}
		c.resources.Release()
	} else {
		if err := c.resources.Acquire(ctx, c.audioSink()); err != nil {
			c.resources.Release()
			return muted, fmt.Errorf("acquire microphone: %w", err)
		}
		if err := c.transport.UnmuteMic(); err != nil {
			c.resources.Release()
			return muted, &TransportError{Op: "unmute mic", Err: err}
		}
	}

	c.mu.Lock()
	c.micMuted = !muted
	c.mu.Unlock()
	c.broadcastState()
	return !muted, nil
}

func (c *Controller) ToggleSpeaker(_ context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	muted := c.speakerMuted
	if c.state != Active {
		c.mu.Unlock()
		return muted, ErrInvalidState
	}
	c.mu.Unlock()

	var err error
	if muted {
		err = c.transport.UnmuteSpeaker()
	} else {
		err = c.transport.MuteSpeaker()
	}
	if err != nil {
		return muted, &TransportError{Op: "toggle speaker", Err: err}
	}

	c.mu.Lock()
	c.speakerMuted = !muted
	c.mu.Unlock()
	c.broadcastState()
	return !muted, nil
}

// SendText sends a typed user message into the live conversation.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	if c.State() != Active {
		return ErrInvalidState
	}
	if err := c.transport.SendText(ctx, text); err != nil {
		return &TransportError{Op: "send text", Err: err}
	}
	return nil
}

// ReportLevel records the latest input level. It is the resource manager's
// metering callback.
func (c *Controller) ReportLevel(level int) {
	c.level.Store(int32(level))
	if c.ui != nil {
		c.ui.BroadcastAudioLevel(level)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	live := c.resources.Live()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:         c.state,
		CallID:        c.callID,
		MicMuted:      c.micMuted,
		SpeakerMuted:  c.speakerMuted,
		Log:           append([]transcript.Entry{}, c.log...),
		Speaking:      c.speaking,
		Level:         int(c.level.Load()),
		CanRetry:      c.state == Error,
		ResourcesLive: live,
	}
	if !c.startedAt.IsZero() {
		startedAt := c.startedAt
		s.StartedAt = &startedAt
	}
	if c.state == Error && c.lastErr != nil {
		s.ErrorKind = kindOf(c.lastErr)
		s.Error = userMessage(s.ErrorKind)
	}
	return s
}

func (c *Controller) listener(gen uint64) Listener {
	return Listener{
		Status:      func(s State, err error) { c.onStatus(gen, s, err) },
		Transcripts: func(utts []transcript.Utterance) { c.onTranscripts(gen, utts) },
	}
}

// onStatus applies a transport-reported state. Error moves the controller
// to Error without releasing anything. A remote Disconnected schedules the
// normal end path.
func (c *Controller) onStatus(gen uint64, s State, err error) {
	if s == Error {
		if err == nil {
			err = errors.New("session error")
		}
		c.fail(gen, &TransportError{Op: "session", Err: err})
		return
	}

	if !c.transition(gen, s) {
		return
	}
	if s == Disconnected {
		c.background(func() { c.End(context.Background()) })
	}
}

func (c *Controller) transition(gen uint64, to State) bool {
	c.mu.Lock()
	if gen != c.generation || !canTransition(c.state, to) {
		from := c.state
		c.mu.Unlock()
		slog.Debug("ignoring call state change", "from", from, "to", to)
		return false
	}
	c.state = to
	c.mu.Unlock()
	c.broadcastState()
	return true
}

func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if gen == c.generation && canTransition(c.state, Error) {
		c.state = Error
		c.lastErr = err
	}
	callID := c.callID
	c.mu.Unlock()

	slog.Error("call failed", "call_id", callID, "error", err)
	c.broadcastState()
	return err
}

func (c *Controller) onTranscripts(gen uint64, utts []transcript.Utterance) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	res := c.engine.Reconcile(utts)
	c.log = res.Log
	c.speaking = res.Speaking
	callID := c.callID
	callCtx := c.callCtx
	c.mu.Unlock()

	c.broadcastTranscript()

	for _, entry := range res.NewFinals {
		if c.store != nil {
			if err := c.store.AppendUtterance(callID, entry); err != nil {
				slog.Warn("store utterance failed", "call_id", callID, "error", err)
			}
		}
		if c.transcripts != nil {
			if err := c.transcripts.Append(entry); err != nil {
				slog.Warn("export utterance failed", "call_id", callID, "error", err)
			}
		}
	}

	if c.intents == nil {
		return
	}
	for _, u := range res.Rewritten {
		text := u.Text
		c.background(func() {
			ctx, cancel := context.WithTimeout(callCtx, intentTimeout)
			defer cancel()
			c.publishSearch(ctx, gen, callID, c.intents.Resolve(ctx, text))
		})
	}
}

// publishSearch emits executeSearch unless the call that produced the
// criteria has ended in the meantime.
func (c *Controller) publishSearch(ctx context.Context, gen uint64, callID string, criteria bus.SearchCriteria) {
	c.searchMu.RLock()
	defer c.searchMu.RUnlock()

	c.mu.Lock()
	current := gen == c.generation
	c.mu.Unlock()
	if !current || ctx.Err() != nil {
		slog.Info("dropping search command from ended call", "call_id", callID)
		return
	}
	if err := c.bus.Publish(bus.ExecuteSearch, bus.ExecuteSearchPayload{Criteria: criteria}); err != nil {
		slog.Warn("publish search command failed", "call_id", callID, "error", err)
	}
}

func (c *Controller) onHangupRequested(e bus.Event) {
	p, err := bus.Decode[bus.HangupPayload](e)
	if err != nil {
		slog.Warn("bad hangup payload", "error", err)
		return
	}

	c.mu.Lock()
	current := c.callID
	c.mu.Unlock()
	if p.CallID != "" && current != "" && p.CallID != current {
		slog.Warn("ignoring hangup for another call", "call_id", p.CallID, "current", current)
		return
	}

	c.background(func() { c.End(context.Background()) })
}

func (c *Controller) audioSink() io.Writer {
	w := c.transport.AudioInput()
	if c.recorder != nil {
		return c.recorder.Writer(w)
	}
	return w
}

func (c *Controller) beginRecords(callID string, startedAt time.Time) {
	if c.store != nil {
		if err := c.store.CreateCall(callID, startedAt); err != nil {
			slog.Warn("create call record failed", "call_id", callID, "error", err)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.StartCall(callID); err != nil {
			slog.Warn("start call recording failed", "call_id", callID, "error", err)
		}
	}
	if c.transcripts != nil {
		if err := c.transcripts.StartCall(callID, startedAt); err != nil {
			slog.Warn("export call heading failed", "call_id", callID, "error", err)
		}
	}
}

func (c *Controller) finishRecords(callID string, failed bool) {
	audioPath := ""
	if c.recorder != nil {
		path, err := c.recorder.EndCall()
		if err != nil {
			slog.Warn("end call recording failed", "call_id", callID, "error", err)
		}
		audioPath = path
	}

	if c.store == nil {
		return
	}
	if err := c.store.EndCall(callID, c.now(), audioPath, failed); err != nil {
		slog.Warn("end call record failed", "call_id", callID, "error", err)
		return
	}

	c.background(func() { c.generateSummary(callID) })
}

func (c *Controller) generateSummary(callID string) {
	if c.summarizer == nil {
		_ = c.store.UpdateSummary(callID, "", storage.SummaryCompleted)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	_ = c.store.UpdateSummary(callID, "", storage.SummaryRunning)

	entries, err := c.store.GetUtterances(callID)
	if err != nil {
		c.summaryFailed(callID, err)
		return
	}

	var b strings.Builder
	for _, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker.Label(), strings.TrimSpace(e.Text))
	}

	summaryText, err := c.summarizer.Summarize(ctx, callID, b.String())
	if err != nil {
		c.summaryFailed(callID, err)
		return
	}

	if err := c.store.UpdateSummary(callID, summaryText, storage.SummaryCompleted); err != nil {
		c.summaryFailed(callID, err)
		return
	}

	if c.ui != nil {
		c.ui.BroadcastSummaryReady(callID, summaryText, storage.SummaryCompleted)
	}
}

func (c *Controller) summaryFailed(callID string, err error) {
	slog.Warn("call summary failed", "call_id", callID, "error", err)
	_ = c.store.UpdateSummary(callID, "", storage.SummaryFailed)
	if c.ui != nil {
		c.ui.BroadcastSummaryReady(callID, "", storage.SummaryFailed)
	}
}

func (c *Controller) broadcastState() {
	if c.ui != nil {
		c.ui.BroadcastCallState(c.Snapshot())
	}
}

func (c *Controller) broadcastTranscript() {
	if c.ui == nil {
		return
	}
	c.mu.Lock()
	log := append([]transcript.Entry{}, c.log...)
	speaking := c.speaking
	c.mu.Unlock()
	c.ui.BroadcastTranscript(log, speaking)
}
