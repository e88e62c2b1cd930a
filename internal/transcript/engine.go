package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultMinProvisional is the trimmed length a non-final fragment must
// exceed before it is shown.
const DefaultMinProvisional = 10

// Rewriter substitutes the displayed form of finalized agent utterances.
type Rewriter interface {
	// Rewrite returns the utterance to display and whether it differs from u.
	Rewrite(u Utterance) (Utterance, bool)
	// Suppress reports whether a non-final agent fragment must be withheld
	// from display.
	Suppress(text string) bool
}

type key struct {
	speaker Speaker
	text    string
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Log      []Entry
	Speaking string
	// NewFinals are displayed entries finalized for the first time.
	NewFinals []Entry
	// Rewritten holds the raw agent finals replaced for the first time.
	Rewritten []Utterance
}

// Engine rebuilds the transcript log from the transport's full utterance
// set. It remembers only when each final line was first seen, so replaying
// the same set yields the same log.
type Engine struct {
	mu             sync.Mutex
	minProvisional int
	rewriter       Rewriter
	now            func() time.Time

	firstSeen map[key]time.Time
	rawSeen   map[key]struct{}
}

type Option func(*Engine)

func WithRewriter(r Rewriter) Option {
	return func(e *Engine) { e.rewriter = r }
}

func WithMinProvisional(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.minProvisional = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		minProvisional: DefaultMinProvisional,
		now:            func() time.Time { return time.Now().UTC() },
		firstSeen:      map[key]time.Time{},
		rawSeen:        map[key]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reset forgets every line seen so far.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.firstSeen = map[key]time.Time{}
	e.rawSeen = map[key]struct{}{}
}

// Reconcile rebuilds the log from utts, which must be the complete current
// set in arrival order. Finals are listed in arrival order with duplicate
// (speaker, text) pairs collapsed. After them comes at most one provisional
// entry per speaker, user first: the speaker's latest fragment when it is
// non-final and long enough.
func (e *Engine) Reconcile(utts []Utterance) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	shown := make(map[key]struct{}, len(utts))
	processed := make(map[key]struct{}, len(utts))

	for _, u := range utts {
		if !u.IsFinal {
			continue
		}
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		raw := key{u.Speaker, text}
		if _, ok := processed[raw]; ok {
			continue
		}
		processed[raw] = struct{}{}

		display := u
		display.Text = text
		rewritten := false
		if u.Speaker == Agent && e.rewriter != nil {
			display, rewritten = e.rewriter.Rewrite(display)
			display.Text = strings.TrimSpace(display.Text)
		}

		_, seenBefore := e.rawSeen[raw]
		if !seenBefore {
			e.rawSeen[raw] = struct{}{}
			if rewritten {
				res.Rewritten = append(res.Rewritten, Utterance{Text: text, Speaker: u.Speaker, Medium: u.Medium, IsFinal: true})
			}
		}

		if display.Text == "" {
			continue
		}
		k := key{display.Speaker, display.Text}
		if _, ok := shown[k]; ok {
			continue
		}
		shown[k] = struct{}{}

		ts, known := e.firstSeen[k]
		if !known {
			ts = e.now()
			e.firstSeen[k] = ts
		}
		entry := Entry{Speaker: display.Speaker, Text: display.Text, Medium: display.Medium, Final: true, Timestamp: ts}
		if !known {
			res.NewFinals = append(res.NewFinals, entry)
		}
		res.Log = append(res.Log, entry)
	}

	for _, speaker := range []Speaker{User, Agent} {
		latest, ok := latestFor(utts, speaker)
		if !ok || latest.IsFinal {
			continue
		}
		text := strings.TrimSpace(latest.Text)
		if speaker == Agent && e.suppressed(text) {
			continue
		}
		if speaker == Agent {
			res.Speaking = text
		}
		if utf8.RuneCountInString(text) <= e.minProvisional {
			continue
		}
		if _, ok := shown[key{speaker, text}]; ok {
			continue
		}
		res.Log = append(res.Log, Entry{Speaker: speaker, Text: text, Medium: latest.Medium, Timestamp: e.now()})
	}

	return res
}

func (e *Engine) suppressed(text string) bool {
	return e.rewriter != nil && text != "" && e.rewriter.Suppress(text)
}

func latestFor(utts []Utterance, speaker Speaker) (Utterance, bool) {
	for i := len(utts) - 1; i >= 0; i-- {
		if utts[i].Speaker == speaker {
			return utts[i], true
		}
	}
	return Utterance{}, false
}
