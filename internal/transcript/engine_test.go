package transcript

import (
	"strings"
	"testing"
	"time"
)

func final(s Speaker, text string) Utterance {
	return Utterance{Text: text, Speaker: s, Medium: Voice, IsFinal: true}
}

func partial(s Speaker, text string) Utterance {
	return Utterance{Text: text, Speaker: s, Medium: Voice}
}

func TestReconcileCollapsesDuplicateFinals(t *testing.T) {
	e := NewEngine()

	res := e.Reconcile([]Utterance{
		final(User, "A"),
		final(Agent, "B"),
		final(User, "A"),
	})

	if len(res.Log) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(res.Log), res.Log)
	}
	if res.Log[0].Speaker != User || res.Log[0].Text != "A" {
		t.Fatalf("entry 0: got %+v", res.Log[0])
	}
	if res.Log[1].Speaker != Agent || res.Log[1].Text != "B" {
		t.Fatalf("entry 1: got %+v", res.Log[1])
	}
}

func TestReconcileSameTextDifferentSpeakersKept(t *testing.T) {
	e := NewEngine()

	res := e.Reconcile([]Utterance{final(User, "hello"), final(Agent, "hello")})
	if len(res.Log) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Log))
	}
}

func TestReconcileProvisionalThreshold(t *testing.T) {
	e := NewEngine()

	short := e.Reconcile([]Utterance{partial(User, "hey t")})
	if len(short.Log) != 0 {
		t.Fatalf("expected short fragment to be suppressed, got %+v", short.Log)
	}

	long := e.Reconcile([]Utterance{partial(User, "show me villas ")})
	if len(long.Log) != 1 {
		t.Fatalf("expected long fragment to surface, got %+v", long.Log)
	}
	if long.Log[0].Final {
		t.Fatal("expected provisional entry")
	}
	if long.Log[0].Text != "show me villas" {
		t.Fatalf("expected trimmed text, got %q", long.Log[0].Text)
	}
}

func TestReconcileThresholdIsExclusive(t *testing.T) {
	e := NewEngine()

	res := e.Reconcile([]Utterance{partial(User, "   0123456789   ")})
	if len(res.Log) != 0 {
		t.Fatalf("expected 10-char fragment to be suppressed, got %+v", res.Log)
	}
}

func TestReconcileProvisionalAfterFinals(t *testing.T) {
	e := NewEngine()

	res := e.Reconcile([]Utterance{
		final(User, "I want to buy"),
		partial(Agent, "Sure, let me look that up"),
		final(Agent, "Hello there"),
		partial(User, "something in the marina"),
	})

	if len(res.Log) != 3 {
		t.Fatalf("expected 3 entries, got %+v", res.Log)
	}
	if !res.Log[0].Final || !res.Log[1].Final {
		t.Fatalf("expected finals first, got %+v", res.Log)
	}
	if res.Log[2].Speaker != User || res.Log[2].Final {
		t.Fatalf("expected trailing user provisional, got %+v", res.Log[2])
	}
	if res.Speaking != "" {
		t.Fatalf("agent latest is final, expected no speaking text, got %q", res.Speaking)
	}
}

func TestReconcileSpeakingTracksLatestAgentFragment(t *testing.T) {
	e := NewEngine()

	res := e.Reconcile([]Utterance{
		final(Agent, "Welcome"),
		partial(Agent, "I can"),
	})

	if res.Speaking != "I can" {
		t.Fatalf("expected speaking text, got %q", res.Speaking)
	}
	if len(res.Log) != 1 {
		t.Fatalf("expected short agent fragment kept out of the log, got %+v", res.Log)
	}
}

func TestReconcileNewFinalsReportedOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(WithClock(func() time.Time { return now }))

	first := e.Reconcile([]Utterance{final(User, "one")})
	if len(first.NewFinals) != 1 {
		t.Fatalf("expected 1 new final, got %d", len(first.NewFinals))
	}

	now = now.Add(time.Minute)
	second := e.Reconcile([]Utterance{final(User, "one"), final(Agent, "two")})
	if len(second.NewFinals) != 1 || second.NewFinals[0].Text != "two" {
		t.Fatalf("expected only the agent line to be new, got %+v", second.NewFinals)
	}
	if !second.Log[0].Timestamp.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected first-seen timestamp to be stable, got %v", second.Log[0].Timestamp)
	}
}

func TestReconcileIsRebuiltNotPatched(t *testing.T) {
	e := NewEngine()

	e.Reconcile([]Utterance{partial(User, "a long partial fragment")})
	res := e.Reconcile([]Utterance{final(User, "a long partial fragment, final")})

	if len(res.Log) != 1 || !res.Log[0].Final {
		t.Fatalf("expected superseded partial to vanish, got %+v", res.Log)
	}
}

func TestResetForgetsHistory(t *testing.T) {
	e := NewEngine()
	e.Reconcile([]Utterance{final(User, "hello")})
	e.Reset()

	res := e.Reconcile([]Utterance{final(User, "hello")})
	if len(res.NewFinals) != 1 {
		t.Fatalf("expected line to be new after reset, got %+v", res.NewFinals)
	}
}

type upperRewriter struct{}

func (upperRewriter) Rewrite(u Utterance) (Utterance, bool) {
	if !strings.HasPrefix(u.Text, "list:") {
		return u, false
	}
	u.Text = "Showing results."
	return u, true
}

func (upperRewriter) Suppress(text string) bool {
	return strings.HasPrefix(text, "list:")
}

func TestReconcileAppliesRewriterToAgentFinals(t *testing.T) {
	e := NewEngine(WithRewriter(upperRewriter{}))

	utts := []Utterance{
		final(User, "list: my own words"),
		final(Agent, "list: villa one, villa two"),
		final(Agent, "list: villa three"),
	}
	res := e.Reconcile(utts)

	if len(res.Log) != 2 {
		t.Fatalf("expected user line and one confirmation, got %+v", res.Log)
	}
	if res.Log[0].Text != "list: my own words" {
		t.Fatalf("user text must not be rewritten, got %q", res.Log[0].Text)
	}
	if res.Log[1].Text != "Showing results." {
		t.Fatalf("expected confirmation text, got %q", res.Log[1].Text)
	}
	if len(res.Rewritten) != 2 {
		t.Fatalf("expected both raw agent finals reported, got %+v", res.Rewritten)
	}

	again := e.Reconcile(utts)
	if len(again.Rewritten) != 0 {
		t.Fatalf("expected rewritten finals to be reported once, got %+v", again.Rewritten)
	}
}

func TestReconcileSuppressesListingFragments(t *testing.T) {
	e := NewEngine(WithRewriter(upperRewriter{}))

	res := e.Reconcile([]Utterance{partial(Agent, "list: villa one and another")})
	if len(res.Log) != 0 || res.Speaking != "" {
		t.Fatalf("expected listing fragment hidden, got log=%+v speaking=%q", res.Log, res.Speaking)
	}
}

func TestEntryFormatMarkdown(t *testing.T) {
	entry := Entry{
		Speaker:   Agent,
		Text:      " Hello ",
		Timestamp: time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC),
	}
	if got := entry.FormatMarkdown(); got != "**[09:05:07] Agent:** Hello" {
		t.Fatalf("unexpected markdown %q", got)
	}
}
