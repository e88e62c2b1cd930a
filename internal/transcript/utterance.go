package transcript

import (
	"fmt"
	"strings"
	"time"
)

type Speaker string

const (
	User  Speaker = "user"
	Agent Speaker = "agent"
)

type Medium string

const (
	Voice Medium = "voice"
	Text  Medium = "text"
)

// Utterance is one speech-to-text fragment as reported by the transport.
type Utterance struct {
	Text    string  `json:"text"`
	Speaker Speaker `json:"speaker"`
	Medium  Medium  `json:"medium"`
	IsFinal bool    `json:"isFinal"`
}

// Entry is a line of the reconciled log.
type Entry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Medium    Medium    `json:"medium"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Entry) FormatMarkdown() string {
	ts := e.Timestamp.Format("15:04:05")
	return fmt.Sprintf("**[%s] %s:** %s", ts, e.Speaker.Label(), strings.TrimSpace(e.Text))
}

// Label is the capitalized display name of the speaker.
func (s Speaker) Label() string {
	switch s {
	case Agent:
		return "Agent"
	case User:
		return "User"
	default:
		return string(s)
	}
}
