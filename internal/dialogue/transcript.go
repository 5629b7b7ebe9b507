// Package dialogue drives one response turn of a booking call: it streams
// generated speech, executes at most one booking tool per turn, and keeps
// the call's booking progress consistent.
package dialogue

import (
	"strings"

	"github.com/wolfman30/clinic-voice-agent/internal/llm"
)

// Speaker identifies who produced an utterance.
type Speaker int

const (
	SpeakerCaller Speaker = iota
	SpeakerAssistant
)

func (s Speaker) String() string {
	if s == SpeakerAssistant {
		return "assistant"
	}
	return "caller"
}

// Utterance is one immutable line of the call.
type Utterance struct {
	Speaker Speaker
	Text    string
}

// Transcript is the ordered, append-only record of a call. The zero value
// is an empty transcript. Append never modifies the receiver.
type Transcript struct {
	utterances []Utterance
}

// NewTranscript builds a transcript from utterances in call order.
func NewTranscript(utterances ...Utterance) Transcript {
	return Transcript{utterances: append([]Utterance(nil), utterances...)}
}

// Append returns a transcript with u added at the end.
func (t Transcript) Append(u Utterance) Transcript {
	out := make([]Utterance, len(t.utterances), len(t.utterances)+1)
	copy(out, t.utterances)
	return Transcript{utterances: append(out, u)}
}

// Len returns the number of utterances.
func (t Transcript) Len() int { return len(t.utterances) }

// Utterances returns a copy of the utterances in call order.
func (t Transcript) Utterances() []Utterance {
	return append([]Utterance(nil), t.utterances...)
}

// LastCallerText returns the most recent non-empty caller utterance.
func (t Transcript) LastCallerText() string {
	for i := len(t.utterances) - 1; i >= 0; i-- {
		u := t.utterances[i]
		if u.Speaker == SpeakerCaller && strings.TrimSpace(u.Text) != "" {
			return u.Text
		}
	}
	return ""
}

// Messages maps the transcript onto generation roles, skipping blank
// utterances.
func (t Transcript) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(t.utterances))
	for _, u := range t.utterances {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		role := llm.RoleUser
		if u.Speaker == SpeakerAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: text})
	}
	return msgs
}
