// Package voice adapts the call platform's custom-LLM WebSocket protocol to
// dialogue sessions.
package voice

import (
	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
)

// Inbound interaction types.
const (
	InteractionResponseRequired = "response_required"
	InteractionReminderRequired = "reminder_required"
	InteractionUpdateOnly       = "update_only"
	InteractionPingPong         = "ping_pong"
	InteractionCallDetails      = "call_details"
)

// Outbound response types.
const (
	ResponseTypeResponse = "response"
	ResponseTypeConfig   = "config"
	ResponseTypePingPong = "ping_pong"
)

// Utterance is one transcript line as sent by the platform.
type Utterance struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an inbound event.
type Request struct {
	InteractionType string       `json:"interaction_type"`
	ResponseID      int64        `json:"response_id,omitempty"`
	Transcript      []Utterance  `json:"transcript,omitempty"`
	Timestamp       int64        `json:"timestamp,omitempty"`
	Call            *CallDetails `json:"call,omitempty"`
}

// CallDetails is the subset of call metadata worth logging.
type CallDetails struct {
	CallID     string `json:"call_id"`
	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`
	Direction  string `json:"direction,omitempty"`
}

// Response carries reply text for one response id.
type Response struct {
	ResponseType    string `json:"response_type"`
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
}

// ConfigResponse is sent once when the socket opens.
type ConfigResponse struct {
	ResponseType string       `json:"response_type"`
	Config       ServerConfig `json:"config"`
}

// ServerConfig asks the platform for reconnects and call details.
type ServerConfig struct {
	AutoReconnect bool `json:"auto_reconnect"`
	CallDetails   bool `json:"call_details"`
}

// PingPong echoes a keepalive.
type PingPong struct {
	ResponseType string `json:"response_type"`
	Timestamp    int64  `json:"timestamp"`
}

func responseFromChunk(c dialogue.Chunk) Response {
	return Response{
		ResponseType:    ResponseTypeResponse,
		ResponseID:      c.TurnID,
		Content:         c.Text,
		ContentComplete: c.IsFinal,
	}
}

// transcript converts platform utterances; "agent" lines belong to the
// assistant and everything else to the caller.
func transcript(utts []Utterance) dialogue.Transcript {
	out := make([]dialogue.Utterance, 0, len(utts))
	for _, u := range utts {
		speaker := dialogue.SpeakerCaller
		if u.Role == "agent" {
			speaker = dialogue.SpeakerAssistant
		}
		out = append(out, dialogue.Utterance{Speaker: speaker, Text: u.Content})
	}
	return dialogue.NewTranscript(out...)
}
