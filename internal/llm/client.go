// Package llm adapts hosted language models to a single streaming
// interface with tool (function) calling.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-neutral conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec declares a function the model may call. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Request is one streaming generation request.
type Request struct {
	Model       string
	System      []string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int32
	// Temperature is left to the provider when nil.
	Temperature *float32
}

// ToolCallDelta is an incremental piece of a tool call. Index identifies
// the call within the response; Name and ID usually arrive only on the
// first delta of a call and Arguments is a JSON fragment to append.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamChunk is one event of a generation stream. The final event has
// Done set, and carries Error when the stream failed part-way.
type StreamChunk struct {
	Text     string
	ToolCall *ToolCallDelta
	Usage    TokenUsage
	Done     bool
	Error    error
}

// StreamingClient opens a generation stream. The returned channel is closed
// after the Done chunk, or early when ctx is cancelled.
type StreamingClient interface {
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// StatusError is returned when a provider rejects a request outright.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

var errNoMessages = errors.New("llm: request has no messages")

// send delivers c unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// alternate prepares messages for providers that demand strictly
// alternating user/assistant turns starting and ending with the user.
// System messages are returned separately; consecutive same-role messages
// are merged.
func alternate(msgs []Message) (system []string, out []Message) {
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == RoleSystem {
			system = append(system, content)
			continue
		}
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			continue
		}
		out = append(out, Message{Role: role, Content: content})
	}
	if len(out) > 0 && out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "(call connected)"}}, out...)
	}
	if len(out) > 0 && out[len(out)-1].Role != RoleUser {
		out = append(out, Message{Role: RoleUser, Content: "(caller is silent)"})
	}
	return system, out
}
