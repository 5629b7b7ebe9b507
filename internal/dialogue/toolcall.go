package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-voice-agent/internal/llm"
)

// ErrMalformedArguments is returned when a tool call's streamed arguments
// are not a JSON object.
var ErrMalformedArguments = errors.New("dialogue: malformed tool arguments")

// PendingToolCall is a tool call assembled from stream deltas.
type PendingToolCall struct {
	Index int
	ID    string
	Name  string
	args  strings.Builder
}

// Arguments returns the raw argument text received so far.
func (p *PendingToolCall) Arguments() string { return p.args.String() }

// Parse decodes the argument buffer. An empty buffer means no arguments.
func (p *PendingToolCall) Parse() (map[string]any, error) {
	raw := strings.TrimSpace(p.args.String())
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedArguments, p.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

type accumulatorState int

const (
	accIdle accumulatorState = iota
	accAccumulating
	accComplete
)

// toolCallAccumulator keeps the first tool call of a stream. It moves
// idle -> accumulating on the first delta and accumulating -> complete when
// the stream ends or a delta for a different call arrives.
type toolCallAccumulator struct {
	state accumulatorState
	call  *PendingToolCall
}

// Add folds d into the pending call. It reports true once the call is
// complete, after which streaming should stop.
func (a *toolCallAccumulator) Add(d llm.ToolCallDelta) bool {
	switch a.state {
	case accIdle:
		a.call = &PendingToolCall{Index: d.Index, ID: d.ID, Name: d.Name}
		a.call.args.WriteString(d.Arguments)
		a.state = accAccumulating
		return false
	case accAccumulating:
		if d.Index != a.call.Index || (d.Name != "" && a.call.Name != "" && d.Name != a.call.Name) {
			a.state = accComplete
			return true
		}
		if a.call.Name == "" {
			a.call.Name = d.Name
		}
		if a.call.ID == "" {
			a.call.ID = d.ID
		}
		a.call.args.WriteString(d.Arguments)
		return false
	default:
		return true
	}
}

// Finish marks the end of the stream.
func (a *toolCallAccumulator) Finish() {
	if a.state == accAccumulating {
		a.state = accComplete
	}
}

// Complete returns the assembled call, or nil when none completed.
func (a *toolCallAccumulator) Complete() *PendingToolCall {
	if a.state != accComplete {
		return nil
	}
	return a.call
}
