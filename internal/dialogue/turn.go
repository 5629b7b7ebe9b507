package dialogue

import (
	"context"
	"sync"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
)

// Chunk is one piece of caller-facing reply text. Every turn ends with
// exactly one chunk whose IsFinal is set and whose Text is empty.
type Chunk struct {
	TurnID  int64
	Text    string
	IsFinal bool
}

// TurnRequest is the input to one orchestrated turn.
type TurnRequest struct {
	CallID     string
	TurnID     int64
	Transcript Transcript
	State      *booking.State
	// Reminder marks a turn triggered by caller silence rather than speech.
	Reminder bool
}

// Turn outcomes reported in TurnSummary.
const (
	OutcomeReply      = "reply"
	OutcomeTool       = "tool"
	OutcomeStatic     = "static"
	OutcomeEmpty      = "empty"
	OutcomeMalformed  = "malformed_arguments"
	OutcomeStreamErr  = "generation_error"
	OutcomeTimeout    = "generation_timeout"
	OutcomeSuperseded = "superseded"
)

// TurnSummary describes how a turn ended. It is complete once Chunks is
// closed.
type TurnSummary struct {
	Outcome    string
	Tool       string
	ToolResult string
	// Stage is the booking stage when the turn committed.
	Stage  string
	Chunks int
}

// Turn is a single, non-restartable response. The consumer must drain
// Chunks until it is closed.
type Turn struct {
	ID         int64
	chunks     chan Chunk
	committed  chan struct{}
	commitOnce sync.Once
	summary    TurnSummary
}

func newTurn(id int64) *Turn {
	return &Turn{
		ID:        id,
		chunks:    make(chan Chunk, 16),
		committed: make(chan struct{}),
	}
}

// StaticTurn returns a turn that speaks text without generation, as used
// for the call greeting.
func StaticTurn(id int64, text string) *Turn {
	t := newTurn(id)
	go func() {
		defer t.finish()
		t.summary.Outcome = OutcomeStatic
		t.emitSentences(context.Background(), text)
	}()
	return t
}

// Chunks yields the reply in order, ending with the final chunk.
func (t *Turn) Chunks() <-chan Chunk { return t.chunks }

// Committed is closed once the turn can no longer change booking state.
func (t *Turn) Committed() <-chan struct{} { return t.committed }

// Summary reports the turn's outcome. Read it only after Chunks is closed.
func (t *Turn) Summary() TurnSummary { return t.summary }

func (t *Turn) commit() {
	t.commitOnce.Do(func() { close(t.committed) })
}

// emit sends a non-final chunk unless ctx has been cancelled.
func (t *Turn) emit(ctx context.Context, text string) bool {
	if text == "" || ctx.Err() != nil {
		return false
	}
	t.chunks <- Chunk{TurnID: t.ID, Text: text}
	t.summary.Chunks++
	return true
}

func (t *Turn) emitSentences(ctx context.Context, text string) {
	for _, s := range splitSentences(text) {
		if !t.emit(ctx, s) {
			return
		}
	}
}

// finish commits, sends the final chunk and closes the stream.
func (t *Turn) finish() {
	t.commit()
	t.chunks <- Chunk{TurnID: t.ID, IsFinal: true}
	close(t.chunks)
}
