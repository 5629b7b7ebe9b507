package llm

import (
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and framing tokens each chat
// message costs on top of its content.
const perMessageOverhead = 4

// Window trims conversation history to a prompt token budget, dropping the
// oldest turns first.
type Window struct {
	codec  tokenizer.Codec
	budget int
}

// NewWindow returns a Window counting with the o200k_base encoding. A
// non-positive budget disables trimming.
func NewWindow(budget int) *Window {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return &Window{budget: budget}
	}
	return &Window{codec: codec, budget: budget}
}

// Count estimates the tokens in s.
func (w *Window) Count(s string) int {
	if w.codec != nil {
		if ids, _, err := w.codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	// Roughly four characters per token for English text.
	return (len(s) + 3) / 4
}

// Fit returns the longest suffix of msgs that, together with system, fits
// the budget. The newest message is always kept.
func (w *Window) Fit(system []string, msgs []Message) []Message {
	if w.budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	used := 0
	for _, s := range system {
		used += w.Count(s) + perMessageOverhead
	}
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := w.Count(msgs[i].Content) + perMessageOverhead
		if used+cost > w.budget && i < len(msgs)-1 {
			break
		}
		used += cost
		start = i
	}
	return msgs[start:]
}
