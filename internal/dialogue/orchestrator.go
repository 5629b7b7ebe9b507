package dialogue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	"github.com/wolfman30/clinic-voice-agent/internal/events"
	"github.com/wolfman30/clinic-voice-agent/internal/llm"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

const (
	defaultGenerationTimeout = 10 * time.Second
	defaultClinicName        = "our medical office"
)

// Recorder receives per-turn measurements.
type Recorder interface {
	ObserveTool(tool, result string)
	ObserveGeneration(outcome string, d time.Duration, usage llm.TokenUsage)
}

// Config tunes the orchestrator.
type Config struct {
	ClinicName        string
	AgentName         string
	Location          *time.Location
	GenerationTimeout time.Duration
	Model             string
	MaxTokens         int32
	// Temperature is left to the provider when nil.
	Temperature       *float32
	// PromptTokenBudget bounds the transcript sent to the model; zero
	// sends the whole call.
	PromptTokenBudget int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher publishes an event for every booked appointment.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRecorder reports tool and generation metrics.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithRegistry replaces the default booking tool catalogue.
func WithRegistry(r *booking.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithClock overrides the wall clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs dialogue turns. It holds no per-call state and is safe
// to share between sessions; each turn works on the BookingState passed in.
type Orchestrator struct {
	llm       llm.StreamingClient
	gateway   booking.Gateway
	registry  *booking.Registry
	tools     []llm.ToolSpec
	window    *llm.Window
	publisher events.Publisher
	metrics   Recorder
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New builds an orchestrator.
func New(client llm.StreamingClient, gateway booking.Gateway, cfg Config, logger *logging.Logger, opts ...Option) *Orchestrator {
	if client == nil {
		panic("dialogue: llm client cannot be nil")
	}
	if gateway == nil {
		panic("dialogue: booking gateway cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ClinicName == "" {
		cfg.ClinicName = defaultClinicName
	}
	o := &Orchestrator{
		llm:      client,
		gateway:  gateway,
		registry: booking.DefaultRegistry(),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("clinic.internal.dialogue"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tools = toolSpecs(o.registry)
	o.window = llm.NewWindow(cfg.PromptTokenBudget)
	return o
}

// Greeting is the fixed opening line of every call.
func (o *Orchestrator) Greeting() string {
	return greeting(o.cfg.ClinicName, o.cfg.AgentName)
}

// Advance starts one turn. Cancelling ctx supersedes the turn: generation
// stops, a partly streamed tool call is dropped and no further text is
// emitted, though the final chunk still is. A tool call whose execution
// has begun runs to completion so its state change is never half applied.
func (o *Orchestrator) Advance(ctx context.Context, req TurnRequest) *Turn {
	if req.State == nil {
		req.State = booking.NewState()
	}
	t := newTurn(req.TurnID)
	go o.run(ctx, req, t)
	return t
}

// generation is what one streamed model response produced.
type generation struct {
	call       *PendingToolCall
	spoke      bool
	err        error
	timedOut   bool
	superseded bool
	usage      llm.TokenUsage
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, t *Turn) {
	defer t.finish()

	start := time.Now()
	logger := o.logger.With("call_id", req.CallID, "turn_id", req.TurnID)
	ctx, span := o.tracer.Start(ctx, "dialogue.turn", trace.WithAttributes(
		attribute.Int64("dialogue.turn_id", req.TurnID),
		attribute.Bool("dialogue.reminder", req.Reminder),
		attribute.String("dialogue.stage", req.State.Stage().String()),
	))
	defer span.End()

	// The next turn may mutate req.State once this one commits, so the
	// stage is read here and nowhere after.
	commit := func() {
		t.summary.Stage = req.State.Stage().String()
		t.commit()
	}

	defer func() {
		span.SetAttributes(attribute.String("dialogue.outcome", t.summary.Outcome))
		logger.Info("turn finished",
			"outcome", t.summary.Outcome,
			"tool", t.summary.Tool,
			"tool_result", t.summary.ToolResult,
			"chunks", t.summary.Chunks,
			"stage", t.summary.Stage,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	gen := o.generate(ctx, req, t)
	if o.metrics != nil {
		o.metrics.ObserveGeneration(generationOutcome(gen), time.Since(start), gen.usage)
	}

	switch {
	case gen.superseded:
		commit()
		t.summary.Outcome = OutcomeSuperseded
		return
	case gen.timedOut:
		commit()
		t.summary.Outcome = OutcomeTimeout
		logger.Warn("generation timed out", "timeout", o.cfg.GenerationTimeout.String(), "spoke", gen.spoke)
		if !gen.spoke {
			t.emitSentences(ctx, DelayApology)
		}
		return
	case gen.err != nil:
		commit()
		t.summary.Outcome = OutcomeStreamErr
		span.RecordError(gen.err)
		logger.Warn("generation failed", "error", gen.err)
		t.emitSentences(ctx, GenerationApology)
		return
	}

	if gen.call == nil {
		commit()
		if gen.spoke {
			t.summary.Outcome = OutcomeReply
			return
		}
		t.summary.Outcome = OutcomeEmpty
		if req.Reminder {
			t.emitSentences(ctx, SilencePrompt)
		} else {
			t.emitSentences(ctx, EmptyFallback)
		}
		return
	}

	t.summary.Tool = gen.call.Name
	args, err := gen.call.Parse()
	if err != nil {
		commit()
		t.summary.Outcome = OutcomeMalformed
		logger.Warn("tool call arguments malformed", "tool", gen.call.Name, "error", err)
		if o.metrics != nil {
			o.metrics.ObserveTool(gen.call.Name, ResultInvalid)
		}
		t.emitSentences(ctx, MalformedApology)
		return
	}
	if ctx.Err() != nil {
		commit()
		t.summary.Outcome = OutcomeSuperseded
		return
	}

	// Execution is detached from supersession; the gateway bounds each call.
	out := o.dispatch(context.WithoutCancel(ctx), req, gen.call.Name, args, logger)
	commit()
	t.summary.Outcome = OutcomeTool
	t.summary.ToolResult = out.result
	t.emitSentences(ctx, out.reply)
}

// generate streams one model response, forwarding text as it arrives and
// collecting at most one tool call.
func (o *Orchestrator) generate(ctx context.Context, req TurnRequest, t *Turn) generation {
	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()

	var g generation
	interrupted := func() generation {
		if ctx.Err() != nil {
			g.superseded = true
		} else {
			g.timedOut = true
		}
		return g
	}

	stream, err := o.llm.CompleteStream(genCtx, o.buildRequest(req))
	if err != nil {
		if genCtx.Err() != nil {
			return interrupted()
		}
		g.err = err
		return g
	}

	var acc toolCallAccumulator
	for {
		select {
		case <-genCtx.Done():
			return interrupted()
		case c, ok := <-stream:
			if !ok {
				if genCtx.Err() != nil {
					return interrupted()
				}
				acc.Finish()
				g.call = acc.Complete()
				return g
			}
			if c.Text != "" && t.emit(genCtx, c.Text) {
				g.spoke = true
			}
			if c.ToolCall != nil && acc.Add(*c.ToolCall) {
				g.call = acc.Complete()
				return g
			}
			if c.Done {
				g.usage = c.Usage
				if c.Error != nil {
					if errors.Is(c.Error, context.Canceled) || errors.Is(c.Error, context.DeadlineExceeded) {
						if genCtx.Err() != nil {
							return interrupted()
						}
					}
					g.err = c.Error
					return g
				}
				acc.Finish()
				g.call = acc.Complete()
				return g
			}
		}
	}
}

func generationOutcome(g generation) string {
	switch {
	case g.superseded:
		return OutcomeSuperseded
	case g.timedOut:
		return OutcomeTimeout
	case g.err != nil:
		return OutcomeStreamErr
	case g.call != nil:
		return OutcomeTool
	case g.spoke:
		return OutcomeReply
	default:
		return OutcomeEmpty
	}
}
