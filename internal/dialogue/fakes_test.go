package dialogue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	"github.com/wolfman30/clinic-voice-agent/internal/events"
	"github.com/wolfman30/clinic-voice-agent/internal/llm"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// scriptedLLM plays one scripted stream per CompleteStream call. With hang
// set, each stream stays open after its script until the request context
// ends.
type scriptedLLM struct {
	mu       sync.Mutex
	scripts  [][]llm.StreamChunk
	hang     bool
	openErr  error
	requests []llm.Request
}

func (s *scriptedLLM) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.openErr != nil {
		return nil, s.openErr
	}
	var script []llm.StreamChunk
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	hang := s.hang
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (s *scriptedLLM) lastRequest() llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return llm.Request{}
	}
	return s.requests[len(s.requests)-1]
}

func textStream(parts ...string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.StreamChunk{Text: p})
	}
	return append(out, llm.StreamChunk{Done: true})
}

// toolStream streams one tool call with its arguments split in two deltas.
func toolStream(name, args string) []llm.StreamChunk {
	half := len(args) / 2
	return []llm.StreamChunk{
		{ToolCall: &llm.ToolCallDelta{Index: 0, ID: "call_1", Name: name}},
		{ToolCall: &llm.ToolCallDelta{Index: 0, Arguments: args[:half]}},
		{ToolCall: &llm.ToolCallDelta{Index: 0, Arguments: args[half:]}},
		{Done: true},
	}
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   map[string]int
	booked  []booking.BookRequest
	verify  func(ctx context.Context, name, dob string) (booking.Patient, error)
	resolve func(name string) (booking.PhysicianResolution, error)
	slots   func(physicianID, date string) ([]booking.OpenSlot, error)
	book    func(req booking.BookRequest) (booking.Appointment, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}}
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func (g *fakeGateway) record(op string) {
	g.mu.Lock()
	g.calls[op]++
	g.mu.Unlock()
}

func unavailable(op string) error {
	return &booking.GatewayError{Op: op, Kind: booking.ErrGatewayUnavailable}
}

func (g *fakeGateway) VerifyOrCreatePatient(ctx context.Context, name, dob string) (booking.Patient, error) {
	g.record(booking.OpVerifyPatient)
	if g.verify == nil {
		return booking.Patient{}, unavailable(booking.OpVerifyPatient)
	}
	return g.verify(ctx, name, dob)
}

func (g *fakeGateway) ResolvePhysician(_ context.Context, name string) (booking.PhysicianResolution, error) {
	g.record(booking.OpResolvePhysician)
	if g.resolve == nil {
		return booking.PhysicianResolution{}, unavailable(booking.OpResolvePhysician)
	}
	return g.resolve(name)
}

func (g *fakeGateway) ListSlots(_ context.Context, physicianID, date string) ([]booking.OpenSlot, error) {
	g.record(booking.OpListSlots)
	if g.slots == nil {
		return nil, unavailable(booking.OpListSlots)
	}
	return g.slots(physicianID, date)
}

func (g *fakeGateway) Book(_ context.Context, req booking.BookRequest) (booking.Appointment, error) {
	g.record(booking.OpBook)
	g.mu.Lock()
	g.booked = append(g.booked, req)
	g.mu.Unlock()
	if g.book == nil {
		return booking.Appointment{}, unavailable(booking.OpBook)
	}
	return g.book(req)
}

type chanPublisher struct {
	ch chan events.AppointmentBookedV1
}

func (p chanPublisher) PublishAppointmentBooked(_ context.Context, evt events.AppointmentBookedV1) error {
	p.ch <- evt
	return nil
}

type toolRecord struct {
	tool, result string
}

type recordingRecorder struct {
	mu          sync.Mutex
	tools       []toolRecord
	generations []string
}

func (r *recordingRecorder) ObserveTool(tool, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, toolRecord{tool, result})
}

func (r *recordingRecorder) ObserveGeneration(outcome string, _ time.Duration, _ llm.TokenUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations = append(r.generations, outcome)
}

var testNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func newTestOrchestrator(client llm.StreamingClient, gw booking.Gateway, opts ...Option) *Orchestrator {
	cfg := Config{
		ClinicName:        "Maple Street Clinic",
		AgentName:         "Ava",
		Location:          time.UTC,
		GenerationTimeout: 500 * time.Millisecond,
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(client, gw, cfg, logging.Discard(), opts...)
}

// collect drains a turn, failing the test if it never finishes.
func collect(t *testing.T, turn *Turn) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-turn.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatalf("turn %d did not finish", turn.ID)
			return nil
		}
	}
}

func spoken(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// assertSingleFinal checks the final-chunk contract of one turn.
func assertSingleFinal(t *testing.T, chunks []Chunk, turnID int64) {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for i, c := range chunks {
		if c.TurnID != turnID {
			t.Fatalf("chunk %d has turn %d, want %d", i, c.TurnID, turnID)
		}
		last := i == len(chunks)-1
		if c.IsFinal != last {
			t.Fatalf("chunk %d IsFinal=%v, want %v", i, c.IsFinal, last)
		}
		if c.IsFinal && c.Text != "" {
			t.Fatalf("final chunk carries text %q", c.Text)
		}
	}
}

func patientState() *booking.State {
	s := booking.NewState()
	s.SetPatient("pat_1", "Jordan Lee")
	return s
}

func physicianState() *booking.State {
	s := patientState()
	s.SetPhysician(booking.Physician{ID: "doc_smith", Name: "Dr. Smith"})
	return s
}

func slotState() *booking.State {
	s := physicianState()
	s.OfferSlots("2026-10-20", booking.NewSlots([]booking.OpenSlot{
		{Start: "2026-10-20T09:00:00Z"},
		{Start: "2026-10-20T14:30:00Z"},
		{Start: "2026-10-20T16:00:00Z"},
	}, time.UTC))
	return s
}

func callerSays(text string) Transcript {
	return NewTranscript(
		Utterance{Speaker: SpeakerAssistant, Text: "Hello, thank you for calling Maple Street Clinic."},
		Utterance{Speaker: SpeakerCaller, Text: text},
	)
}
