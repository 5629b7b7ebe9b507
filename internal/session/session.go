// Package session owns per-call dialogue state. A Session serializes the
// turns of one call and drops the output of superseded turns; the Manager
// maps call ids to sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

var (
	// ErrStaleTurn rejects a turn id at or below the latest accepted one.
	ErrStaleTurn = errors.New("session: stale turn")
	// ErrClosed rejects work on a closed session.
	ErrClosed = errors.New("session: closed")
)

// InteractionType is the kind of inbound request.
type InteractionType string

const (
	InteractionGreeting  InteractionType = "greeting"
	InteractionTurn      InteractionType = "turn"
	InteractionReminder  InteractionType = "reminder"
	InteractionKeepalive InteractionType = "keepalive"
)

// Interaction is one inbound request from the call transport.
type Interaction struct {
	Type       InteractionType
	TurnID     int64
	Transcript dialogue.Transcript
}

// Orchestrator produces turns.
type Orchestrator interface {
	Greeting() string
	Advance(ctx context.Context, req dialogue.TurnRequest) *dialogue.Turn
}

// Sink receives the chunks that reach the caller.
type Sink interface {
	Send(dialogue.Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(dialogue.Chunk) error

func (f SinkFunc) Send(c dialogue.Chunk) error { return f(c) }

// Recorder receives session measurements.
type Recorder interface {
	ObserveTurn(interaction, outcome string)
	ObserveDroppedChunk()
	SetActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTurn(string, string) {}
func (nopRecorder) ObserveDroppedChunk()       {}
func (nopRecorder) SetActiveSessions(int)      {}

const (
	registryTimeout     = 2 * time.Second
	releaseCloseTimeout = 15 * time.Second
)

// Session is the state of one call.
type Session struct {
	callID    string
	orch      Orchestrator
	registry  Registry
	metrics   Recorder
	logger    *logging.Logger
	startedAt time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// state is touched only by the turn holding the commit slot.
	state *booking.State

	mu         sync.Mutex
	sink       Sink
	binding    uint64
	latest     int64
	turnCancel context.CancelFunc
	committed  <-chan struct{}
	closed     bool
	turns      int
	stage      string
	lastSeen   time.Time
	dropped    int

	regMu     sync.Mutex
	regClosed bool

	wg sync.WaitGroup
}

func newSession(callID string, orch Orchestrator, sink Sink, registry Registry, metrics Recorder, logger *logging.Logger, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	close(ready)
	started := now()
	return &Session{
		callID:    callID,
		orch:      orch,
		registry:  registry,
		metrics:   metrics,
		logger:    logger.ForCall(callID),
		startedAt: started,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		state:     booking.NewState(),
		sink:      sink,
		binding:   1,
		latest:    -1,
		committed: ready,
		stage:     booking.StageEmpty.String(),
		lastSeen:  started,
	}
}

// CallID returns the call this session belongs to.
func (s *Session) CallID() string { return s.callID }

// Bind replaces the output sink, e.g. after the transport reconnects, and
// returns the new binding. Earlier bindings no longer own the session.
func (s *Session) Bind(sink Sink) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding++
	s.sink = sink
	return s.binding
}

// Binding returns the current binding.
func (s *Session) Binding() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Unbind detaches the sink if binding is still current. Chunks produced
// while unbound are dropped.
func (s *Session) Unbind(binding uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding != binding {
		return false
	}
	s.sink = nil
	return true
}

// LatestTurn returns the highest accepted turn id, or -1.
func (s *Session) LatestTurn() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Dropped returns how many chunks of superseded turns were discarded.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LastSeen is the time of the latest inbound interaction.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Record describes the session for the active-call registry.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() Record {
	return Record{CallID: s.callID, StartedAt: s.startedAt, TurnCount: s.turns, Stage: s.stage}
}

// Submit accepts an interaction. A turn id must be greater than every id
// accepted before it; accepting one cancels the turn in flight, whose
// remaining chunks are then dropped. The new turn starts generating only
// after the previous turn's tool work has committed. Keepalives only
// refresh LastSeen.
func (s *Session) Submit(in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lastSeen = s.now()
	if in.Type == InteractionKeepalive {
		return nil
	}
	if in.TurnID <= s.latest {
		return fmt.Errorf("%w: turn %d, latest %d", ErrStaleTurn, in.TurnID, s.latest)
	}

	s.latest = in.TurnID
	if s.turnCancel != nil {
		s.turnCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	prev := s.committed
	mine := make(chan struct{})
	s.committed = mine
	if in.Type != InteractionGreeting {
		s.turns++
	}

	s.wg.Add(1)
	go s.run(ctx, cancel, in, prev, mine)
	return nil
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, in Interaction, prev <-chan struct{}, mine chan struct{}) {
	defer s.wg.Done()
	defer cancel()

	<-prev
	if ctx.Err() != nil {
		close(mine)
		s.metrics.ObserveTurn(string(in.Type), dialogue.OutcomeSuperseded)
		return
	}

	var turn *dialogue.Turn
	if in.Type == InteractionGreeting {
		turn = dialogue.StaticTurn(in.TurnID, s.orch.Greeting())
	} else {
		turn = s.orch.Advance(ctx, dialogue.TurnRequest{
			CallID:     s.callID,
			TurnID:     in.TurnID,
			Transcript: in.Transcript,
			State:      s.state,
			Reminder:   in.Type == InteractionReminder,
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-turn.Committed()
		stage := s.state.Stage().String()
		close(mine)
		s.mu.Lock()
		s.stage = stage
		rec := s.recordLocked()
		s.mu.Unlock()
		s.publishRecord(rec)
	}()

	for c := range turn.Chunks() {
		s.forward(c)
	}
	s.metrics.ObserveTurn(string(in.Type), turn.Summary().Outcome)
}

// forward passes c to the sink unless its turn has been superseded. The
// check and the send happen under the same lock as Submit, so no chunk of
// an older turn follows the acceptance of a newer one.
func (s *Session) forward(c dialogue.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || c.TurnID != s.latest || s.sink == nil {
		s.dropped++
		s.metrics.ObserveDroppedChunk()
		return
	}
	if err := s.sink.Send(c); err != nil {
		s.logger.Warn("failed to send chunk", "turn_id", c.TurnID, "final", c.IsFinal, "error", err)
	}
}

func (s *Session) publishRecord(rec Record) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.regClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.registry.Put(ctx, rec); err != nil {
		s.logger.Warn("failed to update active call record", "error", err)
	}
}

// Close stops the call. The in-flight turn is cancelled; once any tool work
// it started has committed, booking state is cleared. Close returns ctx's
// error if that wait is cut short.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	committed := s.committed
	s.mu.Unlock()
	s.cancel()

	var err error
	select {
	case <-committed:
		s.state.Reset()
	case <-ctx.Done():
		err = fmt.Errorf("session: close %s: %w", s.callID, ctx.Err())
	}

	s.regMu.Lock()
	s.regClosed = true
	regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	if rerr := s.registry.Remove(regCtx, s.callID); rerr != nil {
		s.logger.Warn("failed to remove active call record", "error", rerr)
	}
	cancel()
	s.regMu.Unlock()
	return err
}

// Wait blocks until every accepted turn has finished streaming and
// recorded its outcome.
func (s *Session) Wait() { s.wg.Wait() }
