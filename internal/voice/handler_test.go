package voice

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
	"github.com/wolfman30/clinic-voice-agent/internal/session"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// echoOrchestrator answers every turn with the caller's last line.
type echoOrchestrator struct {
	mu       sync.Mutex
	requests []dialogue.TurnRequest
}

func (e *echoOrchestrator) Greeting() string { return "Hello, Maple Street Clinic." }

func (e *echoOrchestrator) Advance(_ context.Context, req dialogue.TurnRequest) *dialogue.Turn {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return dialogue.StaticTurn(req.TurnID, "You said "+req.Transcript.LastCallerText()+".")
}

func (e *echoOrchestrator) last() dialogue.TurnRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func newTestServer(t *testing.T, opts ...session.ManagerOption) (*httptest.Server, *session.Manager, *echoOrchestrator) {
	t.Helper()
	orch := &echoOrchestrator{}
	mgr := session.NewManager(orch, logging.Discard(), opts...)
	r := chi.NewRouter()
	r.Handle("/llm-websocket/{call_id}", NewHandler(mgr, logging.Discard()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr, orch
}

func dial(t *testing.T, srv *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/llm-websocket/" + callID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readReply collects response messages for id until content_complete.
func readReply(t *testing.T, ws *websocket.Conn, id int64) string {
	t.Helper()
	var b strings.Builder
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var resp Response
		require.NoError(t, ws.ReadJSON(&resp))
		if resp.ResponseType != ResponseTypeResponse || resp.ResponseID != id {
			continue
		}
		b.WriteString(resp.Content)
		if resp.ContentComplete {
			return b.String()
		}
	}
}

func TestHandler_ConfigThenGreeting(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv, "call_1")

	var cfg ConfigResponse
	require.NoError(t, ws.ReadJSON(&cfg))
	assert.Equal(t, ResponseTypeConfig, cfg.ResponseType)
	assert.True(t, cfg.Config.AutoReconnect)
	assert.True(t, cfg.Config.CallDetails)

	assert.Equal(t, "Hello, Maple Street Clinic.", readReply(t, ws, 0))
}

func TestHandler_ResponseAndReminder(t *testing.T) {
	srv, _, orch := newTestServer(t)
	ws := dial(t, srv, "call_1")
	readReply(t, ws, 0)

	require.NoError(t, ws.WriteJSON(Request{
		InteractionType: InteractionResponseRequired,
		ResponseID:      1,
		Transcript: []Utterance{
			{Role: "agent", Content: "Hello, Maple Street Clinic."},
			{Role: "user", Content: "I need an appointment"},
		},
	}))
	assert.Equal(t, "You said I need an appointment.", readReply(t, ws, 1))
	req := orch.last()
	assert.False(t, req.Reminder)
	assert.Equal(t, 2, req.Transcript.Len())
	assert.Equal(t, dialogue.SpeakerAssistant, req.Transcript.Utterances()[0].Speaker)

	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionReminderRequired, ResponseID: 2}))
	readReply(t, ws, 2)
	assert.True(t, orch.last().Reminder)
}

func TestHandler_PingPongEcho(t *testing.T) {
	srv, _, orch := newTestServer(t)
	ws := dial(t, srv, "call_1")
	readReply(t, ws, 0)

	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionPingPong, Timestamp: 1760900000123}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var pong PingPong
	require.NoError(t, ws.ReadJSON(&pong))
	assert.Equal(t, ResponseTypePingPong, pong.ResponseType)
	assert.Equal(t, int64(1760900000123), pong.Timestamp)

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Empty(t, orch.requests)
}

func TestHandler_StaleRequestIgnored(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ws := dial(t, srv, "call_1")
	readReply(t, ws, 0)

	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionResponseRequired, ResponseID: 3, Transcript: []Utterance{{Role: "user", Content: "three"}}}))
	readReply(t, ws, 3)
	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionResponseRequired, ResponseID: 2, Transcript: []Utterance{{Role: "user", Content: "two"}}}))
	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionResponseRequired, ResponseID: 4, Transcript: []Utterance{{Role: "user", Content: "four"}}}))
	assert.Equal(t, "You said four.", readReply(t, ws, 4))
}

func TestHandler_MalformedRequestEndsCall(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	ws := dial(t, srv, "call_1")
	readReply(t, ws, 0)
	require.Equal(t, 1, mgr.Len())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "unexpected error %v", err)
			break
		}
	}
	assert.Eventually(t, func() bool { return mgr.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_DisconnectClosesSession(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	ws := dial(t, srv, "call_1")
	readReply(t, ws, 0)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return mgr.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_ReconnectKeepsCallAfterOldSocketDrops(t *testing.T) {
	srv, mgr, orch := newTestServer(t)
	first := dial(t, srv, "call_r")
	readReply(t, first, 0)

	second := dial(t, srv, "call_r")
	var cfg ConfigResponse
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, second.ReadJSON(&cfg))
	require.Equal(t, ResponseTypeConfig, cfg.ResponseType)

	sess, ok := mgr.Get("call_r")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Binding() == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	// Let the old socket's release run before the next turn.
	time.Sleep(100 * time.Millisecond)
	live, ok := mgr.Get("call_r")
	require.True(t, ok, "session closed by the superseded socket")
	require.Same(t, sess, live)

	require.NoError(t, second.WriteJSON(Request{
		InteractionType: InteractionResponseRequired,
		ResponseID:      1,
		Transcript:      []Utterance{{Role: "user", Content: "still here"}},
	}))
	assert.Equal(t, "You said still here.", readReply(t, second, 1))
	assert.Equal(t, int64(1), sess.LatestTurn())
	assert.Equal(t, "still here", orch.last().Transcript.LastCallerText())

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool { return mgr.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_ReconnectWithinGraceResumesWithoutGreeting(t *testing.T) {
	srv, mgr, _ := newTestServer(t, session.WithReconnectGrace(time.Minute))
	first := dial(t, srv, "call_g")
	readReply(t, first, 0)
	require.NoError(t, first.WriteJSON(Request{
		InteractionType: InteractionResponseRequired,
		ResponseID:      1,
		Transcript:      []Utterance{{Role: "user", Content: "hello"}},
	}))
	readReply(t, first, 1)
	require.NoError(t, first.Close())

	assert.Never(t, func() bool { return mgr.Len() == 0 }, 200*time.Millisecond, 10*time.Millisecond)

	second := dial(t, srv, "call_g")
	require.NoError(t, second.WriteJSON(Request{
		InteractionType: InteractionResponseRequired,
		ResponseID:      2,
		Transcript:      []Utterance{{Role: "user", Content: "back again"}},
	}))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var resp Response
		require.NoError(t, second.ReadJSON(&resp))
		if resp.ResponseType != ResponseTypeResponse {
			continue
		}
		require.NotEqual(t, int64(0), resp.ResponseID, "greeting replayed on reconnect")
		if resp.ResponseID == 2 && resp.ContentComplete {
			break
		}
	}
	assert.Equal(t, 1, mgr.Len())
}

func TestHandler_GraceExpiryClosesSession(t *testing.T) {
	srv, mgr, _ := newTestServer(t, session.WithReconnectGrace(50*time.Millisecond))
	ws := dial(t, srv, "call_x")
	readReply(t, ws, 0)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return mgr.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_ClosedSessionEndsCallNormally(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	ws := dial(t, srv, "call_s")
	readReply(t, ws, 0)
	require.NoError(t, mgr.Shutdown(context.Background()))

	require.NoError(t, ws.WriteJSON(Request{InteractionType: InteractionResponseRequired, ResponseID: 1}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
	}
}
