package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-voice-agent/internal/dialogue"
	"github.com/wolfman30/clinic-voice-agent/internal/session"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 5 * time.Second
	closeTimeout        = 15 * time.Second
)

// Sessions is the part of session.Manager the handler needs.
type Sessions interface {
	Attach(ctx context.Context, callID string, sink session.Sink) session.Lease
	Release(ctx context.Context, callID string, binding uint64) error
}

// Handler serves one WebSocket per call at a route with a {call_id}
// parameter.
type Handler struct {
	sessions     Sessions
	logger       *logging.Logger
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option customizes a Handler.
type Option func(*Handler)

// WithReadTimeout ends a call when the platform sends nothing for d.
func WithReadTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.readTimeout = d
		}
	}
}

func NewHandler(sessions Sessions, logger *logging.Logger, opts ...Option) *Handler {
	if sessions == nil {
		panic("voice: sessions cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The platform connects server-to-server and sends no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// conn serializes writes to a websocket.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) Send(chunk dialogue.Chunk) error {
	return c.writeJSON(responseFromChunk(chunk))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "call_id"))
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}
	defer ws.Close()

	logger := h.logger.ForCall(callID)
	c := &conn{ws: ws, writeTimeout: h.writeTimeout}
	if err := c.writeJSON(ConfigResponse{
		ResponseType: ResponseTypeConfig,
		Config:       ServerConfig{AutoReconnect: true, CallDetails: true},
	}); err != nil {
		logger.Warn("failed to send config", "error", err)
		return
	}

	// A reconnect rebinds the call to the newest socket; releasing an
	// older one leaves the session alone.
	lease := h.sessions.Attach(r.Context(), callID, c)
	sess := lease.Session
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), closeTimeout)
		defer cancel()
		if err := h.sessions.Release(ctx, callID, lease.Binding); err != nil {
			logger.Warn("session close incomplete", "error", err)
		}
	}()
	if lease.Created {
		if err := sess.Submit(session.Interaction{Type: session.InteractionGreeting, TurnID: 0}); err != nil {
			logger.Warn("failed to start greeting", "error", err)
		}
	}

	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("call disconnected")
			} else {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := h.handle(sess, c, data, logger); err != nil {
			code, reason := websocket.CloseUnsupportedData, "malformed request"
			if errors.Is(err, session.ErrClosed) {
				code, reason = websocket.CloseNormalClosure, "call ended"
				logger.Info("ending call on closed session")
			} else {
				logger.Warn("ending call on bad request", "error", err)
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
			return
		}
	}
}

var errMalformed = errors.New("voice: malformed request")

// handle routes one inbound event. A non-nil error ends the call.
func (h *Handler) handle(sess *session.Session, c *conn, data []byte, logger *logging.Logger) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.Join(errMalformed, err)
	}

	switch req.InteractionType {
	case InteractionPingPong:
		_ = sess.Submit(session.Interaction{Type: session.InteractionKeepalive})
		if err := c.writeJSON(PingPong{ResponseType: ResponseTypePingPong, Timestamp: req.Timestamp}); err != nil {
			logger.Warn("failed to echo ping", "error", err)
		}
	case InteractionResponseRequired, InteractionReminderRequired:
		kind := session.InteractionTurn
		if req.InteractionType == InteractionReminderRequired {
			kind = session.InteractionReminder
		}
		err := sess.Submit(session.Interaction{Type: kind, TurnID: req.ResponseID, Transcript: transcript(req.Transcript)})
		switch {
		case errors.Is(err, session.ErrStaleTurn):
			logger.Debug("ignoring stale request", "response_id", req.ResponseID)
		case err != nil:
			return err
		}
	case InteractionCallDetails:
		if req.Call != nil {
			logger.Info("call details", "direction", req.Call.Direction, "to_number", req.Call.ToNumber)
		}
	case InteractionUpdateOnly:
	default:
		logger.Debug("ignoring unknown interaction", "interaction_type", req.InteractionType)
	}
	return nil
}
