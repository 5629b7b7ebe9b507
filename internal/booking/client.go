package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultKeyHeader = "X-API-Key"
	maxLoggedBody    = 300
)

// Gateway operation names, used for errors, spans and metrics.
const (
	OpVerifyPatient    = "verify_patient"
	OpResolvePhysician = "resolve_physician"
	OpListSlots        = "list_slots"
	OpBook             = "book"
)

// LatencyObserver records the duration and outcome of each gateway call.
type LatencyObserver interface {
	ObserveGateway(op, result string, d time.Duration)
}

// HTTPGatewayConfig configures HTTPGateway.
type HTTPGatewayConfig struct {
	BaseURL   string
	APIKey    string
	KeyHeader string
	Timeout   time.Duration
}

// HTTPGateway talks to the clinic booking REST API.
type HTTPGateway struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	keyHeader  string
	timeout    time.Duration
	logger     *logging.Logger
	tracer     trace.Tracer
	observer   LatencyObserver
}

// HTTPGatewayOption customizes HTTPGateway.
type HTTPGatewayOption func(*HTTPGateway)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithLatencyObserver reports per-call latency.
func WithLatencyObserver(o LatencyObserver) HTTPGatewayOption {
	return func(g *HTTPGateway) { g.observer = o }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// NewHTTPGateway constructs a booking API client.
func NewHTTPGateway(cfg HTTPGatewayConfig, logger *logging.Logger, opts ...HTTPGatewayOption) *HTTPGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.KeyHeader) == "" {
		cfg.KeyHeader = defaultKeyHeader
	}
	g := &HTTPGateway{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		keyHeader:  cfg.KeyHeader,
		timeout:    cfg.Timeout,
		logger:     logger,
		tracer:     otel.Tracer("clinic.internal.booking.gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// envelope is the booking API's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VerifyOrCreatePatient calls POST /patients/verify-or-create.
func (g *HTTPGateway) VerifyOrCreatePatient(ctx context.Context, fullName, dateOfBirth string) (Patient, error) {
	body := map[string]string{"full_name": fullName, "date_of_birth": dateOfBirth}
	var out Patient
	if err := g.call(ctx, OpVerifyPatient, http.MethodPost, "/patients/verify-or-create", body, &out); err != nil {
		return Patient{}, err
	}
	if out.ID == "" {
		return Patient{}, &GatewayError{Op: OpVerifyPatient, Kind: ErrGatewayUnavailable, Message: "response missing patient id"}
	}
	if out.FullName == "" {
		out.FullName = fullName
	}
	return out, nil
}

// ResolvePhysician calls GET /physicians?name=. An empty match list is
// reported as ErrNotFound.
func (g *HTTPGateway) ResolvePhysician(ctx context.Context, name string) (PhysicianResolution, error) {
	q := url.Values{}
	q.Set("name", name)
	var data struct {
		Physicians []Physician `json:"physicians"`
	}
	if err := g.call(ctx, OpResolvePhysician, http.MethodGet, "/physicians?"+q.Encode(), nil, &data); err != nil {
		return PhysicianResolution{}, err
	}
	matches := data.Physicians
	switch len(matches) {
	case 0:
		return PhysicianResolution{}, &GatewayError{Op: OpResolvePhysician, Kind: ErrNotFound, Message: "no physician matches " + name}
	case 1:
		p := matches[0]
		return PhysicianResolution{Physician: &p}, nil
	default:
		return PhysicianResolution{Candidates: matches}, nil
	}
}

// ListSlots calls GET /physicians/{id}/slots?date=.
func (g *HTTPGateway) ListSlots(ctx context.Context, physicianID, date string) ([]OpenSlot, error) {
	q := url.Values{}
	q.Set("date", date)
	path := fmt.Sprintf("/physicians/%s/slots?%s", url.PathEscape(physicianID), q.Encode())
	var data struct {
		Slots []OpenSlot `json:"slots"`
	}
	if err := g.call(ctx, OpListSlots, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return data.Slots, nil
}

// Book calls POST /appointments.
func (g *HTTPGateway) Book(ctx context.Context, req BookRequest) (Appointment, error) {
	var out Appointment
	if err := g.call(ctx, OpBook, http.MethodPost, "/appointments", req, &out); err != nil {
		return Appointment{}, err
	}
	if out.PatientID == "" {
		out.PatientID = req.PatientID
	}
	if out.PhysicianID == "" {
		out.PhysicianID = req.PhysicianID
	}
	if out.Start == "" {
		out.Start = req.Start
	}
	return out, nil
}

// call runs one traced, timed round-trip and records its outcome.
func (g *HTTPGateway) call(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := g.tracer.Start(ctx, "booking."+op, trace.WithAttributes(
		attribute.String("booking.op", op),
		attribute.String("http.method", method),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := g.doJSON(ctx, op, method, path, body, out)
	if g.observer != nil {
		g.observer.ObserveGateway(op, KindLabel(err), time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindLabel(err))
	}
	return err
}

func (g *HTTPGateway) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	endpoint := g.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Op: op, Kind: ErrRejected, Message: "marshal request", Err: err}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return &GatewayError{Op: op, Kind: ErrGatewayUnavailable, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set(g.keyHeader, g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Kind: ErrGatewayUnavailable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Op: op, Kind: ErrGatewayUnavailable, Message: "read response", Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(respBody)
		if len(msg) > maxLoggedBody {
			msg = msg[:maxLoggedBody]
		}
		g.logger.Warn("booking API non-2xx response", "op", op, "status", resp.StatusCode, "path", path, "body", msg)
		gerr := &GatewayError{Op: op, Kind: classifyStatus(resp.StatusCode)}
		if decodeErr == nil && env.Error != nil {
			gerr.Code = env.Error.Code
			gerr.Message = env.Error.Message
			if kind := classifyCode(env.Error.Code); kind != nil && resp.StatusCode < 500 {
				gerr.Kind = kind
			}
		} else {
			gerr.Message = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return gerr
	}

	if decodeErr != nil {
		return &GatewayError{Op: op, Kind: ErrGatewayUnavailable, Message: "decode response", Err: decodeErr}
	}
	if !env.Success {
		gerr := &GatewayError{Op: op, Kind: ErrRejected}
		if env.Error != nil {
			gerr.Code = env.Error.Code
			gerr.Message = env.Error.Message
			if kind := classifyCode(env.Error.Code); kind != nil {
				gerr.Kind = kind
			}
		}
		g.logger.Warn("booking API reported failure", "op", op, "code", gerr.Code)
		return gerr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &GatewayError{Op: op, Kind: ErrGatewayUnavailable, Message: "decode data", Err: err}
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrGatewayUnavailable
	default:
		return ErrRejected
	}
}

func classifyCode(code string) error {
	switch strings.ToLower(code) {
	case "not_found", "patient_not_found", "physician_not_found":
		return ErrNotFound
	case "conflict", "slot_unavailable", "slot_taken":
		return ErrConflict
	default:
		return nil
	}
}
