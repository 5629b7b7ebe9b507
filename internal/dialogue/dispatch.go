package dialogue

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	"github.com/wolfman30/clinic-voice-agent/internal/events"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// Tool results reported to metrics and TurnSummary.
const (
	ResultOK           = "ok"
	ResultAmbiguous    = "ambiguous"
	ResultEmpty        = "empty"
	ResultPrecondition = "precondition"
	ResultInvalid      = "invalid_argument"
	ResultUnresolved   = "unresolved_selection"
	ResultUnknownTool  = "unknown_tool"
	ResultNotFound     = "not_found"
	ResultConflict     = "conflict"
	ResultRejected     = "rejected"
	ResultUnavailable  = "unavailable"
)

type toolOutcome struct {
	reply  string
	result string
}

// dispatch executes one parsed tool call against the gateway and applies
// its result to state. State preconditions and required arguments are
// checked first; a failed check never reaches the gateway.
func (o *Orchestrator) dispatch(ctx context.Context, req TurnRequest, name string, args map[string]any, logger *logging.Logger) toolOutcome {
	ctx, span := o.tracer.Start(ctx, "dialogue.tool")
	defer span.End()
	span.SetAttributes(attribute.String("dialogue.tool", name))

	out := o.execute(ctx, req, name, args, logger)

	span.SetAttributes(attribute.String("dialogue.tool_result", out.result))
	if out.result == ResultUnavailable {
		span.SetStatus(codes.Error, out.result)
	}
	if o.metrics != nil {
		o.metrics.ObserveTool(name, out.result)
	}
	if err := req.State.Validate(); err != nil {
		logger.Error("booking state invariant violated", "tool", name, "error", err)
	}
	return out
}

func (o *Orchestrator) execute(ctx context.Context, req TurnRequest, name string, args map[string]any, logger *logging.Logger) toolOutcome {
	state := req.State
	if _, ok := o.registry.Lookup(name); !ok {
		logger.Warn("model requested unknown tool", "tool", name)
		return toolOutcome{reply: UnknownToolReply, result: ResultUnknownTool}
	}
	if out, blocked := preconditions(name, state); blocked {
		return out
	}
	missing, err := o.registry.MissingArguments(name, args)
	if err != nil {
		return toolOutcome{reply: UnknownToolReply, result: ResultUnknownTool}
	}
	if len(missing) > 0 {
		return toolOutcome{reply: missingReply(missing), result: ResultInvalid}
	}

	switch name {
	case booking.ToolVerifyPatient:
		return o.verifyPatient(ctx, state, args, logger)
	case booking.ToolResolvePhysician:
		return o.resolvePhysician(ctx, state, args, logger)
	case booking.ToolSelectPhysician:
		return selectPhysician(state, args)
	case booking.ToolFindSlots:
		return o.findSlots(ctx, state, args, logger)
	case booking.ToolBookAppointment:
		return o.bookAppointment(ctx, req, args, logger)
	default:
		return toolOutcome{reply: UnknownToolReply, result: ResultUnknownTool}
	}
}

// preconditions answers locally when state does not yet allow name.
func preconditions(name string, s *booking.State) (toolOutcome, bool) {
	blocked := func(reply string) (toolOutcome, bool) {
		return toolOutcome{reply: reply, result: ResultPrecondition}, true
	}
	switch name {
	case booking.ToolResolvePhysician:
		if s.PatientID == "" {
			return blocked(missingReply([]string{booking.FieldPatient}))
		}
	case booking.ToolSelectPhysician:
		if s.PatientID == "" {
			return blocked(missingReply([]string{booking.FieldPatient}))
		}
		if len(s.PhysicianCandidates) == 0 {
			return blocked(noCandidatesReply(s))
		}
	case booking.ToolFindSlots:
		var missing []string
		if s.PatientID == "" {
			missing = append(missing, booking.FieldPatient)
		}
		if len(s.PhysicianCandidates) > 0 {
			return blocked(ambiguousReply(s.PhysicianCandidates))
		}
		if s.PhysicianID == "" {
			missing = append(missing, booking.FieldPhysician)
		}
		if len(missing) > 0 {
			return blocked(missingReply(missing))
		}
	case booking.ToolBookAppointment:
		if !s.CanBook() {
			if s.PatientID != "" && len(s.PhysicianCandidates) > 0 {
				return blocked(ambiguousReply(s.PhysicianCandidates))
			}
			return blocked(missingReply(s.Missing()))
		}
	}
	return toolOutcome{}, false
}

// gatewayFailure phrases a gateway error for the caller. State is left as
// it was.
func gatewayFailure(err error, notFound, conflict string) toolOutcome {
	switch booking.ErrorKind(err) {
	case booking.ErrNotFound:
		if notFound != "" {
			return toolOutcome{reply: notFound, result: ResultNotFound}
		}
		return toolOutcome{reply: rejectedReply(gatewayMessage(err)), result: ResultNotFound}
	case booking.ErrConflict:
		if conflict != "" {
			return toolOutcome{reply: conflict, result: ResultConflict}
		}
		return toolOutcome{reply: rejectedReply(gatewayMessage(err)), result: ResultConflict}
	case booking.ErrRejected:
		return toolOutcome{reply: rejectedReply(gatewayMessage(err)), result: ResultRejected}
	default:
		return toolOutcome{reply: UnavailableReply, result: ResultUnavailable}
	}
}

func gatewayMessage(err error) string {
	var gerr *booking.GatewayError
	if errors.As(err, &gerr) {
		return gerr.Message
	}
	return ""
}

func (o *Orchestrator) verifyPatient(ctx context.Context, s *booking.State, args map[string]any, logger *logging.Logger) toolOutcome {
	fullName := booking.StringArg(args, "full_name")
	dob, ok := normalizeDate(booking.StringArg(args, "date_of_birth"))
	if !ok {
		return toolOutcome{reply: invalidDOBReply(), result: ResultInvalid}
	}

	patient, err := o.gateway.VerifyOrCreatePatient(ctx, fullName, dob)
	if err != nil {
		logger.Warn("verify patient failed", "patient", logging.MaskName(fullName), "error", err)
		return gatewayFailure(err, "I couldn't find a patient record with those details. Could you repeat your full name and date of birth?", "")
	}
	if patient.FullName == "" {
		patient.FullName = fullName
	}
	s.SetPatient(patient.ID, patient.FullName)
	logger.Info("patient verified", "patient", logging.MaskName(patient.FullName), "created", patient.Created)
	return toolOutcome{reply: patientReply(patient), result: ResultOK}
}

func (o *Orchestrator) resolvePhysician(ctx context.Context, s *booking.State, args map[string]any, logger *logging.Logger) toolOutcome {
	name := booking.StringArg(args, "physician_name")
	res, err := o.gateway.ResolvePhysician(ctx, name)
	if err != nil {
		logger.Warn("resolve physician failed", "physician_query", name, "error", err)
		return gatewayFailure(err, physicianNotFoundReply(name), "")
	}
	switch {
	case res.Physician != nil:
		s.SetPhysician(*res.Physician)
		return toolOutcome{reply: physicianReply(*res.Physician), result: ResultOK}
	case len(res.Candidates) > 0:
		s.SetCandidates(res.Candidates)
		return toolOutcome{reply: ambiguousReply(s.PhysicianCandidates), result: ResultAmbiguous}
	default:
		return toolOutcome{reply: physicianNotFoundReply(name), result: ResultNotFound}
	}
}

func selectPhysician(s *booking.State, args map[string]any) toolOutcome {
	choice, ok := booking.ResolvePhysician(booking.StringArg(args, "selection"), s.PhysicianCandidates)
	if !ok {
		return toolOutcome{reply: invalidPhysicianSelectionReply(s.PhysicianCandidates), result: ResultUnresolved}
	}
	s.SetPhysician(choice.Physician)
	return toolOutcome{reply: physicianReply(choice.Physician), result: ResultOK}
}

func (o *Orchestrator) findSlots(ctx context.Context, s *booking.State, args map[string]any, logger *logging.Logger) toolOutcome {
	date, ok := normalizeDate(booking.StringArg(args, "date"))
	if !ok {
		return toolOutcome{reply: invalidDateReply(), result: ResultInvalid}
	}

	open, err := o.gateway.ListSlots(ctx, s.PhysicianID, date)
	if err != nil {
		logger.Warn("list slots failed", "physician_id", s.PhysicianID, "date", date, "error", err)
		return gatewayFailure(err, noSlotsReply(s.PhysicianName, date), "")
	}
	if len(open) == 0 {
		s.ClearSlots()
		return toolOutcome{reply: noSlotsReply(s.PhysicianName, date), result: ResultEmpty}
	}
	slots := booking.NewSlots(open, o.cfg.Location)
	s.OfferSlots(date, slots)
	return toolOutcome{reply: slotsReply(s.PhysicianName, date, slots), result: ResultOK}
}

func (o *Orchestrator) bookAppointment(ctx context.Context, req TurnRequest, args map[string]any, logger *logging.Logger) toolOutcome {
	s := req.State
	slot, ok := booking.ResolveSlot(booking.StringArg(args, "selection"), s.AvailableSlots)
	if !ok {
		return toolOutcome{reply: unresolvedSlotReply(s.AvailableSlots), result: ResultUnresolved}
	}

	reason := booking.StringArg(args, "visit_reason")
	appt, err := o.gateway.Book(ctx, booking.BookRequest{
		PatientID:   s.PatientID,
		PhysicianID: s.PhysicianID,
		Start:       slot.Raw,
		VisitReason: reason,
	})
	if err != nil {
		logger.Warn("book appointment failed", "physician_id", s.PhysicianID, "start", slot.Raw, "error", err)
		out := gatewayFailure(err, "", conflictReply(s.AvailableSlots))
		if out.result == ResultRejected || out.result == ResultNotFound {
			// Terminal for this date: the caller picks a new one.
			s.ClearSlots()
		}
		return out
	}

	reply := bookedReply(s.PhysicianName, s.SelectedDate, slot)
	evt := events.AppointmentBookedV1{
		CallID:        req.CallID,
		AppointmentID: appt.ID,
		PatientID:     s.PatientID,
		PhysicianID:   s.PhysicianID,
		PhysicianName: s.PhysicianName,
		Start:         slot.Raw,
		VisitReason:   reason,
		BookedAt:      o.now().UTC(),
	}
	s.Reset()
	logger.Info("appointment booked", "appointment_id", appt.ID, "physician_id", evt.PhysicianID, "start", evt.Start)
	o.publish(ctx, evt, logger)
	return toolOutcome{reply: reply, result: ResultOK}
}

// publish sends evt without delaying the reply.
func (o *Orchestrator) publish(ctx context.Context, evt events.AppointmentBookedV1, logger *logging.Logger) {
	if o.publisher == nil {
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := o.publisher.PublishAppointmentBooked(pubCtx, evt); err != nil {
			logger.Error("failed to publish appointment event", "appointment_id", evt.AppointmentID, "error", err)
		}
	}()
}

const publishTimeout = 5 * time.Second

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
}

// normalizeDate accepts a few spoken-to-text date shapes and returns the
// ISO form.
func normalizeDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}
