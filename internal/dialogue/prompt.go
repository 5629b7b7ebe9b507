package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
	"github.com/wolfman30/clinic-voice-agent/internal/llm"
)

const instructionsTemplate = `You are %s, the phone scheduling assistant for %s. You help callers book appointments with the office's physicians.

Rules:
- You are speaking on a phone call. Keep every reply to one or two short sentences with no lists, markdown or emoji.
- Before anything else, get the caller's full name and date of birth and call verify_or_create_patient.
- Then ask which doctor they want and call resolve_physician. If several doctors match, read the options and call select_physician_from_matches with the caller's choice.
- Then ask for a date and call find_available_slots with it as YYYY-MM-DD.
- When the caller picks one of the offered times, call book_appointment with the option number or the time they said.
- Call at most one tool per reply and never invent patient, doctor, date or time details.
- If the caller asks for something other than booking, politely say you can only help with appointments.`

const reminderNote = "The caller has been silent for a while. In one short sentence, check whether they are still there and offer to help with their appointment."

// systemPrompt assembles the instructions and the call's booking progress.
func (o *Orchestrator) systemPrompt(req TurnRequest, now time.Time) []string {
	agent := o.cfg.AgentName
	if agent == "" {
		agent = "the virtual receptionist"
	}
	parts := []string{
		fmt.Sprintf(instructionsTemplate, agent, o.cfg.ClinicName),
		fmt.Sprintf("Today is %s (%s). Convert relative dates such as \"tomorrow\" to YYYY-MM-DD.",
			now.Format("Monday, January 2, 2006"), now.Format("2006-01-02")),
	}
	if ctx := bookingContext(req.State); ctx != "" {
		parts = append(parts, ctx)
	}
	if req.Reminder {
		parts = append(parts, reminderNote)
	}
	return parts
}

// bookingContext describes what is already known, and any choice the caller
// is being asked to make.
func bookingContext(s *booking.State) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Booking progress so far:\n")
	if s.PatientID != "" {
		fmt.Fprintf(&b, "- Patient verified: %s. Do not ask for their name or date of birth again.\n", s.PatientName)
	} else {
		b.WriteString("- Patient not yet verified.\n")
	}
	switch {
	case len(s.PhysicianCandidates) > 0:
		b.WriteString("- Several doctors matched. The caller must choose one; pass their choice to select_physician_from_matches:\n")
		for _, c := range s.PhysicianCandidates {
			fmt.Fprintf(&b, "  %d. %s\n", c.Index, c.Name)
		}
	case s.PhysicianID != "":
		fmt.Fprintf(&b, "- Doctor chosen: %s.\n", s.PhysicianName)
	}
	if s.SelectedDate != "" {
		fmt.Fprintf(&b, "- Date chosen: %s.\n", s.SelectedDate)
	}
	if len(s.AvailableSlots) > 0 {
		b.WriteString("- Times offered to the caller; pass the option number or time they pick to book_appointment:\n")
		for _, slot := range s.AvailableSlots {
			fmt.Fprintf(&b, "  %d. %s\n", slot.Index, slot.Label)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// toolSpecs exposes the registry to generation.
func toolSpecs(r *booking.Registry) []llm.ToolSpec {
	tools := r.Tools()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema()})
	}
	return specs
}

func (o *Orchestrator) buildRequest(req TurnRequest) llm.Request {
	system := o.systemPrompt(req, o.now().In(o.cfg.Location))
	return llm.Request{
		Model:       o.cfg.Model,
		System:      system,
		Messages:    o.window.Fit(system, req.Transcript.Messages()),
		Tools:       o.tools,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
}
