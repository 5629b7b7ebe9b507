// Package booking holds the per-call booking progress record, the catalogue
// of booking tools exposed to generation, and the booking-provider gateway.
package booking

import (
	"errors"
	"time"
)

// Stage is the position of a call in the booking flow. It is derived from
// State and never stored.
type Stage int

const (
	StageEmpty Stage = iota
	StagePatientKnown
	StagePhysicianAmbiguous
	StagePhysicianKnown
	StageSlotsOffered
)

func (s Stage) String() string {
	switch s {
	case StageEmpty:
		return "empty"
	case StagePatientKnown:
		return "patient_known"
	case StagePhysicianAmbiguous:
		return "physician_ambiguous"
	case StagePhysicianKnown:
		return "physician_known"
	case StageSlotsOffered:
		return "slots_offered"
	default:
		return "unknown"
	}
}

// Physician is a bookable provider returned by the booking API.
type Physician struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
}

// PhysicianCandidate is one numbered option offered during disambiguation.
type PhysicianCandidate struct {
	Index int `json:"index"` // 1-based, as read to the caller
	Physician
}

// Slot is one numbered appointment time offered to the caller.
type Slot struct {
	Index     int    `json:"index"`       // 1-based, as read to the caller
	TimeOfDay string `json:"time_of_day"` // 24h clock, e.g. "14:30"
	Label     string `json:"label"`       // spoken form, e.g. "2:30 PM"
	Raw       string `json:"raw"`         // provider datetime, sent back on booking
}

// ErrInvariant reports a State that holds both a resolved physician and
// pending candidates.
var ErrInvariant = errors.New("booking: physician resolved while candidates pending")

// State tracks booking progress for one call. It is owned by exactly one
// session and is not safe for concurrent mutation; the session serializes
// turns instead.
type State struct {
	PatientID           string               `json:"patient_id,omitempty"`
	PatientName         string               `json:"patient_name,omitempty"`
	PhysicianID         string               `json:"physician_id,omitempty"`
	PhysicianName       string               `json:"physician_name,omitempty"`
	PhysicianCandidates []PhysicianCandidate `json:"physician_candidates,omitempty"`
	SelectedDate        string               `json:"selected_date,omitempty"`
	AvailableSlots      []Slot               `json:"available_slots,omitempty"`
}

// NewState returns an empty booking record.
func NewState() *State {
	return &State{}
}

// Stage derives the current booking stage.
func (s *State) Stage() Stage {
	switch {
	case s.PatientID == "":
		return StageEmpty
	case len(s.PhysicianCandidates) > 0:
		return StagePhysicianAmbiguous
	case s.PhysicianID == "":
		return StagePatientKnown
	case len(s.AvailableSlots) > 0:
		return StageSlotsOffered
	default:
		return StagePhysicianKnown
	}
}

// Validate checks the physician invariant: a resolved physician and pending
// candidates never coexist.
func (s *State) Validate() error {
	if s.PhysicianID != "" && len(s.PhysicianCandidates) > 0 {
		return ErrInvariant
	}
	return nil
}

// SetPatient records a verified patient.
func (s *State) SetPatient(id, name string) {
	s.PatientID = id
	s.PatientName = name
}

// SetPhysician records an unambiguous physician. Candidates and any slots
// queried for a previous physician are dropped.
func (s *State) SetPhysician(p Physician) {
	s.PhysicianID = p.ID
	s.PhysicianName = p.Name
	s.PhysicianCandidates = nil
	s.ClearSlots()
}

// SetCandidates starts physician disambiguation. Any resolved physician is
// cleared so the invariant holds.
func (s *State) SetCandidates(matches []Physician) {
	s.PhysicianID = ""
	s.PhysicianName = ""
	s.ClearSlots()
	s.PhysicianCandidates = make([]PhysicianCandidate, 0, len(matches))
	for i, p := range matches {
		s.PhysicianCandidates = append(s.PhysicianCandidates, PhysicianCandidate{Index: i + 1, Physician: p})
	}
}

// OfferSlots stores the slots returned for date.
func (s *State) OfferSlots(date string, slots []Slot) {
	s.SelectedDate = date
	s.AvailableSlots = slots
}

// ClearSlots forgets the chosen date and offered slots.
func (s *State) ClearSlots() {
	s.SelectedDate = ""
	s.AvailableSlots = nil
}

// Reset empties the record. Called after a successful booking and when the
// call ends.
func (s *State) Reset() {
	*s = State{}
}

// Missing names the prerequisites for booking that are not yet satisfied,
// in the order the caller should supply them.
func (s *State) Missing() []string {
	var missing []string
	if s.PatientID == "" {
		missing = append(missing, FieldPatient)
	}
	if s.PhysicianID == "" {
		missing = append(missing, FieldPhysician)
	}
	if s.SelectedDate == "" {
		missing = append(missing, FieldDate)
	}
	if len(s.AvailableSlots) == 0 {
		missing = append(missing, FieldSlot)
	}
	return missing
}

// CanBook reports whether every booking prerequisite holds.
func (s *State) CanBook() bool {
	return len(s.Missing()) == 0
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *State) Snapshot() State {
	out := *s
	out.PhysicianCandidates = append([]PhysicianCandidate(nil), s.PhysicianCandidates...)
	out.AvailableSlots = append([]Slot(nil), s.AvailableSlots...)
	return out
}

// Prerequisite names reported by Missing.
const (
	FieldPatient   = "patient"
	FieldPhysician = "physician"
	FieldDate      = "date"
	FieldSlot      = "slot"
)

// NewSlots numbers provider times for presentation. Times are rendered in
// loc; unparseable times are kept verbatim so they can still be booked.
func NewSlots(open []OpenSlot, loc *time.Location) []Slot {
	if loc == nil {
		loc = time.UTC
	}
	slots := make([]Slot, 0, len(open))
	for i, o := range open {
		slot := Slot{Index: i + 1, Raw: o.Start, TimeOfDay: o.Start, Label: o.Start}
		if t, err := time.Parse(time.RFC3339, o.Start); err == nil {
			local := t.In(loc)
			slot.TimeOfDay = local.Format("15:04")
			slot.Label = local.Format("3:04 PM")
		}
		slots = append(slots, slot)
	}
	return slots
}
