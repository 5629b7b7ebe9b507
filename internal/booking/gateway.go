package booking

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the booking provider as seen by the dialogue layer. Every call
// may block on network I/O and must honour ctx.
type Gateway interface {
	// VerifyOrCreatePatient returns the patient matching name and date of
	// birth, creating a record when none exists.
	VerifyOrCreatePatient(ctx context.Context, fullName, dateOfBirth string) (Patient, error)

	// ResolvePhysician looks a physician up by spoken name. A unique match
	// sets Physician; several matches set Candidates in provider order.
	ResolvePhysician(ctx context.Context, name string) (PhysicianResolution, error)

	// ListSlots returns open appointment starts for physicianID on date
	// (YYYY-MM-DD), ordered by time.
	ListSlots(ctx context.Context, physicianID, date string) ([]OpenSlot, error)

	// Book reserves a slot.
	Book(ctx context.Context, req BookRequest) (Appointment, error)
}

// Patient is a verified or newly created patient record.
type Patient struct {
	ID       string `json:"patient_id"`
	FullName string `json:"full_name"`
	Created  bool   `json:"created,omitempty"`
}

// PhysicianResolution is the outcome of a name lookup.
type PhysicianResolution struct {
	Physician  *Physician
	Candidates []Physician
}

// OpenSlot is a provider-side free appointment start.
type OpenSlot struct {
	Start string `json:"start"`
}

// BookRequest carries everything the provider needs to reserve a slot.
type BookRequest struct {
	PatientID   string `json:"patient_id"`
	PhysicianID string `json:"physician_id"`
	Start       string `json:"start"`
	VisitReason string `json:"reason,omitempty"`
}

// Appointment is a confirmed booking.
type Appointment struct {
	ID          string `json:"appointment_id"`
	PatientID   string `json:"patient_id,omitempty"`
	PhysicianID string `json:"physician_id,omitempty"`
	Start       string `json:"start,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Error classes returned by Gateway implementations. Match with errors.Is.
var (
	ErrGatewayUnavailable = errors.New("booking gateway unavailable")
	ErrNotFound           = errors.New("booking resource not found")
	ErrConflict           = errors.New("booking conflict")
	ErrRejected           = errors.New("booking request rejected")
)

// GatewayError describes a failed provider call. Kind is one of the
// sentinel errors above.
type GatewayError struct {
	Op      string
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("booking %s: %v", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKind maps err to one of the gateway sentinels. Unknown errors count
// as unavailability.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrRejected, ErrGatewayUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrGatewayUnavailable
}

// KindLabel is the metric label for an error class.
func KindLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch ErrorKind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrRejected:
		return "rejected"
	default:
		return "unavailable"
	}
}
