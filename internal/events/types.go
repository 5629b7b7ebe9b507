package events

import "time"

// AppointmentBookedV1 is raised when a caller's appointment is confirmed.
// Patient names are deliberately absent; consumers resolve them by id.
type AppointmentBookedV1 struct {
	CallID        string    `json:"call_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	PhysicianID   string    `json:"physician_id"`
	PhysicianName string    `json:"physician_name,omitempty"`
	Start         string    `json:"start"`
	VisitReason   string    `json:"visit_reason,omitempty"`
	BookedAt      time.Time `json:"booked_at"`
}

func (AppointmentBookedV1) EventType() string { return "scheduling.appointment.booked.v1" }
