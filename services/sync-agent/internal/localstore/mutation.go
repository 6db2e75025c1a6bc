package localstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

type Kind string

const (
	KindCreate Kind = "CREATE_APPOINTMENT"
	KindUpdate Kind = "UPDATE_APPOINTMENT"
)

// PendingMutation is a write intent that has not reached the backend yet.
// Seq is assigned by the store on Enqueue and defines FIFO order.
type PendingMutation struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          Kind            `json:"kind"`
	AppointmentID string          `json:"appointment_id"`
	Payload       json.RawMessage `json:"payload"`
	GroupID       string          `json:"group_id,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// FailedMutation is a mutation the processor gave up on.
type FailedMutation struct {
	PendingMutation
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

func NewCreate(a appointment.Appointment, groupID string) (PendingMutation, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return PendingMutation{}, fmt.Errorf("encode appointment: %w", err)
	}
	return PendingMutation{
		ID:            uuid.NewString(),
		Kind:          KindCreate,
		AppointmentID: a.ExternalID,
		Payload:       payload,
		GroupID:       groupID,
		EnqueuedAt:    time.Now().UTC(),
	}, nil
}

func NewUpdate(externalID string, patch appointment.Patch, groupID string) (PendingMutation, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return PendingMutation{}, fmt.Errorf("encode patch: %w", err)
	}
	return PendingMutation{
		ID:            uuid.NewString(),
		Kind:          KindUpdate,
		AppointmentID: externalID,
		Payload:       payload,
		GroupID:       groupID,
		EnqueuedAt:    time.Now().UTC(),
	}, nil
}

func (m PendingMutation) Appointment() (appointment.Appointment, error) {
	var a appointment.Appointment
	if m.Kind != KindCreate {
		return a, fmt.Errorf("mutation %s is %s, not %s", m.ID, m.Kind, KindCreate)
	}
	if err := json.Unmarshal(m.Payload, &a); err != nil {
		return a, fmt.Errorf("decode appointment payload: %w", err)
	}
	return a, nil
}

func (m PendingMutation) Patch() (appointment.Patch, error) {
	var p appointment.Patch
	if m.Kind != KindUpdate {
		return p, fmt.Errorf("mutation %s is %s, not %s", m.ID, m.Kind, KindUpdate)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode patch payload: %w", err)
	}
	return p, nil
}
