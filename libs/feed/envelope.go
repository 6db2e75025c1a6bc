// Package feed defines the messages carried on the realtime change feed
// between appointment-service and sync agents.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

const (
	TypeSystem             = "system"
	TypeAppointmentChanged = "appointment.changed"

	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SystemPayload struct {
	Status string `json:"status"`
}

func System(status string) Envelope {
	payload, _ := json.Marshal(SystemPayload{Status: status})
	return Envelope{Type: TypeSystem, Payload: payload}
}

func Changed(a appointment.Appointment) (Envelope, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode appointment: %w", err)
	}
	return Envelope{Type: TypeAppointmentChanged, Payload: payload}, nil
}

func (e Envelope) System() (SystemPayload, error) {
	var p SystemPayload
	if e.Type != TypeSystem {
		return p, fmt.Errorf("envelope type %q is not %q", e.Type, TypeSystem)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode system payload: %w", err)
	}
	return p, nil
}

func (e Envelope) Appointment() (appointment.Appointment, error) {
	var a appointment.Appointment
	if e.Type != TypeAppointmentChanged {
		return a, fmt.Errorf("envelope type %q is not %q", e.Type, TypeAppointmentChanged)
	}
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return a, fmt.Errorf("decode appointment payload: %w", err)
	}
	return a, nil
}
