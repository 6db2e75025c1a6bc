package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

const (
	AggregateAppointment = "appointment"
	// EventAppointmentChanged is also the Kafka topic name (one event per topic).
	EventAppointmentChanged = "appointment.changed.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// AppointmentChanged carries the full post-write record so subscribers never need a read-back.
func AppointmentChanged(a appointment.Appointment) (Event, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Event{}, fmt.Errorf("encode appointment event: %w", err)
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   a.ExternalID,
		EventType:     EventAppointmentChanged,
		Payload:       payload,
	}, nil
}
