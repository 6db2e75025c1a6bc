package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/libs/kafkax"
)

func TestAppointmentChangedEvent(t *testing.T) {
	a := appointment.Appointment{
		ExternalID: "appt-1",
		BusinessID: "biz-1",
		Status:     appointment.StatusConfirmed,
		StartTime:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
	evt, err := AppointmentChanged(a)
	require.NoError(t, err)
	assert.Equal(t, AggregateAppointment, evt.AggregateType)
	assert.Equal(t, "appt-1", evt.AggregateID)
	assert.Equal(t, EventAppointmentChanged, evt.EventType)

	var back appointment.Appointment
	require.NoError(t, json.Unmarshal(evt.Payload, &back))
	assert.Equal(t, appointment.StatusConfirmed, back.Status)
}

func TestMessageCarriesMetaAndKey(t *testing.T) {
	msg := Message(context.Background(), Record{
		EventID:     "evt-1",
		AggregateID: "appt-1",
		EventType:   EventAppointmentChanged,
		Payload:     []byte(`{}`),
	})
	assert.Equal(t, EventAppointmentChanged, msg.Topic)
	assert.Equal(t, []byte("appt-1"), msg.Key)

	meta := kafkax.ExtractEventMeta(msg)
	assert.Equal(t, "evt-1", meta.EventID)
	assert.Equal(t, EventAppointmentChanged, meta.EventType)
}
