package appointment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusCaseInsensitive(t *testing.T) {
	for _, raw := range []string{"BOOKED", "Booked", " booked "} {
		s, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, StatusBooked, s)
	}
	_, err := ParseStatus("pending")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStatusJSON(t *testing.T) {
	var a Appointment
	require.NoError(t, json.Unmarshal([]byte(`{"external_id":"a1","business_id":"b1","status":"CONFIRMED"}`), &a))
	assert.Equal(t, StatusConfirmed, a.Status)

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"status":"confirmed"`)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"lost"}`), &a))
}

func TestZeroStatusRoundTrip(t *testing.T) {
	out, err := json.Marshal(Appointment{ExternalID: "a1", BusinessID: "b1"})
	require.NoError(t, err)

	var back Appointment
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, Status(""), back.Status)
	assert.ErrorIs(t, back.Validate(), ErrInvalidStatus)

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"status":""}`), &p))
	_, err = p.Apply(Appointment{ExternalID: "a1", BusinessID: "b1", Status: StatusBooked})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestValidateTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusBooked, StatusConfirmed},
		{StatusBooked, StatusCompleted},
		{StatusConfirmed, StatusCompleted},
		{StatusBooked, StatusCancelled},
		{StatusConfirmed, StatusCancelled},
		{StatusCancelled, StatusCancelled},
		{StatusConfirmed, StatusConfirmed},
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.ErrorIs(t, ValidateTransition(StatusConfirmed, StatusBooked), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusBooked, Status("nope")), ErrInvalidStatus)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, from := range []Status{StatusCancelled, StatusCompleted} {
		for _, to := range []Status{StatusBooked, StatusConfirmed, StatusCompleted, StatusCancelled} {
			if from == to {
				continue
			}
			assert.ErrorIs(t, ValidateTransition(from, to), ErrTerminalState, "%s -> %s", from, to)
		}
	}

	notes := "late"
	_, err := Patch{Notes: &notes}.Apply(Appointment{ExternalID: "a1", BusinessID: "b1", Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrTerminalState)
}
