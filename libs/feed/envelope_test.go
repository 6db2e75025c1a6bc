package feed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
)

func TestEnvelopeDecoding(t *testing.T) {
	env, err := Changed(appointment.Appointment{ExternalID: "a1", BusinessID: "b1", Status: appointment.StatusBooked})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))

	a, err := back.Appointment()
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ExternalID)

	_, err = back.System()
	assert.Error(t, err)

	sys, err := System(StatusOffline).System()
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, sys.Status)
}
