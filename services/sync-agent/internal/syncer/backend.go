package syncer

import (
	"context"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
)

// Backend is the remote appointment store. *remote.Client satisfies it.
type Backend interface {
	Insert(ctx context.Context, a appointment.Appointment) (appointment.Appointment, bool, error)
	Update(ctx context.Context, externalID string, patch appointment.Patch) (appointment.Appointment, error)
	Reschedule(ctx context.Context, externalID string, successor appointment.Appointment) (remote.RescheduleResult, error)
	List(ctx context.Context, businessID string, limit int) ([]appointment.Appointment, error)
}

// Connectivity is the online signal. *connectivity.Monitor satisfies it.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Event, func())
}
