package appointment

import (
	"fmt"

	"github.com/google/uuid"
)

// Reschedule builds the two halves of a reschedule: the successor, linked to
// old through previous_appointment, and old moved to cancelled. The caller is
// responsible for writing both; successor first, so a failure never leaves a
// cancelled predecessor without its replacement.
func Reschedule(old, successor Appointment) (Appointment, Appointment, error) {
	if old.Status.Terminal() {
		return Appointment{}, Appointment{}, fmt.Errorf("%w: cannot reschedule %s appointment", ErrTerminalState, old.Status)
	}
	if successor.ExternalID == "" {
		successor.ExternalID = uuid.NewString()
	}
	if successor.ExternalID == old.ExternalID {
		return Appointment{}, Appointment{}, fmt.Errorf("%w: successor must have a new external_id", ErrInvalidAppointment)
	}
	if successor.BusinessID == "" {
		successor.BusinessID = old.BusinessID
	}
	if successor.ServiceID == "" {
		successor.ServiceID = old.ServiceID
	}
	if successor.StaffID == "" {
		successor.StaffID = old.StaffID
	}
	if successor.CustomerName == "" {
		successor.CustomerName = old.CustomerName
		successor.CustomerEmail = old.CustomerEmail
		successor.CustomerPhone = old.CustomerPhone
	}
	if successor.Status != StatusConfirmed {
		successor.Status = StatusBooked
	}
	successor.PreviousAppointment = &Ref{ExternalID: old.ExternalID}
	if err := successor.Validate(); err != nil {
		return Appointment{}, Appointment{}, err
	}

	cancelled, err := StatusPatch(StatusCancelled).Apply(old)
	if err != nil {
		return Appointment{}, Appointment{}, err
	}
	return successor, cancelled, nil
}

// IsRescheduleSuperseded reports whether some other, non-cancelled appointment
// in set names a as its immediate predecessor. Only one hop is checked.
func IsRescheduleSuperseded(set []Appointment, a Appointment) bool {
	for _, y := range set {
		if y.ExternalID == a.ExternalID || y.Status == StatusCancelled {
			continue
		}
		if y.PreviousID() == a.ExternalID {
			return true
		}
	}
	return false
}

// History walks previous_appointment links back from id. The result starts at
// id and ends at the oldest known ancestor. Missing links and cycles stop the walk.
func History(set []Appointment, id string) []Appointment {
	byID := make(map[string]Appointment, len(set))
	for _, a := range set {
		byID[a.ExternalID] = a
	}
	var chain []Appointment
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		a, ok := byID[id]
		if !ok {
			break
		}
		seen[id] = true
		chain = append(chain, a)
		id = a.PreviousID()
	}
	return chain
}
