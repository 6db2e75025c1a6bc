package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidAppointment = errors.New("invalid appointment")

// Ref points at another appointment by external id.
type Ref struct {
	ExternalID string `json:"external_id"`
}

type Appointment struct {
	ExternalID          string    `json:"external_id"`
	BusinessID          string    `json:"business_id"`
	ServiceID           string    `json:"service_id,omitempty"`
	StaffID             string    `json:"staff_id,omitempty"`
	CustomerName        string    `json:"customer_name,omitempty"`
	CustomerEmail       string    `json:"customer_email,omitempty"`
	CustomerPhone       string    `json:"customer_phone,omitempty"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	Notes               string    `json:"notes,omitempty"`
	Status              Status    `json:"status"`
	PreviousAppointment *Ref      `json:"previous_appointment,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PreviousID returns the predecessor's external id, or "" when the appointment
// was not created by a reschedule.
func (a Appointment) PreviousID() string {
	if a.PreviousAppointment == nil {
		return ""
	}
	return a.PreviousAppointment.ExternalID
}

func (a Appointment) Validate() error {
	if strings.TrimSpace(a.ExternalID) == "" {
		return fmt.Errorf("%w: external_id is required", ErrInvalidAppointment)
	}
	if strings.TrimSpace(a.BusinessID) == "" {
		return fmt.Errorf("%w: business_id is required", ErrInvalidAppointment)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, a.Status)
	}
	if !a.StartTime.IsZero() && !a.EndTime.IsZero() && !a.EndTime.After(a.StartTime) {
		return fmt.Errorf("%w: end_time must be after start_time", ErrInvalidAppointment)
	}
	if a.PreviousID() == a.ExternalID {
		return fmt.Errorf("%w: appointment cannot supersede itself", ErrInvalidAppointment)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status        *Status    `json:"status,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
	CustomerName  *string    `json:"customer_name,omitempty"`
	CustomerEmail *string    `json:"customer_email,omitempty"`
	CustomerPhone *string    `json:"customer_phone,omitempty"`
}

func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.StartTime == nil && p.EndTime == nil && p.Notes == nil &&
		p.CustomerName == nil && p.CustomerEmail == nil && p.CustomerPhone == nil
}

// Apply returns a copy of a with the patch applied. Status changes are checked
// with ValidateTransition; field edits on a terminal appointment are rejected.
func (p Patch) Apply(a Appointment) (Appointment, error) {
	out := a
	if p.Status != nil {
		if err := ValidateTransition(a.Status, *p.Status); err != nil {
			return a, err
		}
		out.Status = *p.Status
	}
	if a.Status.Terminal() && p.editsFields() {
		return a, fmt.Errorf("%w: cannot edit %s appointment", ErrTerminalState, a.Status)
	}
	if p.StartTime != nil {
		out.StartTime = p.StartTime.UTC()
	}
	if p.EndTime != nil {
		out.EndTime = p.EndTime.UTC()
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.CustomerName != nil {
		out.CustomerName = strings.TrimSpace(*p.CustomerName)
	}
	if p.CustomerEmail != nil {
		out.CustomerEmail = strings.TrimSpace(*p.CustomerEmail)
	}
	if p.CustomerPhone != nil {
		out.CustomerPhone = strings.TrimSpace(*p.CustomerPhone)
	}
	if !out.StartTime.IsZero() && !out.EndTime.IsZero() && !out.EndTime.After(out.StartTime) {
		return a, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidAppointment)
	}
	return out, nil
}

func (p Patch) editsFields() bool {
	q := p
	q.Status = nil
	return !q.IsEmpty()
}
