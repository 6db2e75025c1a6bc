package appointment

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusBooked    Status = "booked"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrInvalidStatus     = errors.New("invalid appointment status")
	ErrTerminalState     = errors.New("appointment is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ParseStatus accepts any casing ("BOOKED", "Booked", "booked").
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// UnmarshalText leaves an empty value as the zero Status; Validate and
// ValidateTransition reject it where a status is required.
func (s *Status) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// rank orders the forward-progress path; cancelled sits outside it.
func (s Status) rank() int {
	switch s {
	case StatusBooked:
		return 0
	case StatusConfirmed:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// ValidateTransition checks a status change against the lifecycle:
//
//	booked -> confirmed -> completed
//	booked -> completed
//	booked | confirmed -> cancelled
//
// Setting the current status again is a no-op so replayed mutations stay valid.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: from %q", ErrInvalidStatus, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: to %q", ErrInvalidStatus, to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, from, to)
	}
	if to == StatusCancelled {
		return nil
	}
	if to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
