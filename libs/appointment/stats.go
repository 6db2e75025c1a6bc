package appointment

type Stats struct {
	Total     int `json:"total"`
	Booked    int `json:"booked"`
	Confirmed int `json:"confirmed"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// SuccessorIndex counts live (non-cancelled) successors per predecessor id.
type SuccessorIndex map[string]int

func NewSuccessorIndex(appts []Appointment) SuccessorIndex {
	idx := SuccessorIndex{}
	for _, a := range appts {
		if a.Status == StatusCancelled {
			continue
		}
		if prev := a.PreviousID(); prev != "" && prev != a.ExternalID {
			idx[prev]++
		}
	}
	return idx
}

func (idx SuccessorIndex) Superseded(a Appointment) bool {
	return idx[a.ExternalID] > 0
}

// Aggregate derives dashboard counts. Booked counts everything not cancelled;
// cancelled excludes appointments superseded by a reschedule.
func Aggregate(appts []Appointment) Stats {
	idx := NewSuccessorIndex(appts)
	s := Stats{Total: len(appts)}
	for _, a := range appts {
		switch a.Status {
		case StatusConfirmed:
			s.Confirmed++
		case StatusCompleted:
			s.Completed++
		case StatusCancelled:
			if !idx.Superseded(a) {
				s.Cancelled++
			}
		}
		if a.Status != StatusCancelled {
			s.Booked++
		}
	}
	return s
}
