package session

// Phase is the lifecycle position of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseActive:
		return "ACTIVE"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[Phase][]Phase{
	PhaseIdle:   {PhaseActive, PhaseClosed},
	PhaseActive: {PhaseClosed},
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid phase transition attempt.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}
