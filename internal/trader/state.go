package trader

import "fmt"

// State is a trader's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// transitions is the fixed lifecycle table. Anything not listed is invalid
// and rejected without touching state.
var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped},
	// Error traders retry (starting) or are reset by an external request.
	StateError: {StateStarting, StateStopped},
}

// InvalidTransitionError reports a rejected state change.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trader %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
