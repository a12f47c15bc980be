package command

import "fmt"

// State is the lifecycle state of a Command.
type State string

const (
	// StateWaiting commands are eligible for claiming.
	StateWaiting State = "waiting"
	// StateProcessing commands are claimed by exactly one worker.
	StateProcessing State = "processing"
	// StateCompleted commands finished successfully. Purged after retention.
	StateCompleted State = "completed"
	// StateFailed commands finished with an error. Never purged.
	StateFailed State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateProcessing, StateCompleted, StateFailed}

// transitions is the allowed edge set of the state machine.
var transitions = map[State][]State{
	StateWaiting:    {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed, StateWaiting},
}

// ParseState converts a stored or user-supplied value into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown command state %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
