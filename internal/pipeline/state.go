package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle position of one asset run.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateDeduping
	StateCommitting
	StateAdvancing
	StateFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFetching:
		return "Fetching"
	case StateNormalizing:
		return "Normalizing"
	case StateDeduping:
		return "Deduping"
	case StateCommitting:
		return "Committing"
	case StateAdvancing:
		return "Advancing"
	case StateFailed:
		return "Failed"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDone
}

// Event drives a State change.
type Event int

const (
	EvStart Event = iota
	EvPage
	EvNormalized
	EvDeduped
	EvCommitted
	EvAdvanced
	EvExhausted
	EvError
)

func (e Event) String() string {
	switch e {
	case EvStart:
		return "Start"
	case EvPage:
		return "Page"
	case EvNormalized:
		return "Normalized"
	case EvDeduped:
		return "Deduped"
	case EvCommitted:
		return "Committed"
	case EvAdvanced:
		return "Advanced"
	case EvExhausted:
		return "Exhausted"
	case EvError:
		return "Error"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{StateIdle, EvStart}:             StateFetching,
	{StateFetching, EvPage}:          StateNormalizing,
	{StateFetching, EvExhausted}:     StateDone,
	{StateNormalizing, EvNormalized}: StateDeduping,
	{StateDeduping, EvDeduped}:       StateCommitting,
	{StateCommitting, EvCommitted}:   StateAdvancing,
	{StateAdvancing, EvAdvanced}:     StateFetching,
}

// Transition returns the state reached from s on ev.
func Transition(s State, ev Event) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	if ev == EvError {
		return StateFailed, nil
	}
	next, ok := transitions[edge{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
	}
	return next, nil
}
