package catalog

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of a catalog row.
type State string

// Row states.
const (
	StateUnknown  State = "UNKNOWN"
	StateActive   State = "ACTIVE"
	StateDeleting State = "DELETING"
	StateDeleted  State = "DELETED"
)

// Lifecycle events.
const (
	eventDiscover = "discover"
	eventDelete   = "delete"
	eventVanish   = "vanish"
	eventReset    = "reset"
)

// lifecycle lists the allowed transitions. Discovery while DELETING is not
// a transition: the row keeps waiting for its deletion.
var lifecycle = fsm.Events{
	{Name: eventDiscover, Src: []string{string(StateUnknown), string(StateActive), string(StateDeleted)}, Dst: string(StateActive)},
	{Name: eventDelete, Src: []string{string(StateActive)}, Dst: string(StateDeleting)},
	{Name: eventVanish, Src: []string{string(StateUnknown), string(StateActive), string(StateDeleting)}, Dst: string(StateDeleted)},
	{Name: eventReset, Src: []string{string(StateDeleting)}, Dst: string(StateActive)},
}

// ErrInvalidTransition is returned when an event does not apply to the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transition applies event to from. A self transition is not an error.
func transition(from State, event string) (State, error) {
	machine := fsm.NewFSM(string(from), lifecycle, nil)
	err := machine.Event(context.Background(), event)

	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil, errors.As(err, &noTransition):
		return State(machine.Current()), nil
	case errors.As(err, &invalid):
		return from, ErrInvalidTransition
	}
	return from, err
}

// can reports whether event applies to the state.
func (s State) can(event string) bool {
	return fsm.NewFSM(string(s), lifecycle, nil).Can(event)
}
