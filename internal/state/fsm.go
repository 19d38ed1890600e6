package state

import (
	"errors"
	"fmt"
)

// Event is a control signal applied to RunState.
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventStop   Event = "stop"
)

// ErrIllegalTransition is returned for an event the current state does
// not accept. The state is left unchanged.
var ErrIllegalTransition = errors.New("illegal run state transition")

// Next returns the state reached by applying ev to from.
//
//	Inactive, Stopped --start--> Active
//	Active  --pause-->  Paused
//	Paused  --resume--> Active
//	Active, Paused --stop--> Stopped
func Next(from RunState, ev Event) (RunState, error) {
	switch {
	case ev == EventStart && (from == Inactive || from == Stopped):
		return Active, nil
	case ev == EventPause && from == Active:
		return Paused, nil
	case ev == EventResume && from == Paused:
		return Active, nil
	case ev == EventStop && (from == Active || from == Paused):
		return Stopped, nil
	}
	return from, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev, from)
}
