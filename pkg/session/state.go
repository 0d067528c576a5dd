package session

import (
	"errors"
	"fmt"
)

// State is a pipeline state.
type State string

const (
	Created          State = "CREATED"
	Retrieving       State = "RETRIEVING"
	Summarizing      State = "SUMMARIZING"
	CrossReferencing State = "CROSS_REFERENCING"
	Synthesizing     State = "SYNTHESIZING"
	Interactive      State = "INTERACTIVE"
	Paused           State = "PAUSED"
	Failed           State = "FAILED"
)

// ErrInvalidTransition is returned for any move not in the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError names the rejected move.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions lists the allowed forward moves. Leaving PAUSED is handled by
// Resume, which may only return to the state recorded at pause time.
var transitions = map[State][]State{
	Created:          {Retrieving, Paused, Failed},
	Retrieving:       {Summarizing, Paused, Failed},
	Summarizing:      {CrossReferencing, Paused, Failed},
	CrossReferencing: {Synthesizing, Paused, Failed},
	Synthesizing:     {Interactive, Paused, Failed},
	Interactive:      {Failed},
	Paused:           {Failed},
	Failed:           nil,
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pausable reports whether a pipeline in s can be paused and later resumed into s.
func (s State) Pausable() bool {
	return CanTransition(s, Paused)
}

// Running reports whether s is a pipeline stage that makes progress on its own.
func (s State) Running() bool {
	switch s {
	case Created, Retrieving, Summarizing, CrossReferencing, Synthesizing:
		return true
	}
	return false
}

// Next returns the state the pipeline enters after s completes.
func (s State) Next() (State, bool) {
	switch s {
	case Created:
		return Retrieving, true
	case Retrieving:
		return Summarizing, true
	case Summarizing:
		return CrossReferencing, true
	case CrossReferencing:
		return Synthesizing, true
	case Synthesizing:
		return Interactive, true
	}
	return "", false
}
