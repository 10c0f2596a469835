package pipeline

import "errors"

// State is a step in the run state machine.
type State string

const (
	StateIdle       State = "idle"
	StateSampling   State = "sampling"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateCleaningUp State = "cleaning_up"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var (
	// ErrRunInProgress reports that another run holds the staging directory.
	ErrRunInProgress = errors.New("another run is using the staging directory")
	// ErrStoreUnavailable reports that the metadata store failed its health check.
	ErrStoreUnavailable = errors.New("metadata store unavailable")
	// ErrPartialSample reports a sample missing a catalog while partial samples are disabled.
	ErrPartialSample = errors.New("partial sample refused")
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:       {StateSampling, StateFetching},
	StateSampling:   {StateFetching, StateCleaningUp},
	StateFetching:   {StateProcessing, StateCleaningUp},
	StateProcessing: {StateCleaningUp},
	StateCleaningUp: {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
