package session

import "errors"

// ErrSaveInProgress is returned when a manual save arrives while another save
// is still running.
var ErrSaveInProgress = errors.New("save already in progress")

// State is the save lifecycle of an editing session.
type State int

const (
	Clean State = iota
	Dirty
	Saving
	Error
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives the state machine.
type Event int

const (
	Edit Event = iota
	Blur
	ManualSave
	SaveSucceeded
	SaveFailed
	ExternalReplace
)

func (e Event) String() string {
	switch e {
	case Edit:
		return "edit"
	case Blur:
		return "blur"
	case ManualSave:
		return "manual_save"
	case SaveSucceeded:
		return "save_succeeded"
	case SaveFailed:
		return "save_failed"
	case ExternalReplace:
		return "external_replace"
	default:
		return "unknown"
	}
}

// Effect is the side effect the coordinator must perform after a transition.
type Effect int

const (
	EffectNone Effect = iota
	// EffectCommit starts a save.
	EffectCommit
	// EffectReject refuses the trigger with ErrSaveInProgress.
	EffectReject
	// EffectRecordEdit notes an edit made while a save is running.
	EffectRecordEdit
	// EffectReplace loads external content without marking the session dirty.
	EffectReplace
)

// Transition is the pure save state machine. Events that do not apply to
// the current state leave it unchanged with no effect.
func Transition(state State, event Event) (State, Effect) {
	switch event {
	case Edit:
		switch state {
		case Clean:
			return Dirty, EffectNone
		case Saving:
			return Saving, EffectRecordEdit
		}
		return state, EffectNone

	case Blur:
		if state == Dirty || state == Error {
			return Saving, EffectCommit
		}
		return state, EffectNone

	case ManualSave:
		if state == Saving {
			return Saving, EffectReject
		}
		return Saving, EffectCommit

	case SaveSucceeded:
		if state == Saving {
			return Clean, EffectNone
		}
		return state, EffectNone

	case SaveFailed:
		if state == Saving {
			return Error, EffectNone
		}
		return state, EffectNone

	case ExternalReplace:
		return Clean, EffectReplace
	}
	return state, EffectNone
}
