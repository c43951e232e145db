package pipeline

// State tracks one bundle through the pipeline. Transitions are
// monotonic: a bundle never moves backwards, and a terminal verdict
// (Rejected, TimedOut) is never overwritten by an earlier state.
type State int

const (
	StateUnsigned State = iota
	StateSigned
	StatePackaged
	StateSubmitted
	StateNotarized
	StateRejected
	StateTimedOut
	StateStapled
	StateDone
)

var stateNames = map[State]string{
	StateUnsigned:  "UNSIGNED",
	StateSigned:    "SIGNED",
	StatePackaged:  "PACKAGED",
	StateSubmitted: "SUBMITTED",
	StateNotarized: "NOTARIZED",
	StateRejected:  "REJECTED",
	StateTimedOut:  "TIMED_OUT",
	StateStapled:   "STAPLED",
	StateDone:      "DONE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// terminalVerdict reports whether the state is a notarization verdict
// that must not regress.
func (s State) terminalVerdict() bool {
	return s == StateRejected || s == StateTimedOut
}

// advance moves to next, refusing to move backwards or to overwrite a
// terminal verdict. A verdict is enterable from any non-terminal state:
// a bundle whose second container is rejected after the first was
// stapled still ends Rejected. Bundles that end Rejected or TimedOut
// stay there.
func advance(current, next State) State {
	if current.terminalVerdict() {
		return current
	}
	if next.terminalVerdict() {
		return next
	}
	if next > current {
		return next
	}
	return current
}
