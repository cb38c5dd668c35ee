package model

import "fmt"

// ExitSuccess is the exit code that marks a worker as Finished.
const ExitSuccess = 0

// State is the lifecycle state of a supervised worker.
type State int

const (
	Pending State = iota
	Running
	Finished
	Failed
	Stopped
)

var stateNames = [...]string{
	Pending:  "pending",
	Running:  "running",
	Finished: "finished",
	Failed:   "failed",
	Stopped:  "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == Finished || s == Failed || s == Stopped
}

// Satisfies reports whether a worker in state s satisfies a dependency on it.
func (s State) Satisfies() bool {
	return s == Running || s == Finished
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(text))
}
