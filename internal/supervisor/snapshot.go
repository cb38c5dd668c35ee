package supervisor

import (
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
)

// WorkerStatus describes one worker at the time a Snapshot was taken.
type WorkerStatus struct {
	Name         string      `json:"name"`
	State        model.State `json:"state"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Pid          int         `json:"pid,omitempty"`
	Started      *time.Time  `json:"started,omitempty"`
	Stopped      *time.Time  `json:"stopped,omitempty"`
	ExitCode     *int        `json:"exit_code,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Snapshot is an immutable copy of the supervisor state. Workers are in
// registration order.
type Snapshot struct {
	Taken   time.Time      `json:"taken"`
	Settled bool           `json:"settled"`
	Workers []WorkerStatus `json:"workers"`
}

// Get returns the status of the named worker.
func (s Snapshot) Get(name string) (WorkerStatus, bool) {
	for _, w := range s.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerStatus{}, false
}

// Count returns the number of workers in state st.
func (s Snapshot) Count(st model.State) int {
	n := 0
	for _, w := range s.Workers {
		if w.State == st {
			n++
		}
	}
	return n
}
