package supervisor

import (
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
)

// Ready reports whether a pending worker may be launched at now: every
// dependency is Running or Finished and the delay measured from the
// worker's anchor has elapsed. A worker without an anchor is not ready.
// Ready is a pure function of its arguments.
func Ready(w model.Worker, states map[string]model.State, anchors map[string]time.Time, now time.Time) bool {
	if states[w.Name] != model.Pending {
		return false
	}
	if !depsSatisfied(w, states) {
		return false
	}
	anchor, ok := anchors[w.Name]
	if !ok {
		return false
	}
	return now.Sub(anchor) >= w.Delay.Std()
}

func depsSatisfied(w model.Worker, states map[string]model.State) bool {
	for _, dep := range w.Dependencies {
		if !states[dep].Satisfies() {
			return false
		}
	}
	return true
}

// Policy selects the configurable parts of the transition rules.
type Policy struct {
	// FailurePolicy is one of model.FailureHold, model.FailureCascade or
	// model.FailureShutdown.
	FailurePolicy string
	// DelayAnchor is model.AnchorFirstConsidered or model.AnchorDependenciesMet.
	DelayAnchor string
}

// Decision is the outcome of evaluating one worker during a tick.
type Decision struct {
	// SetAnchor is true when the delay anchor must be recorded as Anchor.
	SetAnchor bool
	Anchor    time.Time
	// Launch is true when the worker must be launched now.
	Launch bool
	// Fail is true when the worker must be failed without a launch, FailedDep
	// names the failed dependency.
	Fail      bool
	FailedDep string
}

// Decide evaluates worker w at now. It does not modify its arguments, the
// caller applies the decision before evaluating the next worker so that a
// launch is visible to the dependents evaluated after it within a tick.
func Decide(w model.Worker, states map[string]model.State, anchors map[string]time.Time, now time.Time, p Policy) Decision {
	var d Decision
	if states[w.Name] != model.Pending {
		return d
	}

	if p.FailurePolicy == model.FailureCascade {
		for _, dep := range w.Dependencies {
			if states[dep] == model.Failed {
				d.Fail = true
				d.FailedDep = dep
				return d
			}
		}
	}

	if _, ok := anchors[w.Name]; !ok {
		switch p.DelayAnchor {
		case model.AnchorDependenciesMet:
			d.SetAnchor = depsSatisfied(w, states)
		default:
			d.SetAnchor = true
		}
		if d.SetAnchor {
			d.Anchor = now
		}
	}

	view := anchors
	if d.SetAnchor {
		view = map[string]time.Time{w.Name: now}
	}
	d.Launch = Ready(w, states, view, now)
	return d
}
