// Package registry holds the validated, ordered table of worker
// specifications. A Registry can only be created from a table that forms
// a proper dependency graph: unique names, declared dependencies and no
// cycles. Anything else is reported before a single process is launched.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/CZERTAINLY/conductor/internal/model"
)

type Registry struct {
	workers []model.Worker
	index   map[string]int
	// dependents[name] lists direct dependents in registration order
	dependents map[string][]string
	topo       []string
}

// New validates workers and returns a Registry preserving their order.
// Every problem found is reported, wrapped in model.ErrInvalidConfig.
func New(workers []model.Worker) (*Registry, error) {
	r := &Registry{
		workers:    make([]model.Worker, 0, len(workers)),
		index:      make(map[string]int, len(workers)),
		dependents: make(map[string][]string, len(workers)),
	}

	var errs []error
	if len(workers) == 0 {
		errs = append(errs, errors.New("no workers defined"))
	}

	for i, w := range workers {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("worker #%d: empty name", i))
			continue
		}
		if _, ok := r.index[w.Name]; ok {
			errs = append(errs, fmt.Errorf("worker %q: duplicate name", w.Name))
			continue
		}
		if len(w.Command) == 0 || w.Command[0] == "" {
			errs = append(errs, fmt.Errorf("worker %q: empty command", w.Name))
		}
		if w.Output.Appends() && w.Output.Path == "" {
			errs = append(errs, fmt.Errorf("worker %q: append output without a path", w.Name))
		}
		if w.Delay < 0 {
			errs = append(errs, fmt.Errorf("worker %q: negative delay", w.Name))
		}
		w.Command = slices.Clone(w.Command)
		w.Dependencies = slices.Clone(w.Dependencies)
		r.index[w.Name] = len(r.workers)
		r.workers = append(r.workers, w)
	}

	for _, w := range r.workers {
		seen := make(map[string]struct{}, len(w.Dependencies))
		for _, dep := range w.Dependencies {
			if _, ok := seen[dep]; ok {
				errs = append(errs, fmt.Errorf("worker %q: duplicate dependency %q", w.Name, dep))
				continue
			}
			seen[dep] = struct{}{}
			switch _, ok := r.index[dep]; {
			case dep == w.Name:
				errs = append(errs, fmt.Errorf("worker %q: depends on itself", w.Name))
			case !ok:
				errs = append(errs, fmt.Errorf("worker %q: unknown dependency %q", w.Name, dep))
			default:
				r.dependents[dep] = append(r.dependents[dep], w.Name)
			}
		}
	}

	if len(errs) == 0 {
		topo, err := r.sort()
		if err != nil {
			errs = append(errs, err)
		}
		r.topo = topo
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidConfig, errors.Join(errs...))
	}
	return r, nil
}

// sort is Kahn's algorithm. Ready workers are taken in registration order,
// so the result is stable.
func (r *Registry) sort() ([]string, error) {
	indegree := make([]int, len(r.workers))
	for i, w := range r.workers {
		indegree[i] = len(w.Dependencies)
	}

	order := make([]string, 0, len(r.workers))
	done := make([]bool, len(r.workers))
	for len(order) < len(r.workers) {
		progress := false
		for i, w := range r.workers {
			if done[i] || indegree[i] != 0 {
				continue
			}
			done[i] = true
			progress = true
			order = append(order, w.Name)
			for _, dependent := range r.dependents[w.Name] {
				indegree[r.index[dependent]]--
			}
		}
		if !progress {
			return nil, fmt.Errorf("dependency cycle: %s", strings.Join(r.cycle(done), " -> "))
		}
	}
	return order, nil
}

// cycle finds one cycle among the workers Kahn's algorithm could not order.
func (r *Registry) cycle(done []bool) []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(r.workers))
	var stack []string
	var found []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = grey
		stack = append(stack, r.workers[i].Name)
		for _, dep := range r.workers[i].Dependencies {
			j := r.index[dep]
			if done[j] {
				continue
			}
			switch color[j] {
			case grey:
				start := slices.Index(stack, dep)
				found = append(slices.Clone(stack[start:]), dep)
				return true
			case white:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range r.workers {
		if !done[i] && color[i] == white && visit(i) {
			return found
		}
	}
	return nil
}

// Workers returns the specifications in registration order.
func (r *Registry) Workers() []model.Worker {
	return slices.Clone(r.workers)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.workers))
	for i, w := range r.workers {
		names[i] = w.Name
	}
	return names
}

func (r *Registry) Len() int {
	return len(r.workers)
}

func (r *Registry) Lookup(name string) (model.Worker, bool) {
	i, ok := r.index[name]
	if !ok {
		return model.Worker{}, false
	}
	return r.workers[i], true
}

// TopoOrder returns names ordered so that every worker follows all of its
// dependencies.
func (r *Registry) TopoOrder() []string {
	return slices.Clone(r.topo)
}

// Dependents returns the transitive dependents of name in registration order.
func (r *Registry) Dependents(name string) []string {
	seen := make(map[string]struct{})
	queue := slices.Clone(r.dependents[name])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		queue = append(queue, r.dependents[n]...)
	}

	var out []string
	for _, w := range r.workers {
		if _, ok := seen[w.Name]; ok {
			out = append(out, w.Name)
		}
	}
	return out
}

// DirectDependents returns workers declaring a dependency on name.
func (r *Registry) DirectDependents(name string) []string {
	return slices.Clone(r.dependents[name])
}
