// Package wait implements WaitRegistry (spec.md C7, §4.7): client
// subscriptions on a set of container paths, an optional state
// predicate and a deadline, resolved first-match-wins on whichever
// happens first — a matching transition or the deadline.
package wait

import (
	"time"

	"github.com/idroz/portod/internal/container"
)

// Predicate reports whether state satisfies a registration's wait
// condition. A nil predicate matches any transition away from the
// current state.
type Predicate func(state container.State) bool

// AnyTransition matches any state change.
func AnyTransition(container.State) bool { return true }

// Result is what a registration resolves with: the container that
// transitioned (or "" on timeout) and its new state.
type Result struct {
	Path    string
	State   container.State
	TimedOut bool
}

// Registration is one outstanding wait.
type Registration struct {
	id       uint64
	paths    map[string]bool
	predicate Predicate
	deadline time.Time
	done     chan Result
	resolved bool
}

// Registry holds every outstanding registration, keyed by id, plus a
// reverse index from container path to the registrations watching it.
type Registry struct {
	nextID   uint64
	byID     map[uint64]*Registration
	byPath   map[string][]*Registration
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[uint64]*Registration),
		byPath: make(map[string][]*Registration),
	}
}

// Register subscribes to transitions on any of paths. predicate may be
// nil (equivalent to AnyTransition). deadline.IsZero() means no
// timeout. The returned channel receives exactly one Result.
func (r *Registry) Register(paths []string, predicate Predicate, deadline time.Time) (uint64, <-chan Result) {
	if predicate == nil {
		predicate = AnyTransition
	}
	r.nextID++
	id := r.nextID
	reg := &Registration{
		id:        id,
		paths:     make(map[string]bool, len(paths)),
		predicate: predicate,
		deadline:  deadline,
		done:      make(chan Result, 1),
	}
	for _, p := range paths {
		reg.paths[p] = true
		r.byPath[p] = append(r.byPath[p], reg)
	}
	r.byID[id] = reg
	return id, reg.done
}

// Cancel drops a registration without resolving it. The reactor does not
// call it: a wait whose client disconnects stays registered until it
// matches or its deadline passes.
func (r *Registry) Cancel(id uint64) {
	reg, ok := r.byID[id]
	if !ok {
		return
	}
	r.remove(reg)
}

// Notify is called by the reactor on every state transition of the
// container at path. It resolves (first-match-wins) every registration
// watching path whose predicate accepts the new state.
func (r *Registry) Notify(path string, state container.State) {
	for _, reg := range append([]*Registration{}, r.byPath[path]...) {
		if reg.resolved || !reg.paths[path] {
			continue
		}
		if reg.predicate(state) {
			reg.resolved = true
			reg.done <- Result{Path: path, State: state}
			r.remove(reg)
		}
	}
}

// ExpireDue resolves every registration whose deadline has passed as of
// now with TimedOut=true. Intended to be driven by the reactor's timer
// wheel rather than a dedicated goroutine per registration.
func (r *Registry) ExpireDue(now time.Time) {
	for _, reg := range r.byID {
		if reg.resolved || reg.deadline.IsZero() || now.Before(reg.deadline) {
			continue
		}
		reg.resolved = true
		reg.done <- Result{TimedOut: true}
		r.remove(reg)
	}
}

// Len reports the number of outstanding registrations, for tests and
// diagnostics.
func (r *Registry) Len() int { return len(r.byID) }

func (r *Registry) remove(reg *Registration) {
	delete(r.byID, reg.id)
	for p := range reg.paths {
		list := r.byPath[p]
		for i, x := range list {
			if x == reg {
				r.byPath[p] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byPath[p]) == 0 {
			delete(r.byPath, p)
		}
	}
}
