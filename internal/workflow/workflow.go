// Package workflow implements a generic finite-state machine: named states,
// transitions with one or more source states, and guard predicates that can
// veto otherwise-possible transitions. It carries no billing knowledge;
// subscription and order lifecycles are defined on top of it.
package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrStateNotFound      = errors.New("workflow state not found")
	ErrTransitionNotFound = errors.New("workflow transition not found")
	ErrInvalidTransition  = errors.New("transition not allowed from current state")
	ErrDuplicateState     = errors.New("workflow state already defined")
	ErrDuplicateTransit   = errors.New("workflow transition already defined")
)

// State is an immutable named state within one workflow.
type State struct {
	ID    string
	Label string
}

// Transition moves an entity from any of FromStates to ToState.
type Transition struct {
	ID         string
	Label      string
	FromStates map[string]State
	ToState    State
}

// IsFromState reports whether the transition is usable from the given state.
func (t *Transition) IsFromState(stateID string) bool {
	_, ok := t.FromStates[stateID]
	return ok
}

// Workflow is a set of states and transitions sharing a group. The group
// scopes guard registration and event routing.
type Workflow struct {
	ID    string
	Group string

	states      map[string]State
	transitions map[string]*Transition
	order       []string // transition insertion order, kept for deterministic listing

	guards *GuardRegistry
}

// New builds an empty workflow. Guards default to the shared registry of the
// given group when reg is nil.
func New(id, group string, reg *GuardRegistry) *Workflow {
	if reg == nil {
		reg = NewGuardRegistry()
	}
	return &Workflow{
		ID:          id,
		Group:       group,
		states:      make(map[string]State),
		transitions: make(map[string]*Transition),
		guards:      reg,
	}
}

func (w *Workflow) AddState(id, label string) error {
	if _, ok := w.states[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateState, id)
	}
	w.states[id] = State{ID: id, Label: label}
	return nil
}

// AddTransition registers a transition. Every referenced state must already
// belong to this workflow.
func (w *Workflow) AddTransition(id, label string, fromIDs []string, toID string) error {
	if _, ok := w.transitions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransit, id)
	}
	to, ok := w.states[toID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, toID)
	}
	from := make(map[string]State, len(fromIDs))
	for _, fid := range fromIDs {
		s, ok := w.states[fid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrStateNotFound, fid)
		}
		from[fid] = s
	}
	w.transitions[id] = &Transition{ID: id, Label: label, FromStates: from, ToState: to}
	w.order = append(w.order, id)
	return nil
}

func (w *Workflow) State(id string) (State, bool) {
	s, ok := w.states[id]
	return s, ok
}

func (w *Workflow) Transition(id string) (*Transition, bool) {
	t, ok := w.transitions[id]
	return t, ok
}

// PossibleTransitions returns transitions usable from the given state, in
// definition order. Guards are not evaluated.
func (w *Workflow) PossibleTransitions(stateID string) []*Transition {
	var out []*Transition
	for _, id := range w.order {
		if t := w.transitions[id]; t.IsFromState(stateID) {
			out = append(out, t)
		}
	}
	return out
}

// AllowedTransitions filters PossibleTransitions through the guard registry.
func (w *Workflow) AllowedTransitions(stateID string, entity any) []*Transition {
	var out []*Transition
	for _, t := range w.PossibleTransitions(stateID) {
		if w.IsTransitionAllowed(t, entity) {
			out = append(out, t)
		}
	}
	return out
}

// IsTransitionAllowed runs every guard registered for this workflow's group.
// Any veto blocks the transition; no guards means allowed.
func (w *Workflow) IsTransitionAllowed(t *Transition, entity any) bool {
	return w.guards.Allows(w, t, entity)
}

// FindTransition returns the first transition connecting fromID to toID.
// Used to infer the transition behind a direct state assignment.
func (w *Workflow) FindTransition(fromID, toID string) (*Transition, bool) {
	for _, id := range w.order {
		t := w.transitions[id]
		if t.IsFromState(fromID) && t.ToState.ID == toID {
			return t, true
		}
	}
	return nil, false
}
