package workflow

import "fmt"

// StateItem tracks the workflow state of one entity. The original value is
// captured when the item is created and only advances on PostSave, so the
// pre/post-transition events can describe the change being persisted.
type StateItem struct {
	workflow   *Workflow
	dispatcher *Dispatcher
	entity     any

	value    string
	original string
	pending  *Transition
}

func NewStateItem(w *Workflow, d *Dispatcher, entity any, initial string) *StateItem {
	if d == nil {
		d = NewDispatcher()
	}
	return &StateItem{
		workflow:   w,
		dispatcher: d,
		entity:     entity,
		value:      initial,
		original:   initial,
	}
}

func (si *StateItem) Workflow() *Workflow { return si.workflow }

// ID returns the current state id.
func (si *StateItem) ID() string { return si.value }

// OriginalID returns the state id as of the last save.
func (si *StateItem) OriginalID() string { return si.original }

func (si *StateItem) State() (State, bool) { return si.workflow.State(si.value) }

func (si *StateItem) PendingTransition() *Transition { return si.pending }

// SetValue assigns the state directly, bypassing transition validation.
// Callers own the consequences; Validate and PreSave still infer the
// connecting transition from the original value.
func (si *StateItem) SetValue(stateID string) {
	si.value = stateID
	si.pending = nil
}

// ApplyTransition validates t against the allowed transitions for the
// current state and records it as pending.
func (si *StateItem) ApplyTransition(t *Transition) error {
	allowed := false
	for _, cand := range si.workflow.AllowedTransitions(si.value, si.entity) {
		if cand.ID == t.ID {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t.ID, si.value)
	}
	si.pending = t
	si.value = t.ToState.ID
	return nil
}

// ApplyTransitionByID resolves the transition against the workflow first.
func (si *StateItem) ApplyTransitionByID(id string) error {
	t, ok := si.workflow.Transition(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransitionNotFound, id)
	}
	return si.ApplyTransition(t)
}

func (si *StateItem) changed() bool {
	return si.value != si.original || si.pending != nil
}

// transitionForChange returns the pending transition, falling back to the
// first transition connecting the original state to the current value.
func (si *StateItem) transitionForChange() *Transition {
	if si.pending != nil {
		return si.pending
	}
	t, _ := si.workflow.FindTransition(si.original, si.value)
	return t
}

// PreSave fires the pre_transition events when a change is pending.
func (si *StateItem) PreSave() {
	if !si.changed() {
		return
	}
	si.dispatcher.Dispatch(Event{
		Phase:      PhasePreTransition,
		Workflow:   si.workflow,
		Transition: si.transitionForChange(),
		FromID:     si.original,
		ToID:       si.value,
		Entity:     si.entity,
	})
}

// PostSave fires the post_transition events, then resets the original value
// and clears the pending transition.
func (si *StateItem) PostSave() {
	if si.changed() {
		si.dispatcher.Dispatch(Event{
			Phase:      PhasePostTransition,
			Workflow:   si.workflow,
			Transition: si.transitionForChange(),
			FromID:     si.original,
			ToID:       si.value,
			Entity:     si.entity,
		})
	}
	si.original = si.value
	si.pending = nil
}

// Validate reports whether the item is in a consistent position: either
// unchanged and pointing at a known state, or changed along a transition
// that exists and is currently allowed.
func (si *StateItem) Validate() error {
	if si.workflow == nil {
		return fmt.Errorf("%w: state item has no workflow", ErrStateNotFound)
	}
	if si.value == si.original {
		if _, ok := si.workflow.State(si.value); !ok {
			return fmt.Errorf("%w: %s", ErrStateNotFound, si.value)
		}
		return nil
	}
	t, ok := si.workflow.FindTransition(si.original, si.value)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotFound, si.original, si.value)
	}
	if !si.workflow.IsTransitionAllowed(t, si.entity) {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, t.ID)
	}
	return nil
}
