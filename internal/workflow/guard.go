package workflow

// Guard can veto a transition for a specific entity. Guards are registered
// per workflow group; all guards of the group must allow a transition for it
// to proceed.
type Guard interface {
	Allows(w *Workflow, t *Transition, entity any) bool
}

// GuardFunc adapts a plain function to the Guard interface.
type GuardFunc func(w *Workflow, t *Transition, entity any) bool

func (f GuardFunc) Allows(w *Workflow, t *Transition, entity any) bool {
	return f(w, t, entity)
}

// GuardRegistry holds guards keyed by workflow group.
type GuardRegistry struct {
	guards map[string][]Guard
}

func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string][]Guard)}
}

func (r *GuardRegistry) Register(group string, g Guard) {
	r.guards[group] = append(r.guards[group], g)
}

// Allows evaluates every guard registered for the workflow's group.
// AND semantics: the first veto wins.
func (r *GuardRegistry) Allows(w *Workflow, t *Transition, entity any) bool {
	for _, g := range r.guards[w.Group] {
		if !g.Allows(w, t, entity) {
			return false
		}
	}
	return true
}
