package workflow

import "fmt"

// Phases fired around persistence of a state change.
const (
	PhasePreTransition  = "pre_transition"
	PhasePostTransition = "post_transition"
)

// Event describes one state change as seen by listeners. FromID is the
// original persisted state, ToID the new one.
type Event struct {
	Phase      string
	Workflow   *Workflow
	Transition *Transition
	FromID     string
	ToID       string
	Entity     any
}

// Listener receives transition events.
type Listener func(Event)

// Dispatcher routes transition events to listeners by event ID. Every state
// change fires at three granularities, most specific first:
//
//	{group}.{transition}.{phase}
//	{group}.{phase}
//	workflow.{phase}
type Dispatcher struct {
	listeners map[string][]Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]Listener)}
}

func (d *Dispatcher) Subscribe(eventID string, l Listener) {
	d.listeners[eventID] = append(d.listeners[eventID], l)
}

func (d *Dispatcher) dispatch(eventID string, ev Event) {
	for _, l := range d.listeners[eventID] {
		l(ev)
	}
}

// Dispatch fires ev at all three granularities in order. The transition may
// be nil when a state was assigned directly and no connecting transition
// exists; the transition-scoped event is skipped in that case.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Transition != nil {
		d.dispatch(fmt.Sprintf("%s.%s.%s", ev.Workflow.Group, ev.Transition.ID, ev.Phase), ev)
	}
	d.dispatch(fmt.Sprintf("%s.%s", ev.Workflow.Group, ev.Phase), ev)
	d.dispatch(fmt.Sprintf("workflow.%s", ev.Phase), ev)
}
