package plugin

import (
	"fmt"

	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
)

// Registry maps plugin ids to strategy factories. Schedules reference
// plugins by id; resolution happens when a schedule is put to work, not at
// registration time.
type Registry struct {
	schedules map[string]domain.ScheduleFactory
	proraters map[string]domain.ProraterFactory
}

// NewRegistry returns a registry preloaded with the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{
		schedules: make(map[string]domain.ScheduleFactory),
		proraters: make(map[string]domain.ProraterFactory),
	}
	r.RegisterSchedule(RollingPluginID, NewRolling)
	r.RegisterSchedule(FixedPluginID, NewFixed)
	r.RegisterProrater(ProportionalProraterID, NewProportional)
	r.RegisterProrater(FullPriceProraterID, NewFullPrice)
	return r
}

func (r *Registry) RegisterSchedule(id string, f domain.ScheduleFactory) {
	r.schedules[id] = f
}

func (r *Registry) RegisterProrater(id string, f domain.ProraterFactory) {
	r.proraters[id] = f
}

// ResolveSchedule builds the period-generation strategy configured on s.
func (r *Registry) ResolveSchedule(s *domain.BillingSchedule) (domain.ScheduleStrategy, error) {
	f, ok := r.schedules[s.SchedulePlugin]
	if !ok {
		return nil, fmt.Errorf("%w: schedule %q", domain.ErrUnknownPlugin, s.SchedulePlugin)
	}
	return f(s)
}

// ResolveProrater builds the prorater configured on s, defaulting to
// proportional when unset.
func (r *Registry) ResolveProrater(s *domain.BillingSchedule) (domain.Prorater, error) {
	id := s.ProraterPlugin
	if id == "" {
		id = ProportionalProraterID
	}
	f, ok := r.proraters[id]
	if !ok {
		return nil, fmt.Errorf("%w: prorater %q", domain.ErrUnknownPlugin, id)
	}
	return f(s)
}
