package domain

import "time"

// ScheduleStrategy generates billing periods. Implementations must tile the
// timeline: GenerateNextBillingPeriod's result starts exactly at the current
// period's end.
type ScheduleStrategy interface {
	GenerateFirstBillingPeriod(subscriptionStart time.Time) (BillingPeriod, error)
	GenerateNextBillingPeriod(subscriptionStart time.Time, current BillingPeriod) (BillingPeriod, error)
}

// TrialCapable is implemented by strategies that support a trial interval
// independent of the regular cadence.
type TrialCapable interface {
	GenerateTrialPeriod(trialStart time.Time) (BillingPeriod, error)
}

// Prorater scales a unit price, given in the currency's minor units, to the
// portion of the full billing period that was actually consumed.
type Prorater interface {
	Prorate(unitPrice int64, period, fullPeriod BillingPeriod) int64
}

// ScheduleFactory builds a strategy from the schedule's plugin config.
type ScheduleFactory func(s *BillingSchedule) (ScheduleStrategy, error)

// ProraterFactory builds a prorater from the schedule's plugin config.
type ProraterFactory func(s *BillingSchedule) (Prorater, error)
