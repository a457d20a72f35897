package plugin

import (
	"time"

	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
)

const FixedPluginID = "fixed"

type fixedConfig struct {
	Interval domain.Interval `json:"interval"`
}

// Fixed generates periods whose boundaries align to calendar units (the 1st
// of the month, midnight, start of ISO week) regardless of when the
// subscription started. The generated first period always spans the full
// unit; charge collection clips it to the subscription start, which is what
// makes the first charge shorter and prorated.
type Fixed struct {
	interval domain.Interval
}

func NewFixed(s *domain.BillingSchedule) (domain.ScheduleStrategy, error) {
	var cfg fixedConfig
	if err := decodeConfig(s.ScheduleConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Interval.Validate(); err != nil {
		return nil, err
	}
	return &Fixed{interval: cfg.Interval}, nil
}

func (f *Fixed) GenerateFirstBillingPeriod(start time.Time) (domain.BillingPeriod, error) {
	anchor := f.interval.Floor(start)
	return domain.NewBillingPeriod(anchor, f.interval.Add(anchor))
}

func (f *Fixed) GenerateNextBillingPeriod(_ time.Time, current domain.BillingPeriod) (domain.BillingPeriod, error) {
	return domain.NewBillingPeriod(current.End, f.interval.Add(current.End))
}
