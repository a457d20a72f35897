package plugin

import (
	"time"

	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
)

const RollingPluginID = "rolling"

type rollingConfig struct {
	Interval      domain.Interval  `json:"interval"`
	TrialInterval *domain.Interval `json:"trial_interval,omitempty"`
}

// Rolling generates periods of a fixed interval anchored to the subscription
// start. An optional trial interval produces the trial period independently
// of the regular cadence.
type Rolling struct {
	interval      domain.Interval
	trialInterval *domain.Interval
}

func NewRolling(s *domain.BillingSchedule) (domain.ScheduleStrategy, error) {
	var cfg rollingConfig
	if err := decodeConfig(s.ScheduleConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Interval.Validate(); err != nil {
		return nil, err
	}
	if cfg.TrialInterval != nil {
		if err := cfg.TrialInterval.Validate(); err != nil {
			return nil, err
		}
	}
	return &Rolling{interval: cfg.Interval, trialInterval: cfg.TrialInterval}, nil
}

func (r *Rolling) GenerateFirstBillingPeriod(start time.Time) (domain.BillingPeriod, error) {
	return domain.NewBillingPeriod(start, r.interval.Add(start))
}

func (r *Rolling) GenerateNextBillingPeriod(_ time.Time, current domain.BillingPeriod) (domain.BillingPeriod, error) {
	return domain.NewBillingPeriod(current.End, r.interval.Add(current.End))
}

// GenerateTrialPeriod computes the trial window from the configured trial
// interval. Strategies without one do not implement TrialCapable.
func (r *Rolling) GenerateTrialPeriod(trialStart time.Time) (domain.BillingPeriod, error) {
	if r.trialInterval == nil {
		return domain.BillingPeriod{}, domain.ErrTrialNotSupported
	}
	return domain.NewBillingPeriod(trialStart, r.trialInterval.Add(trialStart))
}
