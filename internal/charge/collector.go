// Package charge computes the Charge value objects an order accrues for a
// billing period, splitting trial from regular billing and clipping periods
// to the subscription's own bounds.
package charge

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
)

// Charge is one line an order will carry for a billing period. BillingPeriod
// may be a sub-interval of FullBillingPeriod when clipped to the
// subscription's start or end; the duration ratio drives proration.
type Charge struct {
	SubscriptionID    snowflake.ID
	PurchasedEntity   string
	Title             string
	Quantity          int64
	UnitPrice         int64
	Currency          string
	BillingPeriod     scheduledomain.BillingPeriod
	FullBillingPeriod scheduledomain.BillingPeriod
}

// NeedsProration reports whether the charged period is shorter than the full
// one.
func (c Charge) NeedsProration() bool {
	return c.BillingPeriod.Duration() < c.FullBillingPeriod.Duration()
}

type Collector struct {
	registry *plugin.Registry
}

func NewCollector(registry *plugin.Registry) *Collector {
	return &Collector{registry: registry}
}

// CollectTrialCharges computes the charges for a trial order. Prepaid
// schedules charge the first regular period up front; postpaid trials cost
// nothing but still reserve the trial window on the order.
func (c *Collector) CollectTrialCharges(
	schedule *scheduledomain.BillingSchedule,
	sub *subscriptiondomain.Subscription,
	trialPeriod scheduledomain.BillingPeriod,
) ([]Charge, error) {
	switch schedule.BillingType {
	case scheduledomain.BillingTypePrepaid:
		strategy, err := c.registry.ResolveSchedule(schedule)
		if err != nil {
			return nil, err
		}
		full, err := strategy.GenerateFirstBillingPeriod(sub.StartsAt)
		if err != nil {
			return nil, fmt.Errorf("generate first billing period: %w", err)
		}
		clipped, ok := adjustBillingPeriod(full, sub)
		if !ok {
			return nil, nil
		}
		return []Charge{baseCharge(sub, sub.UnitPrice, clipped, full)}, nil

	case scheduledomain.BillingTypePostpaid:
		full := trialPeriod
		clipped, ok := adjustBillingPeriod(full, sub)
		if !ok {
			return nil, nil
		}
		// The trial never costs anything, and never outlives the
		// configured trial end.
		if sub.TrialEndsAt != nil && clipped.End.After(*sub.TrialEndsAt) && sub.TrialEndsAt.After(clipped.Start) {
			clipped.End = sub.TrialEndsAt.UTC()
		}
		return []Charge{baseCharge(sub, 0, clipped, full)}, nil

	default:
		return nil, scheduledomain.ErrInvalidBillingType
	}
}

// CollectFirstCharges computes the charges for a subscription's first
// regular order, covering the first billing period at full price clipped to
// the subscription bounds.
func (c *Collector) CollectFirstCharges(
	schedule *scheduledomain.BillingSchedule,
	sub *subscriptiondomain.Subscription,
) ([]Charge, error) {
	strategy, err := c.registry.ResolveSchedule(schedule)
	if err != nil {
		return nil, err
	}
	full, err := strategy.GenerateFirstBillingPeriod(sub.StartsAt)
	if err != nil {
		return nil, fmt.Errorf("generate first billing period: %w", err)
	}
	clipped, ok := adjustBillingPeriod(full, sub)
	if !ok {
		return nil, nil
	}
	return []Charge{baseCharge(sub, sub.UnitPrice, clipped, full)}, nil
}

// CollectCharges computes the charges owed for the given billing period.
// Prepaid schedules bill the next period ahead of time and produce nothing
// for subscriptions that are inactive or already scheduled for cancellation;
// postpaid schedules bill the period that just elapsed.
func (c *Collector) CollectCharges(
	schedule *scheduledomain.BillingSchedule,
	sub *subscriptiondomain.Subscription,
	period scheduledomain.BillingPeriod,
) ([]Charge, error) {
	switch schedule.BillingType {
	case scheduledomain.BillingTypePrepaid:
		if sub.State != subscriptiondomain.StateActive {
			return nil, nil
		}
		if sub.HasScheduledChange(subscriptiondomain.FieldState, subscriptiondomain.StateCanceled) {
			return nil, nil
		}
		strategy, err := c.registry.ResolveSchedule(schedule)
		if err != nil {
			return nil, err
		}
		next, err := strategy.GenerateNextBillingPeriod(sub.StartsAt, period)
		if err != nil {
			return nil, fmt.Errorf("generate next billing period: %w", err)
		}
		clipped, ok := adjustBillingPeriod(next, sub)
		if !ok {
			return nil, nil
		}
		return []Charge{baseCharge(sub, sub.UnitPrice, clipped, next)}, nil

	case scheduledomain.BillingTypePostpaid:
		clipped, ok := adjustBillingPeriod(period, sub)
		if !ok {
			return nil, nil
		}
		return []Charge{baseCharge(sub, sub.UnitPrice, clipped, period)}, nil

	default:
		return nil, scheduledomain.ErrInvalidBillingType
	}
}

func baseCharge(sub *subscriptiondomain.Subscription, unitPrice int64, period, full scheduledomain.BillingPeriod) Charge {
	return Charge{
		SubscriptionID:    sub.ID,
		PurchasedEntity:   sub.PurchasedEntity,
		Title:             sub.Title,
		Quantity:          sub.Quantity,
		UnitPrice:         unitPrice,
		Currency:          sub.Currency,
		BillingPeriod:     period,
		FullBillingPeriod: full,
	}
}

// adjustBillingPeriod clips the period to the subscription bounds: the start
// is raised to the subscription start when the period contains it, the end
// lowered to the subscription end likewise. Returns false when nothing of
// the period remains.
func adjustBillingPeriod(period scheduledomain.BillingPeriod, sub *subscriptiondomain.Subscription) (scheduledomain.BillingPeriod, bool) {
	clipped := period
	if period.Contains(sub.StartsAt) {
		clipped.Start = sub.StartsAt.UTC()
	}
	if sub.EndsAt != nil && period.Contains(*sub.EndsAt) {
		clipped.End = sub.EndsAt.UTC()
	}
	if !clipped.Start.Before(clipped.End) {
		return scheduledomain.BillingPeriod{}, false
	}
	return clipped, true
}
