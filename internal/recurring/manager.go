// Package recurring orchestrates the billing loop: it opens the order for a
// subscription's current billing period, closes it when the period ends,
// charges the stored payment method, and rolls the subscription into the
// next period or hands declines to dunning.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	schedulerepo "github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"github.com/smallbiznis/rebill/internal/charge"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/dunning"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/workflow"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// OrderManager drives recurring orders through their lifecycle. One order
// spans one billing period and is closed, placed and charged when the
// period ends; payment timing relative to consumption is decided by the
// schedule's billing type through the charge collector.
type OrderManager struct {
	orders     orderdomain.Repository
	subRepo    subscriptiondomain.Repository
	subs       subscriptiondomain.Service
	schedules  schedulerepo.Repository
	registry   *plugin.Registry
	collector  *charge.Collector
	gateway    paymentdomain.Gateway
	dunning    *dunning.Processor
	queue      queue.Queue
	clock      clock.Clock
	log        *zap.Logger
	genID      *snowflake.Node
	orderFlow  *workflow.Workflow
	dispatcher *workflow.Dispatcher
	listeners  []subscriptiondomain.LifecycleListener
}

func NewOrderManager(
	orders orderdomain.Repository,
	subRepo subscriptiondomain.Repository,
	subs subscriptiondomain.Service,
	schedules schedulerepo.Repository,
	registry *plugin.Registry,
	collector *charge.Collector,
	gateway paymentdomain.Gateway,
	dun *dunning.Processor,
	q queue.Queue,
	guards *workflow.GuardRegistry,
	dispatcher *workflow.Dispatcher,
	clk clock.Clock,
	log *zap.Logger,
	genID *snowflake.Node,
	listeners []subscriptiondomain.LifecycleListener,
) *OrderManager {
	return &OrderManager{
		orders:     orders,
		subRepo:    subRepo,
		subs:       subs,
		schedules:  schedules,
		registry:   registry,
		collector:  collector,
		gateway:    gateway,
		dunning:    dun,
		queue:      q,
		clock:      clk,
		log:        log.Named("recurring"),
		genID:      genID,
		orderFlow:  orderdomain.BuildWorkflow(guards),
		dispatcher: dispatcher,
		listeners:  listeners,
	}
}

// Enroll queues the lifecycle start of a newly created subscription: a
// trial start when a trial is configured, otherwise regular activation at
// the subscription's start time.
func (m *OrderManager) Enroll(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	at := sub.StartsAt
	if sub.HasTrial() && sub.TrialStartsAt.Before(at) {
		at = *sub.TrialStartsAt
	}
	return m.enqueueActivate(ctx, sub, at)
}

// StartTrial opens the trial order. Prepaid schedules put the first regular
// period's full price on the trial order; postpaid trials cost nothing but
// still reserve the trial window.
func (m *OrderManager) StartTrial(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	schedule, err := m.schedules.FindByID(ctx, sub.BillingScheduleID)
	if err != nil {
		return err
	}
	trialPeriod, err := m.trialPeriod(schedule, sub)
	if err != nil {
		return err
	}
	charges, err := m.collector.CollectTrialCharges(schedule, sub, trialPeriod)
	if err != nil {
		return err
	}

	order, created, err := m.ensureOrder(ctx, sub, schedule, trialPeriod)
	if err != nil {
		return err
	}
	if err := m.applyCharges(ctx, order, schedule, charges); err != nil {
		return err
	}
	if err := m.saveOrder(ctx, order, created); err != nil {
		return err
	}

	if sub.TrialStartsAt == nil {
		sub.TrialStartsAt = &trialPeriod.Start
		sub.TrialEndsAt = &trialPeriod.End
	}
	sub.NextRenewalAt = &trialPeriod.End
	if sub.State == subscriptiondomain.StatePending {
		if err := m.subs.Transition(ctx, sub, subscriptiondomain.TransitionStartTrial); err != nil {
			return err
		}
	} else if err := m.subRepo.Update(ctx, sub); err != nil {
		return err
	}
	for _, l := range m.listeners {
		l.OnSubscriptionTrialStart(ctx, sub)
	}

	m.log.Info("trial started",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Time("trial_ends_at", trialPeriod.End))
	return m.enqueueClose(ctx, order, trialPeriod)
}

// StartRecurring opens the first regular order and activates the
// subscription. The first period is charged at full price over the clipped
// interval; without a storefront checkout there is no earlier order to have
// collected it.
func (m *OrderManager) StartRecurring(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	schedule, err := m.schedules.FindByID(ctx, sub.BillingScheduleID)
	if err != nil {
		return err
	}
	strategy, err := m.registry.ResolveSchedule(schedule)
	if err != nil {
		return err
	}
	period, err := strategy.GenerateFirstBillingPeriod(sub.StartsAt)
	if err != nil {
		return err
	}
	charges, err := m.collector.CollectFirstCharges(schedule, sub)
	if err != nil {
		return err
	}
	if len(charges) == 0 {
		return orderdomain.ErrNothingToCharge
	}

	order, created, err := m.ensureOrder(ctx, sub, schedule, period)
	if err != nil {
		return err
	}
	if err := m.applyCharges(ctx, order, schedule, charges); err != nil {
		return err
	}
	if err := m.saveOrder(ctx, order, created); err != nil {
		return err
	}

	sub.NextRenewalAt = &period.End
	if sub.State == subscriptiondomain.StatePending {
		if err := m.subs.Transition(ctx, sub, subscriptiondomain.TransitionActivate); err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnSubscriptionActivate(ctx, sub)
		}
	} else if err := m.subRepo.Update(ctx, sub); err != nil {
		return err
	}

	m.log.Info("recurring billing started",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Time("period_end", period.End))
	return m.enqueueClose(ctx, order, period)
}

// HandleActivate processes a subscription_activate job.
func (m *OrderManager) HandleActivate(ctx context.Context, job *queue.Job) (queue.Result, error) {
	payload := job.Payload.Data()
	subID, err := snowflake.ParseString(payload.SubscriptionID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: "bad subscription id"}, err
	}
	sub, err := m.subRepo.FindByIDForUpdate(ctx, nil, subID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}

	switch {
	case sub.State == subscriptiondomain.StateTrial,
		sub.State == subscriptiondomain.StatePending && sub.HasTrial():
		err = m.StartTrial(ctx, sub)
	case sub.State == subscriptiondomain.StatePending:
		err = m.StartRecurring(ctx, sub)
	default:
		return queue.Result{State: queue.ResultSuccess, Message: "subscription already started"}, nil
	}
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	return queue.Result{State: queue.ResultSuccess}, nil
}

// CloseOrder processes a recurring_order_close job: apply due scheduled
// changes, place the order, attempt payment, then either roll the
// subscription forward, start dunning, or fail hard. Redelivered jobs for
// already-settled orders succeed without side effects.
func (m *OrderManager) CloseOrder(ctx context.Context, job *queue.Job) (queue.Result, error) {
	payload := job.Payload.Data()
	orderID, err := snowflake.ParseString(payload.OrderID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: "bad order id"}, err
	}
	order, err := m.orders.FindByIDForUpdate(ctx, nil, orderID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	if !order.IsPlaceable() {
		return queue.Result{State: queue.ResultSuccess, Message: "order already settled"}, nil
	}
	if len(order.Items) == 0 {
		if err := m.transitionOrder(ctx, order, orderdomain.StateCanceled); err != nil {
			return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
		}
		return queue.Result{State: queue.ResultSuccess, Message: "nothing to charge"}, nil
	}

	sub, err := m.subRepo.FindByIDForUpdate(ctx, nil, order.Items[0].SubscriptionID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	schedule, err := m.schedules.FindByID(ctx, order.BillingScheduleID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}

	// An out-of-band cancellation (customer action mid-dunning, manual
	// intervention) means no further payment attempts for this order.
	if sub.State == subscriptiondomain.StateCanceled || sub.State == subscriptiondomain.StateExpired {
		if err := m.transitionOrder(ctx, order, orderdomain.StateCanceled); err != nil {
			return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
		}
		return queue.Result{State: queue.ResultSuccess, Message: "subscription canceled"}, nil
	}

	// A cancellation scheduled for the period end lands here, before
	// payment, so the final order is charged against the shortened window.
	if err := m.subs.ApplyScheduledChanges(ctx, sub); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}

	if sub.DelinquentAt != nil || sub.State == subscriptiondomain.StatePending {
		if err := m.transitionOrder(ctx, order, orderdomain.StateCanceled); err != nil {
			return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
		}
		return queue.Result{State: queue.ResultSuccess, Message: "subscription not billable"}, nil
	}

	if err := m.reclipItems(ctx, order, sub, schedule); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	if len(order.Items) == 0 {
		if err := m.transitionOrder(ctx, order, orderdomain.StateCanceled); err != nil {
			return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
		}
		return queue.Result{State: queue.ResultSuccess, Message: "nothing to charge"}, nil
	}

	if err := m.transitionOrder(ctx, order, orderdomain.StateNeedsPayment); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}

	var chargeErr error
	switch {
	case order.Total() == 0:
		// Free orders (postpaid trials) settle without touching the gateway.
	case sub.PaymentMethodID == "":
		chargeErr = paymentdomain.ErrPaymentMethodNotFound()
	default:
		chargeErr = m.gateway.Charge(ctx, order, sub.PaymentMethodID)
	}

	switch {
	case chargeErr == nil:
		return m.finalizeSuccess(ctx, order, sub, schedule)
	case paymentdomain.IsDecline(chargeErr):
		m.log.Warn("payment declined",
			zap.String("order_id", order.ID.String()),
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(chargeErr))
		return m.dunning.HandleDecline(ctx, job, order, sub, schedule, chargeErr)
	default:
		return m.failHard(ctx, order, sub, chargeErr)
	}
}

// finalizeSuccess marks the order paid and rolls the subscription into the
// next billing period, unless the lifecycle ended with this order.
func (m *OrderManager) finalizeSuccess(
	ctx context.Context,
	order *orderdomain.RecurringOrder,
	sub *subscriptiondomain.Subscription,
	schedule *scheduledomain.BillingSchedule,
) (queue.Result, error) {
	if err := m.transitionOrder(ctx, order, orderdomain.StateCompleted); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	m.log.Info("order completed",
		zap.String("order_id", order.ID.String()),
		zap.Int64("total", order.Total()))

	if sub.State != subscriptiondomain.StateActive && sub.State != subscriptiondomain.StateTrial {
		// Canceled or expired during this period: the final consumed window
		// is paid for, nothing renews.
		return queue.Result{State: queue.ResultSuccess, Message: "final order settled"}, nil
	}
	if err := m.advance(ctx, order, sub, schedule); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	return queue.Result{State: queue.ResultSuccess}, nil
}

// advance performs the renewal bookkeeping after a paid order and opens the
// order for the next billing period.
func (m *OrderManager) advance(
	ctx context.Context,
	order *orderdomain.RecurringOrder,
	sub *subscriptiondomain.Subscription,
	schedule *scheduledomain.BillingSchedule,
) error {
	strategy, err := m.registry.ResolveSchedule(schedule)
	if err != nil {
		return err
	}
	closed, err := scheduledomain.NewBillingPeriod(order.PeriodStart, order.PeriodEnd)
	if err != nil {
		return err
	}
	wasTrial := sub.State == subscriptiondomain.StateTrial

	// The closed trial order may have collected the first regular period
	// already (prepaid), so the next order's span depends on billing type:
	// charges always cover the span of the order that carries them.
	var span, chargeRef scheduledomain.BillingPeriod
	if wasTrial {
		first, err := strategy.GenerateFirstBillingPeriod(sub.StartsAt)
		if err != nil {
			return err
		}
		chargeRef = first
		span = first
		if schedule.BillingType == scheduledomain.BillingTypePrepaid {
			if span, err = strategy.GenerateNextBillingPeriod(sub.StartsAt, first); err != nil {
				return err
			}
		}
	} else {
		next, err := strategy.GenerateNextBillingPeriod(sub.StartsAt, closed)
		if err != nil {
			return err
		}
		span = next
		chargeRef = closed
		if schedule.BillingType == scheduledomain.BillingTypePostpaid {
			chargeRef = next
		}
	}

	now := m.clock.Now()
	if wasTrial {
		sub.NextRenewalAt = &span.End
		if err := m.subs.Transition(ctx, sub, subscriptiondomain.TransitionActivate); err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnSubscriptionActivate(ctx, sub)
		}
	} else {
		sub.RenewedAt = &now
		sub.NextRenewalAt = &span.End
		if err := m.subs.Transition(ctx, sub, subscriptiondomain.TransitionRenew); err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnSubscriptionRenew(ctx, sub)
		}
	}

	if sub.EndsAt != nil && !span.Start.Before(*sub.EndsAt) {
		// The subscription's own window closed with the paid period.
		sub.NextRenewalAt = nil
		if err := m.subs.Transition(ctx, sub, subscriptiondomain.TransitionExpire); err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnSubscriptionExpire(ctx, sub)
		}
		return nil
	}

	charges, err := m.collector.CollectCharges(schedule, sub, chargeRef)
	if err != nil {
		return err
	}
	if len(charges) == 0 {
		// A scheduled cancellation suppresses the next period's charges;
		// the sweep applies the state change when it comes due.
		sub.NextRenewalAt = nil
		return m.subRepo.Update(ctx, sub)
	}

	next, created, err := m.ensureOrder(ctx, sub, schedule, span)
	if err != nil {
		return err
	}
	if err := m.applyCharges(ctx, next, schedule, charges); err != nil {
		return err
	}
	if err := m.saveOrder(ctx, next, created); err != nil {
		return err
	}
	m.log.Info("next order opened",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("order_id", next.ID.String()),
		zap.Time("period_end", span.End))
	return m.enqueueClose(ctx, next, span)
}

// failHard handles non-decline payment errors: the order fails, the
// subscription is canceled immediately, and the error propagates so the job
// surfaces as failed.
func (m *OrderManager) failHard(
	ctx context.Context,
	order *orderdomain.RecurringOrder,
	sub *subscriptiondomain.Subscription,
	chargeErr error,
) (queue.Result, error) {
	m.log.Error("payment failed hard",
		zap.String("order_id", order.ID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.Error(chargeErr))
	if err := m.transitionOrder(ctx, order, orderdomain.StateFailed); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	if sub.State == subscriptiondomain.StateActive || sub.State == subscriptiondomain.StateTrial {
		if err := m.subs.Cancel(ctx, sub, false); err != nil {
			return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
		}
	}
	return queue.Result{
		State:   queue.ResultFailure,
		Message: chargeErr.Error(),
	}, fmt.Errorf("charge order %s: %w", order.ID, chargeErr)
}

// trialPeriod resolves the trial window: explicit dates on the subscription
// win, otherwise the schedule's strategy must support trials.
func (m *OrderManager) trialPeriod(
	schedule *scheduledomain.BillingSchedule,
	sub *subscriptiondomain.Subscription,
) (scheduledomain.BillingPeriod, error) {
	if sub.HasTrial() {
		return scheduledomain.NewBillingPeriod(*sub.TrialStartsAt, *sub.TrialEndsAt)
	}
	strategy, err := m.registry.ResolveSchedule(schedule)
	if err != nil {
		return scheduledomain.BillingPeriod{}, err
	}
	tc, ok := strategy.(scheduledomain.TrialCapable)
	if !ok {
		return scheduledomain.BillingPeriod{}, scheduledomain.ErrTrialNotSupported
	}
	return tc.GenerateTrialPeriod(sub.StartsAt)
}

// ensureOrder returns the order that should accrue charges for the period:
// the customer's open order when the schedule combines subscriptions and
// the periods line up, otherwise a fresh draft.
func (m *OrderManager) ensureOrder(
	ctx context.Context,
	sub *subscriptiondomain.Subscription,
	schedule *scheduledomain.BillingSchedule,
	period scheduledomain.BillingPeriod,
) (*orderdomain.RecurringOrder, bool, error) {
	if schedule.CombineSubscriptions {
		open, err := m.orders.FindOpenOrder(ctx, sub.CustomerID, schedule.ID)
		if err == nil && open.PeriodStart.Equal(period.Start) && open.PeriodEnd.Equal(period.End) {
			return open, false, nil
		}
		if err != nil && !errors.Is(err, orderdomain.ErrOrderNotFound) {
			return nil, false, err
		}
	}
	// A redelivered activation may reach here with the subscription's draft
	// already open; reuse it instead of opening a duplicate.
	existing, err := m.orders.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, false, err
	}
	for _, o := range existing {
		if o.State == orderdomain.StateDraft && o.PeriodStart.Equal(period.Start) && o.PeriodEnd.Equal(period.End) {
			return o, false, nil
		}
	}
	now := m.clock.Now()
	return &orderdomain.RecurringOrder{
		ID:                m.genID.Generate(),
		StoreID:           sub.StoreID,
		CustomerID:        sub.CustomerID,
		BillingScheduleID: schedule.ID,
		State:             orderdomain.StateDraft,
		Currency:          sub.Currency,
		PeriodStart:       period.Start,
		PeriodEnd:         period.End,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, true, nil
}

func (m *OrderManager) saveOrder(ctx context.Context, order *orderdomain.RecurringOrder, created bool) error {
	if created {
		return m.orders.Create(ctx, order)
	}
	return m.orders.Update(ctx, order)
}

// applyCharges lands charges on the order as items, prorating clipped
// periods. A charge matching an existing item by subscription, purchased
// entity and period start updates it in place, so re-collection is
// idempotent.
func (m *OrderManager) applyCharges(
	ctx context.Context,
	order *orderdomain.RecurringOrder,
	schedule *scheduledomain.BillingSchedule,
	charges []charge.Charge,
) error {
	prorater, err := m.registry.ResolveProrater(schedule)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	for _, c := range charges {
		price := c.UnitPrice
		if c.NeedsProration() {
			price = prorater.Prorate(c.UnitPrice, c.BillingPeriod, c.FullBillingPeriod)
		}
		if item := findItem(order, c); item != nil {
			item.Title = c.Title
			item.Quantity = c.Quantity
			item.UnitPrice = price
			item.PeriodEnd = c.BillingPeriod.End
			item.FullPeriodStart = c.FullBillingPeriod.Start
			item.FullPeriodEnd = c.FullBillingPeriod.End
			item.UpdatedAt = now
			continue
		}
		order.Items = append(order.Items, orderdomain.OrderItem{
			ID:              m.genID.Generate(),
			OrderID:         order.ID,
			SubscriptionID:  c.SubscriptionID,
			PurchasedEntity: c.PurchasedEntity,
			Title:           c.Title,
			Quantity:        c.Quantity,
			UnitPrice:       price,
			Currency:        c.Currency,
			PeriodStart:     c.BillingPeriod.Start,
			PeriodEnd:       c.BillingPeriod.End,
			FullPeriodStart: c.FullBillingPeriod.Start,
			FullPeriodEnd:   c.FullBillingPeriod.End,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return nil
}

func findItem(order *orderdomain.RecurringOrder, c charge.Charge) *orderdomain.OrderItem {
	for i := range order.Items {
		it := &order.Items[i]
		if it.SubscriptionID == c.SubscriptionID &&
			it.PurchasedEntity == c.PurchasedEntity &&
			it.PeriodStart.Equal(c.BillingPeriod.Start) {
			return it
		}
	}
	return nil
}

// reclipItems re-clips the subscription's items to its end date before
// payment, so a cancellation that landed after the order was opened prorates
// the final charge. Items entirely past the end date are dropped; items of
// other subscriptions on a combined order are untouched.
func (m *OrderManager) reclipItems(
	ctx context.Context,
	order *orderdomain.RecurringOrder,
	sub *subscriptiondomain.Subscription,
	schedule *scheduledomain.BillingSchedule,
) error {
	if sub.EndsAt == nil {
		return nil
	}
	prorater, err := m.registry.ResolveProrater(schedule)
	if err != nil {
		return err
	}
	end := sub.EndsAt.UTC()
	kept := order.Items[:0]
	for _, it := range order.Items {
		if it.SubscriptionID != sub.ID {
			kept = append(kept, it)
			continue
		}
		if !it.PeriodStart.Before(end) {
			if err := m.orders.DeleteItem(ctx, it.ID); err != nil {
				return err
			}
			continue
		}
		if it.PeriodEnd.After(end) {
			clipped, err := scheduledomain.NewBillingPeriod(it.PeriodStart, end)
			if err != nil {
				return err
			}
			full, err := scheduledomain.NewBillingPeriod(it.FullPeriodStart, it.FullPeriodEnd)
			if err != nil {
				return err
			}
			it.PeriodEnd = end
			it.UnitPrice = prorater.Prorate(sub.UnitPrice, clipped, full)
		}
		kept = append(kept, it)
	}
	order.Items = kept
	return m.orders.Update(ctx, order)
}

func (m *OrderManager) transitionOrder(ctx context.Context, order *orderdomain.RecurringOrder, target string) error {
	if order.State == target {
		return nil
	}
	item := workflow.NewStateItem(m.orderFlow, m.dispatcher, order, order.State)
	t, ok := m.orderFlow.FindTransition(order.State, target)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", workflow.ErrTransitionNotFound, order.State, target)
	}
	if err := item.ApplyTransition(t); err != nil {
		return err
	}
	order.State = item.ID()
	now := m.clock.Now()
	switch target {
	case orderdomain.StateNeedsPayment:
		if order.PlacedAt == nil {
			order.PlacedAt = &now
		}
	case orderdomain.StateCompleted:
		order.CompletedAt = &now
	case orderdomain.StateFailed:
		order.FailedAt = &now
	}
	item.PreSave()
	if err := m.orders.Update(ctx, order); err != nil {
		return err
	}
	item.PostSave()
	switch target {
	case orderdomain.StateCompleted, orderdomain.StateFailed, orderdomain.StateCanceled:
		obsmetrics.Worker().IncOrderClosed(target)
	}
	return nil
}

func (m *OrderManager) enqueueClose(ctx context.Context, order *orderdomain.RecurringOrder, period scheduledomain.BillingPeriod) error {
	now := m.clock.Now()
	return m.queue.Enqueue(ctx, &queue.Job{
		ID:          uuid.NewString(),
		Type:        queue.JobTypeOrderClose,
		Payload:     datatypes.NewJSONType(queue.Payload{OrderID: order.ID.String()}),
		State:       queue.JobStateQueued,
		AvailableAt: period.End,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (m *OrderManager) enqueueActivate(ctx context.Context, sub *subscriptiondomain.Subscription, at time.Time) error {
	now := m.clock.Now()
	return m.queue.Enqueue(ctx, &queue.Job{
		ID:          uuid.NewString(),
		Type:        queue.JobTypeActivate,
		Payload:     datatypes.NewJSONType(queue.Payload{SubscriptionID: sub.ID.String()}),
		State:       queue.JobStateQueued,
		AvailableAt: at.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}
