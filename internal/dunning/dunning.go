// Package dunning reacts to payment declines: it walks the billing
// schedule's retry ladder, emits notification intents, and applies the
// terminal unpaid-subscription policy once the ladder is exhausted.
package dunning

import (
	"context"
	"fmt"
	"time"

	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/notification"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/workflow"
	"go.uber.org/zap"
)

type Processor struct {
	orders     orderdomain.Repository
	subs       subscriptiondomain.Service
	sender     notification.Sender
	defaults   *config.DunningConfigHolder
	clock      clock.Clock
	log        *zap.Logger
	orderFlow  *workflow.Workflow
	dispatcher *workflow.Dispatcher
}

func NewProcessor(
	orders orderdomain.Repository,
	subs subscriptiondomain.Service,
	sender notification.Sender,
	defaults *config.DunningConfigHolder,
	guards *workflow.GuardRegistry,
	dispatcher *workflow.Dispatcher,
	clk clock.Clock,
	log *zap.Logger,
) *Processor {
	return &Processor{
		orders:     orders,
		subs:       subs,
		sender:     sender,
		defaults:   defaults,
		clock:      clk,
		log:        log.Named("dunning"),
		orderFlow:  orderdomain.BuildWorkflow(guards),
		dispatcher: dispatcher,
	}
}

// HandleDecline decides retry versus terminal outcome for one declined
// payment. The caller requeues the job when the result is a FAILURE with a
// retry delay; a SUCCESS result means the dunning process itself completed,
// payment notwithstanding.
//
// Each retry delay offsets from the time of this decline, not from the
// first failure: schedule [1,3,5] yields retries at t0+1d, t1+3d, t2+5d.
func (p *Processor) HandleDecline(
	ctx context.Context,
	job *queue.Job,
	order *orderdomain.RecurringOrder,
	sub *subscriptiondomain.Subscription,
	schedule *scheduledomain.BillingSchedule,
	decline error,
) (queue.Result, error) {
	now := p.clock.Now()
	retrySchedule, unpaidState := p.policy(schedule)
	maxRetries := len(retrySchedule)
	attempt := job.NumRetries + 1

	if attempt <= maxRetries {
		if err := p.transitionOrder(ctx, order, orderdomain.StateNeedsPayment); err != nil {
			return queue.Result{}, err
		}
		delay := time.Duration(retrySchedule[attempt-1]) * 24 * time.Hour
		nextRetryAt := now.Add(delay)

		kind := notification.DunningRetry
		if attempt == maxRetries {
			kind = notification.DunningFinalRetry
		}
		p.notify(ctx, notification.DunningIntent{
			Kind:           kind,
			SubscriptionID: sub.ID,
			OrderID:        order.ID,
			CustomerID:     sub.CustomerID,
			AttemptNumber:  attempt,
			MaxAttempts:    maxRetries,
			NextRetryAt:    &nextRetryAt,
		})
		obsmetrics.Worker().IncDunningRetry()
		p.log.Info("payment declined, retry scheduled",
			zap.String("order_id", order.ID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Time("next_retry_at", nextRetryAt))

		return queue.Result{
			State:      queue.ResultFailure,
			Message:    decline.Error(),
			MaxRetries: maxRetries,
			RetryDelay: delay,
		}, nil
	}

	// Retry schedule exhausted: the order fails for good and the terminal
	// policy decides the subscription's fate.
	if err := p.transitionOrder(ctx, order, orderdomain.StateFailed); err != nil {
		return queue.Result{}, err
	}

	switch unpaidState {
	case scheduledomain.UnpaidStateCanceled:
		if sub.State != subscriptiondomain.StateCanceled && sub.State != subscriptiondomain.StateExpired {
			if err := p.subs.Cancel(ctx, sub, false); err != nil {
				return queue.Result{}, fmt.Errorf("cancel unpaid subscription: %w", err)
			}
		}
	case scheduledomain.UnpaidStateActive:
		if err := p.subs.MarkDelinquent(ctx, sub); err != nil {
			return queue.Result{}, err
		}
	default:
		return queue.Result{}, scheduledomain.ErrInvalidUnpaidState
	}

	p.notify(ctx, notification.DunningIntent{
		Kind:           notification.DunningComplete,
		SubscriptionID: sub.ID,
		OrderID:        order.ID,
		CustomerID:     sub.CustomerID,
		AttemptNumber:  attempt,
		MaxAttempts:    maxRetries,
	})
	obsmetrics.Worker().IncDunningExhausted(string(unpaidState))
	p.log.Warn("dunning exhausted",
		zap.String("order_id", order.ID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("unpaid_state", string(unpaidState)))

	return queue.Result{
		State:      queue.ResultSuccess,
		Message:    "dunning complete, payment not recovered",
		MaxRetries: maxRetries,
	}, nil
}

// policy resolves the retry ladder and terminal state, falling back to the
// operator-level dunning defaults when the schedule does not carry its own.
func (p *Processor) policy(schedule *scheduledomain.BillingSchedule) ([]int, scheduledomain.UnpaidSubscriptionState) {
	retrySchedule := []int(schedule.RetrySchedule)
	unpaidState := schedule.UnpaidSubscriptionState
	if len(retrySchedule) == 0 {
		d := p.defaults.Get()
		retrySchedule = d.RetrySchedule
		if unpaidState == "" {
			unpaidState = scheduledomain.UnpaidSubscriptionState(d.UnpaidSubscriptionState)
		}
	}
	if unpaidState == "" {
		unpaidState = scheduledomain.UnpaidStateCanceled
	}
	return retrySchedule, unpaidState
}

func (p *Processor) transitionOrder(ctx context.Context, order *orderdomain.RecurringOrder, target string) error {
	if order.State == target {
		return nil
	}
	item := workflow.NewStateItem(p.orderFlow, p.dispatcher, order, order.State)
	t, ok := p.orderFlow.FindTransition(order.State, target)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", workflow.ErrTransitionNotFound, order.State, target)
	}
	if err := item.ApplyTransition(t); err != nil {
		return err
	}
	order.State = item.ID()
	now := p.clock.Now()
	switch target {
	case orderdomain.StateNeedsPayment:
		if order.PlacedAt == nil {
			order.PlacedAt = &now
		}
	case orderdomain.StateFailed:
		order.FailedAt = &now
	}
	item.PreSave()
	if err := p.orders.Update(ctx, order); err != nil {
		return err
	}
	item.PostSave()
	return nil
}

func (p *Processor) notify(ctx context.Context, intent notification.DunningIntent) {
	if err := p.sender.Send(ctx, intent); err != nil {
		// Notification failures never fail the billing outcome.
		p.log.Error("dunning notification failed", zap.Error(err))
	}
}
