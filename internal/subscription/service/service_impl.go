// Package service implements the subscription lifecycle on top of the
// workflow engine: transitions, scheduled (deferred) changes, and dunning
// delinquency bookkeeping.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	schedulerepo "github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"github.com/smallbiznis/rebill/internal/clock"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/workflow"
	"go.uber.org/zap"
)

var _ subscriptiondomain.Service = (*Service)(nil)

type Service struct {
	repo         subscriptiondomain.Repository
	scheduleRepo schedulerepo.Repository
	registry     *plugin.Registry
	wf           *workflow.Workflow
	dispatcher   *workflow.Dispatcher
	clock        clock.Clock
	log          *zap.Logger
	genID        *snowflake.Node
	listeners    []subscriptiondomain.LifecycleListener
}

func NewService(
	repo subscriptiondomain.Repository,
	scheduleRepo schedulerepo.Repository,
	registry *plugin.Registry,
	guards *workflow.GuardRegistry,
	dispatcher *workflow.Dispatcher,
	clk clock.Clock,
	log *zap.Logger,
	genID *snowflake.Node,
	listeners []subscriptiondomain.LifecycleListener,
) *Service {
	return &Service{
		repo:         repo,
		scheduleRepo: scheduleRepo,
		registry:     registry,
		wf:           subscriptiondomain.BuildWorkflow(guards),
		dispatcher:   dispatcher,
		clock:        clk,
		log:          log.Named("subscription"),
		genID:        genID,
		listeners:    listeners,
	}
}

// Workflow exposes the lifecycle state machine for guard registration and
// introspection.
func (s *Service) Workflow() *workflow.Workflow { return s.wf }

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	if req.PurchasedEntity == "" || req.Quantity <= 0 || req.UnitPrice < 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if _, err := s.scheduleRepo.FindByID(ctx, snowflake.ID(req.BillingScheduleID)); err != nil {
		return nil, err
	}

	state := subscriptiondomain.StatePending
	if req.TrialStartsAt != nil && req.TrialEndsAt != nil {
		state = subscriptiondomain.StateTrial
	}
	sub := &subscriptiondomain.Subscription{
		ID:                s.genID.Generate(),
		StoreID:           snowflake.ID(req.StoreID),
		CustomerID:        snowflake.ID(req.CustomerID),
		BillingScheduleID: snowflake.ID(req.BillingScheduleID),
		PaymentMethodID:   req.PaymentMethodID,
		PurchasedEntity:   req.PurchasedEntity,
		Title:             req.Title,
		Quantity:          req.Quantity,
		UnitPrice:         req.UnitPrice,
		Currency:          req.Currency,
		State:             state,
		StartsAt:          req.StartsAt.UTC(),
		EndsAt:            req.EndsAt,
		TrialStartsAt:     req.TrialStartsAt,
		TrialEndsAt:       req.TrialEndsAt,
		CreatedAt:         s.clock.Now(),
		UpdatedAt:         s.clock.Now(),
	}
	if sub.Currency == "" {
		sub.Currency = "USD"
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("state", sub.State))
	for _, l := range s.listeners {
		l.OnSubscriptionCreate(ctx, sub)
	}
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.FindByID(ctx, parsed)
}

// Transition applies a workflow transition and persists the subscription,
// firing pre/post transition events around the save.
func (s *Service) Transition(ctx context.Context, sub *subscriptiondomain.Subscription, transitionID string) error {
	item := workflow.NewStateItem(s.wf, s.dispatcher, sub, sub.State)
	if err := item.ApplyTransitionByID(transitionID); err != nil {
		return err
	}
	return s.saveStateChange(ctx, sub, item)
}

func (s *Service) saveStateChange(ctx context.Context, sub *subscriptiondomain.Subscription, item *workflow.StateItem) error {
	sub.State = item.ID()
	item.PreSave()
	if err := s.repo.Update(ctx, sub); err != nil {
		return err
	}
	item.PostSave()
	return nil
}

func (s *Service) Cancel(ctx context.Context, sub *subscriptiondomain.Subscription, scheduled bool) error {
	now := s.clock.Now()

	if scheduled {
		period, err := s.currentBillingPeriod(ctx, sub, now)
		if err != nil {
			return err
		}
		sub.AddScheduledChange(subscriptiondomain.FieldState, subscriptiondomain.StateCanceled, period.End)
		if err := s.repo.Update(ctx, sub); err != nil {
			return err
		}
		s.log.Info("subscription cancellation scheduled",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("scheduled_at", period.End))
		return nil
	}

	fromTrial := sub.State == subscriptiondomain.StateTrial

	item := workflow.NewStateItem(s.wf, s.dispatcher, sub, sub.State)
	if err := item.ApplyTransitionByID(subscriptiondomain.TransitionCancel); err != nil {
		return err
	}
	if sub.EndsAt == nil {
		sub.EndsAt = &now
	}
	sub.RemoveScheduledChanges(subscriptiondomain.FieldState)
	if err := s.saveStateChange(ctx, sub, item); err != nil {
		return err
	}
	s.log.Info("subscription canceled", zap.String("subscription_id", sub.ID.String()))
	for _, l := range s.listeners {
		if fromTrial {
			l.OnSubscriptionTrialCancel(ctx, sub)
		}
		l.OnSubscriptionCancel(ctx, sub)
	}
	return nil
}

// ApplyScheduledChanges applies every queued change whose time has come,
// routing state changes through the transition inferred from the current
// state. Unreachable changes are dropped rather than retried forever.
func (s *Service) ApplyScheduledChanges(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	now := s.clock.Now()
	due := sub.DueScheduledChanges(now)
	if len(due) == 0 {
		return nil
	}

	var canceled, expired bool
	item := workflow.NewStateItem(s.wf, s.dispatcher, sub, sub.State)
	remaining := make([]subscriptiondomain.ScheduledChange, 0, len(sub.ScheduledChanges))
	for _, change := range sub.ScheduledChanges {
		if change.ScheduledAt.After(now) {
			remaining = append(remaining, change)
			continue
		}
		if change.Field != subscriptiondomain.FieldState {
			s.log.Warn("dropping scheduled change for unknown field",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("field", change.Field))
			continue
		}
		if change.Value == item.ID() {
			continue
		}
		t, ok := s.wf.FindTransition(item.ID(), change.Value)
		if !ok {
			s.log.Warn("no transition for scheduled state change",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("from", item.ID()),
				zap.String("to", change.Value))
			continue
		}
		if err := item.ApplyTransition(t); err != nil {
			return fmt.Errorf("apply scheduled change: %w", err)
		}
		switch change.Value {
		case subscriptiondomain.StateCanceled:
			canceled = true
		case subscriptiondomain.StateExpired:
			expired = true
		}
	}
	sub.ScheduledChanges = remaining
	if canceled && sub.EndsAt == nil {
		sub.EndsAt = &now
	}
	if err := s.saveStateChange(ctx, sub, item); err != nil {
		return err
	}
	for _, l := range s.listeners {
		if canceled {
			l.OnSubscriptionCancel(ctx, sub)
		}
		if expired {
			l.OnSubscriptionExpire(ctx, sub)
		}
	}
	return nil
}

// MarkDelinquent flags the subscription as delinquent after dunning
// exhaustion under the unpaid-state=active policy.
func (s *Service) MarkDelinquent(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	if sub.DelinquentAt != nil {
		return nil
	}
	now := s.clock.Now()
	sub.DelinquentAt = &now
	if err := s.repo.Update(ctx, sub); err != nil {
		return err
	}
	s.log.Warn("subscription marked delinquent", zap.String("subscription_id", sub.ID.String()))
	return nil
}

// ClearDelinquency makes a subscription billable again after dunning was
// exhausted under the unpaid-state=active policy.
func (s *Service) ClearDelinquency(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	if sub.DelinquentAt == nil {
		return subscriptiondomain.ErrNotDelinquent
	}
	sub.DelinquentAt = nil
	if err := s.repo.Update(ctx, sub); err != nil {
		return err
	}
	s.log.Info("subscription delinquency cleared", zap.String("subscription_id", sub.ID.String()))
	return nil
}

// currentBillingPeriod walks the schedule from the subscription start until
// it reaches the period containing now.
func (s *Service) currentBillingPeriod(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) (scheduledomain.BillingPeriod, error) {
	schedule, err := s.scheduleRepo.FindByID(ctx, sub.BillingScheduleID)
	if err != nil {
		return scheduledomain.BillingPeriod{}, err
	}
	strategy, err := s.registry.ResolveSchedule(schedule)
	if err != nil {
		return scheduledomain.BillingPeriod{}, err
	}
	period, err := strategy.GenerateFirstBillingPeriod(sub.StartsAt)
	if err != nil {
		return scheduledomain.BillingPeriod{}, err
	}
	for !period.End.After(now) {
		period, err = strategy.GenerateNextBillingPeriod(sub.StartsAt, period)
		if err != nil {
			return scheduledomain.BillingPeriod{}, err
		}
	}
	return period, nil
}
