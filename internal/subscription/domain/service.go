package domain

import (
	"context"
	"time"
)

// LifecycleListener exposes one callback per subscription lifecycle point.
// The orchestrator and subscription service invoke these synchronously;
// downstream extensions (entitlements, analytics, mail) hang off them.
type LifecycleListener interface {
	OnSubscriptionCreate(ctx context.Context, sub *Subscription)
	OnSubscriptionTrialStart(ctx context.Context, sub *Subscription)
	OnSubscriptionTrialCancel(ctx context.Context, sub *Subscription)
	OnSubscriptionActivate(ctx context.Context, sub *Subscription)
	OnSubscriptionRenew(ctx context.Context, sub *Subscription)
	OnSubscriptionExpire(ctx context.Context, sub *Subscription)
	OnSubscriptionCancel(ctx context.Context, sub *Subscription)
}

// NopListener implements LifecycleListener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnSubscriptionCreate(context.Context, *Subscription)      {}
func (NopListener) OnSubscriptionTrialStart(context.Context, *Subscription)  {}
func (NopListener) OnSubscriptionTrialCancel(context.Context, *Subscription) {}
func (NopListener) OnSubscriptionActivate(context.Context, *Subscription)    {}
func (NopListener) OnSubscriptionRenew(context.Context, *Subscription)       {}
func (NopListener) OnSubscriptionExpire(context.Context, *Subscription)      {}
func (NopListener) OnSubscriptionCancel(context.Context, *Subscription)      {}

type CreateSubscriptionRequest struct {
	StoreID           int64
	CustomerID        int64
	BillingScheduleID int64
	PaymentMethodID   string
	PurchasedEntity   string
	Title             string
	Quantity          int64
	UnitPrice         int64
	Currency          string
	StartsAt          time.Time
	EndsAt            *time.Time
	TrialStartsAt     *time.Time
	TrialEndsAt       *time.Time
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)

	// Transition applies a workflow transition by id and persists the
	// subscription, firing pre/post transition events around the save.
	Transition(ctx context.Context, sub *Subscription, transitionID string) error

	// Cancel cancels now, or queues a cancellation at the end of the
	// current billing period when scheduled is true.
	Cancel(ctx context.Context, sub *Subscription, scheduled bool) error

	// ApplyScheduledChanges applies every queued change that has come due.
	ApplyScheduledChanges(ctx context.Context, sub *Subscription) error

	// MarkDelinquent flags the subscription after dunning exhaustion under
	// the unpaid-state=active policy. Automatic dunning stops; only
	// ClearDelinquency makes the subscription billable again.
	MarkDelinquent(ctx context.Context, sub *Subscription) error

	// ClearDelinquency makes an exhausted-dunning subscription billable
	// again. Fails unless the subscription is delinquent.
	ClearDelinquency(ctx context.Context, sub *Subscription) error
}
