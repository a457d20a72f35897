package recurring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/internal/billingschedule/plugin"
	schedulerepo "github.com/smallbiznis/rebill/internal/billingschedule/repository"
	"github.com/smallbiznis/rebill/internal/charge"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/dunning"
	"github.com/smallbiznis/rebill/internal/notification"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	orderrepo "github.com/smallbiznis/rebill/internal/order/repository"
	"github.com/smallbiznis/rebill/internal/payment/adapters/fake"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/rebill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/rebill/internal/subscription/service"
	"github.com/smallbiznis/rebill/internal/workflow"
)

var billingStart = time.Date(2019, 2, 10, 0, 0, 0, 0, time.UTC)

type managerFixture struct {
	mgr       *OrderManager
	orders    orderdomain.Repository
	subRepo   subscriptiondomain.Repository
	subSvc    *subscriptionservice.Service
	gateway   *fake.Gateway
	queue     *queue.Memory
	clk       *clock.FakeClock
	node      *snowflake.Node
	schedule  *scheduledomain.BillingSchedule
	schedules schedulerepo.Repository
}

func newManagerFixture(t *testing.T, billingType scheduledomain.BillingType) *managerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&scheduledomain.BillingSchedule{},
		&subscriptiondomain.Subscription{},
		&orderdomain.RecurringOrder{},
		&orderdomain.OrderItem{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	scheduleRepo := schedulerepo.Provide(db)
	schedule := &scheduledomain.BillingSchedule{
		ID:                      node.Generate(),
		Name:                    "monthly",
		BillingType:             billingType,
		SchedulePlugin:          plugin.FixedPluginID,
		ScheduleConfig:          datatypes.JSONMap{"interval": map[string]any{"number": 1, "unit": "month"}},
		ProraterPlugin:          plugin.ProportionalProraterID,
		RetrySchedule:           datatypes.NewJSONSlice([]int{1, 3, 5}),
		UnpaidSubscriptionState: scheduledomain.UnpaidStateCanceled,
	}
	require.NoError(t, scheduleRepo.Create(context.Background(), schedule))

	clk := clock.NewFakeClock(billingStart)
	guards := workflow.NewGuardRegistry()
	dispatcher := workflow.NewDispatcher()
	registry := plugin.NewRegistry()
	subRepo := subscriptionrepo.Provide(db)
	subSvc := subscriptionservice.NewService(
		subRepo, scheduleRepo, registry, guards, dispatcher,
		clk, zap.NewNop(), node, nil,
	)
	orders := orderrepo.Provide(db)
	gateway := fake.New()
	q := queue.NewMemory(clk)
	dun := dunning.NewProcessor(
		orders, subSvc, &notification.Recorder{},
		config.NewStaticDunningConfigHolder(config.DefaultDunningConfig()),
		guards, dispatcher, clk, zap.NewNop(),
	)
	mgr := NewOrderManager(
		orders, subRepo, subSvc, scheduleRepo, registry,
		charge.NewCollector(registry), gateway, dun, q,
		guards, dispatcher, clk, zap.NewNop(), node, nil,
	)
	return &managerFixture{
		mgr:       mgr,
		orders:    orders,
		subRepo:   subRepo,
		subSvc:    subSvc,
		gateway:   gateway,
		queue:     q,
		clk:       clk,
		node:      node,
		schedule:  schedule,
		schedules: scheduleRepo,
	}
}

func (f *managerFixture) createSub(t *testing.T, mutate func(*subscriptiondomain.CreateSubscriptionRequest)) *subscriptiondomain.Subscription {
	t.Helper()
	req := subscriptiondomain.CreateSubscriptionRequest{
		BillingScheduleID: int64(f.schedule.ID),
		PaymentMethodID:   "pm_1",
		PurchasedEntity:   "plan:pro",
		Title:             "Pro plan",
		Quantity:          1,
		UnitPrice:         3000,
		Currency:          "USD",
		StartsAt:          billingStart,
	}
	if mutate != nil {
		mutate(&req)
	}
	sub, err := f.subSvc.Create(context.Background(), req)
	require.NoError(t, err)
	return sub
}

// claimAt advances the clock to at and claims the next available job.
func (f *managerFixture) claimAt(t *testing.T, at time.Time) *queue.Job {
	t.Helper()
	f.clk.Set(at)
	job, err := f.queue.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *managerFixture) jobOrder(t *testing.T, job *queue.Job) *orderdomain.RecurringOrder {
	t.Helper()
	id, err := snowflake.ParseString(job.Payload.Data().OrderID)
	require.NoError(t, err)
	order, err := f.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (f *managerFixture) storedSub(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func TestStartRecurring_OpensProratedFirstOrder(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)

	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	assert.Equal(t, subscriptiondomain.StateActive, sub.State)
	require.NotNil(t, sub.NextRenewalAt)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), *sub.NextRenewalAt)

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobTypeOrderClose, jobs[0].Type)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), jobs[0].AvailableAt)

	order := f.jobOrder(t, jobs[0])
	assert.Equal(t, orderdomain.StateDraft, order.State)
	assert.Equal(t, time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC), order.PeriodStart)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), order.PeriodEnd)
	require.Len(t, order.Items, 1)
	// 19 of 28 days at 3000 minor units, rounded half-up.
	assert.Equal(t, int64(2036), order.Items[0].UnitPrice)
	assert.Equal(t, billingStart, order.Items[0].PeriodStart)
}

func TestStartRecurring_RedeliveryReusesOpenOrder(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)

	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	orders, err := f.orders.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Len(t, orders[0].Items, 1)
	assert.Equal(t, int64(2036), orders[0].Items[0].UnitPrice)
}

func TestCloseOrder_SuccessRenewsAndOpensNextOrder(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)

	order := f.jobOrder(t, job)
	assert.Equal(t, orderdomain.StateCompleted, order.State)
	require.NotNil(t, order.PlacedAt)
	require.NotNil(t, order.CompletedAt)

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pm_1", calls[0].PaymentMethodID)
	assert.Equal(t, int64(2036), calls[0].Amount)

	stored := f.storedSub(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StateActive, stored.State)
	require.NotNil(t, stored.RenewedAt)
	require.NotNil(t, stored.NextRenewalAt)
	assert.Equal(t, time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC), *stored.NextRenewalAt)

	// The next period's order is open and queued for its own close.
	var next *queue.Job
	for _, j := range f.queue.Jobs() {
		if j.State == queue.JobStateQueued {
			next = j
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC), next.AvailableAt)
	nextOrder := f.jobOrder(t, next)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), nextOrder.PeriodStart)
	require.Len(t, nextOrder.Items, 1)
	assert.Equal(t, int64(3000), nextOrder.Items[0].UnitPrice)
}

func TestCloseOrder_DeclineStartsDunningThenRecovers(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	f.gateway.Script(paymentdomain.NewDecline("card_declined", "Card declined"))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultFailure, res.State)
	assert.Equal(t, 24*time.Hour, res.RetryDelay)
	assert.Equal(t, 3, res.MaxRetries)

	order := f.jobOrder(t, job)
	assert.Equal(t, orderdomain.StateNeedsPayment, order.State)

	// The retry succeeds a day later and the subscription rolls forward.
	require.NoError(t, f.queue.RetryAfter(context.Background(), job, res.RetryDelay))
	retry := f.claimAt(t, f.clk.Now().Add(25*time.Hour))
	assert.Equal(t, 1, retry.NumRetries)

	res, err = f.mgr.CloseOrder(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, orderdomain.StateCompleted, f.jobOrder(t, retry).State)
	assert.Equal(t, subscriptiondomain.StateActive, f.storedSub(t, sub.ID).State)
}

func TestCloseOrder_MissingPaymentMethodIsADecline(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, func(req *subscriptiondomain.CreateSubscriptionRequest) {
		req.PaymentMethodID = ""
	})
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, queue.ResultFailure, res.State)
	assert.Equal(t, "Payment method not found.", res.Message)
	assert.Empty(t, f.gateway.Calls())
	assert.Equal(t, orderdomain.StateNeedsPayment, f.jobOrder(t, job).State)
}

func TestCloseOrder_HardFailureCancelsSubscription(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	f.gateway.Script(errors.New("gateway timeout"))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, queue.ResultFailure, res.State)

	assert.Equal(t, orderdomain.StateFailed, f.jobOrder(t, job).State)
	assert.Equal(t, subscriptiondomain.StateCanceled, f.storedSub(t, sub.ID).State)
}

func TestCloseOrder_RedeliveryIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.ResultSuccess, res.State)

	res, err = f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, "order already settled", res.Message)
	assert.Len(t, f.gateway.Calls(), 1)
}

func TestCloseOrder_ScheduledCancellationSettlesFinalOrder(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))
	require.NoError(t, f.subSvc.Cancel(context.Background(), sub, true))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, "final order settled", res.Message)

	assert.Equal(t, orderdomain.StateCompleted, f.jobOrder(t, job).State)
	stored := f.storedSub(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StateCanceled, stored.State)
	require.NotNil(t, stored.EndsAt)

	// Nothing renews: no further close job was queued.
	for _, j := range f.queue.Jobs() {
		assert.NotEqual(t, queue.JobStateQueued, j.State)
	}
}

func TestCloseOrder_OutOfBandCancellationSkipsPayment(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))
	require.NoError(t, f.subSvc.Cancel(context.Background(), sub, false))

	job := f.claimAt(t, time.Date(2019, 3, 1, 0, 0, 1, 0, time.UTC))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, "subscription canceled", res.Message)

	assert.Equal(t, orderdomain.StateCanceled, f.jobOrder(t, job).State)
	assert.Empty(t, f.gateway.Calls())
}

func TestTrialPrepaid_ChargesFirstPeriodOnTrialOrder(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	trialEnd := billingStart.AddDate(0, 0, 10)
	sub := f.createSub(t, func(req *subscriptiondomain.CreateSubscriptionRequest) {
		req.TrialStartsAt = &billingStart
		req.TrialEndsAt = &trialEnd
	})
	require.Equal(t, subscriptiondomain.StateTrial, sub.State)

	require.NoError(t, f.mgr.StartTrial(context.Background(), sub))

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, trialEnd, jobs[0].AvailableAt)

	order := f.jobOrder(t, jobs[0])
	assert.Equal(t, billingStart, order.PeriodStart)
	assert.Equal(t, trialEnd, order.PeriodEnd)
	require.Len(t, order.Items, 1)
	// The trial order carries the first regular period's prorated price.
	assert.Equal(t, int64(2036), order.Items[0].UnitPrice)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), order.Items[0].PeriodEnd)

	// Closing the trial order activates the subscription; the next order
	// spans the second regular period since the first is already paid.
	job := f.claimAt(t, trialEnd.Add(time.Second))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.ResultSuccess, res.State)

	stored := f.storedSub(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StateActive, stored.State)
	require.NotNil(t, stored.NextRenewalAt)
	assert.Equal(t, time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC), *stored.NextRenewalAt)

	var next *queue.Job
	for _, j := range f.queue.Jobs() {
		if j.State == queue.JobStateQueued {
			next = j
		}
	}
	require.NotNil(t, next)
	nextOrder := f.jobOrder(t, next)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), nextOrder.PeriodStart)
	assert.Equal(t, time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC), nextOrder.PeriodEnd)
	require.Len(t, nextOrder.Items, 1)
	assert.Equal(t, int64(3000), nextOrder.Items[0].UnitPrice)
}

func TestTrialPostpaid_FreeTrialThenFirstPeriodBilled(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePostpaid)
	trialEnd := billingStart.AddDate(0, 0, 10)
	sub := f.createSub(t, func(req *subscriptiondomain.CreateSubscriptionRequest) {
		req.TrialStartsAt = &billingStart
		req.TrialEndsAt = &trialEnd
	})

	require.NoError(t, f.mgr.StartTrial(context.Background(), sub))

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	order := f.jobOrder(t, jobs[0])
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(0), order.Items[0].UnitPrice)

	job := f.claimAt(t, trialEnd.Add(time.Second))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.ResultSuccess, res.State)

	// The free trial order settles without touching the gateway.
	assert.Empty(t, f.gateway.Calls())
	assert.Equal(t, orderdomain.StateCompleted, f.jobOrder(t, job).State)
	assert.Equal(t, subscriptiondomain.StateActive, f.storedSub(t, sub.ID).State)

	var next *queue.Job
	for _, j := range f.queue.Jobs() {
		if j.State == queue.JobStateQueued {
			next = j
		}
	}
	require.NotNil(t, next)
	nextOrder := f.jobOrder(t, next)
	assert.Equal(t, time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC), nextOrder.PeriodStart)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), nextOrder.PeriodEnd)
	require.Len(t, nextOrder.Items, 1)
	assert.Equal(t, int64(2036), nextOrder.Items[0].UnitPrice)
}

// Walks a postpaid hourly rolling schedule from activation through a paid
// close, a renewal, and a declined close entering the retry ladder.
func TestPostpaidHourly_RenewalAndDeclineWalk(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePostpaid)
	hourly := &scheduledomain.BillingSchedule{
		ID:             f.node.Generate(),
		Name:           "hourly",
		BillingType:    scheduledomain.BillingTypePostpaid,
		SchedulePlugin: plugin.RollingPluginID,
		ScheduleConfig: datatypes.JSONMap{"interval": map[string]any{"number": 1, "unit": "hour"}},
		ProraterPlugin: plugin.ProportionalProraterID,
		RetrySchedule:  datatypes.NewJSONSlice([]int{1, 3, 5}),
	}
	require.NoError(t, f.schedules.Create(context.Background(), hourly))

	start := time.Date(2019, 2, 10, 14, 24, 0, 0, time.UTC)
	f.clk.Set(start)
	sub := f.createSub(t, func(req *subscriptiondomain.CreateSubscriptionRequest) {
		req.BillingScheduleID = int64(hourly.ID)
		req.StartsAt = start
	})
	require.NoError(t, f.mgr.StartRecurring(context.Background(), sub))

	// Postpaid: the first order accrues the hour at full price, unprorated.
	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	first := f.jobOrder(t, jobs[0])
	assert.Equal(t, start, first.PeriodStart)
	assert.Equal(t, start.Add(time.Hour), first.PeriodEnd)
	require.Len(t, first.Items, 1)
	assert.Equal(t, int64(3000), first.Items[0].UnitPrice)

	job := f.claimAt(t, start.Add(time.Hour))
	res, err := f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.ResultSuccess, res.State)

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(3000), calls[0].Amount)

	stored := f.storedSub(t, sub.ID)
	require.NotNil(t, stored.NextRenewalAt)
	assert.Equal(t, start.Add(2*time.Hour), *stored.NextRenewalAt)

	var next *queue.Job
	for _, j := range f.queue.Jobs() {
		if j.State == queue.JobStateQueued {
			next = j
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, start.Add(2*time.Hour), next.AvailableAt)
	second := f.jobOrder(t, next)
	assert.Equal(t, start.Add(time.Hour), second.PeriodStart)

	// The second close declines and enters the retry ladder.
	f.gateway.Script(paymentdomain.NewDecline("card_declined", "Card declined"))
	job = f.claimAt(t, start.Add(2*time.Hour))
	res, err = f.mgr.CloseOrder(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultFailure, res.State)
	assert.Equal(t, 24*time.Hour, res.RetryDelay)
	assert.Equal(t, 3, res.MaxRetries)
	assert.Equal(t, orderdomain.StateNeedsPayment, f.jobOrder(t, job).State)
}

func TestEnroll_QueuesActivationHandledByActivateJob(t *testing.T) {
	f := newManagerFixture(t, scheduledomain.BillingTypePrepaid)
	sub := f.createSub(t, nil)

	require.NoError(t, f.mgr.Enroll(context.Background(), sub))

	job := f.claimAt(t, billingStart)
	require.Equal(t, queue.JobTypeActivate, job.Type)

	res, err := f.mgr.HandleActivate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, subscriptiondomain.StateActive, f.storedSub(t, sub.ID).State)

	// Redelivery finds the subscription already started.
	res, err = f.mgr.HandleActivate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultSuccess, res.State)
	assert.Equal(t, "subscription already started", res.Message)
}
