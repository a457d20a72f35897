package scheduler

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
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/rebill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/rebill/internal/subscription/service"
	"github.com/smallbiznis/rebill/internal/workflow"
)

// stubHandler scripts job results and counts dispatches.
type stubHandler struct {
	closeRes      queue.Result
	closeErr      error
	closeCalls    int
	activateCalls int
}

func (h *stubHandler) CloseOrder(context.Context, *queue.Job) (queue.Result, error) {
	h.closeCalls++
	return h.closeRes, h.closeErr
}

func (h *stubHandler) HandleActivate(context.Context, *queue.Job) (queue.Result, error) {
	h.activateCalls++
	return queue.Result{State: queue.ResultSuccess}, nil
}

type schedulerFixture struct {
	sched    *Scheduler
	handler  *stubHandler
	queue    *queue.Memory
	subRepo  subscriptiondomain.Repository
	subSvc   *subscriptionservice.Service
	clk      *clock.FakeClock
	node     *snowflake.Node
	schedule *scheduledomain.BillingSchedule
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&scheduledomain.BillingSchedule{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	scheduleRepo := schedulerepo.Provide(db)
	schedule := &scheduledomain.BillingSchedule{
		ID:             node.Generate(),
		Name:           "monthly",
		BillingType:    scheduledomain.BillingTypePrepaid,
		SchedulePlugin: plugin.FixedPluginID,
		ScheduleConfig: datatypes.JSONMap{"interval": map[string]any{"number": 1, "unit": "month"}},
		ProraterPlugin: plugin.ProportionalProraterID,
		RetrySchedule:  datatypes.NewJSONSlice([]int{1, 3, 5}),
	}
	require.NoError(t, scheduleRepo.Create(context.Background(), schedule))

	clk := clock.NewFakeClock(time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC))
	subRepo := subscriptionrepo.Provide(db)
	subSvc := subscriptionservice.NewService(
		subRepo, scheduleRepo, plugin.NewRegistry(),
		workflow.NewGuardRegistry(), workflow.NewDispatcher(),
		clk, zap.NewNop(), node, nil,
	)
	handler := &stubHandler{closeRes: queue.Result{State: queue.ResultSuccess}}
	q := queue.NewMemory(clk)
	sched, err := New(Params{
		Log:     zap.NewNop(),
		Queue:   q,
		Handler: handler,
		SubRepo: subRepo,
		SubSvc:  subSvc,
		Clock:   clk,
		Config:  Config{BatchSize: 10, SweepBatch: 10},
	})
	require.NoError(t, err)
	return &schedulerFixture{
		sched:    sched,
		handler:  handler,
		queue:    q,
		subRepo:  subRepo,
		subSvc:   subSvc,
		clk:      clk,
		node:     node,
		schedule: schedule,
	}
}

func (f *schedulerFixture) enqueue(t *testing.T, jobType string, availableAt time.Time, payload queue.Payload) *queue.Job {
	t.Helper()
	job := &queue.Job{
		Type:        jobType,
		Payload:     datatypes.NewJSONType(payload),
		AvailableAt: availableAt,
	}
	require.NoError(t, f.queue.Enqueue(context.Background(), job))
	return job
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_DispatchesDueJobsByType(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now()

	closeJob := f.enqueue(t, queue.JobTypeOrderClose, now, queue.Payload{OrderID: "1"})
	activateJob := f.enqueue(t, queue.JobTypeActivate, now, queue.Payload{SubscriptionID: "1"})
	future := f.enqueue(t, queue.JobTypeOrderClose, now.Add(time.Hour), queue.Payload{OrderID: "2"})

	require.NoError(t, f.sched.Run(context.Background()))

	assert.Equal(t, 1, f.handler.closeCalls)
	assert.Equal(t, 1, f.handler.activateCalls)
	assert.Equal(t, queue.JobStateSuccess, closeJob.State)
	assert.Equal(t, queue.JobStateSuccess, activateJob.State)
	assert.Equal(t, queue.JobStateQueued, future.State)

	// The future job runs once its time comes.
	f.clk.Advance(2 * time.Hour)
	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, 2, f.handler.closeCalls)
	assert.Equal(t, queue.JobStateSuccess, future.State)
}

func TestRun_RequeuesRetriableFailures(t *testing.T) {
	f := newSchedulerFixture(t)
	f.handler.closeRes = queue.Result{
		State:      queue.ResultFailure,
		Message:    "card declined",
		MaxRetries: 2,
		RetryDelay: 24 * time.Hour,
	}
	job := f.enqueue(t, queue.JobTypeOrderClose, f.clk.Now(), queue.Payload{OrderID: "1"})

	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, queue.JobStateQueued, job.State)
	assert.Equal(t, 1, job.NumRetries)
	assert.Equal(t, "card declined", job.Message)
	assert.Equal(t, f.clk.Now().Add(24*time.Hour), job.AvailableAt)

	// Second attempt exhausts MaxRetries and the job is acked as failed.
	f.clk.Advance(25 * time.Hour)
	require.NoError(t, f.sched.Run(context.Background()))
	require.Equal(t, 2, job.NumRetries)
	f.clk.Advance(25 * time.Hour)
	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, queue.JobStateFailure, job.State)
	assert.Equal(t, 3, f.handler.closeCalls)
}

func TestRun_AcksFailureWithoutRetryDelay(t *testing.T) {
	f := newSchedulerFixture(t)
	f.handler.closeRes = queue.Result{}
	f.handler.closeErr = errors.New("boom")
	job := f.enqueue(t, queue.JobTypeOrderClose, f.clk.Now(), queue.Payload{OrderID: "1"})

	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, queue.JobStateFailure, job.State)
	assert.Contains(t, job.Message, "boom")
}

func TestRun_AcksUnknownJobType(t *testing.T) {
	f := newSchedulerFixture(t)
	job := f.enqueue(t, "mystery", f.clk.Now(), queue.Payload{})

	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, queue.JobStateFailure, job.State)
	assert.Contains(t, job.Message, "unknown job type")
}

func TestRun_SweepAppliesDueScheduledChanges(t *testing.T) {
	f := newSchedulerFixture(t)
	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		BillingScheduleID: f.schedule.ID,
		PurchasedEntity:   "plan:pro",
		Title:             "Pro plan",
		Quantity:          1,
		UnitPrice:         3000,
		Currency:          "USD",
		State:             subscriptiondomain.StateActive,
		StartsAt:          time.Date(2019, 2, 10, 0, 0, 0, 0, time.UTC),
		ScheduledChanges: datatypes.NewJSONSlice([]subscriptiondomain.ScheduledChange{{
			Field:       subscriptiondomain.FieldState,
			Value:       subscriptiondomain.StateCanceled,
			ScheduledAt: time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
		}}),
	}
	require.NoError(t, f.subRepo.Create(context.Background(), sub))

	require.NoError(t, f.sched.Run(context.Background()))

	stored, err := f.subRepo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StateCanceled, stored.State)
	require.NotNil(t, stored.EndsAt)
	assert.Empty(t, stored.ScheduledChanges)
}

func TestRun_ScheduledChangesJobAppliesChanges(t *testing.T) {
	f := newSchedulerFixture(t)
	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		BillingScheduleID: f.schedule.ID,
		PurchasedEntity:   "plan:pro",
		Title:             "Pro plan",
		Quantity:          1,
		UnitPrice:         3000,
		Currency:          "USD",
		State:             subscriptiondomain.StateActive,
		StartsAt:          time.Date(2019, 2, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.subRepo.Create(context.Background(), sub))

	job := f.enqueue(t, queue.JobTypeScheduledChanges, f.clk.Now(), queue.Payload{
		SubscriptionID: sub.ID.String(),
	})
	require.NoError(t, f.sched.Run(context.Background()))
	assert.Equal(t, queue.JobStateSuccess, job.State)
}
