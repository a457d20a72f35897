// Package scheduler is the billing worker loop: it claims due jobs from the
// queue, dispatches them to the recurring order manager, and sweeps deferred
// subscription changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/rebill/internal/clock"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

// JobHandler processes the billing queue's job types. The recurring order
// manager is the production implementation.
type JobHandler interface {
	CloseOrder(ctx context.Context, job *queue.Job) (queue.Result, error)
	HandleActivate(ctx context.Context, job *queue.Job) (queue.Result, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Queue   queue.Queue
	Handler JobHandler
	SubRepo subscriptiondomain.Repository
	SubSvc  subscriptiondomain.Service
	Locker  *Locker `optional:"true"`
	Clock   clock.Clock
	Config  Config `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	queue   queue.Queue
	handler JobHandler
	subRepo subscriptiondomain.Repository
	subSvc  subscriptiondomain.Service
	locker  *Locker
	clock   clock.Clock
	cfg     Config
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Queue == nil || p.Handler == nil || p.SubRepo == nil || p.SubSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		queue:   p.Queue,
		handler: p.Handler,
		subRepo: p.SubRepo,
		subSvc:  p.SubSvc,
		locker:  p.Locker,
		clock:   p.Clock,
		cfg:     p.Config.withDefaults(),
	}, nil
}

// RunForever ticks the worker until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	if err := s.Run(ctx); err != nil {
		s.log.Error("worker pass failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				s.log.Error("worker pass failed", zap.Error(err))
			}
		}
	}
}

// Run performs one worker pass: take the cross-replica lock when configured,
// sweep due scheduled changes, then drain the queue up to the batch size.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, schedulerLockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			s.log.Debug("scheduler lock held elsewhere, skipping pass")
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, schedulerLockKey, token); err != nil {
				s.log.Warn("release scheduler lock failed", zap.Error(err))
			}
		}()
	}

	s.sweepScheduledChanges(ctx)
	return s.drainQueue(ctx)
}

// sweepScheduledChanges applies deferred subscription changes that have come
// due, independent of any order closing.
func (s *Scheduler) sweepScheduledChanges(ctx context.Context) {
	now := s.clock.Now()
	subs, err := s.subRepo.ListScheduledChangesDue(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		s.log.Error("list due scheduled changes failed", zap.Error(err))
		return
	}
	for _, sub := range subs {
		if err := s.subSvc.ApplyScheduledChanges(ctx, sub); err != nil {
			s.log.Error("apply scheduled changes failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
			continue
		}
		obsmetrics.Worker().IncSweepApplied()
	}
}

func (s *Scheduler) drainQueue(ctx context.Context) error {
	for i := 0; i < s.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := s.queue.Claim(ctx)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if job == nil {
			return nil
		}
		s.process(ctx, job)
	}
	return nil
}

// process runs one claimed job and settles it: a failure carrying a retry
// delay goes back on the queue while attempts remain, everything else is
// acked with its result.
func (s *Scheduler) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	res, err := s.dispatch(jobCtx, job)
	cancel()
	m := obsmetrics.Worker()
	m.ObserveJobDuration(job.Type, time.Since(start))

	if err != nil {
		s.log.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("num_retries", job.NumRetries),
			zap.Error(err))
	}
	if res.State == "" {
		res = queue.Result{State: queue.ResultFailure, Message: fmt.Sprintf("unhandled error: %v", err)}
	}

	if res.State == queue.ResultFailure && res.RetryDelay > 0 && job.NumRetries < res.MaxRetries {
		job.MaxRetries = res.MaxRetries
		job.RetryDelaySeconds = int64(res.RetryDelay / time.Second)
		job.Message = res.Message
		if err := s.queue.RetryAfter(ctx, job, res.RetryDelay); err != nil {
			s.log.Error("requeue job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		m.IncJobRun(job.Type, obsmetrics.JobResultRetry)
		s.log.Info("job requeued",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("num_retries", job.NumRetries),
			zap.Duration("retry_delay", res.RetryDelay))
		return
	}

	if err := s.queue.Ack(ctx, job, res); err != nil {
		s.log.Error("ack job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	label := obsmetrics.JobResultSuccess
	if res.State != queue.ResultSuccess {
		label = obsmetrics.JobResultFailure
	}
	m.IncJobRun(job.Type, label)
}

func (s *Scheduler) dispatch(ctx context.Context, job *queue.Job) (queue.Result, error) {
	switch job.Type {
	case queue.JobTypeOrderClose:
		return s.handler.CloseOrder(ctx, job)
	case queue.JobTypeActivate:
		return s.handler.HandleActivate(ctx, job)
	case queue.JobTypeScheduledChanges:
		return s.applyScheduledChanges(ctx, job)
	default:
		return queue.Result{
			State:   queue.ResultFailure,
			Message: fmt.Sprintf("unknown job type %q", job.Type),
		}, nil
	}
}

func (s *Scheduler) applyScheduledChanges(ctx context.Context, job *queue.Job) (queue.Result, error) {
	sub, err := s.subSvc.GetByID(ctx, job.Payload.Data().SubscriptionID)
	if err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	if err := s.subSvc.ApplyScheduledChanges(ctx, sub); err != nil {
		return queue.Result{State: queue.ResultFailure, Message: err.Error()}, err
	}
	obsmetrics.Worker().IncSweepApplied()
	return queue.Result{State: queue.ResultSuccess}, nil
}
