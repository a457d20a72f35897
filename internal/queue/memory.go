package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/rebill/internal/clock"
)

// Memory is an in-process queue for tests and single-node deployments.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	jobs  []*Job
}

var _ Queue = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk}
}

func (q *Memory) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = q.clock.Now()
	}
	job.CreatedAt = q.clock.Now()
	job.UpdatedAt = job.CreatedAt
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *Memory) Claim(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, job := range q.jobs {
		if job.State == JobStateQueued && !job.AvailableAt.After(now) {
			job.State = JobStateProcessing
			job.UpdatedAt = now
			return job, nil
		}
	}
	return nil, nil
}

func (q *Memory) Ack(_ context.Context, job *Job, res Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch res.State {
	case ResultSuccess:
		job.State = JobStateSuccess
	default:
		job.State = JobStateFailure
	}
	job.Message = res.Message
	job.MaxRetries = res.MaxRetries
	job.RetryDelaySeconds = int64(res.RetryDelay / time.Second)
	job.UpdatedAt = q.clock.Now()
	return nil
}

func (q *Memory) RetryAfter(_ context.Context, job *Job, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.NumRetries++
	job.State = JobStateQueued
	job.AvailableAt = q.clock.Now().Add(d)
	job.UpdatedAt = q.clock.Now()
	return nil
}

// Jobs returns a snapshot, newest last. Test helper.
func (q *Memory) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
