package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/rebill/internal/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm is a database-backed queue. Claiming locks the row for update so
// concurrent workers never process the same job twice.
type Gorm struct {
	db    *gorm.DB
	clock clock.Clock
}

var _ Queue = (*Gorm)(nil)

func NewGorm(db *gorm.DB, clk clock.Clock) *Gorm {
	return &Gorm{db: db, clock: clk}
}

func (q *Gorm) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = q.clock.Now()
	}
	return q.db.WithContext(ctx).Create(job).Error
}

func (q *Gorm) Claim(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("state = ? AND available_at <= ?", JobStateQueued, q.clock.Now()).
			Order("available_at").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		job.State = JobStateProcessing
		job.UpdatedAt = q.clock.Now()
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Gorm) Ack(ctx context.Context, job *Job, res Result) error {
	state := JobStateFailure
	if res.State == ResultSuccess {
		state = JobStateSuccess
	}
	job.State = state
	job.Message = res.Message
	job.MaxRetries = res.MaxRetries
	job.RetryDelaySeconds = int64(res.RetryDelay / time.Second)
	job.UpdatedAt = q.clock.Now()
	return q.db.WithContext(ctx).Save(job).Error
}

func (q *Gorm) RetryAfter(ctx context.Context, job *Job, d time.Duration) error {
	job.NumRetries++
	job.State = JobStateQueued
	job.AvailableAt = q.clock.Now().Add(d)
	job.UpdatedAt = q.clock.Now()
	return q.db.WithContext(ctx).Save(job).Error
}
