// Package queue defines the at-least-once task queue the billing workers
// pull from, with in-memory and database-backed implementations. The only
// semantics the engine relies on is "a job is not claimable before its
// available time".
package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

const (
	JobTypeOrderClose       = "recurring_order_close"
	JobTypeActivate         = "subscription_activate"
	JobTypeScheduledChanges = "subscription_scheduled_changes"
)

type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateSuccess    JobState = "success"
	JobStateFailure    JobState = "failure"
)

type ResultState string

const (
	ResultSuccess ResultState = "SUCCESS"
	ResultFailure ResultState = "FAILURE"
)

var ErrJobNotFound = errors.New("queue job not found")

// Payload identifies the aggregate a job operates on. Jobs reload the
// aggregate when processed, so the payload stays a reference, never a copy.
type Payload struct {
	OrderID        string `json:"order_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Job is one unit of work. NumRetries counts completed attempts;
// AvailableAt gates claiming.
type Job struct {
	ID                string                      `gorm:"primaryKey;type:text"`
	Type              string                      `gorm:"type:text;not null;index"`
	Payload           datatypes.JSONType[Payload] `gorm:"not null"`
	State             JobState                    `gorm:"type:text;not null;default:'queued';index"`
	NumRetries        int                         `gorm:"not null;default:0"`
	MaxRetries        int                         `gorm:"not null;default:0"`
	RetryDelaySeconds int64                       `gorm:"not null;default:0"`
	Message           string                      `gorm:"type:text"`
	AvailableAt       time.Time                   `gorm:"not null;index"`
	CreatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "queue_jobs" }

// Result is what a job handler reports back to the queue.
type Result struct {
	State      ResultState
	Message    string
	MaxRetries int
	RetryDelay time.Duration
}

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Claim returns the next queued job whose available time has passed,
	// marking it processing. Returns nil when nothing is claimable.
	Claim(ctx context.Context) (*Job, error)
	// Ack finalizes a claimed job with the handler's result.
	Ack(ctx context.Context, job *Job, res Result) error
	// RetryAfter requeues a claimed job, counting the attempt and delaying
	// availability by d from now.
	RetryAfter(ctx context.Context, job *Job, d time.Duration) error
}
