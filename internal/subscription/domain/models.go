// Package domain holds the subscription aggregate: lifecycle state driven by
// the workflow engine, billing anchors, and deferred (scheduled) changes.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatePending  = "pending"
	StateTrial    = "trial"
	StateActive   = "active"
	StateCanceled = "canceled"
	StateExpired  = "expired"
)

const (
	TransitionStartTrial = "start_trial"
	TransitionActivate   = "activate"
	TransitionRenew      = "renew"
	TransitionExpire     = "expire"
	TransitionCancel     = "cancel"
)

// FieldState is the scheduled-change field name for lifecycle state.
const FieldState = "state"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrNotDelinquent        = errors.New("subscription is not delinquent")
)

// ScheduledChange records a deferred field update, applied once its
// scheduled time has passed. State changes go through the normal workflow
// transition machinery when applied.
type ScheduledChange struct {
	Field       string    `json:"field"`
	Value       string    `json:"value"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Subscription is the billing agreement for one purchased entity. Orders
// reference the subscription by id; the subscription never owns them.
type Subscription struct {
	ID                snowflake.ID                         `gorm:"primaryKey"`
	StoreID           snowflake.ID                         `gorm:"not null;index"`
	CustomerID        snowflake.ID                         `gorm:"not null;index"`
	BillingScheduleID snowflake.ID                         `gorm:"not null;index"`
	PaymentMethodID   string                               `gorm:"type:text"`
	PurchasedEntity   string                               `gorm:"type:text;not null"`
	Title             string                               `gorm:"type:text;not null"`
	Quantity          int64                                `gorm:"not null;default:1"`
	UnitPrice         int64                                `gorm:"not null"`
	Currency          string                               `gorm:"type:text;not null;default:'USD'"`
	State             string                               `gorm:"type:text;not null;default:'pending'"`
	TrialStartsAt     *time.Time                           `gorm:""`
	TrialEndsAt       *time.Time                           `gorm:""`
	StartsAt          time.Time                            `gorm:"not null"`
	EndsAt            *time.Time                           `gorm:""`
	NextRenewalAt     *time.Time                           `gorm:""`
	RenewedAt         *time.Time                           `gorm:""`
	DelinquentAt      *time.Time                           `gorm:""`
	ScheduledChanges  datatypes.JSONSlice[ScheduledChange] `gorm:""`
	Metadata          datatypes.JSONMap                    `gorm:"type:jsonb"`
	CreatedAt         time.Time                            `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time                            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) HasTrial() bool {
	return s.TrialStartsAt != nil && s.TrialEndsAt != nil
}

// HasScheduledChange reports whether a change for the field/value pair is
// already queued.
func (s *Subscription) HasScheduledChange(field, value string) bool {
	for _, c := range s.ScheduledChanges {
		if c.Field == field && c.Value == value {
			return true
		}
	}
	return false
}

// AddScheduledChange queues a deferred change unless an identical
// field/value pair is already present.
func (s *Subscription) AddScheduledChange(field, value string, at time.Time) {
	if s.HasScheduledChange(field, value) {
		return
	}
	s.ScheduledChanges = append(s.ScheduledChanges, ScheduledChange{
		Field:       field,
		Value:       value,
		ScheduledAt: at.UTC(),
	})
}

// RemoveScheduledChanges drops queued changes for the given field, or all of
// them when no field is given.
func (s *Subscription) RemoveScheduledChanges(fields ...string) {
	if len(fields) == 0 {
		s.ScheduledChanges = nil
		return
	}
	keep := s.ScheduledChanges[:0]
	for _, c := range s.ScheduledChanges {
		matched := false
		for _, f := range fields {
			if c.Field == f {
				matched = true
				break
			}
		}
		if !matched {
			keep = append(keep, c)
		}
	}
	s.ScheduledChanges = keep
}

// DueScheduledChanges returns queued changes whose time has come.
func (s *Subscription) DueScheduledChanges(now time.Time) []ScheduledChange {
	var due []ScheduledChange
	for _, c := range s.ScheduledChanges {
		if !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	return due
}

// SetState assigns the lifecycle state directly. A manual override always
// wins over deferred ones, so queued state changes are dropped.
func (s *Subscription) SetState(state string) {
	s.State = state
	s.RemoveScheduledChanges(FieldState)
}
