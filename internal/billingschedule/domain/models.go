// Package domain holds the billing schedule configuration aggregate and the
// strategy contracts for period generation and proration.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingType says whether a period is charged before or after it elapses.
type BillingType string

const (
	BillingTypePrepaid  BillingType = "prepaid"
	BillingTypePostpaid BillingType = "postpaid"
)

// UnpaidSubscriptionState is the terminal dunning policy: what happens to a
// subscription once the retry schedule is exhausted.
type UnpaidSubscriptionState string

const (
	UnpaidStateCanceled UnpaidSubscriptionState = "canceled"
	UnpaidStateActive   UnpaidSubscriptionState = "active"
)

var (
	ErrInvalidBillingType   = errors.New("invalid billing type")
	ErrInvalidRetrySchedule = errors.New("retry schedule must contain 1..N positive day counts")
	ErrInvalidUnpaidState   = errors.New("invalid unpaid subscription state")
	ErrUnknownPlugin        = errors.New("unknown billing schedule plugin")
	ErrTrialNotSupported    = errors.New("billing schedule does not support trials")
	ErrScheduleNotFound     = errors.New("billing schedule not found")
	ErrScheduleExists       = errors.New("billing schedule name already in use")
)

// BillingSchedule configures how subscriptions attached to it are billed:
// the period-generation plugin, the prorater, and the dunning retry policy.
type BillingSchedule struct {
	ID                      snowflake.ID             `gorm:"primaryKey"`
	Name                    string                   `gorm:"type:text;not null;uniqueIndex"`
	BillingType             BillingType              `gorm:"type:text;not null;default:'prepaid'"`
	SchedulePlugin          string                   `gorm:"type:text;not null"`
	ScheduleConfig          datatypes.JSONMap        `gorm:"type:jsonb;not null;default:'{}'"`
	ProraterPlugin          string                   `gorm:"type:text;not null;default:'proportional'"`
	ProraterConfig          datatypes.JSONMap        `gorm:"type:jsonb;not null;default:'{}'"`
	RetrySchedule           datatypes.JSONSlice[int] `gorm:"not null"`
	UnpaidSubscriptionState UnpaidSubscriptionState  `gorm:"type:text;not null;default:'canceled'"`
	CombineSubscriptions    bool                     `gorm:"not null;default:false"`
	CreatedAt               time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingSchedule) TableName() string { return "billing_schedules" }

func (s *BillingSchedule) Validate() error {
	switch s.BillingType {
	case BillingTypePrepaid, BillingTypePostpaid:
	default:
		return ErrInvalidBillingType
	}
	switch s.UnpaidSubscriptionState {
	case UnpaidStateCanceled, UnpaidStateActive:
	case "":
		// The column default never reaches the in-memory struct, so the
		// zero value takes the documented default here.
		s.UnpaidSubscriptionState = UnpaidStateCanceled
	default:
		return ErrInvalidUnpaidState
	}
	// An empty retry schedule is valid: dunning falls back to the
	// operator-level defaults.
	for _, days := range s.RetrySchedule {
		if days <= 0 {
			return ErrInvalidRetrySchedule
		}
	}
	return nil
}

// MaxRetries is the number of automatic payment retries before the terminal
// policy applies.
func (s *BillingSchedule) MaxRetries() int { return len(s.RetrySchedule) }
