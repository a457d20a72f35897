package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	// FindByIDForUpdate reloads the row with a write lock inside tx, the
	// freshness guarantee job processors rely on.
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	// ListScheduledChangesDue returns subscriptions holding at least one
	// queued change scheduled at or before the cutoff.
	ListScheduledChangesDue(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
}
