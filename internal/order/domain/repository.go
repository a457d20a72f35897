package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*RecurringOrder, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*RecurringOrder, error)
	// FindOpenOrder returns the draft order accruing charges for the
	// customer on the given schedule, or ErrOrderNotFound.
	FindOpenOrder(ctx context.Context, customerID, scheduleID snowflake.ID) (*RecurringOrder, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]*RecurringOrder, error)
	Create(ctx context.Context, o *RecurringOrder) error
	Update(ctx context.Context, o *RecurringOrder) error
	DeleteItem(ctx context.Context, itemID snowflake.ID) error
}
