package migration

import (
	scheduledomain "github.com/smallbiznis/rebill/internal/billingschedule/domain"
	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
	"github.com/smallbiznis/rebill/internal/queue"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"gorm.io/gorm"
)

// AutoMigrate derives the schema from the models, for dialects the SQL
// migrations do not cover.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&scheduledomain.BillingSchedule{},
		&subscriptiondomain.Subscription{},
		&orderdomain.RecurringOrder{},
		&orderdomain.OrderItem{},
		&queue.Job{},
	)
}
