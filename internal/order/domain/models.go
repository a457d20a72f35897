// Package domain holds the recurring order aggregate: one order per billing
// period (or per customer+schedule when subscriptions are combined), with
// order items carrying the charged and full billing periods.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/workflow"
)

const (
	StateDraft        = "draft"
	StateNeedsPayment = "needs_payment"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateCanceled     = "canceled"
)

const (
	TransitionPlace    = "place"
	TransitionMarkPaid = "mark_paid"
	TransitionFail     = "fail"
	TransitionCancel   = "cancel"
)

// WorkflowGroup scopes recurring order guards and transition events.
const WorkflowGroup = "recurring_order"

var (
	ErrOrderNotFound   = errors.New("recurring order not found")
	ErrOrderNotOpen    = errors.New("recurring order is not open")
	ErrNothingToCharge = errors.New("no charges for billing period")
)

// RecurringOrder accrues the charges of one billing period and is placed for
// payment when the period closes.
type RecurringOrder struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	StoreID           snowflake.ID `gorm:"not null;index"`
	CustomerID        snowflake.ID `gorm:"not null;index"`
	BillingScheduleID snowflake.ID `gorm:"not null;index"`
	State             string       `gorm:"type:text;not null;default:'draft'"`
	Currency          string       `gorm:"type:text;not null;default:'USD'"`
	PeriodStart       time.Time    `gorm:"not null"`
	PeriodEnd         time.Time    `gorm:"not null"`
	PlacedAt          *time.Time   `gorm:""`
	CompletedAt       *time.Time   `gorm:""`
	FailedAt          *time.Time   `gorm:""`
	Items             []OrderItem  `gorm:"foreignKey:OrderID"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RecurringOrder) TableName() string { return "recurring_orders" }

// OrderItem is one charge landed on an order. PeriodStart/End is the charged
// (possibly clipped) interval; FullPeriodStart/End the unclipped one the
// proration ratio was computed against.
type OrderItem struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrderID         snowflake.ID `gorm:"not null;index"`
	SubscriptionID  snowflake.ID `gorm:"not null;index"`
	PurchasedEntity string       `gorm:"type:text;not null"`
	Title           string       `gorm:"type:text;not null"`
	Quantity        int64        `gorm:"not null;default:1"`
	UnitPrice       int64        `gorm:"not null"`
	Currency        string       `gorm:"type:text;not null"`
	PeriodStart     time.Time    `gorm:"not null"`
	PeriodEnd       time.Time    `gorm:"not null"`
	FullPeriodStart time.Time    `gorm:"not null"`
	FullPeriodEnd   time.Time    `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "recurring_order_items" }

// Total is the item price: unit price times quantity.
func (i *OrderItem) Total() int64 { return i.UnitPrice * i.Quantity }

// Total sums all item totals.
func (o *RecurringOrder) Total() int64 {
	var sum int64
	for _, it := range o.Items {
		sum += it.Total()
	}
	return sum
}

// IsOpen reports whether the order still accrues charges.
func (o *RecurringOrder) IsOpen() bool { return o.State == StateDraft }

// IsPlaceable reports whether closing the order may attempt payment. Job
// redelivery hits completed or failed orders; those must no-op.
func (o *RecurringOrder) IsPlaceable() bool {
	return o.State == StateDraft || o.State == StateNeedsPayment
}

// BuildWorkflow defines the recurring order state machine:
//
//	draft --place--> needs_payment --mark_paid--> completed
//	needs_payment --fail--> failed
//	draft|needs_payment --cancel--> canceled
func BuildWorkflow(reg *workflow.GuardRegistry) *workflow.Workflow {
	w := workflow.New("recurring_order_default", WorkflowGroup, reg)
	for _, s := range []struct{ id, label string }{
		{StateDraft, "Draft"},
		{StateNeedsPayment, "Needs payment"},
		{StateCompleted, "Completed"},
		{StateFailed, "Failed"},
		{StateCanceled, "Canceled"},
	} {
		if err := w.AddState(s.id, s.label); err != nil {
			panic(err)
		}
	}
	for _, t := range []struct {
		id, label string
		from      []string
		to        string
	}{
		{TransitionPlace, "Place", []string{StateDraft}, StateNeedsPayment},
		{TransitionMarkPaid, "Mark paid", []string{StateNeedsPayment}, StateCompleted},
		{TransitionFail, "Fail", []string{StateNeedsPayment}, StateFailed},
		{TransitionCancel, "Cancel", []string{StateDraft, StateNeedsPayment}, StateCanceled},
	} {
		if err := w.AddTransition(t.id, t.label, t.from, t.to); err != nil {
			panic(err)
		}
	}
	return w
}
