// Package repository persists recurring orders and their items.
package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/order/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.RecurringOrder, error) {
	var o domain.RecurringOrder
	err := r.db.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.RecurringOrder, error) {
	if tx == nil {
		tx = r.db
	}
	var o domain.RecurringOrder
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Items").
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *repository) FindOpenOrder(ctx context.Context, customerID, scheduleID snowflake.ID) (*domain.RecurringOrder, error) {
	var o domain.RecurringOrder
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("customer_id = ? AND billing_schedule_id = ? AND state = ?", customerID, scheduleID, domain.StateDraft).
		Order("id").
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *repository) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]*domain.RecurringOrder, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).
		Model(&domain.OrderItem{}).
		Distinct("order_id").
		Where("subscription_id = ?", subscriptionID).
		Pluck("order_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var orders []*domain.RecurringOrder
	err = r.db.WithContext(ctx).
		Preload("Items").
		Where("id IN ?", ids).
		Order("period_start").
		Find(&orders).Error
	return orders, err
}

func (r *repository) Create(ctx context.Context, o *domain.RecurringOrder) error {
	return r.db.WithContext(ctx).Create(o).Error
}

// Update saves the order and its items; gorm stamps UpdatedAt.
func (r *repository) Update(ctx context.Context, o *domain.RecurringOrder) error {
	return r.db.WithContext(ctx).
		Session(&gorm.Session{FullSaveAssociations: true}).
		Save(o).Error
}

func (r *repository) DeleteItem(ctx context.Context, itemID snowflake.ID) error {
	return r.db.WithContext(ctx).Delete(&domain.OrderItem{}, "id = ?", itemID).Error
}
