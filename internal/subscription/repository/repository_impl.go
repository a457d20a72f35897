// Package repository persists subscription aggregates.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	if tx == nil {
		tx = r.db
	}
	var sub domain.Subscription
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) Create(ctx context.Context, sub *domain.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// Update saves the aggregate; gorm stamps UpdatedAt.
func (r *repository) Update(ctx context.Context, sub *domain.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *repository) ListScheduledChangesDue(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	var candidates []*domain.Subscription
	err := r.db.WithContext(ctx).
		Where("scheduled_changes IS NOT NULL AND scheduled_changes != '' AND scheduled_changes != '[]'").
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	// The JSON column layout differs per dialect, so due filtering happens
	// here rather than in SQL.
	var due []*domain.Subscription
	for _, sub := range candidates {
		if len(sub.DueScheduledChanges(cutoff)) > 0 {
			due = append(due, sub)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}
