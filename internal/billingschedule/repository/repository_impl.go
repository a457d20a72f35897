// Package repository persists billing schedule configuration.
package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, id snowflake.ID) (*domain.BillingSchedule, error)
	Create(ctx context.Context, s *domain.BillingSchedule) error
	Update(ctx context.Context, s *domain.BillingSchedule) error
}

type repository struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.BillingSchedule, error) {
	var s domain.BillingSchedule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *repository) Create(ctx context.Context, s *domain.BillingSchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrScheduleExists
		}
		return err
	}
	return nil
}

func (r *repository) Update(ctx context.Context, s *domain.BillingSchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(s).Error
}
