package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// CreateCustomer inserts a new customer. A concurrent insert for the same address
// surfaces as apperrors.ErrDuplicate.
func (r *PostgresRepo) CreateCustomer(ctx context.Context, customer model.Customer) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}
	if customer.BusinessID != businessID {
		return fmt.Errorf("%w: customer business %s does not match context business %s", apperrors.ErrBadRequest, customer.BusinessID, businessID)
	}
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(&customer).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CreateCustomer", operation)
	observer.ObserveDbOperationDuration("create", "customer", businessID, time.Since(start), err)
	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		logger.FromContext(ctx).Error("Failed to create customer", zap.Error(err))
	}
	return err
}

// UpdateCustomer writes the onboarding columns of an existing customer.
func (r *PostgresRepo) UpdateCustomer(ctx context.Context, customer model.Customer) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"display_name":     customer.DisplayName,
		"contact_email":    customer.ContactEmail,
		"onboarding_state": customer.OnboardingState,
		"updated_at":       utils.Now(),
	}
	if len(customer.LastMetadata) > 0 {
		values["last_metadata"] = customer.LastMetadata
	}

	operation := func() error {
		result := r.db.WithContext(ctx).
			Model(&model.Customer{}).
			Where("id = ? AND business_id = ?", customer.ID, businessID).
			Updates(values)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, customer.ID)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateCustomer", operation)
	observer.ObserveDbOperationDuration("update", "customer", businessID, time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update customer", zap.String("customer_id", customer.ID), zap.Error(err))
	}
	return err
}

// FindCustomerByPhone returns apperrors.ErrNotFound for an unseen address.
func (r *PostgresRepo) FindCustomerByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var customer model.Customer
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("business_id = ? AND phone_number = ?", businessID, phone).
			First(&customer)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, utils.MaskPhone(phone))
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindCustomerByPhone", operation)
	observer.ObserveDbOperationDuration("find_by_phone", "customer", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// DeleteCustomerCascade removes the customer and everything hanging off it in one transaction.
func (r *PostgresRepo) DeleteCustomerCascade(ctx context.Context, phone string) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		return r.withTx(ctx, func(tx *gorm.DB) error {
			var customer model.Customer
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ? AND phone_number = ?", businessID, phone).
				First(&customer).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: customer %s", apperrors.ErrNotFound, utils.MaskPhone(phone))
				}
				return fmt.Errorf("%w: failed to lock customer row: %w", apperrors.ErrDatabase, err)
			}

			for _, dependent := range []interface{}{
				&model.ConversationTurn{},
				&model.Appointment{},
				&model.OnboardingLog{},
			} {
				if err := tx.Where("customer_id = ?", customer.ID).Delete(dependent).Error; err != nil {
					return checkConstraintViolation(err)
				}
			}
			if err := tx.Delete(&model.Customer{}, "id = ?", customer.ID).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteCustomerCascade", operation)
	observer.ObserveDbOperationDuration("delete_cascade", "customer", businessID, time.Since(start), err)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		logger.FromContext(ctx).Error("Failed to delete customer", zap.Error(err))
	}
	return err
}
