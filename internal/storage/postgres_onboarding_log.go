package storage

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// SaveOnboardingLog appends one onboarding transition.
func (r *PostgresRepo) SaveOnboardingLog(ctx context.Context, entry model.OnboardingLog) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}
	entry.BusinessID = businessID
	if err := validator.Validate(entry); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(&entry).Error)
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveOnboardingLog", operation)
	observer.ObserveDbOperationDuration("save", "onboarding_log", businessID, time.Since(start), err)
	return err
}

// FindOnboardingLogsByCustomerID returns the customer's transitions, oldest first.
func (r *PostgresRepo) FindOnboardingLogsByCustomerID(ctx context.Context, customerID string) ([]model.OnboardingLog, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var entries []model.OnboardingLog
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("customer_id = ? AND business_id = ?", customerID, businessID).
			Order("id ASC").
			Find(&entries)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindOnboardingLogsByCustomerID", operation)
	observer.ObserveDbOperationDuration("find_by_customer", "onboarding_log", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
