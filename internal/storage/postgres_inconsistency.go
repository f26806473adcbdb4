package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// SaveInconsistencyIfAbsent stores a reported inconsistency once per event id, so
// redeliveries of the same report do not multiply rows.
func (r *PostgresRepo) SaveInconsistencyIfAbsent(ctx context.Context, rec model.Inconsistency) (*model.Inconsistency, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if rec.EventID == "" {
		return nil, fmt.Errorf("%w: inconsistency without event id", apperrors.ErrValidation)
	}
	rec.BusinessID = businessID

	var stored model.Inconsistency
	operation := func() error {
		return r.withTx(ctx, func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}},
				DoNothing: true,
			}).Create(&rec).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Where("event_id = ?", rec.EventID).First(&stored).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveInconsistencyIfAbsent", operation)
	observer.ObserveDbOperationDuration("save", "inconsistency", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// RecordInconsistencyAttempt bumps the attempt counter after a failed repair.
func (r *PostgresRepo) RecordInconsistencyAttempt(ctx context.Context, eventID string, lastErr string) error {
	return r.updateInconsistency(ctx, "record_attempt", eventID, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastErr,
	})
}

// MarkInconsistencyResolved closes the record.
func (r *PostgresRepo) MarkInconsistencyResolved(ctx context.Context, eventID string, notes string) error {
	return r.updateInconsistency(ctx, "mark_resolved", eventID, map[string]interface{}{
		"resolved":    true,
		"resolved_at": utils.Now(),
		"notes":       notes,
	})
}

func (r *PostgresRepo) updateInconsistency(ctx context.Context, op, eventID string, values map[string]interface{}) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		result := r.db.WithContext(ctx).
			Model(&model.Inconsistency{}).
			Where("event_id = ? AND business_id = ?", eventID, businessID).
			Updates(values)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: inconsistency %s", apperrors.ErrNotFound, eventID)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), op, operation)
	observer.ObserveDbOperationDuration(op, "inconsistency", businessID, time.Since(start), err)
	return err
}

// FindUnresolvedInconsistencies lists open records, oldest first, for operators.
func (r *PostgresRepo) FindUnresolvedInconsistencies(ctx context.Context, limit int) ([]model.Inconsistency, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var recs []model.Inconsistency
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("business_id = ? AND resolved = ?", businessID, false).
			Order("created_at ASC").
			Limit(limit).
			Find(&recs)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindUnresolvedInconsistencies", operation)
	observer.ObserveDbOperationDuration("find_unresolved", "inconsistency", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return recs, nil
}
