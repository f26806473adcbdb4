package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// CreateAppointment inserts a confirmed appointment. The insert is attempted once:
// a retried insert whose first attempt committed would come back as a duplicate and
// be mistaken for a slot conflict.
func (r *PostgresRepo) CreateAppointment(ctx context.Context, appt model.Appointment) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}
	if appt.BusinessID != businessID {
		return fmt.Errorf("%w: appointment business %s does not match context business %s", apperrors.ErrBadRequest, appt.BusinessID, businessID)
	}
	if appt.ExternalEventID == "" {
		return fmt.Errorf("%w: appointment without calendar event", apperrors.ErrValidation)
	}

	start := utils.Now()
	err = checkConstraintViolation(r.db.WithContext(ctx).Create(&appt).Error)
	observer.ObserveDbOperationDuration("create", "appointment", businessID, time.Since(start), err)
	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		logger.FromContext(ctx).Error("Failed to create appointment", zap.String("appointment_id", appt.ID), zap.Error(err))
	}
	return err
}

// UpdateAppointmentTimes moves an appointment. Moving onto a taken slot yields apperrors.ErrDuplicate.
func (r *PostgresRepo) UpdateAppointmentTimes(ctx context.Context, id string, startTime, endTime time.Time) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		result := r.db.WithContext(ctx).
			Model(&model.Appointment{}).
			Where("id = ? AND business_id = ?", id, businessID).
			Updates(map[string]interface{}{
				"start_time": startTime,
				"end_time":   endTime,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: appointment %s", apperrors.ErrNotFound, id)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateAppointmentTimes", operation)
	observer.ObserveDbOperationDuration("update_times", "appointment", businessID, time.Since(start), err)
	return err
}

// DeleteAppointment removes the row. A missing row is apperrors.ErrNotFound.
func (r *PostgresRepo) DeleteAppointment(ctx context.Context, id string) error {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessID).
			Delete(&model.Appointment{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: appointment %s", apperrors.ErrNotFound, id)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteAppointment", operation)
	observer.ObserveDbOperationDuration("delete", "appointment", businessID, time.Since(start), err)
	return err
}

func (r *PostgresRepo) FindAppointmentByID(ctx context.Context, id string) (*model.Appointment, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var appt model.Appointment
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ? AND business_id = ?", id, businessID).First(&appt)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: appointment %s", apperrors.ErrNotFound, id)
			}
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindAppointmentByID", operation)
	observer.ObserveDbOperationDuration("find_by_id", "appointment", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// FindUpcomingAppointments lists the customer's appointments starting at or after from.
func (r *PostgresRepo) FindUpcomingAppointments(ctx context.Context, customerID string, from time.Time, limit int) ([]model.Appointment, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	var appts []model.Appointment
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("customer_id = ? AND business_id = ? AND start_time >= ?", customerID, businessID, from).
			Order("start_time ASC").
			Limit(limit).
			Find(&appts)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindUpcomingAppointments", operation)
	observer.ObserveDbOperationDuration("find_upcoming", "appointment", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return appts, nil
}
