package storage

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

// AppendTurns inserts turns in one statement, preserving their order.
func (r *PostgresRepo) AppendTurns(ctx context.Context, turns []model.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return err
	}
	for i := range turns {
		if turns[i].BusinessID == "" {
			turns[i].BusinessID = businessID
		}
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = utils.Now()
		}
	}

	start := utils.Now()
	err = checkConstraintViolation(r.db.WithContext(ctx).Create(&turns).Error)
	observer.ObserveDbOperationDuration("append", "conversation_turn", businessID, time.Since(start), err)
	return err
}

// FindRecentTurns returns the last limit turns of the customer, oldest first.
func (r *PostgresRepo) FindRecentTurns(ctx context.Context, customerID string, limit int) ([]model.ConversationTurn, error) {
	businessID, err := businessFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var turns []model.ConversationTurn
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("customer_id = ? AND business_id = ?", customerID, businessID).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Find(&turns)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	start := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindRecentTurns", operation)
	observer.ObserveDbOperationDuration("find_recent", "conversation_turn", businessID, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
