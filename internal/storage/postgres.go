package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	defaultRetryMaxElapsedTime  = 10 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second
	commitRetryMaxElapsedTime   = 15 * time.Second
)

// PostgresRepo implements every repository of the service on one gorm pool.
type PostgresRepo struct {
	db *gorm.DB
}

// businessNamer qualifies every table with the business schema.
type businessNamer struct {
	schema.NamingStrategy
	schemaName string
}

func (n businessNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", n.schemaName, table)
}

// SchemaName returns the Postgres schema that holds one business's tables.
func SchemaName(businessID string) string {
	return "booking_" + strings.ToLower(businessID)
}

// NewPostgresRepo connects with retries, ensures the business schema exists, then migrates.
func NewPostgresRepo(dsn string, autoMigrate bool, businessID string) (*PostgresRepo, error) {
	schemaName := SchemaName(businessID)

	connect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			NamingStrategy: businessNamer{schemaName: schemaName},
		})
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to postgres (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = time.Minute

	db, err := backoff.RetryNotifyWithData(connect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	repo := &PostgresRepo{db: db}

	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		_ = repo.Close(context.Background())
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}

	if !autoMigrate {
		logger.Log.Info("Auto-migration disabled")
		if _, err := repo.checkSlotGuard(context.Background(), schemaName); err != nil {
			logger.Log.Warn("Could not verify appointment slot index", zap.String("schema", schemaName), zap.Error(err))
		}
		return repo, nil
	}

	logger.Log.Info("Running auto-migration for schema", zap.String("schema", schemaName))
	if err := db.AutoMigrate(
		&model.Customer{},
		&model.Appointment{},
		&model.ConversationTurn{},
		&model.OnboardingLog{},
		&model.Inconsistency{},
	); err != nil {
		_ = repo.Close(context.Background())
		return nil, fmt.Errorf("auto-migration failed for schema %s: %w", schemaName, err)
	}

	// One appointment per calendar slot. This is the hard guard against double booking.
	indexes := map[string]string{
		slotIndexName: fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_calendar_slot ON %q.appointments USING btree (calendar_id, start_time);`, schemaName),
		"idx_appointments_customer_start": fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_appointments_customer_start ON %q.appointments USING btree (customer_id, start_time);`, schemaName),
	}
	for name, ddl := range indexes {
		if err := db.Exec(ddl).Error; err != nil {
			if name == slotIndexName {
				_ = repo.Close(context.Background())
				return nil, fmt.Errorf("failed to create index %s: %w", name, err)
			}
			logger.Log.Warn("Failed to create index", zap.String("indexName", name), zap.Error(err))
		}
	}

	return repo, nil
}

const slotIndexName = "idx_appointments_calendar_slot"

// checkSlotGuard reports whether the unique (calendar_id, start_time) index exists in the
// schema and warns when it does not. Without it only the slot lock prevents double booking.
func (r *PostgresRepo) checkSlotGuard(ctx context.Context, schemaName string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM pg_indexes WHERE schemaname = ? AND indexname = ?", schemaName, slotIndexName).
		Scan(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: check slot index: %w", apperrors.ErrDatabase, err)
	}
	if n == 0 {
		logger.Log.Warn("Unique appointment slot index is missing, run migrations before taking bookings",
			zap.String("schema", schemaName),
			zap.String("indexName", slotIndexName),
		)
		return false, nil
	}
	return true, nil
}

// Ping checks the pool for readiness probes.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

func businessFromContext(ctx context.Context) (string, error) {
	businessID, err := tenant.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}
	return businessID, nil
}

func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation retries transient failures until the policy or the context gives up.
// The caller's deadline bounds the total time spent here.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) ||
			errors.Is(err, gorm.ErrForeignKeyViolated) ||
			errors.Is(err, apperrors.ErrNotFound) ||
			errors.Is(err, apperrors.ErrDuplicate) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exception, class 53 insufficient resources, deadlock, serialization failure.
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// checkConstraintViolation maps database errors to apperrors sentinels.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			if strings.HasPrefix(pgErr.Code, "53") {
				return fmt.Errorf("%w: insufficient resources (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			if strings.HasPrefix(pgErr.Code, "08") {
				return fmt.Errorf("%w: connection error (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (r *PostgresRepo) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
	}

	var txErr error
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if txErr != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
			}
		}
	}()

	if txErr = fn(tx); txErr != nil {
		return txErr
	}
	if commitErr := tx.Commit().Error; commitErr != nil {
		txErr = fmt.Errorf("%w: failed to commit transaction: %w", apperrors.ErrDatabase, commitErr)
		return txErr
	}
	return nil
}
