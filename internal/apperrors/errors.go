package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure that may succeed on a later delivery attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as a RetryableError with a formatted message prefix.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: wrapf(err, message, args...)}
}

// FatalError marks a failure that will not go away by redelivering the same input.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err as a FatalError with a formatted message prefix.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: wrapf(err, message, args...)}
}

func wrapf(err error, message string, args ...interface{}) error {
	allArgs := append(args, err)
	return fmt.Errorf(message+": %w", allArgs...)
}

var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrNATS indicates a general NATS communication error.
	ErrNATS = errors.New("nats communication error")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("duplicate resource")
	// ErrConflict indicates the target slot or row is already taken.
	ErrConflict = errors.New("resource conflict")
	// ErrBadRequest indicates a malformed payload from the caller.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")
	// ErrRateLimited indicates the worker pool or a remote API refused more work.
	ErrRateLimited = errors.New("rate limited")
	// ErrCalendar indicates the calendar provider failed or returned something unusable.
	ErrCalendar = errors.New("calendar provider error")
	// ErrResolver indicates the language model call failed or produced malformed output.
	ErrResolver = errors.New("intent resolver error")
	// ErrInconsistent indicates the store and the calendar no longer agree.
	ErrInconsistent = errors.New("store and calendar out of sync")
	// ErrDelivery indicates an outbound message could not be handed to the channel.
	ErrDelivery = errors.New("message delivery error")
)

// IsRetryable checks if the error is a RetryableError or wraps one.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal checks if the error is a FatalError or wraps one.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabase)
}

func IsNATSError(err error) bool {
	return errors.Is(err, ErrNATS)
}

func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsBadRequestError(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsRateLimitedError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsCalendarError(err error) bool {
	return errors.Is(err, ErrCalendar)
}

func IsResolverError(err error) bool {
	return errors.Is(err, ErrResolver)
}
