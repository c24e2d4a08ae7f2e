package contacts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrValidationFailed    = errors.New("validation failed")
	ErrLockHeld            = errors.New("lock held")
	ErrLockDenied          = errors.New("lock denied")
	ErrVersionConflict     = errors.New("version conflict")
	ErrMissingPrecondition = errors.New("missing precondition")
	ErrRateLimited         = errors.New("rate limited")
	ErrStorageFailure      = errors.New("storage failure")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// LockHeldError is returned by Acquire when another actor owns a live lease.
type LockHeldError struct {
	ID        string
	Owner     string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("contact %s locked by %s until %s", e.ID, e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockHeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// LockDeniedError is returned when a mutation or release is attempted by an
// actor that does not own the live lease.
type LockDeniedError struct {
	ID        string
	Owner     string
	ExpiresAt time.Time
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("contact %s is locked by %s", e.ID, e.Owner)
}

func (e *LockDeniedError) Is(target error) bool {
	return target == ErrLockDenied
}

type VersionConflictError struct {
	ID       string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return "version conflict"
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type RateLimitedError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("import rate limit exceeded for %s", e.Caller)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}
