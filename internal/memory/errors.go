package memory

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing record or an agent that was never registered.
	ErrNotFound = errors.New("memory: not found")
	// ErrInvalidRecord reports a record the store refuses to append.
	ErrInvalidRecord = errors.New("memory: invalid record")
	// ErrStoreArchived reports an append to an archived store.
	ErrStoreArchived = errors.New("memory: store archived")
	// ErrStorageUnavailable reports an I/O failure of the underlying database.
	// Callers may retry with backoff; stores never retry on their own.
	ErrStorageUnavailable = errors.New("memory: storage unavailable")
)

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// unavailable wraps a database error. Context cancellation is passed through
// untouched so that callers do not retry abandoned work.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
