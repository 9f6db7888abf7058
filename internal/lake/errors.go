package lake

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrConflict is returned when a concurrent writer committed first.
var ErrConflict = errors.New("lake transaction conflict")

// StorageError wraps a failed table operation.
type StorageError struct {
	Op        string
	Err       error
	retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("lake %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
func (e *StorageError) Retryable() bool {
	return e.retryable
}

// transientMarkers are lowercase fragments of DuckDB and httpfs messages
// for failures that clear up on their own.
var transientMarkers = []string{
	"io error",
	"http",
	"connection",
	"timeout",
	"timed out",
	"temporarily",
	"could not serialize",
}

// WrapError classifies a DuckDB error as a *StorageError.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "conflict") {
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %w", ErrConflict, err), retryable: true}
	}

	retryable := errors.Is(err, driver.ErrBadConn)
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			retryable = true
			break
		}
	}
	return &StorageError{Op: op, Err: err, retryable: retryable}
}
