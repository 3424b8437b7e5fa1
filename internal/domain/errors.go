package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by errors.Is for every
// entity-specific NotFoundError.
var ErrNotFound = errors.New("not found")

// ErrNoSuitableWorker reports that allocation scored no candidate above
// zero. The subtask is parked on the pending queue, never failed.
var ErrNoSuitableWorker = errors.New("no suitable worker")

// ErrNotAllocatable reports an attempt to allocate a subtask whose
// status forbids assignment.
var ErrNotAllocatable = errors.New("subtask not allocatable")

// ErrAtCapacity reports that the in-progress set already holds
// max_concurrent_subtasks entries. Like ErrNoSuitableWorker it parks
// the subtask rather than failing it.
var ErrAtCapacity = errors.New("subtask concurrency cap reached")

// NotFoundError reports an unknown entity id. It maps to HTTP 404 at
// the boundary.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches the ErrNotFound sentinel.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFound builds a NotFoundError for an entity kind and id.
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// BadStateError reports an operation applied to an entity whose current
// status forbids it, such as uploading a result for a subtask that is
// already terminal. It maps to HTTP 400 and is never retried.
type BadStateError struct {
	Entity string
	ID     string
	Msg    string
}

func (e *BadStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Msg)
}

// ValidationError reports malformed input. It maps to HTTP 400 and is
// never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBadState reports whether err is (or wraps) a BadStateError.
func IsBadState(err error) bool {
	var bs *BadStateError
	return errors.As(err, &bs)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
