package models

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
)

var ErrDateLockTimeout = errors.New("timed out waiting for date lock")

// ValidationError reports the first invalid input field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type DuplicateDateError struct {
	Date Date
}

func (e *DuplicateDateError) Error() string {
	return fmt.Sprintf("a daily record already exists for %s", e.Date)
}

type NotFoundError struct {
	Date Date
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no daily record for %s", e.Date)
}

func (e *NotFoundError) Is(target error) bool {
	return target == utils.ErrorRecordNotFound
}

// InvalidActorError is returned when a mutation carries no attribution.
type InvalidActorError struct{}

func (e *InvalidActorError) Error() string {
	return "actor is required"
}

// PersistenceError wraps a storage failure. Nothing of the failed operation
// was applied; the caller may retry the whole mutation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
