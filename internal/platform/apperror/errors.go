// Package apperror defines the error taxonomy shared by the study engine.
// Services return these values; handlers map them to HTTP statuses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports malformed input. No write has been performed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports a uniqueness violation such as a duplicate label.
type ConflictError struct {
	Entity string
	Label  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with label %q already exists", e.Entity, e.Label)
}

// PreconditionError reports an operation that is not allowed in the
// current state, e.g. deleting a cohort that is still referenced.
type PreconditionError struct {
	Entity string
	ID     int
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

// ConfigurationError reports a request that is structurally impossible for
// the study type, e.g. visit operations on a continuous study.
type ConfigurationError struct {
	StudyID int
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("study %d: %s", e.StudyID, e.Reason)
}

// PermissionError reports a mutation attempted from a study that does not
// own the data, e.g. a child study sharing its parent's visits.
type PermissionError struct {
	StudyID int
	Reason  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("study %d: %s", e.StudyID, e.Reason)
}

// NotFoundError reports a missing row addressed by id.
type NotFoundError struct {
	Entity string
	ID     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a ConflictError.
func Conflict(entity, label string) error {
	return &ConflictError{Entity: entity, Label: label}
}

// Precondition builds a PreconditionError.
func Precondition(entity string, id int, reason string) error {
	return &PreconditionError{Entity: entity, ID: id, Reason: reason}
}

// NotFound builds a NotFoundError.
func NotFound(entity string, id int) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// HTTPStatus maps an error from the taxonomy to an HTTP status code.
// Anything outside the taxonomy (store failures) is a 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	case IsPrecondition(err):
		return http.StatusPreconditionFailed
	case IsConfiguration(err):
		return http.StatusUnprocessableEntity
	case IsPermission(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
