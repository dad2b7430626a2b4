package api

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports invalid input: malformed names, bad version strings,
// path traversal in uploads, zero intervals. The optional Field narrows the
// failure to a single input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError creates a ValidationError without field context.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NewFieldValidationError creates a ValidationError for a named input field.
func NewFieldValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation checks if an error is or wraps a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// NotFoundError reports an absent resource. ResourceType categorizes the
// resource ("configuration", "node", "scope type"), ResourceName identifies it.
type NotFoundError struct {
	ResourceType string
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// NewNotFoundError creates a new NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsNotFound checks if an error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// ConflictError reports a uniqueness violation or an in-use resource that
// blocks the requested operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NewConflictError creates a new ConflictError.
func NewConflictError(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsConflict checks if an error is or wraps a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// ArchivedError reports an operation against an archived configuration
// version. Archived versions are readable but never served or modified.
type ArchivedError struct {
	Resource string
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("%s is archived", e.Resource)
}

// NewArchivedError creates a new ArchivedError.
func NewArchivedError(resource string) *ArchivedError {
	return &ArchivedError{Resource: resource}
}

// IsArchived checks if an error is or wraps an ArchivedError.
func IsArchived(err error) bool {
	var e *ArchivedError
	return errors.As(err, &e)
}

// SemVerViolationError reports a schema change that the uploaded version
// number does not cover: a removed parameter without a MAJOR bump, or an
// added parameter without at least a MINOR bump.
type SemVerViolationError struct {
	Required string
	Got      string
	Reason   string
}

func (e *SemVerViolationError) Error() string {
	return fmt.Sprintf("semver violation: %s requires at least a %s bump, got %s", e.Reason, e.Required, e.Got)
}

// IsSemVerViolation checks if an error is or wraps a SemVerViolationError.
func IsSemVerViolation(err error) bool {
	var e *SemVerViolationError
	return errors.As(err, &e)
}

// UnauthorizedError reports a missing or invalid credential.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthenticated"
	}
	return e.Message
}

// NewUnauthorizedError creates a new UnauthorizedError.
func NewUnauthorizedError(format string, args ...interface{}) *UnauthorizedError {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}

// IsUnauthorized checks if an error is or wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var e *UnauthorizedError
	return errors.As(err, &e)
}

// ForbiddenError reports an authenticated principal lacking permission.
type ForbiddenError struct {
	Permission string
}

func (e *ForbiddenError) Error() string {
	if e.Permission == "" {
		return "forbidden"
	}
	return fmt.Sprintf("forbidden: requires %s", e.Permission)
}

// NewForbiddenError creates a new ForbiddenError naming the missing permission.
func NewForbiddenError(permission string) *ForbiddenError {
	return &ForbiddenError{Permission: permission}
}

// IsForbidden checks if an error is or wraps a ForbiddenError.
func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}

// IntegrityError reports a checksum mismatch or metadata that points at
// missing content.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string { return e.Message }

// NewIntegrityError creates a new IntegrityError.
func NewIntegrityError(format string, args ...interface{}) *IntegrityError {
	return &IntegrityError{Message: fmt.Sprintf(format, args...)}
}

// IsIntegrity checks if an error is or wraps an IntegrityError.
func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// TransientIOError reports a failure worth retrying on the next cycle:
// network errors, short reads, temporary filesystem trouble.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// NewTransientIOError wraps err as a retryable I/O failure.
func NewTransientIOError(op string, err error) *TransientIOError {
	return &TransientIOError{Op: op, Err: err}
}

// IsTransientIO checks if an error is or wraps a TransientIOError.
func IsTransientIO(err error) bool {
	var e *TransientIOError
	return errors.As(err, &e)
}

// ChildExecutionError reports a DSC child process that failed to run or
// produced output the executor could not parse.
type ChildExecutionError struct {
	Message  string
	ExitCode int
	Err      error
}

func (e *ChildExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ChildExecutionError) Unwrap() error { return e.Err }

// IsChildExecution checks if an error is or wraps a ChildExecutionError.
func IsChildExecution(err error) bool {
	var e *ChildExecutionError
	return errors.As(err, &e)
}

// CancelledError reports an operation aborted by cancellation.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Op)
}

// IsCancelled checks whether an error represents cancellation, either via
// CancelledError or the context package's sentinels.
func IsCancelled(err error) bool {
	var e *CancelledError
	return errors.As(err, &e) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
