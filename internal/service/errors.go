package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"pos-sync-server/internal/repository"
)

// ErrorKind classifies a SyncError for callers and transport mapping.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindApply          ErrorKind = "apply"
	KindTimeout        ErrorKind = "timeout"
	KindNotFound       ErrorKind = "not_found"
	KindBusy           ErrorKind = "busy"
	KindInfrastructure ErrorKind = "infrastructure"
)

// ErrAlreadyProcessing is returned when another processSync holds the client's lock.
var ErrAlreadyProcessing = errors.New("sync already in progress for this client")

// SyncError is the error type returned by every service operation.
type SyncError struct {
	// Kind of failure
	Kind ErrorKind

	// Op is the operation during which the error occurred
	Op string

	// Underlying error
	Err error

	// Retryable reports whether repeating the call may succeed
	Retryable bool
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *SyncError {
	retryable := false
	switch kind {
	case KindApply, KindTimeout, KindBusy, KindInfrastructure:
		retryable = true
	}
	return &SyncError{Kind: kind, Op: op, Err: err, Retryable: retryable}
}

func validationError(op string, err error) *SyncError {
	return newError(KindValidation, op, err)
}

func validationErrorf(op, format string, args ...interface{}) *SyncError {
	return newError(KindValidation, op, fmt.Errorf(format, args...))
}

// storageError maps repository sentinels onto service kinds.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(KindNotFound, op, err)
	case errors.Is(err, repository.ErrBusinessMismatch):
		return newError(KindValidation, op, err)
	case errors.Is(err, repository.ErrAlreadyResolved):
		return newError(KindConflict, op, err)
	default:
		return newError(KindInfrastructure, op, err)
	}
}

// IsRetryable reports whether err is a SyncError that may succeed when repeated.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf returns the kind of err, or KindInfrastructure for foreign errors.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInfrastructure
}

// describeValidation turns validator errors into a short readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
