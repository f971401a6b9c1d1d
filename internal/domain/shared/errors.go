// Package shared contains common domain types, errors and events used across
// all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"strings"
)

// Error kinds. Callers match on these with errors.Is; the per-domain errors
// below carry one of them as their Kind.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	ErrValidation   = errors.New("validation failed")
	ErrInvalidID    = errors.New("invalid id")
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyValue   = errors.New("empty value")

	ErrInvalidState      = errors.New("invalid state")
	ErrTransactionFailed = errors.New("transaction failed")

	ErrUnauthorized = errors.New("unauthorized")

	ErrExternalService     = errors.New("external service error")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrRateLimited         = errors.New("rate limited")
	ErrCertificateIssuance = errors.New("certificate issuance failed")
)

// DomainError ties a failure to the domain and operation it came from.
type DomainError struct {
	Domain  string // enrollment, curriculum, certificate, ...
	Op      string
	Kind    error
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString(e.Domain)
	b.WriteByte('.')
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *DomainError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewDomainError creates a domain error without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError creates a domain error around err.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

var (
	ErrEnrollmentNotFound      = NewDomainError("enrollment", "Get", ErrNotFound, "enrollment not found")
	ErrEnrollmentAlreadyExists = NewDomainError("enrollment", "Create", ErrAlreadyExists, "enrollment already exists")
	ErrInvalidEnrollmentID     = NewDomainError("enrollment", "Validate", ErrInvalidID, "invalid enrollment ID")
	ErrEnrollmentConflict      = NewDomainError("enrollment", "Transact", ErrTransactionFailed, "enrollment update could not be committed")

	ErrInvalidMilestone    = NewDomainError("milestone", "Validate", ErrInvalidInput, "invalid milestone")
	ErrInvalidCompetencyID = NewDomainError("milestone", "Validate", ErrInvalidID, "invalid competency ID")

	ErrModuleNotFound = NewDomainError("curriculum", "GetModule", ErrNotFound, "module not found")
	ErrCourseNotFound = NewDomainError("curriculum", "GetCourse", ErrNotFound, "course not found")

	ErrLearnerNotFound = NewDomainError("learner", "GetProfile", ErrNotFound, "learner not found")

	ErrCertificateFailed      = NewDomainError("certificate", "Issue", ErrCertificateIssuance, "failed to issue certificate")
	ErrCertificateUnavailable = NewDomainError("certificate", "Issue", ErrServiceUnavailable, "certificate issuer is unavailable")
	ErrCourseNotCompleted     = NewDomainError("certificate", "Issue", ErrInvalidState, "course is not completed")
	ErrCertificatePending     = NewDomainError("certificate", "Issue", ErrAlreadyExists, "certificate request already in progress")

	ErrTutorUnavailable = NewDomainError("tutor", "Generate", ErrServiceUnavailable, "tutor model is unavailable")
	ErrTutorRateLimited = NewDomainError("tutor", "Generate", ErrRateLimited, "tutor model rate limit exceeded")
)

// IsNotFound reports whether err is of kind ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is of kind ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	return anyIs(err, ErrValidation, ErrInvalidID, ErrInvalidInput, ErrEmptyValue)
}

// IsTransactionFailed reports whether an atomic update could not be committed.
func IsTransactionFailed(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}

// IsRetryable reports whether the same call may succeed later.
func IsRetryable(err error) bool {
	return anyIs(err, ErrServiceUnavailable, ErrTimeout, ErrRateLimited)
}

func anyIs(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
