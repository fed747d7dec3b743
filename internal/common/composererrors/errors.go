// Package composererrors contains the errors returned by the job orchestration and signature code.
// The HTTP layer looks for the error types defined in this file to pick the response status.
//
// If multiple errors occur in some function (e.g., tearing down several backends), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package composererrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "session" or "job"
	Value   string // Resource name, e.g., a fingerprint
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "mutation"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrInvalidThreshold is returned when a signature threshold is outside its valid range.
type ErrInvalidThreshold struct {
	Name  string
	Value float64
	Range string
}

func (err *ErrInvalidThreshold) Error() string {
	return fmt.Sprintf("threshold %s=%v is invalid; must be %s", err.Name, err.Value, err.Range)
}

// ErrUpstreamQuery is returned when the genomic surveillance API can't be reached
// or its response can't be decoded.
type ErrUpstreamQuery struct {
	Variant    string
	StatusCode int // zero if no response was received
	Cause      error
}

func (err *ErrUpstreamQuery) Error() string {
	s := fmt.Sprintf("upstream query for variant %q failed", err.Variant)
	if err.StatusCode != 0 {
		s += fmt.Sprintf(" with status %d", err.StatusCode)
	}
	if err.Cause != nil {
		s += fmt.Sprintf(": %v", err.Cause)
	}
	return s
}

func (err *ErrUpstreamQuery) Unwrap() error {
	return err.Cause
}

// ErrJobSubmission is returned when a job could not be handed to the broker.
// No job record survives a failed submission.
type ErrJobSubmission struct {
	Fingerprint string
	Cause       error
}

func (err *ErrJobSubmission) Error() string {
	return fmt.Sprintf("failed to submit job %s: %v", err.Fingerprint, err.Cause)
}

func (err *ErrJobSubmission) Unwrap() error {
	return err.Cause
}

func (err *ErrJobSubmission) JobFingerprint() string {
	return err.Fingerprint
}

// ErrJobExecution carries the failure detail a worker reported for a job.
type ErrJobExecution struct {
	Fingerprint string
	Detail      string
}

func (err *ErrJobExecution) Error() string {
	return fmt.Sprintf("job %s failed: %s", err.Fingerprint, err.Detail)
}

func (err *ErrJobExecution) JobFingerprint() string {
	return err.Fingerprint
}

// ErrJobTimeout is reported for jobs that stopped heartbeating and ran out of retries.
type ErrJobTimeout struct {
	Fingerprint string
	Retries     int
}

func (err *ErrJobTimeout) Error() string {
	return fmt.Sprintf("job %s timed out: no heartbeat after %d retries", err.Fingerprint, err.Retries)
}

func (err *ErrJobTimeout) JobFingerprint() string {
	return err.Fingerprint
}

// HttpStatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func HttpStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	// Domain errors come first since some of them wrap a generic cause.
	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrUpstreamQuery
		if errors.As(err, &e) {
			return http.StatusBadGateway
		}
	}
	{
		var e *ErrJobSubmission
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}
	{
		var e *ErrJobExecution
		if errors.As(err, &e) {
			return http.StatusUnprocessableEntity
		}
	}
	{
		var e *ErrJobTimeout
		if errors.As(err, &e) {
			return http.StatusGatewayTimeout
		}
	}
	{
		var e *ErrInvalidThreshold
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}

	return http.StatusInternalServerError
}
