package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Stacktrace  = "stacktrace"
	Fingerprint = "fingerprint"
)

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// Implemented by the job errors in composererrors.
type jobError interface {
	JobFingerprint() string
}

// WithStacktrace returns a new logrus.Entry with err, its stack trace if there is one, and the
// fingerprint of the job err is about if any.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	var jobErr jobError
	if errors.As(err, &jobErr) {
		logger = logger.WithField(Fingerprint, jobErr.JobFingerprint())
	}
	return logger
}

// ExtractStack returns the first errors.StackTrace found while unwrapping err, following both
// pkg/errors causes and Unwrap chains. It returns nil if there is none.
func ExtractStack(err error) errors.StackTrace {
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			return stackErr.StackTrace()
		}
		switch e := err.(type) {
		case causer:
			err = e.Cause()
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return nil
		}
	}
	return nil
}
