package logging

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

func TestWithStacktrace_AddsStackForPkgErrors(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	err := errors.Wrap(errors.New("redis down"), "publishing job")

	withStack := WithStacktrace(entry, err)

	assert.Equal(t, err, withStack.Data[logrus.ErrorKey])
	assert.NotNil(t, withStack.Data[Stacktrace])
	assert.NotContains(t, withStack.Data, Fingerprint)
}

func TestWithStacktrace_AddsJobFingerprint(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	err := errors.WithMessage(&composererrors.ErrJobSubmission{Fingerprint: "abc", Cause: errors.New("broker down")}, "submitting")

	withFields := WithStacktrace(entry, err)

	assert.Equal(t, "abc", withFields.Data[Fingerprint])
	assert.NotNil(t, withFields.Data[Stacktrace])
}

func TestExtractStack_FollowsUnwrap(t *testing.T) {
	err := &composererrors.ErrUpstreamQuery{Variant: "LP.8", Cause: errors.New("connection refused")}
	assert.NotNil(t, ExtractStack(err))
}

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(&plainError{}))
	assert.Nil(t, ExtractStack(&composererrors.ErrUpstreamQuery{Variant: "LP.8"}))
}

type plainError struct{}

func (e *plainError) Error() string { return "plain" }
