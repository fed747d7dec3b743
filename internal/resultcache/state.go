package resultcache

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

type JobState string

const (
	Pending  JobState = "PENDING"
	Running  JobState = "RUNNING"
	Success  JobState = "SUCCESS"
	Failed   JobState = "FAILED"
	Retrying JobState = "RETRYING"
)

var transitions = map[JobState][]JobState{
	Pending:  {Running},
	Running:  {Success, Failed, Retrying},
	Retrying: {Running, Failed},
}

func (s JobState) IsTerminal() bool {
	return s == Success || s == Failed
}

func (s JobState) CanTransitionTo(to JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseJobState accepts state names in any case.
func ParseJobState(s string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case Pending, Running, Success, Failed, Retrying:
		return state, nil
	default:
		return "", errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "state",
			Value:   s,
			Message: "must be one of PENDING, RUNNING, RETRYING, SUCCESS, FAILED",
		})
	}
}

type ErrIllegalTransition struct {
	Fingerprint string
	From        JobState
	To          JobState
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", err.Fingerprint, err.From, err.To)
}
