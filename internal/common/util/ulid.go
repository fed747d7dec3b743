package util

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewULID returns a lower case ULID. Ids from one process sort by creation time.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewTaskID names one attempt at a job, e.g. "a2-01hx...". Every resubmission gets a new id, and
// the attempt tag tells them apart in logs and broker keys.
func NewTaskID(attempt int) string {
	return "a" + strconv.Itoa(attempt) + "-" + NewULID()
}
