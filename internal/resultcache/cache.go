package resultcache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
)

// ErrSkipUpdate can be returned by an update function to leave the record untouched.
var ErrSkipUpdate = errors.New("skip update")

const maxUpdateAttempts = 16

// RecordRepository persists job records. Create and CompareAndSwap must be atomic with respect to
// every process sharing the backing store.
type RecordRepository interface {
	// Get returns nil if there is no record for the fingerprint.
	Get(ctx context.Context, fingerprint jobspec.Fingerprint) (*JobRecord, error)
	// Create stores rec with version 1 unless a record already exists for its fingerprint, in
	// which case the stored record is returned and created is false.
	Create(ctx context.Context, rec *JobRecord) (stored *JobRecord, created bool, err error)
	// CompareAndSwap stores rec if the stored version still equals rec.Version. On success
	// rec.Version is advanced to the new version.
	CompareAndSwap(ctx context.Context, rec *JobRecord) (bool, error)
	Delete(ctx context.Context, fingerprint jobspec.Fingerprint) error
	// ListActive returns every record that is not in a terminal state.
	ListActive(ctx context.Context) ([]*JobRecord, error)
	// PurgeTerminal removes terminal records last updated before updatedBefore and then the least
	// recently used terminal records beyond capacity. A zero updatedBefore disables the age limit.
	// Active records are never removed.
	PurgeTerminal(ctx context.Context, updatedBefore time.Time, capacity int) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type Config struct {
	// Terminal records are kept for this long after completion. Zero keeps them until evicted
	// by capacity.
	TTL time.Duration `validate:"gte=0"`
	// Maximum number of terminal records retained.
	Capacity int `validate:"gt=0"`
	// How often expired records are purged.
	PurgeInterval time.Duration `validate:"gt=0"`
}

// Cache maps fingerprints to job records and guarantees that at most one record is created, and
// therefore at most one job submitted, per fingerprint.
type Cache struct {
	repo   RecordRepository
	locks  *keyedLock
	clock  util.Clock
	config Config
	log    *log.Entry
}

func New(repo RecordRepository, clock util.Clock, config Config) *Cache {
	return &Cache{
		repo:   repo,
		locks:  newKeyedLock(),
		clock:  clock,
		config: config,
		log:    log.WithField("component", "resultcache"),
	}
}

// Get returns nil if nothing is cached for the fingerprint.
func (c *Cache) Get(ctx context.Context, fingerprint jobspec.Fingerprint) (*JobRecord, error) {
	rec, err := c.repo.Get(ctx, fingerprint)
	if err != nil {
		return nil, errors.WithMessagef(err, "looking up job %s", fingerprint.Short())
	}
	if rec == nil {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return rec, nil
}

// PutOrGetExisting returns the record for fingerprint, creating it with factory if there is none.
// Only the caller that creates the record gets created=true; its publish function is called
// while the fingerprint is still locked, and if publish fails the record is removed again and
// an ErrJobSubmission is returned. Every caller is attached to the record as an observer.
func (c *Cache) PutOrGetExisting(
	ctx context.Context,
	fingerprint jobspec.Fingerprint,
	observer string,
	factory func() *JobRecord,
	publish func(context.Context, *JobRecord) error,
) (*JobRecord, bool, error) {
	unlock := c.locks.Lock(string(fingerprint))
	defer unlock()

	existing, err := c.repo.Get(ctx, fingerprint)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "looking up job %s", fingerprint.Short())
	}
	if existing != nil {
		rec, err := c.attach(ctx, existing, observer)
		return rec, false, err
	}

	rec := factory()
	if rec.Fingerprint != fingerprint {
		return nil, false, errors.Errorf("factory built record for %s, expected %s", rec.Fingerprint.Short(), fingerprint.Short())
	}
	rec.AddObserver(observer)
	stored, created, err := c.repo.Create(ctx, rec)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "creating job %s", fingerprint.Short())
	}
	if !created {
		// Another process sharing the backing store won the race.
		rec, err := c.attach(ctx, stored, observer)
		return rec, false, err
	}
	recordsCreated.Inc()
	stateTransitions.WithLabelValues(string(stored.State)).Inc()

	if publish != nil {
		if err := publish(ctx, stored); err != nil {
			if deleteErr := c.repo.Delete(ctx, fingerprint); deleteErr != nil {
				c.log.WithError(deleteErr).Errorf("failed to remove job %s after failed submission", fingerprint.Short())
			}
			return nil, false, errors.WithStack(&composererrors.ErrJobSubmission{Fingerprint: string(fingerprint), Cause: err})
		}
	}
	return stored, true, nil
}

func (c *Cache) attach(ctx context.Context, rec *JobRecord, observer string) (*JobRecord, error) {
	submissionsDeduplicated.Inc()
	if observer == "" {
		return rec, nil
	}
	updated, _, err := c.update(ctx, rec, func(r *JobRecord) error {
		if !r.AddObserver(observer) {
			return ErrSkipUpdate
		}
		return nil
	})
	return updated, err
}

// Update applies mutate to the current record until the write is not contended. mutate may be
// called more than once and must only change the record it is given. The returned bool reports
// whether anything was written.
func (c *Cache) Update(ctx context.Context, fingerprint jobspec.Fingerprint, mutate func(*JobRecord) error) (*JobRecord, bool, error) {
	unlock := c.locks.Lock(string(fingerprint))
	defer unlock()

	rec, err := c.repo.Get(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, errors.WithStack(&composererrors.ErrNotFound{Type: "job", Value: string(fingerprint)})
	}
	return c.update(ctx, rec, mutate)
}

func (c *Cache) update(ctx context.Context, current *JobRecord, mutate func(*JobRecord) error) (*JobRecord, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		next := current.Clone()
		err := mutate(next)
		if errors.Is(err, ErrSkipUpdate) {
			return current, false, nil
		}
		if err != nil {
			return current, false, err
		}
		next.UpdatedAt = c.clock.Now()

		swapped, err := c.repo.CompareAndSwap(ctx, next)
		if err != nil {
			return nil, false, errors.WithMessagef(err, "updating job %s", current.Fingerprint.Short())
		}
		if swapped {
			if next.State != current.State {
				stateTransitions.WithLabelValues(string(next.State)).Inc()
			}
			return next, true, nil
		}

		current, err = c.repo.Get(ctx, current.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		if current == nil {
			return nil, false, errors.WithStack(&composererrors.ErrNotFound{Type: "job", Value: string(next.Fingerprint)})
		}
	}
	return nil, false, errors.Errorf("job %s is too contended to update", current.Fingerprint.Short())
}

// Forget evicts a terminal record so that the next submission of the same analysis starts a new
// computation. Records that are still in flight cannot be forgotten.
func (c *Cache) Forget(ctx context.Context, fingerprint jobspec.Fingerprint) error {
	unlock := c.locks.Lock(string(fingerprint))
	defer unlock()

	rec, err := c.repo.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.WithStack(&composererrors.ErrNotFound{Type: "job", Value: string(fingerprint)})
	}
	if !rec.State.IsTerminal() {
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "fingerprint",
			Value:   string(fingerprint),
			Message: "job is " + string(rec.State) + "; only finished jobs can be forgotten",
		})
	}
	if err := c.repo.Delete(ctx, fingerprint); err != nil {
		return err
	}
	recordsEvicted.Inc()
	return nil
}

func (c *Cache) ListActive(ctx context.Context) ([]*JobRecord, error) {
	return c.repo.ListActive(ctx)
}

// PurgeExpired applies the TTL and capacity limits to terminal records.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	var cutoff time.Time
	if c.config.TTL > 0 {
		cutoff = c.clock.Now().Add(-c.config.TTL)
	}
	n, err := c.repo.PurgeTerminal(ctx, cutoff, c.config.Capacity)
	if err != nil {
		return n, errors.WithMessage(err, "purging expired job records")
	}
	if n > 0 {
		recordsEvicted.Add(float64(n))
		c.log.Infof("evicted %d finished job records", n)
	}
	return n, nil
}

func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.repo.HealthCheck(ctx)
}
