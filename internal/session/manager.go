package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/config"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

func (b *Backend) UnmarshalText(text []byte) error {
	switch parsed := Backend(strings.ToLower(string(text))); parsed {
	case BackendMemory, BackendRedis:
		*b = parsed
		return nil
	default:
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "session backend",
			Value:   string(text),
			Message: "must be one of memory, redis",
		})
	}
}

type Config struct {
	Backend Backend `validate:"required"`
	// Sessions that are not used for this long are dropped.
	IdleTimeout time.Duration `validate:"gt=0"`
	Redis       config.RedisConfig
}

// NewRepository builds the configured session repository.
func NewRepository(c Config) (Repository, func(), error) {
	switch c.Backend {
	case BackendMemory:
		return NewInMemoryRepository(c.IdleTimeout), func() {}, nil
	case BackendRedis:
		db := c.Redis.NewClient()
		return NewRedisRepository(db, c.IdleTimeout), func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("failed to close session redis client")
			}
		}, nil
	default:
		return nil, nil, errors.Errorf("unknown session backend %q", c.Backend)
	}
}

// Manager hands out sessions by prefix. Within a process every prefix maps to one Session value;
// its state is reloaded from the repository when another process has changed it.
type Manager struct {
	repo  Repository
	clock util.Clock
	// Sessions used by this process, dropped after the idle timeout.
	live *cache.Cache
	mu   sync.Mutex
	log  *log.Entry
}

func NewManager(repo Repository, clock util.Clock, idleTimeout time.Duration) *Manager {
	return &Manager{
		repo:  repo,
		clock: clock,
		live:  cache.New(idleTimeout, idleTimeout/2+time.Second),
		log:   log.WithField("component", "session"),
	}
}

// NewSession returns the session for prefix, restoring it from the repository or creating it.
func (m *Manager) NewSession(ctx context.Context, prefix string) (*Session, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if value, ok := m.live.Get(prefix); ok {
		s := value.(*Session)
		m.live.SetDefault(prefix, s)
		return s, nil
	}

	s := newSession(prefix, m.clock.Now())
	state, err := m.repo.Load(ctx, prefix)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading session %s", prefix)
	}
	if state != nil {
		if err := s.restore(state); err != nil {
			return nil, err
		}
	} else {
		if err := m.repo.Store(ctx, s.snapshot()); err != nil {
			return nil, errors.WithMessagef(err, "storing session %s", prefix)
		}
		m.log.WithField("session", prefix).Info("created session")
	}
	m.live.SetDefault(prefix, s)
	return s, nil
}

// SignatureStore returns the session's store called name, creating an empty one if there is none
// yet. Use it only inside Update or View.
func (m *Manager) SignatureStore(s *Session, name string) (*signature.Store, error) {
	if err := validateSignatureName(name); err != nil {
		return nil, err
	}
	store, ok := s.stores[name]
	if !ok {
		store = signature.NewStore()
		s.stores[name] = store
	}
	return store, nil
}

// LookupSignature is SignatureStore without the creation: it reports ErrNotFound for a name the
// session does not have.
func (m *Manager) LookupSignature(s *Session, name string) (*signature.Store, error) {
	if err := validateSignatureName(name); err != nil {
		return nil, err
	}
	store, ok := s.stores[name]
	if !ok {
		return nil, errors.WithStack(&composererrors.ErrNotFound{Type: "signature", Value: name})
	}
	return store, nil
}

// AddSignature stores sig under a new name. It reports ErrAlreadyExists if the name is taken.
// Use it only inside Update.
func (m *Manager) AddSignature(s *Session, name string, sig signature.VariantSignature) error {
	if err := validateSignatureName(name); err != nil {
		return err
	}
	if _, ok := s.stores[name]; ok {
		return errors.WithStack(&composererrors.ErrAlreadyExists{Type: "signature", Value: name})
	}
	store, err := signature.NewStoreFromSignature(sig)
	if err != nil {
		return err
	}
	s.stores[name] = store
	return nil
}

// RemoveSignature drops the session's store called name. The default signature is emptied instead,
// so a session always has one. Use it only inside Update.
func (m *Manager) RemoveSignature(s *Session, name string) error {
	if err := validateSignatureName(name); err != nil {
		return err
	}
	if _, ok := s.stores[name]; !ok {
		return errors.WithStack(&composererrors.ErrNotFound{Type: "signature", Value: name})
	}
	if name == DefaultSignature {
		s.stores[name] = signature.NewStore()
		return nil
	}
	delete(s.stores, name)
	return nil
}

// Update gives fn exclusive access to the up to date session and persists the session if fn
// succeeds. If fn fails, changes it made are discarded.
func (m *Manager) Update(ctx context.Context, s *Session, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.refresh(ctx, s); err != nil {
		return err
	}
	before := s.snapshot()
	if err := fn(s); err != nil {
		if restoreErr := s.restore(before); restoreErr != nil {
			m.log.WithError(restoreErr).Errorf("failed to roll back session %s", s.prefix)
		}
		return err
	}
	s.revision++
	if err := m.repo.Store(ctx, s.snapshot()); err != nil {
		return errors.WithMessagef(err, "storing session %s", s.prefix)
	}
	return nil
}

// View gives fn exclusive read access to the up to date session.
func (m *Manager) View(ctx context.Context, s *Session, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.refresh(ctx, s); err != nil {
		return err
	}
	return fn(s)
}

func (m *Manager) refresh(ctx context.Context, s *Session) error {
	state, err := m.repo.Load(ctx, s.prefix)
	if err != nil {
		return errors.WithMessagef(err, "loading session %s", s.prefix)
	}
	if state == nil {
		// Expired from the repository while still live here; the next store recreates it.
		return nil
	}
	// A different nonce means the prefix was closed and opened again by another process.
	if state.Nonce != s.nonce || state.Revision > s.revision {
		return s.restore(state)
	}
	return nil
}

// Save persists the session as it is.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.WithMessagef(m.repo.Store(ctx, s.snapshot()), "storing session %s", s.prefix)
}

// Close forgets the session. Jobs it submitted keep running and stay cached for other sessions.
func (m *Manager) Close(ctx context.Context, prefix string) error {
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	m.mu.Lock()
	m.live.Delete(prefix)
	m.mu.Unlock()
	if err := m.repo.Delete(ctx, prefix); err != nil {
		return errors.WithMessagef(err, "deleting session %s", prefix)
	}
	m.log.WithField("session", prefix).Info("closed session")
	return nil
}

// Flush persists every session used by this process.
func (m *Manager) Flush(ctx context.Context) error {
	var result *multierror.Error
	for _, item := range m.live.Items() {
		if err := m.Save(ctx, item.Object.(*Session)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.repo.HealthCheck(ctx)
}
