package session

import (
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

// DefaultSignature names the signature a session starts with.
const DefaultSignature = "default"

var (
	validPrefix        = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	validSignatureName = regexp.MustCompile(`^[A-Za-z0-9_.+-]{1,64}$`)
)

// Session is the namespace of one UI session. It exclusively owns its named signature stores and
// remembers the jobs it submitted. Access goes through Manager.Update and Manager.View, which
// serialise it.
type Session struct {
	prefix string
	// Changes whenever the prefix is closed and opened again.
	nonce     string
	mu        sync.Mutex
	stores    map[string]*signature.Store
	jobs      []jobspec.Fingerprint
	createdAt time.Time
	revision  int64
}

func newSession(prefix string, now time.Time) *Session {
	return &Session{
		prefix:    prefix,
		nonce:     util.NewULID(),
		stores:    map[string]*signature.Store{DefaultSignature: signature.NewStore()},
		createdAt: now,
	}
}

func (s *Session) Prefix() string {
	return s.prefix
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// SignatureNames returns the names of the session's signatures in sorted order.
func (s *Session) SignatureNames() []string {
	names := maps.Keys(s.stores)
	slices.Sort(names)
	return names
}

// Signatures returns a snapshot of every signature, keyed by name.
func (s *Session) Signatures() map[string]signature.VariantSignature {
	sigs := make(map[string]signature.VariantSignature, len(s.stores))
	for name, store := range s.stores {
		sigs[name] = store.Export()
	}
	return sigs
}

// RecordJob remembers that the session asked for the job. It returns false if it already had.
func (s *Session) RecordJob(fingerprint jobspec.Fingerprint) bool {
	for _, existing := range s.jobs {
		if existing == fingerprint {
			return false
		}
	}
	s.jobs = append(s.jobs, fingerprint)
	return true
}

// Jobs returns the session's jobs in submission order.
func (s *Session) Jobs() []jobspec.Fingerprint {
	return append([]jobspec.Fingerprint(nil), s.jobs...)
}

// State is the persisted form of a session.
type State struct {
	Prefix     string                                `json:"prefix"`
	Nonce      string                                `json:"nonce"`
	Signatures map[string]signature.VariantSignature `json:"signatures"`
	// Sessions stored before signatures were named hold a single one here.
	Signature *signature.VariantSignature `json:"signature,omitempty"`
	Jobs      []jobspec.Fingerprint       `json:"jobs,omitempty"`
	CreatedAt time.Time                   `json:"created_at"`
	Revision  int64                       `json:"revision"`
}

func (s *Session) snapshot() *State {
	return &State{
		Prefix:     s.prefix,
		Nonce:      s.nonce,
		Signatures: s.Signatures(),
		Jobs:       s.Jobs(),
		CreatedAt:  s.createdAt,
		Revision:   s.revision,
	}
}

func (s *Session) restore(state *State) error {
	sigs := state.Signatures
	if len(sigs) == 0 && state.Signature != nil {
		sigs = map[string]signature.VariantSignature{DefaultSignature: *state.Signature}
	}
	stores := make(map[string]*signature.Store, len(sigs)+1)
	for name, sig := range sigs {
		store, err := signature.NewStoreFromSignature(sig)
		if err != nil {
			return errors.WithMessagef(err, "restoring signature %s of session %s", name, s.prefix)
		}
		stores[name] = store
	}
	if _, ok := stores[DefaultSignature]; !ok {
		stores[DefaultSignature] = signature.NewStore()
	}
	s.stores = stores
	s.nonce = state.Nonce
	s.jobs = append([]jobspec.Fingerprint(nil), state.Jobs...)
	s.createdAt = state.CreatedAt
	s.revision = state.Revision
	return nil
}

func validatePrefix(prefix string) error {
	if !validPrefix.MatchString(prefix) {
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "session",
			Value:   prefix,
			Message: "must be 1 to 64 letters, digits, '.', '_' or '-'",
		})
	}
	return nil
}

func validateSignatureName(name string) error {
	if !validSignatureName.MatchString(name) {
		return errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "signature",
			Value:   name,
			Message: "must be 1 to 64 letters, digits, '.', '_', '+' or '-'",
		})
	}
	return nil
}
