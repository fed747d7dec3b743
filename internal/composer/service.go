package composer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/util"
	"github.com/cbg-ethz/sigcomposer/internal/jobqueue"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/session"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
	"github.com/cbg-ethz/sigcomposer/internal/upstream"
)

type MutationFetcher interface {
	FetchMutations(ctx context.Context, q upstream.Query) ([]upstream.MutationStat, error)
}

// JobRequest asks for an analysis of some of the session's signatures. Without Signatures a
// heatmap covers the default signature and a deconvolution every signature that has mutations.
// MinAbundance and MinCoverage override the thresholds of every covered signature for this job
// only.
type JobRequest struct {
	Kind         jobspec.Kind
	Signatures   []string
	Params       map[string]string
	MinAbundance *float64
	MinCoverage  *int
}

// SessionInfo summarises a session for the UI.
type SessionInfo struct {
	Prefix     string
	CreatedAt  time.Time
	Signatures map[string]signature.VariantSignature
	Jobs       []jobspec.Fingerprint
}

// Service implements the operations of the composer UI on top of sessions, the upstream
// surveillance API and the job queue. Prefixes are only used to look up sessions.
type Service struct {
	sessions *session.Manager
	upstream MutationFetcher
	jobs     *jobqueue.Client
	cache    *resultcache.Cache
	clock    util.Clock
	log      *log.Entry
}

func NewService(
	sessions *session.Manager,
	fetcher MutationFetcher,
	jobs *jobqueue.Client,
	cache *resultcache.Cache,
	clock util.Clock,
) *Service {
	return &Service{
		sessions: sessions,
		upstream: fetcher,
		jobs:     jobs,
		cache:    cache,
		clock:    clock,
		log:      log.WithField("component", "composer"),
	}
}

// OpenSession creates the session if needed and describes it.
func (s *Service) OpenSession(ctx context.Context, prefix string) (SessionInfo, error) {
	var info SessionInfo
	err := s.view(ctx, prefix, func(sess *session.Session) error {
		info = SessionInfo{
			Prefix:     sess.Prefix(),
			CreatedAt:  sess.CreatedAt(),
			Signatures: sess.Signatures(),
			Jobs:       sess.Jobs(),
		}
		return nil
	})
	return info, err
}

func (s *Service) CloseSession(ctx context.Context, prefix string) error {
	return s.sessions.Close(ctx, prefix)
}

func (s *Service) Signature(ctx context.Context, prefix string, name string) (signature.VariantSignature, error) {
	var sig signature.VariantSignature
	err := s.viewSignature(ctx, prefix, name, func(store *signature.Store) error {
		sig = store.Export()
		return nil
	})
	return sig, err
}

// CopySignature keeps the signature called from under the new name to, for example to add a
// composed signature to the variants a deconvolution covers. It fails with ErrAlreadyExists if
// to is taken.
func (s *Service) CopySignature(ctx context.Context, prefix string, from string, to string) (signature.VariantSignature, error) {
	var sig signature.VariantSignature
	err := s.update(ctx, prefix, func(sess *session.Session) error {
		store, err := s.sessions.LookupSignature(sess, from)
		if err != nil {
			return err
		}
		sig = store.Export()
		return s.sessions.AddSignature(sess, to, sig)
	})
	return sig, err
}

// RemoveSignature drops a named signature; the default one is emptied instead.
func (s *Service) RemoveSignature(ctx context.Context, prefix string, name string) error {
	return s.update(ctx, prefix, func(sess *session.Session) error {
		return s.sessions.RemoveSignature(sess, name)
	})
}

// FetchMutations queries the characteristic mutations of variant using the thresholds of the
// named signature and makes them its selection.
func (s *Service) FetchMutations(ctx context.Context, prefix string, name string, variant string, nucleotideOnly bool) ([]upstream.MutationStat, error) {
	variant = strings.TrimSpace(variant)
	var stats []upstream.MutationStat
	err := s.updateSignature(ctx, prefix, name, func(store *signature.Store) error {
		minAbundance, minCoverage := store.Thresholds()
		var err error
		stats, err = s.upstream.FetchMutations(ctx, upstream.Query{
			Variant:        variant,
			MinAbundance:   minAbundance,
			MinCoverage:    minCoverage,
			NucleotideOnly: nucleotideOnly,
		})
		if err != nil {
			return err
		}
		store.SetVariant(variant)
		return store.Replace(upstream.Mutations(stats))
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{"session": prefix, "signature": name}).Infof("fetched %d mutations for %s", len(stats), variant)
	return stats, nil
}

func (s *Service) SetVariant(ctx context.Context, prefix string, name string, variant string) (signature.VariantSignature, error) {
	return s.modify(ctx, prefix, name, func(store *signature.Store) error {
		store.SetVariant(strings.TrimSpace(variant))
		return nil
	})
}

func (s *Service) AddMutation(ctx context.Context, prefix string, name string, mutation string) (signature.VariantSignature, error) {
	m, err := signature.ParseMutation(mutation)
	if err != nil {
		return signature.VariantSignature{}, err
	}
	return s.modify(ctx, prefix, name, func(store *signature.Store) error {
		return store.Add(m)
	})
}

// RemoveMutation reports ErrNotFound if the mutation is not selected.
func (s *Service) RemoveMutation(ctx context.Context, prefix string, name string, mutation string) (signature.VariantSignature, error) {
	m, err := signature.ParseMutation(mutation)
	if err != nil {
		return signature.VariantSignature{}, err
	}
	return s.modify(ctx, prefix, name, func(store *signature.Store) error {
		if !store.Remove(m) {
			return errors.WithStack(&composererrors.ErrNotFound{Type: "mutation", Value: m.String()})
		}
		return nil
	})
}

func (s *Service) SetThresholds(ctx context.Context, prefix string, name string, minAbundance float64, minCoverage int) (signature.VariantSignature, error) {
	return s.modify(ctx, prefix, name, func(store *signature.Store) error {
		return store.SetThresholds(minAbundance, minCoverage)
	})
}

func (s *Service) ExportSignature(ctx context.Context, prefix string, name string) ([]byte, error) {
	var data []byte
	err := s.viewSignature(ctx, prefix, name, func(store *signature.Store) error {
		var err error
		data, err = store.ExportYAML()
		return err
	})
	return data, err
}

func (s *Service) ImportSignature(ctx context.Context, prefix string, name string, data []byte) (signature.VariantSignature, error) {
	return s.modify(ctx, prefix, name, func(store *signature.Store) error {
		return store.Import(data)
	})
}

// SubmitJob starts, or joins, the computation of req over the session's current signatures. The
// signatures are validated, thresholds first, before anything reaches the broker.
func (s *Service) SubmitJob(ctx context.Context, prefix string, req JobRequest) (jobqueue.TaskHandle, bool, error) {
	var handle jobqueue.TaskHandle
	var created bool
	err := s.update(ctx, prefix, func(sess *session.Session) error {
		sigs, err := s.jobSignatures(sess, req)
		if err != nil {
			return err
		}
		for i := range sigs {
			if req.MinAbundance != nil {
				sigs[i].MinAbundance = *req.MinAbundance
			}
			if req.MinCoverage != nil {
				sigs[i].MinCoverage = *req.MinCoverage
			}
		}
		spec, err := jobspec.New(req.Kind, sigs, req.Params, s.clock.Now())
		if err != nil {
			return err
		}
		handle, created, err = s.jobs.Submit(ctx, spec, sess.Prefix())
		if err != nil {
			return err
		}
		sess.RecordJob(handle.Fingerprint)
		return nil
	})
	return handle, created, err
}

func (s *Service) jobSignatures(sess *session.Session, req JobRequest) ([]signature.VariantSignature, error) {
	if len(req.Signatures) > 0 {
		sigs := make([]signature.VariantSignature, 0, len(req.Signatures))
		for _, name := range req.Signatures {
			store, err := s.sessions.LookupSignature(sess, name)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, store.Export())
		}
		return sigs, nil
	}
	all := sess.Signatures()
	if req.Kind == jobspec.KindDeconvolution {
		var sigs []signature.VariantSignature
		for _, name := range sess.SignatureNames() {
			if len(all[name].Mutations) > 0 {
				sigs = append(sigs, all[name])
			}
		}
		if len(sigs) > 0 {
			return sigs, nil
		}
	}
	return []signature.VariantSignature{all[session.DefaultSignature]}, nil
}

// JobStatus is keyed by fingerprint alone since results are shared between sessions.
func (s *Service) JobStatus(ctx context.Context, fingerprint jobspec.Fingerprint) (*jobqueue.JobStatus, error) {
	return s.jobs.Tracker().Status(ctx, fingerprint)
}

func (s *Service) SessionJobs(ctx context.Context, prefix string) ([]*jobqueue.JobStatus, error) {
	var statuses []*jobqueue.JobStatus
	err := s.view(ctx, prefix, func(sess *session.Session) error {
		var err error
		statuses, err = s.jobs.Tracker().SessionJobs(ctx, sess)
		return err
	})
	return statuses, err
}

// ForgetJob drops a finished result so that the next submission computes it again.
func (s *Service) ForgetJob(ctx context.Context, fingerprint jobspec.Fingerprint) error {
	return s.cache.Forget(ctx, fingerprint)
}

func (s *Service) modify(ctx context.Context, prefix string, name string, fn func(*signature.Store) error) (signature.VariantSignature, error) {
	var sig signature.VariantSignature
	err := s.updateSignature(ctx, prefix, name, func(store *signature.Store) error {
		if err := fn(store); err != nil {
			return err
		}
		sig = store.Export()
		return nil
	})
	return sig, err
}

// updateSignature creates the named signature if the session does not have it yet.
func (s *Service) updateSignature(ctx context.Context, prefix string, name string, fn func(*signature.Store) error) error {
	return s.update(ctx, prefix, func(sess *session.Session) error {
		store, err := s.sessions.SignatureStore(sess, name)
		if err != nil {
			return err
		}
		return fn(store)
	})
}

func (s *Service) viewSignature(ctx context.Context, prefix string, name string, fn func(*signature.Store) error) error {
	return s.view(ctx, prefix, func(sess *session.Session) error {
		store, err := s.sessions.LookupSignature(sess, name)
		if err != nil {
			return err
		}
		return fn(store)
	})
}

func (s *Service) update(ctx context.Context, prefix string, fn func(*session.Session) error) error {
	sess, err := s.sessions.NewSession(ctx, prefix)
	if err != nil {
		return err
	}
	return s.sessions.Update(ctx, sess, fn)
}

func (s *Service) view(ctx context.Context, prefix string, fn func(*session.Session) error) error {
	sess, err := s.sessions.NewSession(ctx, prefix)
	if err != nil {
		return err
	}
	return s.sessions.View(ctx, sess, fn)
}

// Flush persists sessions before shutdown.
func (s *Service) Flush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.sessions.Flush(flushCtx)
}
