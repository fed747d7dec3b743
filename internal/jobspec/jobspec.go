package jobspec

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

type Kind string

const (
	KindHeatmap       Kind = "heatmap"
	KindDeconvolution Kind = "deconvolution"
)

var knownKinds = map[Kind]bool{
	KindHeatmap:       true,
	KindDeconvolution: true,
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !knownKinds[k] {
		return "", errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "kind",
			Value:   s,
			Message: "must be one of heatmap, deconvolution",
		})
	}
	return k, nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// JobSpec describes one analysis request. A heatmap covers one signature, a deconvolution
// estimates the abundance of every signature in the list against each other. Build it with New,
// which takes private copies of the signatures and params so a JobSpec is never mutated after
// construction.
type JobSpec struct {
	Kind        Kind                         `json:"kind"`
	Signatures  []signature.VariantSignature `json:"signatures"`
	Params      map[string]string            `json:"params,omitempty"`
	SubmittedAt time.Time                    `json:"submitted_at"`
}

// New validates the request and normalises it: thresholds are checked before anything else,
// mutations are deduplicated and sorted, and signatures are ordered by variant name.
func New(kind Kind, sigs []signature.VariantSignature, params map[string]string, submittedAt time.Time) (JobSpec, error) {
	if !knownKinds[kind] {
		return JobSpec{}, errors.WithStack(&composererrors.ErrInvalidArgument{Name: "kind", Value: kind})
	}
	if len(sigs) == 0 {
		return JobSpec{}, errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "signatures",
			Value:   kind,
			Message: "a job needs at least one signature",
		})
	}
	if kind == KindHeatmap && len(sigs) > 1 {
		return JobSpec{}, errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "signatures",
			Value:   len(sigs),
			Message: "a heatmap covers exactly one signature",
		})
	}

	for _, sig := range sigs {
		if err := validateThresholds(sig); err != nil {
			return JobSpec{}, err
		}
	}
	normalised := make([]signature.VariantSignature, len(sigs))
	variants := make(map[string]bool, len(sigs))
	for i, sig := range sigs {
		if variants[sig.Variant] {
			return JobSpec{}, errors.WithStack(&composererrors.ErrInvalidArgument{
				Name:    "signatures",
				Value:   sig.Variant,
				Message: "variant names must be unique within a job",
			})
		}
		variants[sig.Variant] = true
		mutations, err := normaliseMutations(sig)
		if err != nil {
			return JobSpec{}, err
		}
		normalised[i] = signature.VariantSignature{
			Variant:      sig.Variant,
			Mutations:    mutations,
			MinAbundance: math.Min(1, math.Max(0, sig.MinAbundance)),
			MinCoverage:  sig.MinCoverage,
		}
	}
	sortByVariant(normalised)

	var paramsCopy map[string]string
	if len(params) > 0 {
		paramsCopy = make(map[string]string, len(params))
		for k, v := range params {
			k = strings.TrimSpace(k)
			if k == "" {
				return JobSpec{}, errors.WithStack(&composererrors.ErrInvalidArgument{Name: "params", Value: v, Message: "parameter names must not be empty"})
			}
			paramsCopy[k] = strings.TrimSpace(v)
		}
	}

	return JobSpec{
		Kind:        kind,
		Signatures:  normalised,
		Params:      paramsCopy,
		SubmittedAt: submittedAt.UTC(),
	}, nil
}

// Variants lists the variant names of the job's signatures.
func (s JobSpec) Variants() []string {
	names := make([]string, len(s.Signatures))
	for i, sig := range s.Signatures {
		names[i] = sig.Variant
	}
	return names
}

func validateThresholds(sig signature.VariantSignature) error {
	if math.IsNaN(sig.MinAbundance) {
		return errors.WithStack(&composererrors.ErrInvalidThreshold{Name: "min_abundance", Value: sig.MinAbundance, Range: "a number in [0, 1]"})
	}
	if sig.MinCoverage < 0 {
		return errors.WithStack(&composererrors.ErrInvalidThreshold{Name: "min_coverage", Value: float64(sig.MinCoverage), Range: "a non-negative integer"})
	}
	return nil
}

func normaliseMutations(sig signature.VariantSignature) ([]signature.Mutation, error) {
	mutations := make([]signature.Mutation, 0, len(sig.Mutations))
	seen := make(map[string]bool, len(sig.Mutations))
	for _, m := range sig.Mutations {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if seen[m.String()] {
			continue
		}
		seen[m.String()] = true
		mutations = append(mutations, m)
	}
	if len(mutations) == 0 {
		return nil, errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "signature",
			Value:   sig.Variant,
			Message: "select at least one mutation before submitting a job",
		})
	}
	signature.SortMutations(mutations)
	return mutations, nil
}

func sortByVariant(sigs []signature.VariantSignature) {
	slices.SortStableFunc(sigs, func(a, b signature.VariantSignature) bool {
		return a.Variant < b.Variant
	})
}
