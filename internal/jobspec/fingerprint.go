package jobspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

// ThresholdPrecision is the number of decimal places abundance thresholds are rounded to before
// hashing.
const ThresholdPrecision = 4

// Bump when the canonical form changes so old cache entries stop matching.
const canonicalFormVersion = 2

// Fingerprint is the hex encoded SHA-256 digest (256 bits) of a canonicalised JobSpec.
// It is global: identical analyses from different sessions share a fingerprint.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// ParseFingerprint accepts the lower case hex form produced by JobSpec.Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != 2*sha256.Size {
		return "", errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "fingerprint",
			Value:   s,
			Message: "must be 64 hexadecimal characters",
		})
	}
	if _, err := hex.DecodeString(s); err != nil || strings.ToLower(s) != s {
		return "", errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "fingerprint",
			Value:   s,
			Message: "must be 64 lower case hexadecimal characters",
		})
	}
	return Fingerprint(s), nil
}

// Short is a log friendly prefix of the fingerprint.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

type canonicalSignature struct {
	Variant      string   `json:"variant"`
	Mutations    []string `json:"mutations"`
	MinAbundance string   `json:"min_abundance"`
	MinCoverage  int      `json:"min_coverage"`
}

type canonicalSpec struct {
	Version    int                  `json:"v"`
	Kind       Kind                 `json:"kind"`
	Signatures []canonicalSignature `json:"signatures"`
	Params     map[string]string    `json:"params"`
}

// Fingerprint hashes the canonical form of the job spec: kind, the signatures ordered by variant
// name, each with its mutations sorted by position and mutant symbol with duplicates removed, its
// abundance rounded to ThresholdPrecision decimals and its coverage, and the params. SubmittedAt
// is not part of it.
func (s JobSpec) Fingerprint() Fingerprint {
	sum := sha256.Sum256(s.canonicalForm())
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func (s JobSpec) canonicalForm() []byte {
	sigs := append(s.Signatures[:0:0], s.Signatures...)
	sortByVariant(sigs)
	signatures := make([]canonicalSignature, len(sigs))
	for i, sig := range sigs {
		signatures[i] = canonicalSignature{
			Variant:      sig.Variant,
			Mutations:    canonicalMutations(sig.Mutations),
			MinAbundance: roundThreshold(sig.MinAbundance),
			MinCoverage:  sig.MinCoverage,
		}
	}

	params := s.Params
	if params == nil {
		params = map[string]string{}
	}

	canonical := canonicalSpec{
		Version:    canonicalFormVersion,
		Kind:       s.Kind,
		Signatures: signatures,
		Params:     params,
	}
	// Marshalling structs of strings, ints and a string map cannot fail and encoding/json writes
	// map keys in sorted order.
	out, _ := json.Marshal(canonical)
	return out
}

func canonicalMutations(in []signature.Mutation) []string {
	sorted := append(in[:0:0], in...)
	signature.SortMutations(sorted)
	mutations := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, m := range sorted {
		if !seen[m.String()] {
			seen[m.String()] = true
			mutations = append(mutations, m.String())
		}
	}
	return mutations
}

func roundThreshold(v float64) string {
	scale := math.Pow10(ThresholdPrecision)
	rounded := math.Round(v*scale) / scale
	if rounded == 0 {
		rounded = 0 // normalise -0
	}
	return strconv.FormatFloat(rounded, 'f', ThresholdPrecision, 64)
}
