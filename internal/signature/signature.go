package signature

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

const (
	DefaultMinAbundance = 0.8
	DefaultMinCoverage  = 15
)

// VariantSignature is a value snapshot of a Store. Mutations are sorted and unique.
type VariantSignature struct {
	Variant      string     `json:"variant"`
	Mutations    []Mutation `json:"mutations"`
	MinAbundance float64    `json:"min_abundance"`
	MinCoverage  int        `json:"min_coverage"`
}

// Store holds the mutations selected in one session together with the thresholds used to query
// and filter them. A Store belongs to exactly one session and is not safe for concurrent use.
type Store struct {
	variant      string
	mutations    map[string]Mutation
	minAbundance float64
	minCoverage  int
}

func NewStore() *Store {
	return &Store{
		mutations:    map[string]Mutation{},
		minAbundance: DefaultMinAbundance,
		minCoverage:  DefaultMinCoverage,
	}
}

// NewStoreFromSignature validates sig and returns a store holding it.
func NewStoreFromSignature(sig VariantSignature) (*Store, error) {
	s := NewStore()
	if err := s.replace(sig); err != nil {
		return nil, err
	}
	return s, nil
}

// Add inserts m. Adding a mutation that is already present does nothing.
func (s *Store) Add(m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mutations[m.String()] = m
	return nil
}

// Remove returns false if m was not in the store.
func (s *Store) Remove(m Mutation) bool {
	key := m.String()
	if _, ok := s.mutations[key]; !ok {
		return false
	}
	delete(s.mutations, key)
	return true
}

func (s *Store) Contains(m Mutation) bool {
	_, ok := s.mutations[m.String()]
	return ok
}

func (s *Store) Len() int {
	return len(s.mutations)
}

// Replace swaps the selected mutations for the given ones, keeping the variant and thresholds.
// The store is left unchanged if any mutation is invalid.
func (s *Store) Replace(mutations []Mutation) error {
	replacement := make(map[string]Mutation, len(mutations))
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return err
		}
		replacement[m.String()] = m
	}
	s.mutations = replacement
	return nil
}

// Clear removes every mutation but keeps the variant and thresholds.
func (s *Store) Clear() {
	s.mutations = map[string]Mutation{}
}

func (s *Store) SetVariant(variant string) {
	s.variant = variant
}

func (s *Store) Variant() string {
	return s.variant
}

// SetThresholds clamps minAbundance to [0, 1] and rejects a NaN abundance or a negative coverage.
// On error the store is left unchanged.
func (s *Store) SetThresholds(minAbundance float64, minCoverage int) error {
	abundance, err := normaliseThresholds(minAbundance, minCoverage)
	if err != nil {
		return err
	}
	s.minAbundance = abundance
	s.minCoverage = minCoverage
	return nil
}

func (s *Store) Thresholds() (float64, int) {
	return s.minAbundance, s.minCoverage
}

func (s *Store) Export() VariantSignature {
	mutations := make([]Mutation, 0, len(s.mutations))
	for _, m := range s.mutations {
		mutations = append(mutations, m)
	}
	SortMutations(mutations)
	return VariantSignature{
		Variant:      s.variant,
		Mutations:    mutations,
		MinAbundance: s.minAbundance,
		MinCoverage:  s.minCoverage,
	}
}

// Import replaces the whole content of the store with the signature in yamlBytes.
// The store is left unchanged if the document is invalid.
func (s *Store) Import(yamlBytes []byte) error {
	sig, err := Unmarshal(yamlBytes)
	if err != nil {
		return err
	}
	return s.replace(sig)
}

func (s *Store) ExportYAML() ([]byte, error) {
	return Marshal(s.Export())
}

func (s *Store) replace(sig VariantSignature) error {
	abundance, err := normaliseThresholds(sig.MinAbundance, sig.MinCoverage)
	if err != nil {
		return err
	}
	mutations := make(map[string]Mutation, len(sig.Mutations))
	for _, m := range sig.Mutations {
		if err := m.Validate(); err != nil {
			return err
		}
		mutations[m.String()] = m
	}
	s.variant = sig.Variant
	s.mutations = mutations
	s.minAbundance = abundance
	s.minCoverage = sig.MinCoverage
	return nil
}

func normaliseThresholds(minAbundance float64, minCoverage int) (float64, error) {
	if math.IsNaN(minAbundance) {
		return 0, errors.WithStack(&composererrors.ErrInvalidThreshold{Name: "min_abundance", Value: minAbundance, Range: "a number in [0, 1]"})
	}
	if minCoverage < 0 {
		return 0, errors.WithStack(&composererrors.ErrInvalidThreshold{Name: "min_coverage", Value: float64(minCoverage), Range: "a non-negative integer"})
	}
	return math.Min(1, math.Max(0, minAbundance)), nil
}

func SortMutations(mutations []Mutation) {
	slices.SortFunc(mutations, Mutation.Less)
}
