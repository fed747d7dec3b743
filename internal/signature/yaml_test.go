package signature

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

func TestImportExport_RoundTrip(t *testing.T) {
	tests := map[string]VariantSignature{
		"empty": {
			Variant:      "",
			Mutations:    []Mutation{},
			MinAbundance: 0,
			MinCoverage:  0,
		},
		"nucleotides": {
			Variant:      "LP.8",
			Mutations:    []Mutation{c241t, {Position: 2790, Alt: "T"}, c3037t, {Position: 28271, Ref: "A", Alt: "-"}},
			MinAbundance: 0.8,
			MinCoverage:  15,
		},
		"amino acids": {
			Variant:      "XEC",
			Mutations:    []Mutation{sN501Y, {Gene: "ORF1a", Position: 3675, Ref: "S", Alt: "-"}, {Gene: "ORF8", Position: 27, Alt: "*"}},
			MinAbundance: 0.0125,
			MinCoverage:  100,
		},
	}
	for name, sig := range tests {
		t.Run(name, func(t *testing.T) {
			original, err := NewStoreFromSignature(sig)
			require.NoError(t, err)
			exported, err := original.ExportYAML()
			require.NoError(t, err)

			imported := NewStore()
			require.NoError(t, imported.Import(exported))

			if diff := cmp.Diff(original.Export(), imported.Export()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	doc := `
variant: LP.8
min_abundance: 0.8
min_coverage: 15
mutations:
  - position: 3037
    change: C>T
  - position: 241
    change: c>t
  - position: 241
    change: C>T
  - position: 2790
    change: T
  - position: 501
    change: N>Y
    gene: S
`
	sig, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	expected := VariantSignature{
		Variant:      "LP.8",
		Mutations:    []Mutation{c241t, sN501Y, {Position: 2790, Alt: "T"}, c3037t},
		MinAbundance: 0.8,
		MinCoverage:  15,
	}
	assert.Equal(t, expected, sig)
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := map[string]string{
		"not yaml":          "variant: [",
		"unknown field":     "variant: LP.8\ncolour: red\n",
		"bad position":      "mutations:\n  - position: 0\n    change: C>T\n",
		"bad change":        "mutations:\n  - position: 10\n    change: C>Q\n",
		"bad coverage type": "min_coverage: lots\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(doc))
			var e *composererrors.ErrInvalidArgument
			assert.ErrorAs(t, err, &e)
		})
	}
}

func TestImport_LeavesStoreUnchangedOnError(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(c241t))
	before := s.Export()

	err := s.Import([]byte("variant: LP.8\nmin_coverage: -1\n"))

	var e *composererrors.ErrInvalidThreshold
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, before, s.Export())
}

func TestMarshal_Format(t *testing.T) {
	out, err := Marshal(VariantSignature{
		Variant:      "LP.8",
		Mutations:    []Mutation{c241t, sN501Y},
		MinAbundance: 0.8,
		MinCoverage:  15,
	})
	require.NoError(t, err)

	expected := `variant: LP.8
mutations:
- position: 241
  change: C>T
- position: 501
  change: N>Y
  gene: S
min_abundance: 0.8
min_coverage: 15
`
	assert.Equal(t, expected, string(out))
}
