package signature

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

type signatureDocument struct {
	Variant      string             `yaml:"variant"`
	Mutations    []mutationDocument `yaml:"mutations"`
	MinAbundance float64            `yaml:"min_abundance"`
	MinCoverage  int                `yaml:"min_coverage"`
}

// Change is REF>ALT, or just ALT when the reference is unknown.
type mutationDocument struct {
	Position int    `yaml:"position"`
	Change   string `yaml:"change"`
	Gene     string `yaml:"gene,omitempty"`
}

func Marshal(sig VariantSignature) ([]byte, error) {
	doc := signatureDocument{
		Variant:      sig.Variant,
		Mutations:    make([]mutationDocument, 0, len(sig.Mutations)),
		MinAbundance: sig.MinAbundance,
		MinCoverage:  sig.MinCoverage,
	}
	for _, m := range sig.Mutations {
		change := m.Alt
		if m.Ref != "" {
			change = m.Ref + ">" + m.Alt
		}
		doc.Mutations = append(doc.Mutations, mutationDocument{Position: m.Position, Change: change, Gene: m.Gene})
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling signature")
	}
	return out, nil
}

// Unmarshal parses and validates a signature document. Mutations are returned sorted and unique.
func Unmarshal(data []byte) (VariantSignature, error) {
	var doc signatureDocument
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return VariantSignature{}, errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "signature",
			Value:   "yaml document",
			Message: err.Error(),
		})
	}

	seen := map[string]bool{}
	mutations := make([]Mutation, 0, len(doc.Mutations))
	for i, md := range doc.Mutations {
		m := Mutation{Gene: md.Gene, Position: md.Position}
		if ref, alt, ok := strings.Cut(md.Change, ">"); ok {
			m.Ref, m.Alt = strings.ToUpper(ref), strings.ToUpper(alt)
		} else {
			m.Alt = strings.ToUpper(md.Change)
		}
		if err := m.Validate(); err != nil {
			return VariantSignature{}, errors.WithMessage(err, fmt.Sprintf("mutation %d", i))
		}
		if !seen[m.String()] {
			seen[m.String()] = true
			mutations = append(mutations, m)
		}
	}
	SortMutations(mutations)

	return VariantSignature{
		Variant:      doc.Variant,
		Mutations:    mutations,
		MinAbundance: doc.MinAbundance,
		MinCoverage:  doc.MinCoverage,
	}, nil
}
