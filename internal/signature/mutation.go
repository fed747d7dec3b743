package signature

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
)

const (
	nucleotideSymbols = "ACGTN"
	deletion          = "-"
)

var (
	nucleotidePattern = regexp.MustCompile(`^([ACGTN]?)(\d+)([ACGTN-])$`)
	aminoAcidPattern  = regexp.MustCompile(`^([A-Z*]?)(\d+)([A-Z*-])$`)
	genePattern       = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Mutation is a single nucleotide or amino-acid change. Gene is empty for nucleotide mutations
// and Ref is empty when the reference symbol is unknown.
type Mutation struct {
	Gene     string `json:"gene,omitempty"`
	Position int    `json:"position"`
	Ref      string `json:"ref,omitempty"`
	Alt      string `json:"alt"`
}

// ParseMutation accepts the notation used by the surveillance API: C241T, 241T or 241- for
// nucleotides and S:N501Y or ORF1a:S3675- for amino acids.
func ParseMutation(s string) (Mutation, error) {
	s = strings.TrimSpace(s)
	if gene, change, ok := strings.Cut(s, ":"); ok {
		parts := aminoAcidPattern.FindStringSubmatch(strings.ToUpper(change))
		if !genePattern.MatchString(gene) || parts == nil {
			return Mutation{}, invalidMutation(s, "expected GENE:[REF]POSITIONALT")
		}
		return newMutation(s, gene, parts[2], parts[1], parts[3])
	}
	parts := nucleotidePattern.FindStringSubmatch(strings.ToUpper(s))
	if parts == nil {
		return Mutation{}, invalidMutation(s, "expected [REF]POSITIONALT with symbols from ACGTN or - for a deletion")
	}
	return newMutation(s, "", parts[2], parts[1], parts[3])
}

func newMutation(raw, gene, position, ref, alt string) (Mutation, error) {
	pos, err := strconv.Atoi(position)
	if err != nil {
		return Mutation{}, invalidMutation(raw, err.Error())
	}
	m := Mutation{Gene: gene, Position: pos, Ref: ref, Alt: alt}
	if err := m.Validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

func (m Mutation) Validate() error {
	if m.Position <= 0 {
		return invalidMutation(m.String(), "position must be positive")
	}
	if m.IsAminoAcid() {
		if !isAminoAcidSymbol(m.Alt, true) || (m.Ref != "" && !isAminoAcidSymbol(m.Ref, false)) {
			return invalidMutation(m.String(), "amino acid symbols must be a single letter, * or -")
		}
		return nil
	}
	if len(m.Alt) != 1 || !strings.Contains(nucleotideSymbols+deletion, m.Alt) {
		return invalidMutation(m.String(), "alternative must be one of A, C, G, T, N or -")
	}
	if m.Ref != "" && (len(m.Ref) != 1 || !strings.Contains(nucleotideSymbols, m.Ref)) {
		return invalidMutation(m.String(), "reference must be one of A, C, G, T or N")
	}
	return nil
}

func isAminoAcidSymbol(s string, allowDeletion bool) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || c == '*' || (allowDeletion && c == '-')
}

func (m Mutation) IsAminoAcid() bool {
	return m.Gene != ""
}

func (m Mutation) String() string {
	s := fmt.Sprintf("%s%d%s", m.Ref, m.Position, m.Alt)
	if m.IsAminoAcid() {
		return m.Gene + ":" + s
	}
	return s
}

// Less orders mutations by position and mutant symbol, then by reference and gene to make the
// order total.
func (m Mutation) Less(other Mutation) bool {
	if m.Position != other.Position {
		return m.Position < other.Position
	}
	if m.Alt != other.Alt {
		return m.Alt < other.Alt
	}
	if m.Ref != other.Ref {
		return m.Ref < other.Ref
	}
	return m.Gene < other.Gene
}

func invalidMutation(value string, message string) error {
	return errors.WithStack(&composererrors.ErrInvalidArgument{
		Name:    "mutation",
		Value:   value,
		Message: message,
	})
}
