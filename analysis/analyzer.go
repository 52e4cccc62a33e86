// Package analysis defines the text-analysis contract the index consumes.
// The tokenization pipeline itself is an external collaborator; the
// StandardAnalyzer here is the minimal concrete implementation the module
// and its tests run with.
package analysis

import (
	"strings"
	"unicode"
)

// Analyzer turns free text into the token stream indexed under the
// full-text fields. Implementations must be safe for concurrent use.
type Analyzer interface {
	// Tokens analyzes text into index terms, already normalized.
	Tokens(text string) []string
}

// SynonymProvider expands a query-side token into equivalent terms. A nil
// provider means no expansion.
type SynonymProvider interface {
	Synonyms(term string) []string
}

// StandardAnalyzer lower-cases and splits on any rune that is neither a
// letter nor a digit.
type StandardAnalyzer struct{}

var _ Analyzer = (*StandardAnalyzer)(nil)

func NewStandardAnalyzer() *StandardAnalyzer {
	return &StandardAnalyzer{}
}

func (a *StandardAnalyzer) Tokens(text string) []string {
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
