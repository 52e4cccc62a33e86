package query

import (
	"strings"

	"github.com/INLOpen/nexussearch/core"
)

// Full-text expression grammar: whitespace-separated terms are implicitly
// conjunctive, the keyword OR separates alternative clauses, a leading '-'
// prohibits a term, double quotes group a phrase, and a backslash escapes
// the following character (so \OR, \-, \" are ordinary text). Phrases are
// matched as conjunctions of their tokens; token positions are not stored.

type ftToken struct {
	text       string
	quoted     bool
	prohibited bool
}

func (t *Translator) translateFullText(c FullTextSearch) (Plan, error) {
	tokens, err := scanFullText(c.Expression)
	if err != nil {
		return nil, err
	}
	var clauses []ftClause
	var current ftClause
	flush := func() {
		if len(current.groups) > 0 || len(current.prohibited) > 0 {
			clauses = append(clauses, current)
		}
		current = ftClause{}
	}
	for _, tok := range tokens {
		if !tok.quoted && !tok.prohibited && tok.text == "OR" {
			flush()
			continue
		}
		analyzed := t.Analyzer.Tokens(tok.text)
		if tok.prohibited {
			current.prohibited = append(current.prohibited, analyzed...)
			continue
		}
		for _, term := range analyzed {
			current.groups = append(current.groups, t.expandSynonyms(term))
		}
	}
	flush()
	if len(clauses) == 0 {
		return nil, core.Invalidf("full-text expression %q contains no searchable terms", c.Expression)
	}
	return fullTextPlan{field: core.FullTextField(c.Property), clauses: clauses}, nil
}

// expandSynonyms builds the token group: the term itself plus its synonym
// expansions, each run through the analyzer so multi-word synonyms still
// produce index-normalized terms.
func (t *Translator) expandSynonyms(term string) []string {
	group := []string{term}
	if t.Synonyms == nil {
		return group
	}
	for _, syn := range t.Synonyms.Synonyms(term) {
		group = append(group, t.Analyzer.Tokens(syn)...)
	}
	return group
}

// FullTextTerms collects the analyzer-normalized positive terms of every
// full-text constraint in the tree, synonym expansions included. Excerpt
// highlighting uses them; prohibited terms and constraints under a NOT are
// skipped, and malformed expressions contribute nothing.
func (t *Translator) FullTextTerms(c Constraint) []string {
	var terms []string
	var walk func(Constraint)
	walk = func(c Constraint) {
		switch c := c.(type) {
		case And:
			for _, sub := range c.Constraints {
				walk(sub)
			}
		case Or:
			for _, sub := range c.Constraints {
				walk(sub)
			}
		case FullTextSearch:
			tokens, err := scanFullText(c.Expression)
			if err != nil {
				return
			}
			for _, tok := range tokens {
				if tok.prohibited || (!tok.quoted && tok.text == "OR") {
					continue
				}
				for _, term := range t.Analyzer.Tokens(tok.text) {
					terms = append(terms, t.expandSynonyms(term)...)
				}
			}
		}
	}
	walk(c)
	return terms
}

// scanFullText splits the raw expression into tokens, honoring quotes and
// backslash escapes.
func scanFullText(expr string) ([]ftToken, error) {
	var tokens []ftToken
	var buf strings.Builder
	var quoted, inToken, prohibited, escapedAny bool

	emit := func() {
		if !inToken {
			return
		}
		text := buf.String()
		// An escaped OR is an ordinary term; mark it quoted so the clause
		// builder does not treat it as the separator.
		tokens = append(tokens, ftToken{text: text, quoted: quoted || escapedAny, prohibited: prohibited})
		buf.Reset()
		quoted, inToken, prohibited, escapedAny = false, false, false, false
	}

	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\':
			if i+1 >= len(runes) {
				return nil, core.Invalidf("full-text expression %q ends with a dangling escape", expr)
			}
			i++
			buf.WriteRune(runes[i])
			inToken = true
			escapedAny = true
		case quoted:
			if r == '"' {
				emit()
			} else {
				buf.WriteRune(r)
			}
		case r == '"':
			// Keep a pending '-' prefix attached to the phrase.
			if buf.Len() > 0 {
				emit()
			}
			quoted = true
			inToken = true
		case r == '-' && !inToken:
			prohibited = true
			inToken = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			emit()
		default:
			buf.WriteRune(r)
			inToken = true
		}
	}
	if quoted {
		return nil, core.Invalidf("full-text expression %q has an unterminated phrase", expr)
	}
	emit()
	return tokens, nil
}
