// Package excerpt builds highlighted text fragments for search results:
// the matched terms of a query, shown in their surrounding text, wrapped
// in a small XML vocabulary the result renderer consumes.
package excerpt

import (
	"strings"
	"unicode"
)

// Tag vocabulary of the produced markup. The highlight markers around each
// matched term are caller-configurable; everything else is fixed.
const (
	excerptOpen   = "<excerpt>"
	excerptClose  = "</excerpt>"
	fragmentOpen  = "<fragment>"
	fragmentClose = "</fragment>"
	ellipsis      = " ... "
)

// Options configures a Builder.
type Options struct {
	// HighlightPrepend/Append wrap each matched term. Defaults are
	// <strong> and </strong>. They are emitted verbatim, not escaped.
	HighlightPrepend string
	HighlightAppend  string
	// MaxFragments bounds the number of fragments per excerpt.
	MaxFragments int
	// FragmentChars is the approximate fragment length in characters.
	FragmentChars int
}

// Builder produces excerpts. Safe for concurrent use.
type Builder struct {
	opts Options
}

// New creates a builder, applying defaults for zero options.
func New(opts Options) *Builder {
	if opts.HighlightPrepend == "" {
		opts.HighlightPrepend = "<strong>"
	}
	if opts.HighlightAppend == "" {
		opts.HighlightAppend = "</strong>"
	}
	if opts.MaxFragments <= 0 {
		opts.MaxFragments = 3
	}
	if opts.FragmentChars <= 0 {
		opts.FragmentChars = 150
	}
	return &Builder{opts: opts}
}

// span is one matched term occurrence in the source text, in rune offsets.
type span struct {
	start, end int
}

// Excerpt renders the highlighted excerpt of text for the given matched
// terms (already analyzer-normalized, i.e. lower case). Text with no match
// yields a single leading fragment without highlights.
func (b *Builder) Excerpt(text string, terms []string) string {
	runes := []rune(text)
	matches := findMatches(runes, terms)
	fragments := b.groupFragments(runes, matches)

	var out strings.Builder
	out.WriteString(excerptOpen)
	for _, f := range fragments {
		out.WriteString(fragmentOpen)
		if f.start > 0 {
			out.WriteString(ellipsis)
		}
		pos := f.start
		for _, m := range f.matches {
			escapeInto(&out, string(runes[pos:m.start]))
			out.WriteString(b.opts.HighlightPrepend)
			escapeInto(&out, string(runes[m.start:m.end]))
			out.WriteString(b.opts.HighlightAppend)
			pos = m.end
		}
		escapeInto(&out, string(runes[pos:f.end]))
		if f.end < len(runes) {
			out.WriteString(ellipsis)
		}
		out.WriteString(fragmentClose)
	}
	out.WriteString(excerptClose)
	return out.String()
}

type fragment struct {
	start, end int
	matches    []span
}

// findMatches locates term occurrences at token granularity, using the
// same token boundaries as the standard analyzer (letter/digit runs).
func findMatches(runes []rune, terms []string) []span {
	wanted := make(map[string]bool, len(terms))
	for _, t := range terms {
		wanted[t] = true
	}
	var matches []span
	i := 0
	for i < len(runes) {
		if !isTokenRune(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && isTokenRune(runes[i]) {
			i++
		}
		token := strings.ToLower(string(runes[start:i]))
		if wanted[token] {
			matches = append(matches, span{start: start, end: i})
		}
	}
	return matches
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// groupFragments windows the matches into at most MaxFragments fragments
// of about FragmentChars characters, merging overlapping windows and
// snapping window bounds to token boundaries so no word is cut in half.
func (b *Builder) groupFragments(runes []rune, matches []span) []fragment {
	textLen := len(runes)
	if len(matches) == 0 {
		end := textLen
		if end > b.opts.FragmentChars {
			end = b.opts.FragmentChars
		}
		return []fragment{{start: 0, end: snapEnd(runes, end)}}
	}

	half := b.opts.FragmentChars / 2
	var fragments []fragment
	for _, m := range matches {
		start := snapStart(runes, m.start-half)
		end := snapEnd(runes, m.end+half)
		if n := len(fragments); n > 0 && start <= fragments[n-1].end {
			// Overlaps the previous window; extend it instead.
			if end > fragments[n-1].end {
				fragments[n-1].end = end
			}
			fragments[n-1].matches = append(fragments[n-1].matches, m)
			continue
		}
		if len(fragments) == b.opts.MaxFragments {
			break
		}
		fragments = append(fragments, fragment{start: start, end: end, matches: []span{m}})
	}
	return fragments
}

// snapStart moves a window start forward out of the middle of a token.
func snapStart(runes []rune, start int) int {
	if start <= 0 {
		return 0
	}
	for start < len(runes) && isTokenRune(runes[start]) && isTokenRune(runes[start-1]) {
		start++
	}
	return start
}

// snapEnd moves a window end forward to finish the token it landed in.
func snapEnd(runes []rune, end int) int {
	if end >= len(runes) {
		return len(runes)
	}
	for end < len(runes) && isTokenRune(runes[end]) && end > 0 && isTokenRune(runes[end-1]) {
		end++
	}
	return end
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeInto(out *strings.Builder, s string) {
	xmlEscaper.WriteString(out, s) //nolint:errcheck // strings.Builder never errors
}
