package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/view"
)

// maxHierarchyDepth caps ancestor walks and descendant expansion so a
// corrupted parent chain cannot hang a query.
const maxHierarchyDepth = 1024

// Result is the outcome of one plan: live global doc numbers plus sparse
// scores. Documents absent from Scores score 1.
type Result struct {
	Docs   *roaring.Bitmap
	Scores map[uint32]float64
}

func newResult() *Result {
	return &Result{Docs: roaring.New()}
}

// Score returns the document's score, defaulting to 1.
func (r *Result) Score(doc uint32) float64 {
	if r.Scores != nil {
		if s, ok := r.Scores[doc]; ok {
			return s
		}
	}
	return 1
}

func (r *Result) setScore(doc uint32, s float64) {
	if r.Scores == nil {
		r.Scores = make(map[uint32]float64)
	}
	r.Scores[doc] = s
}

// Plan is one executable query node. Execution is side-effect free against
// an immutable view snapshot.
type Plan interface {
	Execute(v *view.MultiSegmentView) (*Result, error)
}

// matchAllPlan matches every live document.
type matchAllPlan struct{}

func (matchAllPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	return &Result{Docs: v.LiveDocs()}, nil
}

// termPlan matches documents carrying an exact term.
type termPlan struct {
	field string
	term  string
}

func (p termPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	docs, err := v.TermMatches(p.field, p.term)
	if err != nil {
		return nil, err
	}
	return &Result{Docs: docs}, nil
}

// rangePlan matches documents with a term in [lo, hi] of the field, with
// per-bound inclusivity. An empty hi means the field's upper bound.
type rangePlan struct {
	field     string
	lo, hi    string
	includeLo bool
	includeHi bool
}

func (p rangePlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	result := newResult()
	err := v.VisitTermRange(p.field, p.lo, p.hi, p.includeLo, p.includeHi,
		func(_ string, postings *roaring.Bitmap) bool {
			result.Docs.Or(postings)
			return true
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// wildcardPlan matches property-value terms against a compiled LIKE
// pattern. It scans the property's full term range; the literal prefix of
// the pattern is checked first so the regexp only runs on candidates.
type wildcardPlan struct {
	field    string
	property string
	prefix   string
	pattern  *regexp.Regexp
}

func (p wildcardPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	lo, hi := core.PropertyTermBounds(p.property)
	namePrefix := lo
	result := newResult()
	err := v.VisitTermRange(p.field, lo, hi, true, false,
		func(term string, postings *roaring.Bitmap) bool {
			value := strings.TrimPrefix(term, namePrefix)
			if !strings.HasPrefix(value, p.prefix) {
				return true
			}
			if p.pattern.MatchString(value) {
				result.Docs.Or(postings)
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// compileLike turns a LIKE pattern ('%' any sequence, '_' any character,
// '\' escapes) into a literal prefix plus an anchored regexp.
func compileLike(pattern string) (string, *regexp.Regexp, error) {
	var re strings.Builder
	var prefix strings.Builder
	re.WriteString("(?s)^")
	literalPrefix := true
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '%':
			re.WriteString(".*")
			literalPrefix = false
		case '_':
			re.WriteString(".")
			literalPrefix = false
		case '\\':
			if i+1 >= len(runes) {
				return "", nil, core.Invalidf("LIKE pattern %q ends with a dangling escape", pattern)
			}
			i++
			re.WriteString(regexp.QuoteMeta(string(runes[i])))
			if literalPrefix {
				prefix.WriteRune(runes[i])
			}
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
			if literalPrefix {
				prefix.WriteRune(r)
			}
		}
	}
	re.WriteString("$")
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return "", nil, core.Invalidf("LIKE pattern %q: %v", pattern, err)
	}
	return prefix.String(), compiled, nil
}

// andPlan intersects its children; scores of surviving documents are
// summed across children.
type andPlan struct {
	children []Plan
}

func (p andPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	if len(p.children) == 0 {
		return matchAllPlan{}.Execute(v)
	}
	results := make([]*Result, len(p.children))
	for i, child := range p.children {
		r, err := child.Execute(v)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	docs := results[0].Docs.Clone()
	for _, r := range results[1:] {
		docs.And(r.Docs)
		if docs.IsEmpty() {
			break
		}
	}
	out := &Result{Docs: docs}
	if anyScored(results) {
		docs.Iterate(func(doc uint32) bool {
			var s float64
			for _, r := range results {
				s += r.Score(doc)
			}
			out.setScore(doc, s)
			return true
		})
	}
	return out, nil
}

// orPlan unions its children; a document matched by several children gets
// the sum of their scores.
type orPlan struct {
	children []Plan
}

func (p orPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	out := newResult()
	results := make([]*Result, 0, len(p.children))
	for _, child := range p.children {
		r, err := child.Execute(v)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		out.Docs.Or(r.Docs)
	}
	if anyScored(results) {
		out.Docs.Iterate(func(doc uint32) bool {
			var s float64
			for _, r := range results {
				if r.Docs.Contains(doc) {
					s += r.Score(doc)
				}
			}
			out.setScore(doc, s)
			return true
		})
	}
	return out, nil
}

func anyScored(results []*Result) bool {
	for _, r := range results {
		if len(r.Scores) > 0 {
			return true
		}
	}
	return false
}

// notPlan complements its child against the live document set.
type notPlan struct {
	child Plan
}

func (p notPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	r, err := p.child.Execute(v)
	if err != nil {
		return nil, err
	}
	docs := v.LiveDocs()
	docs.AndNot(r.Docs)
	return &Result{Docs: docs}, nil
}

// identityPlan matches the single live document carrying an identity.
type identityPlan struct {
	id string
}

func (p identityPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	return termPlan{field: core.FieldID, term: p.id}.Execute(v)
}

// childrenPlan matches direct children of the node with the identity.
type childrenPlan struct {
	parentID string
}

func (p childrenPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	return termPlan{field: core.FieldParent, term: p.parentID}.Execute(v)
}

// descendantsPlan expands the subtree under an identity breadth-first over
// the parent field. A visited set plus the depth cap guard against parent
// cycles in a damaged index.
type descendantsPlan struct {
	ancestorID  string
	includeSelf bool
}

func (p descendantsPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	result := newResult()
	visited := map[string]bool{p.ancestorID: true}
	frontier := []string{p.ancestorID}

	if p.includeSelf {
		self, err := v.TermMatches(core.FieldID, p.ancestorID)
		if err != nil {
			return nil, err
		}
		result.Docs.Or(self)
	}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxHierarchyDepth {
			return nil, fmt.Errorf("hierarchy deeper than %d levels under %s, assuming a parent cycle", maxHierarchyDepth, p.ancestorID)
		}
		var next []string
		for _, id := range frontier {
			children, err := v.TermMatches(core.FieldParent, id)
			if err != nil {
				return nil, err
			}
			var iterErr error
			children.Iterate(func(doc uint32) bool {
				d, err := v.Document(doc, core.SelectIdentity)
				if err != nil {
					iterErr = err
					return false
				}
				if visited[d.ID] {
					return true
				}
				visited[d.ID] = true
				result.Docs.Add(doc)
				next = append(next, d.ID)
				return true
			})
			if iterErr != nil {
				return nil, iterErr
			}
		}
		frontier = next
	}
	return result, nil
}

// emptyPlan matches nothing. Used when a path constraint resolves to a
// node that is not in the hierarchy.
type emptyPlan struct{}

func (emptyPlan) Execute(*view.MultiSegmentView) (*Result, error) {
	return newResult(), nil
}

// fullTextPlan evaluates an analyzed full-text expression: the disjunction
// of clauses, each clause a conjunction of token groups (a token and its
// synonyms) and prohibited tokens. Scores reflect the fraction of required
// groups a document matched through each clause.
type fullTextPlan struct {
	field   string
	clauses []ftClause
}

type ftClause struct {
	// groups[i] is one required token with its synonym expansions.
	groups     [][]string
	prohibited []string
}

func (p fullTextPlan) Execute(v *view.MultiSegmentView) (*Result, error) {
	out := newResult()
	for _, clause := range p.clauses {
		docs, err := p.executeClause(v, clause)
		if err != nil {
			return nil, err
		}
		if docs == nil {
			continue
		}
		score := 1.0
		if len(clause.groups) > 0 {
			score = float64(len(clause.groups))
		}
		docs.Iterate(func(doc uint32) bool {
			if s := out.Score(doc); out.Docs.Contains(doc) && s > score {
				return true
			}
			out.setScore(doc, score)
			return true
		})
		out.Docs.Or(docs)
	}
	return out, nil
}

func (p fullTextPlan) executeClause(v *view.MultiSegmentView, clause ftClause) (*roaring.Bitmap, error) {
	var docs *roaring.Bitmap
	for _, group := range clause.groups {
		groupDocs := roaring.New()
		for _, token := range group {
			m, err := v.TermMatches(p.field, token)
			if err != nil {
				return nil, err
			}
			groupDocs.Or(m)
		}
		if docs == nil {
			docs = groupDocs
		} else {
			docs.And(groupDocs)
		}
		if docs.IsEmpty() {
			return docs, nil
		}
	}
	if docs == nil {
		// Clause with only prohibited tokens matches nothing on its own.
		return nil, nil
	}
	for _, token := range clause.prohibited {
		m, err := v.TermMatches(p.field, token)
		if err != nil {
			return nil, err
		}
		docs.AndNot(m)
	}
	return docs, nil
}
