package query

import (
	"fmt"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/view"
)

// NullDoc marks an outer-join row position with no matching document.
const NullDoc int64 = -1

// Row is one result tuple: selector name to global doc number.
type Row map[string]int64

// EvaluateRows executes the per-selector plans and composes result rows.
// A single-selector query yields one row per matching document in doc
// order; a joined query composes the two matched sets nested-loop style.
// The returned results carry the per-selector scores.
func (q *Query) EvaluateRows(v *view.MultiSegmentView) ([]Row, map[string]*Result, error) {
	results := make(map[string]*Result, len(q.Selectors))
	for _, sel := range q.Selectors {
		r, err := q.Plans[sel.Name].Execute(v)
		if err != nil {
			return nil, nil, fmt.Errorf("selector %s: %w", sel.Name, err)
		}
		results[sel.Name] = r
	}

	if q.Join == nil {
		name := q.PrimarySelector()
		r := results[name]
		rows := make([]Row, 0, r.Docs.GetCardinality())
		r.Docs.Iterate(func(doc uint32) bool {
			rows = append(rows, Row{name: int64(doc)})
			return true
		})
		return rows, results, nil
	}

	rows, err := q.composeJoin(v, results)
	if err != nil {
		return nil, nil, err
	}
	return rows, results, nil
}

func (q *Query) composeJoin(v *view.MultiSegmentView, results map[string]*Result) ([]Row, error) {
	left := q.Selectors[0].Name
	right := q.Selectors[1].Name

	pairs, err := q.matchPairs(v, results)
	if err != nil {
		return nil, err
	}

	matchedLeft := make(map[uint32]bool)
	matchedRight := make(map[uint32]bool)
	rows := make([]Row, 0, len(pairs))
	for _, p := range pairs {
		matchedLeft[p.left] = true
		matchedRight[p.right] = true
		rows = append(rows, Row{left: int64(p.left), right: int64(p.right)})
	}

	switch q.Join.Type {
	case JoinLeftOuter:
		results[left].Docs.Iterate(func(doc uint32) bool {
			if !matchedLeft[doc] {
				rows = append(rows, Row{left: int64(doc), right: NullDoc})
			}
			return true
		})
	case JoinRightOuter:
		results[right].Docs.Iterate(func(doc uint32) bool {
			if !matchedRight[doc] {
				rows = append(rows, Row{left: NullDoc, right: int64(doc)})
			}
			return true
		})
	}
	return rows, nil
}

type docPair struct {
	left  uint32 // doc of Selectors[0]
	right uint32 // doc of Selectors[1]
}

// matchPairs evaluates the join condition between the two matched sets.
// The condition names its own sides via Selector1/Selector2, which need
// not follow the declared selector order.
func (q *Query) matchPairs(v *view.MultiSegmentView, results map[string]*Result) ([]docPair, error) {
	cond := q.Join.Condition
	leftName := q.Selectors[0].Name

	pair := func(doc1, doc2 uint32) docPair {
		if cond.Selector1 == leftName {
			return docPair{left: doc1, right: doc2}
		}
		return docPair{left: doc2, right: doc1}
	}
	docs1 := results[cond.Selector1].Docs
	docs2 := results[cond.Selector2].Docs

	var pairs []docPair
	switch cond.Kind {
	case JoinEqui:
		// Index side 2 by encoded property value, then probe with side 1.
		byValue := make(map[string][]uint32)
		err := eachEncodedValue(v, docs2, cond.Property2, func(doc uint32, encoded string) {
			byValue[encoded] = append(byValue[encoded], doc)
		})
		if err != nil {
			return nil, err
		}
		seen := make(map[docPair]bool)
		err = eachEncodedValue(v, docs1, cond.Property1, func(doc uint32, encoded string) {
			for _, other := range byValue[encoded] {
				p := pair(doc, other)
				if !seen[p] {
					seen[p] = true
					pairs = append(pairs, p)
				}
			}
		})
		if err != nil {
			return nil, err
		}

	case JoinSameNode:
		byID, err := identityIndex(v, docs2)
		if err != nil {
			return nil, err
		}
		err = eachDoc(docs1, func(doc uint32) error {
			d, err := v.Document(doc, core.SelectIdentity)
			if err != nil {
				return err
			}
			if other, ok := byID[d.ID]; ok {
				pairs = append(pairs, pair(doc, other))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

	case JoinChildNode:
		// Selector1 is the child side.
		byID, err := identityIndex(v, docs2)
		if err != nil {
			return nil, err
		}
		err = eachDoc(docs1, func(doc uint32) error {
			d, err := v.Document(doc, core.SelectParents)
			if err != nil {
				return err
			}
			for _, parentID := range d.ParentIDs {
				if other, ok := byID[parentID]; ok {
					pairs = append(pairs, pair(doc, other))
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

	case JoinDescendantNode:
		// Selector1 is the descendant side; walk its ancestor chain by
		// identity until it meets a Selector2 match or the root.
		byID, err := identityIndex(v, docs2)
		if err != nil {
			return nil, err
		}
		err = eachDoc(docs1, func(doc uint32) error {
			ancestors, err := ancestorIdentities(v, doc)
			if err != nil {
				return err
			}
			matched := make(map[uint32]bool)
			for _, id := range ancestors {
				if other, ok := byID[id]; ok && !matched[other] {
					matched[other] = true
					pairs = append(pairs, pair(doc, other))
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, core.Invalidf("unsupported join condition kind %d", cond.Kind)
	}
	return pairs, nil
}

func eachDoc(docs interface{ Iterate(func(uint32) bool) }, fn func(uint32) error) error {
	var err error
	docs.Iterate(func(doc uint32) bool {
		err = fn(doc)
		return err == nil
	})
	return err
}

// eachEncodedValue visits every encoded value of the property on every doc
// in the set. Unencodable values are skipped: they can never equi-match.
func eachEncodedValue(v *view.MultiSegmentView, docs interface{ Iterate(func(uint32) bool) }, property string, visit func(doc uint32, encoded string)) error {
	return eachDoc(docs, func(doc uint32) error {
		d, err := v.Document(doc, core.SelectProperties)
		if err != nil {
			return err
		}
		for _, value := range d.Properties[property] {
			encoded, err := core.EncodeValue(value)
			if err != nil {
				continue
			}
			visit(doc, encoded)
		}
		return nil
	})
}

func identityIndex(v *view.MultiSegmentView, docs interface{ Iterate(func(uint32) bool) }) (map[string]uint32, error) {
	byID := make(map[string]uint32)
	err := eachDoc(docs, func(doc uint32) error {
		d, err := v.Document(doc, core.SelectIdentity)
		if err != nil {
			return err
		}
		byID[d.ID] = doc
		return nil
	})
	return byID, err
}

// ancestorIdentities collects all ancestor identities of a document,
// breadth-first through shared parents, capped against cycles.
func ancestorIdentities(v *view.MultiSegmentView, doc uint32) ([]string, error) {
	d, err := v.Document(doc, core.SelectParents)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{d.ID: true}
	var out []string
	frontier := d.ParentIDs
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxHierarchyDepth {
			return nil, fmt.Errorf("ancestor chain of %s deeper than %d levels, assuming a parent cycle", d.ID, maxHierarchyDepth)
		}
		var next []string
		for _, id := range frontier {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			n, err := v.LookupIdentity(id)
			if err != nil {
				return nil, err
			}
			if n < 0 {
				continue
			}
			parent, err := v.Document(uint32(n), core.SelectParents)
			if err != nil {
				return nil, err
			}
			next = append(next, parent.ParentIDs...)
		}
		frontier = next
	}
	return out, nil
}
