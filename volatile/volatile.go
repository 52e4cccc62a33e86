// Package volatile implements the in-memory write-buffering segment.
// New and changed documents accumulate here until the index flushes them
// to a persistent segment. The term dictionary lives in a skiplist so
// ordered range scans behave exactly like the persistent term dictionary.
package volatile

import (
	"fmt"
	"strings"
	"sync"

	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/nexussearch/analysis"
	"github.com/INLOpen/nexussearch/core"
)

// SegmentName is the reserved name of the volatile segment; the metadata
// store never registers it.
const SegmentName = "volatile"

const termKeySeparator = "\x00"

func termKey(field, term string) string {
	return field + termKeySeparator + term
}

// Segment is the volatile write buffer. It implements core.SegmentView so
// the multi-segment view composes it like any persistent segment.
type Segment struct {
	mu         sync.RWMutex
	docs       []*core.Document
	deleted    *roaring.Bitmap
	identities map[string]uint32
	terms      *skiplist.SkipList[string, *roaring.Bitmap]
	analyzer   analysis.Analyzer
}

var _ core.SegmentView = (*Segment)(nil)

// NewSegment creates an empty volatile segment.
func NewSegment(analyzer analysis.Analyzer) *Segment {
	if analyzer == nil {
		analyzer = analysis.NewStandardAnalyzer()
	}
	return &Segment{
		deleted:    roaring.New(),
		identities: make(map[string]uint32),
		terms:      skiplist.NewWithComparator[string, *roaring.Bitmap](strings.Compare),
		analyzer:   analyzer,
	}
}

// AddDocument buffers d and indexes its terms, returning the assigned
// local doc number. A live document with the same identity must have been
// removed first; the volatile segment never deduplicates silently.
func (s *Segment) AddDocument(d *core.Document) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.identities[d.ID]; ok && !s.deleted.Contains(prev) {
		return 0, fmt.Errorf("identity %s already buffered live in volatile segment", d.ID)
	}
	doc := uint32(len(s.docs))
	s.docs = append(s.docs, d)
	s.identities[d.ID] = doc

	s.addTerm(core.FieldID, d.ID, doc)
	for _, p := range d.ParentIDs {
		s.addTerm(core.FieldParent, p, doc)
	}
	s.addTerm(core.FieldType, d.NodeType, doc)
	for _, m := range d.Mixins {
		s.addTerm(core.FieldType, m, doc)
	}

	var fullText []string
	if d.Text != "" {
		fullText = append(fullText, d.Text)
	}
	for name, values := range d.Properties {
		s.addTerm(core.FieldPropNames, name, doc)
		for _, v := range values {
			encoded, err := core.EncodeValue(v)
			if err != nil {
				return 0, fmt.Errorf("failed to encode property %s of node %s: %w", name, d.ID, err)
			}
			s.addTerm(core.FieldProperties, core.PropertyTerm(name, encoded), doc)
			if v.Type == core.ValueString || v.Type == core.ValueName {
				s.addTerm(core.FieldPropertiesFold, core.PropertyTerm(name, strings.ToLower(encoded)), doc)
				fullText = append(fullText, v.Raw)
				for _, token := range s.analyzer.Tokens(v.Raw) {
					s.addTerm(core.FullTextField(name), token, doc)
				}
			}
		}
	}
	for _, text := range fullText {
		for _, token := range s.analyzer.Tokens(text) {
			s.addTerm(core.FieldFullText, token, doc)
		}
	}
	return doc, nil
}

// addTerm records doc under the field/term postings. Caller holds s.mu.
func (s *Segment) addTerm(field, term string, doc uint32) {
	key := termKey(field, term)
	if node, ok := s.terms.Seek(key); ok && node.Key() == key {
		node.Value().Add(doc)
		return
	}
	bm := roaring.New()
	bm.Add(doc)
	s.terms.Insert(key, bm)
}

// RemoveByIdentity marks the buffered document carrying the identity as
// deleted. Returns false when no live buffered document matches.
func (s *Segment) RemoveByIdentity(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.identities[id]
	if !ok || s.deleted.Contains(doc) {
		return false
	}
	s.deleted.Add(doc)
	return true
}

// Name implements core.SegmentView.
func (s *Segment) Name() string { return SegmentName }

// DocumentCount implements core.SegmentView.
func (s *Segment) DocumentCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.docs))
}

// LiveDocumentCount implements core.SegmentView.
func (s *Segment) LiveDocumentCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.docs)) - uint32(s.deleted.GetCardinality())
}

// IsDeleted implements core.SegmentView.
func (s *Segment) IsDeleted(doc uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.Contains(doc)
}

// DeletedDocs implements core.SegmentView.
func (s *Segment) DeletedDocs() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.Clone()
}

// Document implements core.SegmentView. The selector is ignored: buffered
// documents are already in memory.
func (s *Segment) Document(doc uint32, _ core.FieldSelector) (*core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(doc) >= len(s.docs) {
		return nil, fmt.Errorf("doc number %d out of range in volatile segment", doc)
	}
	return s.docs[doc], nil
}

// TermMatches implements core.SegmentView.
func (s *Segment) TermMatches(field, term string) (*roaring.Bitmap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := termKey(field, term)
	if node, ok := s.terms.Seek(key); ok && node.Key() == key {
		return node.Value().Clone(), nil
	}
	return roaring.New(), nil
}

// VisitTermRange implements core.SegmentView.
func (s *Segment) VisitTermRange(field, lo, hi string, includeLo, includeHi bool, visit core.TermVisitor) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fieldLo := field + "\x00"
	fieldHi := field + "\x01"
	loKey := fieldLo + lo

	iter := s.terms.NewIterator()
	ok := iter.Seek(loKey)
	for ; ok; ok = iter.Next() {
		key := iter.Key()
		if key >= fieldHi {
			break
		}
		term := key[len(fieldLo):]
		if !includeLo && term == lo {
			continue
		}
		if hi != "" {
			if includeHi {
				if term > hi {
					break
				}
			} else if term >= hi {
				break
			}
		}
		if !visit(term, iter.Value()) {
			break
		}
	}
	return nil
}

// Parent implements core.SegmentView. The volatile segment is small and
// short-lived, so parents are computed directly from the buffered document
// without a cache tier.
func (s *Segment) Parent(doc uint32) (core.DocId, error) {
	d, err := s.Document(doc, core.SelectParents)
	if err != nil {
		return core.NullDocId, err
	}
	if len(d.ParentIDs) == 0 {
		return core.NullDocId, nil
	}
	if d.Shareable || len(d.ParentIDs) > 1 {
		return core.NewForeignDocId(d.ParentIDs...), nil
	}
	s.mu.RLock()
	p, ok := s.identities[d.ParentIDs[0]]
	live := ok && !s.deleted.Contains(p)
	s.mu.RUnlock()
	if live {
		return core.NewLocalDocId(p), nil
	}
	return core.NewForeignDocId(d.ParentIDs[0]), nil
}

// LookupIdentity implements core.SegmentView.
func (s *Segment) LookupIdentity(id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.identities[id]
	if !ok || s.deleted.Contains(doc) {
		return -1, nil
	}
	return int64(doc), nil
}

// LiveDocuments returns the buffered live documents in doc-number order,
// for flushing into a persistent segment writer.
func (s *Segment) LiveDocuments() []*core.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := make([]*core.Document, 0, len(s.docs))
	for i, d := range s.docs {
		if !s.deleted.Contains(uint32(i)) {
			live = append(live, d)
		}
	}
	return live
}
