package core

import "github.com/RoaringBitmap/roaring"

// TermVisitor is called for each term of an ordered term-range scan.
// Returning false stops the scan.
type TermVisitor func(term string, postings *roaring.Bitmap) bool

// SegmentView is the read contract shared by persistent segments, the
// volatile segment, and the composed multi-segment view. Doc numbers are
// local to the implementing view; the multi-segment view translates its
// global numbers before delegating.
type SegmentView interface {
	// Name identifies the segment for logging and metadata bookkeeping.
	Name() string
	// DocumentCount returns the total number of documents including
	// deleted ones; doc numbers range over [0, DocumentCount).
	DocumentCount() uint32
	// LiveDocumentCount returns DocumentCount minus deletions.
	LiveDocumentCount() uint32
	// IsDeleted reports whether the given doc number is deleted.
	IsDeleted(doc uint32) bool
	// DeletedDocs returns the deleted-doc set. The returned bitmap must
	// be treated as read-only and may be shared with the segment.
	DeletedDocs() *roaring.Bitmap
	// Document loads the stored document, decoding only the parts named
	// by the selector.
	Document(doc uint32, sel FieldSelector) (*Document, error)
	// TermMatches returns the postings of an exact field/term pair,
	// including deleted documents. Callers filter against DeletedDocs.
	TermMatches(field, term string) (*roaring.Bitmap, error)
	// VisitTermRange walks the ordered terms of a field between lo and hi.
	// An empty hi means "to the end of the field".
	VisitTermRange(field, lo, hi string, includeLo, includeHi bool, visit TermVisitor) error
	// Parent resolves the parent reference of a live document.
	Parent(doc uint32) (DocId, error)
	// LookupIdentity resolves a node identity to its live doc number, or
	// -1 when no live document carries the identity.
	LookupIdentity(id string) (int64, error)
}

// DeleteListener observes foreground document deletions. The merger
// registers one for the duration of a merge window so deletions against
// the source segments can be re-applied to the merged segment.
type DeleteListener interface {
	DocumentDeleted(identity string)
}
