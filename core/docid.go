package core

import (
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

type docIDKind uint8

const (
	docIDNull docIDKind = iota
	docIDLocal
	docIDForeign
)

// DocId is a resolved reference to a document: either local (a doc number
// valid only inside the owning segment instance) or foreign (one or more
// node identities, resolvable anywhere at the cost of a lookup). The zero
// value is the null reference used for the root node's parent.
//
// A cached local DocId becomes invalid the moment the underlying segment
// is replaced; callers must re-validate against the segment's deleted set
// before trusting it.
type DocId struct {
	kind docIDKind
	num  uint32
	ids  []string
}

// NullDocId is the parent reference of the root node.
var NullDocId = DocId{}

// NewLocalDocId references a document by its segment-local number.
func NewLocalDocId(num uint32) DocId {
	return DocId{kind: docIDLocal, num: num}
}

// NewForeignDocId references a document by identity. More than one identity
// marks an ambiguous parent of a shareable node; resolution is up to the
// caller's shared-parent semantics.
func NewForeignDocId(ids ...string) DocId {
	return DocId{kind: docIDForeign, ids: ids}
}

func (d DocId) IsNull() bool    { return d.kind == docIDNull }
func (d DocId) IsLocal() bool   { return d.kind == docIDLocal }
func (d DocId) IsForeign() bool { return d.kind == docIDForeign }

// Num returns the local doc number; only meaningful when IsLocal.
func (d DocId) Num() uint32 { return d.num }

// Identities returns the foreign identities; only meaningful when IsForeign.
func (d DocId) Identities() []string { return d.ids }

// IsValid reports whether the reference may still be trusted given the
// owning segment's deleted set. Foreign and null references are always
// valid; a local reference is valid while its document is live.
func (d DocId) IsValid(deleted *roaring.Bitmap) bool {
	if d.kind != docIDLocal {
		return true
	}
	return deleted == nil || !deleted.Contains(d.num)
}

func (d DocId) String() string {
	switch d.kind {
	case docIDLocal:
		return "local(" + strconv.FormatUint(uint64(d.num), 10) + ")"
	case docIDForeign:
		return "foreign(" + strings.Join(d.ids, ",") + ")"
	}
	return "null"
}
