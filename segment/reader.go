package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/nexussearch/cache"
	"github.com/INLOpen/nexussearch/compressors"
	"github.com/INLOpen/nexussearch/core"
)

// ReaderOptions configures opening a persistent segment.
type ReaderOptions struct {
	Dir    string
	Name   string
	Logger *slog.Logger
	// CreationTick is the process-wide tick assigned by the view layer
	// when this reader instance is created; caches keyed by it become
	// invalid when the instance is replaced.
	CreationTick uint64
	// ParentCacheBatchSize bounds memory during cold parent-cache
	// rebuilds. Zero means 8192.
	ParentCacheBatchSize int
	// IdentityCacheCapacity overrides the identity LRU size. Zero means
	// max(10, documentCount/100).
	IdentityCacheCapacity int
}

type termEntry struct {
	key      string
	postings *roaring.Bitmap
}

// Reader is an open, immutable persistent segment. The document store and
// term dictionary never change after open; the only mutable state is the
// deleted-doc set and the parent/identity caches, all guarded by mu.
type Reader struct {
	name   string
	dir    string
	logger *slog.Logger
	tick   uint64

	docData    []byte
	docOffsets []uint32
	terms      []termEntry
	bloom      *BloomFilter

	mu      sync.RWMutex
	deleted *roaring.Bitmap
	parents *parentCache
	idCache *cache.LRUCache[uint32]
}

var _ core.SegmentView = (*Reader)(nil)

// Open maps a segment file into memory and loads (or rebuilds) its side
// caches. A corrupt parent-cache side file is deleted and recomputed; a
// corrupt segment file itself is a hard error surfaced to the caller.
func Open(opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	path := filepath.Join(opts.Dir, opts.Name+segFileSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment file %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: segment header of %s: %v", core.ErrCorrupted, path, err)
	}
	if header.Magic != core.SegmentMagic {
		return nil, fmt.Errorf("%w: bad magic in %s", core.ErrCorrupted, path)
	}
	comp, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrCorrupted, path, err)
	}

	sections, err := parseFooter(data)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", opts.Name, err)
	}

	r := &Reader{
		name:    opts.Name,
		dir:     opts.Dir,
		logger:  opts.Logger,
		tick:    opts.CreationTick,
		deleted: roaring.New(),
	}

	docPayload, err := readSection(data, sections[0].offset, sections[0].length, comp)
	if err != nil {
		return nil, fmt.Errorf("segment %s document section: %w", opts.Name, err)
	}
	if err := r.loadDocSection(docPayload); err != nil {
		return nil, fmt.Errorf("segment %s document section: %w", opts.Name, err)
	}

	termPayload, err := readSection(data, sections[1].offset, sections[1].length, comp)
	if err != nil {
		return nil, fmt.Errorf("segment %s term section: %w", opts.Name, err)
	}
	if err := r.loadTermSection(termPayload); err != nil {
		return nil, fmt.Errorf("segment %s term section: %w", opts.Name, err)
	}

	bloomPayload, err := readSection(data, sections[2].offset, sections[2].length, comp)
	if err != nil {
		return nil, fmt.Errorf("segment %s bloom section: %w", opts.Name, err)
	}
	if r.bloom, err = DeserializeBloomFilter(bloomPayload); err != nil {
		return nil, fmt.Errorf("segment %s bloom section: %w", opts.Name, err)
	}

	if err := r.loadDeleted(); err != nil {
		return nil, err
	}

	capacity := opts.IdentityCacheCapacity
	if capacity <= 0 {
		capacity = len(r.docOffsets) / 100
		if capacity < 10 {
			capacity = 10
		}
	}
	r.idCache = cache.NewLRUCache[uint32](capacity, nil)

	batch := opts.ParentCacheBatchSize
	if batch <= 0 {
		batch = 8192
	}
	r.parents, err = openParentCache(r, batch)
	if err != nil {
		return nil, fmt.Errorf("segment %s parent cache: %w", opts.Name, err)
	}
	return r, nil
}

func (r *Reader) loadDocSection(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("%w: truncated doc section", core.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	tableEnd := 4 + int(count)*4
	if len(payload) < tableEnd {
		return fmt.Errorf("%w: truncated doc offset table", core.ErrCorrupted)
	}
	r.docOffsets = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		r.docOffsets[i] = binary.LittleEndian.Uint32(payload[4+i*4 : 8+i*4])
	}
	r.docData = payload[tableEnd:]
	return nil
}

func (r *Reader) loadTermSection(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("%w: truncated term section", core.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(payload[:4])
	rd := bytes.NewReader(payload[4:])
	r.terms = make([]termEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		keyLen, err := binary.ReadUvarint(rd)
		if err != nil {
			return fmt.Errorf("%w: term key length: %v", core.ErrCorrupted, err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(rd, key); err != nil {
			return fmt.Errorf("%w: term key: %v", core.ErrCorrupted, err)
		}
		bmLen, err := binary.ReadUvarint(rd)
		if err != nil {
			return fmt.Errorf("%w: postings length: %v", core.ErrCorrupted, err)
		}
		bmData := make([]byte, bmLen)
		if _, err := io.ReadFull(rd, bmData); err != nil {
			return fmt.Errorf("%w: postings: %v", core.ErrCorrupted, err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(bmData); err != nil {
			return fmt.Errorf("%w: postings for %q: %v", core.ErrCorrupted, key, err)
		}
		r.terms = append(r.terms, termEntry{key: string(key), postings: bm})
	}
	return nil
}

// Name implements core.SegmentView.
func (r *Reader) Name() string { return r.name }

// CreationTick returns the process-wide tick this reader instance was
// created under.
func (r *Reader) CreationTick() uint64 { return r.tick }

// DocumentCount implements core.SegmentView.
func (r *Reader) DocumentCount() uint32 { return uint32(len(r.docOffsets)) }

// LiveDocumentCount implements core.SegmentView.
func (r *Reader) LiveDocumentCount() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint32(len(r.docOffsets)) - uint32(r.deleted.GetCardinality())
}

// IsDeleted implements core.SegmentView.
func (r *Reader) IsDeleted(doc uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted.Contains(doc)
}

// DeletedDocs implements core.SegmentView. The returned bitmap is a copy;
// the live set keeps changing under foreground deletes.
func (r *Reader) DeletedDocs() *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted.Clone()
}

// Document implements core.SegmentView.
func (r *Reader) Document(doc uint32, sel core.FieldSelector) (*core.Document, error) {
	if int(doc) >= len(r.docOffsets) {
		return nil, fmt.Errorf("doc number %d out of range in segment %s", doc, r.name)
	}
	start := r.docOffsets[doc]
	end := uint32(len(r.docData))
	if int(doc+1) < len(r.docOffsets) {
		end = r.docOffsets[doc+1]
	}
	d, err := core.DecodeDocument(r.docData[start:end], sel)
	if err != nil {
		return nil, fmt.Errorf("%w: doc %d in segment %s: %v", core.ErrCorrupted, doc, r.name, err)
	}
	return d, nil
}

// TermMatches implements core.SegmentView.
func (r *Reader) TermMatches(field, term string) (*roaring.Bitmap, error) {
	key := termKey(field, term)
	i := sort.Search(len(r.terms), func(i int) bool { return r.terms[i].key >= key })
	if i < len(r.terms) && r.terms[i].key == key {
		return r.terms[i].postings, nil
	}
	return roaring.New(), nil
}

// VisitTermRange implements core.SegmentView.
func (r *Reader) VisitTermRange(field, lo, hi string, includeLo, includeHi bool, visit core.TermVisitor) error {
	fieldLo, fieldHi := fieldKeyBounds(field)
	loKey := fieldLo + lo
	i := sort.Search(len(r.terms), func(i int) bool {
		if includeLo {
			return r.terms[i].key >= loKey
		}
		return r.terms[i].key > loKey
	})
	for ; i < len(r.terms); i++ {
		key := r.terms[i].key
		if key >= fieldHi {
			break
		}
		term := key[len(fieldLo):]
		if hi != "" {
			if includeHi {
				if term > hi {
					break
				}
			} else if term >= hi {
				break
			}
		}
		if !visit(term, r.terms[i].postings) {
			break
		}
	}
	return nil
}

// LookupIdentity implements core.SegmentView: resolves an identity to its
// live doc number through the bloom filter, the per-instance LRU cache,
// and finally the term dictionary.
func (r *Reader) LookupIdentity(id string) (int64, error) {
	if !r.bloom.Contains([]byte(id)) {
		return -1, nil
	}
	if doc, ok := r.idCache.Get(id); ok {
		if !r.IsDeleted(doc) {
			return int64(doc), nil
		}
		r.idCache.Remove(id)
	}
	postings, err := r.TermMatches(core.FieldID, id)
	if err != nil {
		return -1, err
	}
	it := postings.Iterator()
	for it.HasNext() {
		doc := it.Next()
		if !r.IsDeleted(doc) {
			r.idCache.Put(id, doc)
			return int64(doc), nil
		}
	}
	return -1, nil
}

// Parent implements core.SegmentView; see parents.go for the resolution
// algorithm.
func (r *Reader) Parent(doc uint32) (core.DocId, error) {
	if int(doc) >= len(r.docOffsets) {
		return core.NullDocId, fmt.Errorf("doc number %d out of range in segment %s", doc, r.name)
	}
	return r.parents.resolve(r, doc)
}

// Delete marks a document deleted and persists the deleted set. Deleting
// an already-deleted doc is a no-op.
func (r *Reader) Delete(doc uint32) error {
	r.mu.Lock()
	if !r.deleted.CheckedAdd(doc) {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.deleted.Clone()
	r.mu.Unlock()
	return r.writeDeleted(snapshot)
}

// deletedFilePath returns the side-file path of the deleted set.
func (r *Reader) deletedFilePath() string {
	return filepath.Join(r.dir, r.name+delFileSuffix)
}

func (r *Reader) loadDeleted() error {
	data, err := os.ReadFile(r.deletedFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read deleted set of segment %s: %w", r.name, err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		// A corrupt deleted set is not recoverable locally: deletions
		// must not be resurrected silently. Surface it; the consistency
		// checker repairs the documents afterwards.
		return fmt.Errorf("%w: deleted set of segment %s: %v", core.ErrCorrupted, r.name, err)
	}
	r.deleted = bm
	return nil
}

func (r *Reader) writeDeleted(bm *roaring.Bitmap) error {
	data, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize deleted set of segment %s: %w", r.name, err)
	}
	path := r.deletedFilePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write deleted set of segment %s: %w", r.name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename deleted set of segment %s: %w", r.name, err)
	}
	return nil
}

// RemoveFiles deletes the segment's files from disk. Only called after the
// segment has been unregistered from the metadata store.
func (r *Reader) RemoveFiles() error {
	var firstErr error
	for _, suffix := range []string{segFileSuffix, delFileSuffix, parentsFileSuffix} {
		path := filepath.Join(r.dir, r.name+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return firstErr
}
