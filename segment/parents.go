package segment

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexussearch/core"
)

// Parent-link cache: one int32 per document as the fast path for
// non-shared, same-segment parents, plus a foreign-parent map as the
// second tier. The array is persisted to a <name>.parents side file (raw
// little-endian int32 array, no header) so reopening a segment skips the
// cold scan; any read failure on the side file is treated as absence and
// the scan is redone.
const (
	// parentUnknown marks entries with no local parent cached: foreign,
	// shareable, or simply not resolved yet. Resolved lazily.
	parentUnknown int32 = -1
	// parentRoot marks documents with no parent reference at all.
	parentRoot int32 = -2
)

type parentCache struct {
	mu      sync.RWMutex
	local   []int32
	foreign map[uint32]core.DocId
}

// openParentCache loads the side file or performs the batched cold scan
// and persists the result.
func openParentCache(r *Reader, batchSize int) (*parentCache, error) {
	count := int(r.DocumentCount())
	pc := &parentCache{foreign: make(map[uint32]core.DocId)}

	if local, ok := readParentSideFile(r, count); ok {
		pc.local = local
		return pc, nil
	}

	local, err := coldScanParents(r, count, batchSize)
	if err != nil {
		return nil, err
	}
	pc.local = local
	if err := writeParentSideFile(r, local); err != nil {
		// The cache itself is valid; only the reopen shortcut is lost.
		r.logger.Warn("Failed to persist parent-cache side file.",
			"segment", r.name, "error", err)
	}
	return pc, nil
}

// coldScanParents builds the parent array with a batched, multi-pass scan
// instead of one identity lookup per document: each round collects up to
// batchSize (identity, doc) pairs, then one pass over all parent fields
// links children to parents captured in that batch. Later rounds pick up
// parents that were referenced before their own identities were scanned.
// Peak memory is bounded by the batch size regardless of segment size.
func coldScanParents(r *Reader, count, batchSize int) ([]int32, error) {
	local := make([]int32, count)
	for i := range local {
		local[i] = parentUnknown
	}

	for batchStart := 0; batchStart < count; batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > count {
			batchEnd = count
		}
		batch := make(map[string]uint32, batchEnd-batchStart)
		for n := batchStart; n < batchEnd; n++ {
			d, err := r.Document(uint32(n), core.SelectIdentity)
			if err != nil {
				return nil, err
			}
			batch[d.ID] = uint32(n)
		}

		for n := 0; n < count; n++ {
			if local[n] != parentUnknown {
				continue
			}
			d, err := r.Document(uint32(n), core.SelectParents)
			if err != nil {
				return nil, err
			}
			if len(d.ParentIDs) == 0 {
				local[n] = parentRoot
				continue
			}
			if d.Shareable || len(d.ParentIDs) > 1 {
				// Ambiguous parent; resolved lazily as a foreign DocId.
				continue
			}
			if p, ok := batch[d.ParentIDs[0]]; ok && !r.IsDeleted(p) {
				local[n] = int32(p)
			}
		}
	}
	return local, nil
}

// resolve implements the two-tier lookup: the in-memory array first, then
// the foreign map, recomputing (and re-caching) whenever a cached local
// entry fails the liveness check against the deleted set.
func (pc *parentCache) resolve(r *Reader, doc uint32) (core.DocId, error) {
	pc.mu.RLock()
	p := pc.local[doc]
	if p == parentRoot {
		pc.mu.RUnlock()
		return core.NullDocId, nil
	}
	if p >= 0 && !r.IsDeleted(uint32(p)) {
		pc.mu.RUnlock()
		return core.NewLocalDocId(uint32(p)), nil
	}
	if p == parentUnknown {
		if id, ok := pc.foreign[doc]; ok {
			pc.mu.RUnlock()
			return id, nil
		}
	}
	pc.mu.RUnlock()

	// Cached value missing or stale (parent deleted since caching).
	d, err := r.Document(doc, core.SelectParents)
	if err != nil {
		return core.NullDocId, err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if len(d.ParentIDs) == 0 {
		pc.local[doc] = parentRoot
		return core.NullDocId, nil
	}
	if d.Shareable || len(d.ParentIDs) > 1 {
		// Ambiguous parent of a shareable node; the caller applies its
		// shared-parent semantics to the identity set.
		id := core.NewForeignDocId(d.ParentIDs...)
		pc.local[doc] = parentUnknown
		pc.foreign[doc] = id
		return id, nil
	}

	n, err := r.LookupIdentity(d.ParentIDs[0])
	if err != nil {
		return core.NullDocId, err
	}
	if n >= 0 {
		pc.local[doc] = int32(n)
		delete(pc.foreign, doc)
		return core.NewLocalDocId(uint32(n)), nil
	}
	// Parent lives in another segment or is not indexed yet.
	id := core.NewForeignDocId(d.ParentIDs[0])
	pc.local[doc] = parentUnknown
	pc.foreign[doc] = id
	return id, nil
}

func parentSideFilePath(r *Reader) string {
	return filepath.Join(r.dir, r.name+parentsFileSuffix)
}

// readParentSideFile loads the persisted array. Any failure, including a
// length mismatch, is treated as absence.
func readParentSideFile(r *Reader, count int) ([]int32, bool) {
	data, err := os.ReadFile(parentSideFilePath(r))
	if err != nil {
		return nil, false
	}
	if len(data) != count*4 {
		r.logger.Warn("Parent-cache side file has wrong size, rebuilding.",
			"segment", r.name, "size", len(data), "expected", count*4)
		os.Remove(parentSideFilePath(r))
		return nil, false
	}
	local := make([]int32, count)
	for i := 0; i < count; i++ {
		local[i] = int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return local, true
}

func writeParentSideFile(r *Reader, local []int32) error {
	data := make([]byte, len(local)*4)
	for i, v := range local {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], uint32(v))
	}
	path := parentSideFilePath(r)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
