// Package metastore persists the generation-numbered record of which named
// segments currently constitute the index. Every mutation writes a brand
// new, generation-suffixed snapshot file and syncs it before the previous
// generation is considered obsolete, so readers always find a fully
// written snapshot to open, even after a crash mid-write.
package metastore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/INLOpen/nexussearch/core"
)

const (
	// baseName is the snapshot file name for generation 0; later
	// generations append "_<base36 generation>".
	baseName = "segments"

	// FormatNamesOnly is the legacy snapshot format without per-entry
	// generations; still readable, never written.
	FormatNamesOnly int32 = 0
	// FormatWithGeneration is the current snapshot format.
	FormatWithGeneration int32 = 1
)

// SegmentInfo names one live segment. Generation counts in-place updates
// of the segment (persisted deletions); it increases monotonically per
// name for as long as the name is live.
type SegmentInfo struct {
	Name       string
	Generation int64
}

// Snapshot is one immutable generation of the segment set. Entry order is
// insertion order, which the merger relies on for aging decisions. The
// store clones before mutating, so a snapshot handed to a reader is never
// changed underneath it.
type Snapshot struct {
	Counter    int32
	Generation int64
	Entries    []SegmentInfo
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Counter: s.Counter, Generation: s.Generation}
	c.Entries = make([]SegmentInfo, len(s.Entries))
	copy(c.Entries, s.Entries)
	return c
}

// Names returns the segment names in insertion order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		names[i] = e.Name
	}
	return names
}

func (s *Snapshot) indexOf(name string) int {
	for i, e := range s.Entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Store is the durable segment metadata store.
type Store struct {
	mu     sync.Mutex
	dir    string
	snap   *Snapshot
	logger *slog.Logger
}

// Open loads the latest readable snapshot generation from dir, creating an
// empty generation-0 snapshot on first use. A snapshot file that fails to
// parse (crash during write) is deleted and the next-older generation is
// opened instead.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metastore directory %s: %w", dir, err)
	}
	st := &Store{dir: dir, logger: logger}

	gens, err := st.listGenerations()
	if err != nil {
		return nil, err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		gen := gens[i]
		snap, err := st.readGeneration(gen)
		if err == nil {
			st.snap = snap
			return st, nil
		}
		// A truncated or unparsable snapshot means the writer crashed
		// mid-write. Drop it and fall back to the previous generation.
		path := st.generationPath(gen)
		logger.Warn("Unreadable segment metadata generation, falling back.",
			"path", path, "generation", gen, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove corrupt snapshot %s: %w", path, rmErr)
		}
	}

	// First use: start with an empty generation-0 snapshot on disk.
	st.snap = &Snapshot{}
	if err := st.writeLocked(st.snap); err != nil {
		return nil, err
	}
	return st, nil
}

// Snapshot returns a copy of the current segment set.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Generation returns the current snapshot generation.
func (s *Store) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Generation
}

// NewSegmentName hands out the next unused segment name. Names are base36
// encodings of a strictly increasing counter and are never reused, even
// after the segment is removed. The advanced counter is persisted with
// the snapshot that registers the segment.
func (s *Store) NewSegmentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "s" + strconv.FormatInt(int64(s.snap.Counter), 36)
	s.snap.Counter++
	return name
}

// AddSegment registers a new segment name and persists a new generation.
// It fails with core.ErrSegmentExists if the name is already live; the
// store never silently deduplicates.
func (s *Store) AddSegment(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	if next.indexOf(name) >= 0 {
		return fmt.Errorf("%w: %s", core.ErrSegmentExists, name)
	}
	next.Entries = append(next.Entries, SegmentInfo{Name: name})
	return s.commitLocked(next)
}

// RemoveSegment unregisters a segment name and persists a new generation.
func (s *Store) RemoveSegment(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	i := next.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", core.ErrSegmentNotFound, name)
	}
	next.Entries = append(next.Entries[:i], next.Entries[i+1:]...)
	return s.commitLocked(next)
}

// ReplaceSegments atomically removes the old segment names and registers
// the new one in a single generation, for merge swaps. The new entry takes
// the position of the first removed entry so merge aging stays stable.
func (s *Store) ReplaceSegments(old []string, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	if next.indexOf(newName) >= 0 {
		return fmt.Errorf("%w: %s", core.ErrSegmentExists, newName)
	}
	pos := -1
	for _, name := range old {
		i := next.indexOf(name)
		if i < 0 {
			return fmt.Errorf("%w: %s", core.ErrSegmentNotFound, name)
		}
		if pos < 0 || i < pos {
			pos = i
		}
		next.Entries = append(next.Entries[:i], next.Entries[i+1:]...)
	}
	if pos < 0 || pos > len(next.Entries) {
		pos = len(next.Entries)
	}
	next.Entries = append(next.Entries[:pos],
		append([]SegmentInfo{{Name: newName}}, next.Entries[pos:]...)...)
	return s.commitLocked(next)
}

// TouchSegment bumps a live segment's per-name generation, recording an
// in-place update such as a persisted deletion set.
func (s *Store) TouchSegment(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	i := next.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", core.ErrSegmentNotFound, name)
	}
	next.Entries[i].Generation++
	return s.commitLocked(next)
}

// CleanupObsolete removes snapshot files older than the previous
// generation. Stale generations are cleanup candidates, never correctness
// hazards, so failures are logged and ignored.
func (s *Store) CleanupObsolete() {
	s.mu.Lock()
	current := s.snap.Generation
	s.mu.Unlock()

	gens, err := s.listGenerations()
	if err != nil {
		s.logger.Warn("Failed to enumerate snapshot generations for cleanup.", "error", err)
		return
	}
	for _, gen := range gens {
		if gen >= current-1 {
			continue
		}
		path := s.generationPath(gen)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove obsolete snapshot generation.", "path", path, "error", err)
		}
	}
}

// commitLocked persists next as a new generation and installs it as the
// current snapshot. Caller holds s.mu.
func (s *Store) commitLocked(next *Snapshot) error {
	next.Generation = s.snap.Generation + 1
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

// writeLocked writes snap to its generation file and syncs it.
func (s *Store) writeLocked(snap *Snapshot) error {
	path := s.generationPath(snap.Generation)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := writeSnapshot(w, snap); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush snapshot %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot %s: %w", path, err)
	}
	return nil
}

func (s *Store) readGeneration(gen int64) (*Snapshot, error) {
	f, err := os.Open(s.generationPath(gen))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	snap, err := readSnapshot(f)
	if err != nil {
		return nil, err
	}
	snap.Generation = gen
	return snap, nil
}

func (s *Store) generationPath(gen int64) string {
	if gen == 0 {
		return filepath.Join(s.dir, baseName)
	}
	return filepath.Join(s.dir, baseName+"_"+strconv.FormatInt(gen, 36))
}

// listGenerations enumerates all snapshot generation files, ascending.
func (s *Store) listGenerations() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list metastore directory %s: %w", s.dir, err)
	}
	var gens []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == baseName {
			gens = append(gens, 0)
			continue
		}
		if !strings.HasPrefix(name, baseName+"_") {
			continue
		}
		gen, err := strconv.ParseInt(name[len(baseName)+1:], 36, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// writeSnapshot serializes the snapshot in the WITH_GENERATION format:
// format version, counter, entry count, then per entry a length-prefixed
// UTF-8 name and an int64 generation.
func writeSnapshot(w io.Writer, snap *Snapshot) error {
	if err := binary.Write(w, binary.BigEndian, FormatWithGeneration); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, snap.Counter); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(snap.Entries))); err != nil {
		return err
	}
	for _, e := range snap.Entries {
		if err := writeStringWithLength(w, e.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.Generation); err != nil {
			return err
		}
	}
	return nil
}

func readSnapshot(r io.Reader) (*Snapshot, error) {
	var version int32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != FormatNamesOnly && version != FormatWithGeneration {
		return nil, fmt.Errorf("%w: unknown snapshot format %d", core.ErrCorrupted, version)
	}
	snap := &Snapshot{}
	if err := binary.Read(r, binary.BigEndian, &snap.Counter); err != nil {
		return nil, err
	}
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative entry count %d", core.ErrCorrupted, count)
	}
	for i := int32(0); i < count; i++ {
		name, err := readStringWithLength(r)
		if err != nil {
			return nil, err
		}
		info := SegmentInfo{Name: name}
		if version == FormatWithGeneration {
			if err := binary.Read(r, binary.BigEndian, &info.Generation); err != nil {
				return nil, err
			}
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap, nil
}

// writeStringWithLength writes a length-prefixed string to the writer.
func writeStringWithLength(w io.Writer, s string) error {
	b := []byte(s)
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// readStringWithLength reads a length-prefixed string from the reader.
func readStringWithLength(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read string data (expected %d bytes): %w", length, err)
	}
	return string(b), nil
}
