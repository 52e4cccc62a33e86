// Package segment implements the immutable persistent segment: a
// self-contained file of indexed documents plus the cached structures
// (parent links, identity lookups, term postings) that make hierarchy and
// identity queries fast.
//
// File layout of <name>.seg:
//
//	FileHeader (magic, version, created-at, compressor type)
//	document section  (checksum + compressed doc store)
//	term section      (checksum + compressed term dictionary)
//	bloom section     (checksum + compressed identity bloom filter)
//	footer            (offset/length per section, magic string)
//
// Deleted-doc sets live in a <name>.del side file and the parent-link
// cache in <name>.parents; both are rebuildable, so any read failure on
// them degrades to recomputation instead of halting.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/INLOpen/nexussearch/core"
)

const (
	// MagicString terminates every segment file.
	MagicString = "NXSEG1"

	segFileSuffix     = ".seg"
	delFileSuffix     = ".del"
	parentsFileSuffix = ".parents"

	footerSectionCount = 3
	// footer: 3 x (offset uint64 + length uint32) + magic string
	footerSize = footerSectionCount*(8+4) + len(MagicString)
)

// termKeySeparator joins field and term into one dictionary key. 0x00
// sorts below every byte a field name or term may contain, so all terms
// of one field form a contiguous key range.
const termKeySeparator = "\x00"

// termKey builds the dictionary key of a field/term pair.
func termKey(field, term string) string {
	return field + termKeySeparator + term
}

// fieldKeyBounds returns the key range [lo, hi) covering every term of the
// field.
func fieldKeyBounds(field string) (lo, hi string) {
	return field + "\x00", field + "\x01"
}

// writeSection writes one checksummed, compressed section and returns its
// offset and on-disk length.
func writeSection(f *os.File, offset int64, payload []byte, comp core.Compressor) (int64, uint32, error) {
	compressed, err := comp.Compress(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compress section: %w", err)
	}
	checksum := crc32.ChecksumIEEE(compressed)
	if err := binary.Write(f, binary.LittleEndian, checksum); err != nil {
		return 0, 0, fmt.Errorf("failed to write section checksum: %w", err)
	}
	if _, err := f.Write(compressed); err != nil {
		return 0, 0, fmt.Errorf("failed to write section data: %w", err)
	}
	return offset, uint32(core.ChecksumSize + len(compressed)), nil
}

// readSection validates and decompresses one section.
func readSection(data []byte, offset uint64, length uint32, comp core.Compressor) ([]byte, error) {
	if uint64(len(data)) < offset+uint64(length) || length < core.ChecksumSize {
		return nil, fmt.Errorf("%w: section out of bounds (offset=%d len=%d file=%d)",
			core.ErrCorrupted, offset, length, len(data))
	}
	section := data[offset : offset+uint64(length)]
	checksum := binary.LittleEndian.Uint32(section[:core.ChecksumSize])
	compressed := section[core.ChecksumSize:]
	if crc32.ChecksumIEEE(compressed) != checksum {
		return nil, fmt.Errorf("%w: section checksum mismatch at offset %d", core.ErrCorrupted, offset)
	}
	payload, err := comp.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupted, err)
	}
	return payload, nil
}

type sectionRef struct {
	offset uint64
	length uint32
}

// writeFooter appends the section directory and magic string.
func writeFooter(w io.Writer, sections [footerSectionCount]sectionRef) error {
	for _, s := range sections {
		if err := binary.Write(w, binary.LittleEndian, s.offset); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.length); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, MagicString)
	return err
}

// parseFooter reads the section directory from the end of the file data.
func parseFooter(data []byte) ([footerSectionCount]sectionRef, error) {
	var sections [footerSectionCount]sectionRef
	if len(data) < footerSize {
		return sections, fmt.Errorf("%w: file too short for footer", core.ErrCorrupted)
	}
	footer := data[len(data)-footerSize:]
	if string(footer[len(footer)-len(MagicString):]) != MagicString {
		return sections, fmt.Errorf("%w: bad magic string", core.ErrCorrupted)
	}
	for i := 0; i < footerSectionCount; i++ {
		base := i * (8 + 4)
		sections[i].offset = binary.LittleEndian.Uint64(footer[base : base+8])
		sections[i].length = binary.LittleEndian.Uint32(footer[base+8 : base+12])
	}
	return sections, nil
}
