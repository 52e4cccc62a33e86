package core

import (
	"encoding/binary"
	"time"
)

const FormatVersion uint8 = 1

// Magic numbers for persistent index files.
const (
	SegmentMagic   uint32 = 0x53454758 // "SEGX"
	DeletedMagic   uint32 = 0x44454C58 // "DELX"
	ChecksumSize          = 4
)

// FileHeader is the standard header of every persistent segment file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a header with the current time and given magic.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
