package compressors

import (
	"fmt"

	"github.com/INLOpen/nexussearch/core"
)

// ForType returns a compressor matching the type tag found in a segment
// file header.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("unknown compression type %d", t)
}

// ForName resolves a configuration string ("none", "snappy", "lz4",
// "zstd") to a compressor.
func ForName(name string) (core.Compressor, error) {
	switch name {
	case "", "snappy":
		return NewSnappyCompressor(), nil
	case "none":
		return NewNoCompressionCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "zstd":
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}
