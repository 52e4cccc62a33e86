package core

// CompressionType identifies the block compressor used by a segment file.
// The value is recorded in the file header so readers pick the matching
// decompressor regardless of the current configuration.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZSTD
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	}
	return "unknown"
}

// Compressor compresses and decompresses whole segment-file sections.
type Compressor interface {
	Type() CompressionType
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}
