package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VolatileConfig controls the in-memory write-buffer segment.
type VolatileConfig struct {
	// MaxBufferedDocs triggers a flush to a persistent segment once the
	// volatile segment holds this many documents.
	MaxBufferedDocs int    `yaml:"max_buffered_docs"`
	FlushInterval   string `yaml:"flush_interval"`
}

// SegmentConfig controls persistent segment files.
type SegmentConfig struct {
	Compression string `yaml:"compression"` // none | snappy | lz4 | zstd
	// ParentCacheBatchSize bounds peak memory during cold parent-cache
	// rebuilds on large segments.
	ParentCacheBatchSize int `yaml:"parent_cache_batch_size"`
	// IdentityCacheCapacity overrides the per-segment identity cache
	// size; 0 means max(10, documentCount/100).
	IdentityCacheCapacity int `yaml:"identity_cache_capacity"`
}

// MergeConfig controls background segment merging.
type MergeConfig struct {
	// MergeFactor is the bucket fan-in: when a size bucket accumulates
	// this many segments, a merge of its members is scheduled.
	MergeFactor int `yaml:"merge_factor"`
	// MinMergeDocs is the lower bound of the smallest bucket.
	MinMergeDocs int `yaml:"min_merge_docs"`
	// MaxMergeDocs is the size beyond which a segment is no longer a
	// merge candidate.
	MaxMergeDocs int `yaml:"max_merge_docs"`
	// Workers bounds the number of concurrent merge tasks.
	Workers int `yaml:"workers"`
	// ShutdownGracePeriod is how long Stop waits for in-flight merges
	// before abandoning them.
	ShutdownGracePeriod string `yaml:"shutdown_grace_period"`
}

// ConsistencyConfig controls the consistency checker.
type ConsistencyConfig struct {
	// BatchSize is the authoritative-id fetch batch size. The
	// NEXUSSEARCH_CONSISTENCY_BATCH environment variable overrides it.
	BatchSize int `yaml:"batch_size"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// Config is the root configuration of the search index.
type Config struct {
	IndexDir    string            `yaml:"index_dir"`
	Volatile    VolatileConfig    `yaml:"volatile"`
	Segment     SegmentConfig     `yaml:"segment"`
	Merge       MergeConfig       `yaml:"merge"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		IndexDir: "index",
		Volatile: VolatileConfig{
			MaxBufferedDocs: 10000,
			FlushInterval:   "1s",
		},
		Segment: SegmentConfig{
			Compression:          "snappy",
			ParentCacheBatchSize: 8192,
		},
		Merge: MergeConfig{
			MergeFactor:         10,
			MinMergeDocs:        100,
			MaxMergeDocs:        1 << 30,
			Workers:             2,
			ShutdownGracePeriod: "5s",
		},
		Consistency: ConsistencyConfig{
			BatchSize: 8192,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}

// Load reads a yaml configuration file, layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.IndexDir == "" {
		return fmt.Errorf("index_dir must not be empty")
	}
	if c.Merge.MergeFactor < 2 {
		return fmt.Errorf("merge.merge_factor must be at least 2, got %d", c.Merge.MergeFactor)
	}
	if c.Merge.MinMergeDocs <= 0 {
		return fmt.Errorf("merge.min_merge_docs must be positive, got %d", c.Merge.MinMergeDocs)
	}
	if c.Merge.MaxMergeDocs < c.Merge.MinMergeDocs {
		return fmt.Errorf("merge.max_merge_docs (%d) must not be below merge.min_merge_docs (%d)",
			c.Merge.MaxMergeDocs, c.Merge.MinMergeDocs)
	}
	if c.Merge.Workers <= 0 {
		return fmt.Errorf("merge.workers must be positive, got %d", c.Merge.Workers)
	}
	if c.Volatile.MaxBufferedDocs <= 0 {
		return fmt.Errorf("volatile.max_buffered_docs must be positive, got %d", c.Volatile.MaxBufferedDocs)
	}
	if _, err := c.ShutdownGracePeriod(); err != nil {
		return err
	}
	return nil
}

// ShutdownGracePeriod parses the merge shutdown grace period.
func (c *Config) ShutdownGracePeriod() (time.Duration, error) {
	if c.Merge.ShutdownGracePeriod == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Merge.ShutdownGracePeriod)
	if err != nil {
		return 0, fmt.Errorf("invalid merge.shutdown_grace_period: %w", err)
	}
	return d, nil
}
