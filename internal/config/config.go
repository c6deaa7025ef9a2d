// Package config handles configuration loading and validation for deltavault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/deltavault/deltavault/internal/cas"
	"github.com/deltavault/deltavault/internal/chunker"
	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/pkg/bytesize"
)

// Block size limits.
const (
	MinBlockSize = 64
	MaxBlockSize int64 = codec.MaxFrameSize
)

// DefaultStorageRoot is used when no storage root is configured.
const DefaultStorageRoot = "./.deltavault"

// CompressionConfig selects the block codec.
type CompressionConfig struct {
	Algorithm string `yaml:"algorithm"` // "zstd" (default) or "lz4"
	Level     int    `yaml:"level"`
}

// RestoreConfig controls restore behavior.
type RestoreConfig struct {
	Verify   bool `yaml:"verify"`   // Compare the whole-file fingerprint before publishing
	Prefetch int  `yaml:"prefetch"` // Blocks read ahead of the writer (0 = sequential)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:9310"; empty disables
}

// Config holds the vault configuration.
type Config struct {
	StorageRoot string            `yaml:"storage_root"`
	BlockSize   bytesize.Size     `yaml:"block_size"`
	Workers     int               `yaml:"workers"` // 0 = one per CPU
	ShardDepth  int               `yaml:"shard_depth"`
	Compression CompressionConfig `yaml:"compression"`
	Restore     RestoreConfig     `yaml:"restore"`
	LogLevel    string            `yaml:"log_level"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StorageRoot: DefaultStorageRoot,
		BlockSize:   bytesize.Size(chunker.DefaultBlockSize),
		Compression: CompressionConfig{
			Algorithm: string(codec.Zstd),
			Level:     codec.DefaultLevel,
		},
		Restore:  RestoreConfig{Verify: true},
		LogLevel: "info",
	}
}

// Load loads configuration from a YAML file. Keys missing from the file
// keep their defaults. An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyDefaults()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorageRoot == "" {
		c.StorageRoot = DefaultStorageRoot
	}
	if c.BlockSize == 0 {
		c.BlockSize = bytesize.Size(chunker.DefaultBlockSize)
	}
	if c.Compression.Algorithm == "" {
		c.Compression.Algorithm = string(codec.Zstd)
	}
	if c.Compression.Level == 0 && c.Compression.Algorithm == string(codec.Zstd) {
		c.Compression.Level = codec.DefaultLevel
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Expand home directory in storage root
	if strings.HasPrefix(c.StorageRoot, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.StorageRoot = filepath.Join(homeDir, c.StorageRoot[2:])
		}
	}
}

// BlocksDir is where the content store keeps block files.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.StorageRoot, "blocks")
}

// RegistryPath is the registry database file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StorageRoot, "registry.db")
}

// Codec builds the configured block codec.
func (c *Config) Codec() (*codec.Codec, error) {
	alg, err := codec.ParseAlgorithm(c.Compression.Algorithm)
	if err != nil {
		return nil, err
	}
	return codec.New(alg, c.Compression.Level)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if n := c.BlockSize.Bytes(); n < MinBlockSize || n > MaxBlockSize {
		return fmt.Errorf("block_size must be between %s and %s",
			bytesize.Format(MinBlockSize), bytesize.Format(MaxBlockSize))
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.ShardDepth < 0 || c.ShardDepth > cas.MaxShardDepth {
		return fmt.Errorf("shard_depth must be between 0 and %d", cas.MaxShardDepth)
	}
	if _, err := c.Codec(); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	if c.Restore.Prefetch < 0 {
		return fmt.Errorf("restore.prefetch must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}
