package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/pkg/bytesize"
	"github.com/deltavault/deltavault/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
storage_root: "/var/lib/deltavault"
block_size: 1MiB
workers: 4
shard_depth: 2
compression:
  algorithm: lz4
  level: 5
restore:
  verify: false
  prefetch: 8
log_level: debug
metrics:
  listen: "127.0.0.1:9310"
`
	configPath := testutil.TempFile(t, dir, "deltavault.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/deltavault", cfg.StorageRoot)
	assert.Equal(t, bytesize.MiB, cfg.BlockSize.Bytes())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 2, cfg.ShardDepth)
	assert.Equal(t, "lz4", cfg.Compression.Algorithm)
	assert.Equal(t, 5, cfg.Compression.Level)
	assert.False(t, cfg.Restore.Verify)
	assert.Equal(t, 8, cfg.Restore.Prefetch)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9310", cfg.Metrics.Listen)

	assert.Equal(t, "/var/lib/deltavault/blocks", cfg.BlocksDir())
	assert.Equal(t, "/var/lib/deltavault/registry.db", cfg.RegistryPath())

	c, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, codec.LZ4, c.Algorithm())
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "deltavault.yaml", "workers: 2\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultStorageRoot, cfg.StorageRoot)
	assert.Equal(t, 256*bytesize.KiB, cfg.BlockSize.Bytes())
	assert.Equal(t, "zstd", cfg.Compression.Algorithm)
	assert.Equal(t, 3, cfg.Compression.Level)
	assert.True(t, cfg.Restore.Verify, "verification is on unless disabled")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir := t.TempDir()
	configPath := testutil.TempFile(t, dir, "deltavault.yaml", "storage_root: ~/backups\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "backups"), cfg.StorageRoot)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := testutil.TempFile(t, dir, "deltavault.yaml", "block_size: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidBlockSize(t *testing.T) {
	dir := t.TempDir()
	configPath := testutil.TempFile(t, dir, "deltavault.yaml", "block_size: huge\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty root", func(c *Config) { c.StorageRoot = "" }},
		{"tiny blocks", func(c *Config) { c.BlockSize = 1 }},
		{"huge blocks", func(c *Config) { c.BlockSize = bytesize.Size(bytesize.GiB) }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"deep shards", func(c *Config) { c.ShardDepth = 9 }},
		{"unknown algorithm", func(c *Config) { c.Compression.Algorithm = "brotli" }},
		{"zstd level", func(c *Config) { c.Compression.Level = 40 }},
		{"negative prefetch", func(c *Config) { c.Restore.Prefetch = -2 }},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
