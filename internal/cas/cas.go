// Package cas stores compressed blocks under their content fingerprint.
//
// A block lives at <root>/<fingerprint>.bin, or under shardDepth levels of
// two-character prefix directories when sharding is enabled
// (<root>/ab/cd/abcd....bin for depth 2). Writes are idempotent: once a
// fingerprint's file exists it is never rewritten.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// BlockExt is the file extension of stored blocks.
const BlockExt = ".bin"

// MaxShardDepth bounds the number of prefix directory levels.
const MaxShardDepth = 4

// lockStripes is the number of fingerprint lock stripes. Two fingerprints
// only contend when they land on the same stripe.
const lockStripes = 256

// Store is a content-addressed block store rooted at a directory.
type Store struct {
	root       string
	shardDepth int
	locks      [lockStripes]sync.Mutex
	logger     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithShardDepth spreads blocks over depth levels of prefix directories.
func WithShardDepth(depth int) Option {
	return func(s *Store) { s.shardDepth = depth }
}

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore opens (creating if needed) a block store at root.
func NewStore(root string, opts ...Option) (*Store, error) {
	s := &Store{root: root, logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardDepth < 0 || s.shardDepth > MaxShardDepth {
		return nil, vaulterr.InvalidArgument("cas.open", root, "shard depth %d out of range 0-%d", s.shardDepth, MaxShardDepth)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, vaulterr.IO("cas.open", root, fmt.Errorf("create blocks dir: %w", err))
	}
	s.logger = s.logger.With().Str("component", "cas").Logger()
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Path returns the storage location of a fingerprint.
func (s *Store) Path(fp string) string {
	parts := make([]string, 0, s.shardDepth+2)
	parts = append(parts, s.root)
	for i := 0; i < s.shardDepth && 2*i+2 <= len(fp); i++ {
		parts = append(parts, fp[2*i:2*i+2])
	}
	parts = append(parts, fp+BlockExt)
	return filepath.Join(parts...)
}

// Write stores compressed under fp unless content already exists there.
// It reports whether this call created the file. The existence check and
// the write happen under the fingerprint's lock, so concurrent writers of
// the same fingerprint produce exactly one write.
func (s *Store) Write(ctx context.Context, fp string, compressed []byte) (bool, error) {
	if err := checkFingerprint("cas.write", fp); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	mu := s.lockFor(fp)
	mu.Lock()
	defer mu.Unlock()

	path := s.Path(fp)
	if fileExists(path) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, vaulterr.IO("cas.write", fp, fmt.Errorf("create shard dir: %w", err))
	}

	// Readers see either the complete file or nothing.
	if err := renameio.WriteFile(path, compressed, 0644); err != nil {
		return false, vaulterr.IO("cas.write", fp, err)
	}

	s.logger.Debug().Str("fingerprint", fp).Int("bytes", len(compressed)).Msg("block stored")
	return true, nil
}

// Read returns the compressed bytes stored under fp.
func (s *Store) Read(ctx context.Context, fp string) ([]byte, error) {
	if err := checkFingerprint("cas.read", fp); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Safe without lock: writes use atomic rename.
	data, err := os.ReadFile(s.Path(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, vaulterr.NotFound("cas.read", fp)
	}
	if err != nil {
		return nil, vaulterr.IO("cas.read", fp, err)
	}
	return data, nil
}

// Exists reports whether a block is stored under fp.
func (s *Store) Exists(fp string) bool {
	if !codec.ValidFingerprint(fp) {
		return false
	}
	return fileExists(s.Path(fp))
}

// Size returns the on-disk (compressed) size of a stored block.
func (s *Store) Size(fp string) (int64, error) {
	if err := checkFingerprint("cas.size", fp); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.Path(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, vaulterr.NotFound("cas.size", fp)
	}
	if err != nil {
		return 0, vaulterr.IO("cas.size", fp, err)
	}
	return info.Size(), nil
}

// Usage summarizes the store's contents.
type Usage struct {
	Blocks int64
	Bytes  int64
}

// TotalSize walks the store and totals the stored blocks. Temp files left
// behind by an interrupted write are skipped.
func (s *Store) TotalSize(ctx context.Context) (Usage, error) {
	var u Usage
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), BlockExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.Blocks++
		u.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Usage{}, vaulterr.IO("cas.total_size", s.root, err)
	}
	return u, nil
}

func (s *Store) lockFor(fp string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(fp)%lockStripes]
}

func checkFingerprint(op, fp string) error {
	if !codec.ValidFingerprint(fp) {
		return vaulterr.InvalidArgument(op, fp, "malformed fingerprint")
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
