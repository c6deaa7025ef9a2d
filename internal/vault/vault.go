// Package vault wires the deltavault components together around one
// storage root.
//
// A storage root holds the content store under blocks/ and the registry
// database registry.db. One process owns a storage root at a time.
package vault

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deltavault/deltavault/internal/backup"
	"github.com/deltavault/deltavault/internal/cas"
	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/config"
	"github.com/deltavault/deltavault/internal/index"
	"github.com/deltavault/deltavault/internal/lineage"
	"github.com/deltavault/deltavault/internal/metrics"
	"github.com/deltavault/deltavault/internal/registry"
	"github.com/deltavault/deltavault/internal/restore"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// Option configures a Vault.
type Option func(*options)

type options struct {
	logger            zerolog.Logger
	metrics           *metrics.VaultMetrics
	onBackupProgress  func(backup.Progress)
	onRestoreProgress func(restore.Progress)
}

// WithLogger sets the logger passed to every component.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records run metrics to m.
func WithMetrics(m *metrics.VaultMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBackupProgress registers a backup progress callback.
func WithBackupProgress(fn func(backup.Progress)) Option {
	return func(o *options) { o.onBackupProgress = fn }
}

// WithRestoreProgress registers a restore progress callback.
func WithRestoreProgress(fn func(restore.Progress)) Option {
	return func(o *options) { o.onRestoreProgress = fn }
}

// Vault is an opened storage root.
type Vault struct {
	cfg      *config.Config
	store    *cas.Store
	registry *registry.Registry
	index    *index.Index
	backup   *backup.Orchestrator
	restore  *restore.Orchestrator
	logger   zerolog.Logger
}

// Open validates cfg, opens the storage root it names and rebuilds the
// dedup index from the registry.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Vault, error) {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, vaulterr.New(vaulterr.ErrInvalidArgument, "vault.open", cfg.StorageRoot, err)
	}
	c, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return nil, vaulterr.IO("vault.open", cfg.StorageRoot, err)
	}

	store, err := cas.NewStore(cfg.BlocksDir(), cas.WithShardDepth(cfg.ShardDepth), cas.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}

	idx := index.New(index.WithAllocator(backup.Allocator(reg)))
	if err := warmStart(ctx, idx, reg); err != nil {
		_ = reg.Close()
		return nil, err
	}
	stats := idx.Stats()
	o.metrics.SetIndex(stats.Blocks, stats.DedupRatio)

	v := &Vault{
		cfg:      cfg,
		store:    store,
		registry: reg,
		index:    idx,
		logger:   o.logger.With().Str("component", "vault").Logger(),
		backup: backup.New(backup.Config{
			Store:      store,
			Registry:   reg,
			Index:      idx,
			Codec:      c,
			Logger:     o.logger,
			Metrics:    o.metrics,
			BlockSize:  int(cfg.BlockSize.Bytes()),
			Workers:    cfg.Workers,
			OnProgress: o.onBackupProgress,
		}),
		restore: restore.New(restore.Config{
			Store:      store,
			Registry:   reg,
			Codec:      c,
			Logger:     o.logger,
			Metrics:    o.metrics,
			Verify:     cfg.Restore.Verify,
			Prefetch:   cfg.Restore.Prefetch,
			OnProgress: o.onRestoreProgress,
		}),
	}

	v.logger.Debug().
		Str("root", cfg.StorageRoot).
		Int("blocks", stats.Blocks).
		Uint64("references", stats.References).
		Msg("vault opened")
	return v, nil
}

// warmStart loads every registered block into idx. A block's reference
// count is the number of version positions that use it.
func warmStart(ctx context.Context, idx *index.Index, reg *registry.Registry) error {
	blocks, err := reg.Blocks(ctx)
	if err != nil {
		return err
	}
	refs, err := reg.BlockRefCounts(ctx)
	if err != nil {
		return err
	}

	entries := make([]index.Metadata, len(blocks))
	for i, b := range blocks {
		entries[i] = index.Metadata{
			ID:             b.ID,
			Fingerprint:    b.Fingerprint,
			Size:           b.Size,
			CompressedSize: b.CompressedSize,
			Algorithm:      b.Compression,
			RefCount:       refs[b.ID],
			CreatedAt:      b.CreatedAt,
		}
	}
	idx.Load(entries)
	return nil
}

// Close releases the registry.
func (v *Vault) Close() error {
	return v.registry.Close()
}

// Config returns the configuration the vault was opened with.
func (v *Vault) Config() *config.Config { return v.cfg }

// Backup stores path as a new version.
func (v *Vault) Backup(ctx context.Context, path string, opts ...backup.Option) (backup.Result, error) {
	return v.backup.Run(ctx, path, opts...)
}

// Restore reconstructs a version at outPath.
func (v *Vault) Restore(ctx context.Context, versionID uint64, outPath string) (restore.Result, error) {
	return v.restore.Restore(ctx, versionID, outPath)
}

// VerifyResult is the outcome of a backup/restore round trip.
type VerifyResult struct {
	Backup       backup.Result
	RestoredPath string
	Original     string // fingerprint of the source file
	Restored     string // fingerprint of the restored file
}

// Match reports whether the restored file is identical to the source.
func (r VerifyResult) Match() bool {
	return r.Original != "" && r.Original == r.Restored
}

// Verify backs up path, restores the new version to outPath (path +
// ".restored" when empty) and fingerprints both files from disk.
func (v *Vault) Verify(ctx context.Context, path, outPath string) (VerifyResult, error) {
	if outPath == "" {
		outPath = path + ".restored"
	}

	var res VerifyResult
	b, err := v.Backup(ctx, path)
	if err != nil {
		return res, err
	}
	res.Backup = b

	if _, err := v.Restore(ctx, b.VersionID, outPath); err != nil {
		return res, err
	}
	res.RestoredPath = outPath

	if res.Original, _, err = codec.FingerprintFile(path); err != nil {
		return res, err
	}
	if res.Restored, _, err = codec.FingerprintFile(outPath); err != nil {
		return res, err
	}
	return res, nil
}

// Versions lists the versions of path, oldest first.
func (v *Vault) Versions(ctx context.Context, path string) ([]registry.Version, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, vaulterr.IO("vault.versions", path, err)
	}
	f, err := v.registry.FileByPath(ctx, abs)
	if err != nil {
		return nil, err
	}
	return v.registry.ListVersions(ctx, f.ID)
}

// Version returns a single version.
func (v *Vault) Version(ctx context.Context, id uint64) (registry.Version, error) {
	return v.registry.GetVersion(ctx, id)
}

// Stats summarizes the dedup index, the registry and the content store.
type Stats struct {
	Index    index.Stats
	Registry registry.Counts
	Store    cas.Usage
}

// Stats collects current statistics.
func (v *Vault) Stats(ctx context.Context) (Stats, error) {
	counts, err := v.registry.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	usage, err := v.store.TotalSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Index: v.index.Stats(), Registry: counts, Store: usage}, nil
}

// ExportLineage writes the version graph derived from the registry.
func (v *Vault) ExportLineage(ctx context.Context, w io.Writer) error {
	g, err := lineage.FromRegistry(ctx, v.registry)
	if err != nil {
		return err
	}
	return g.Save(w)
}

// CheckLineage loads an exported graph from r and reconciles it against
// the registry.
func (v *Vault) CheckLineage(ctx context.Context, r io.Reader) (int, error) {
	g, err := lineage.Load(r)
	if err != nil {
		return 0, err
	}
	if err := lineage.Check(ctx, g, v.registry); err != nil {
		return g.Len(), err
	}
	v.logger.Debug().Int("versions", g.Len()).Msg("lineage snapshot matches registry")
	return g.Len(), nil
}
