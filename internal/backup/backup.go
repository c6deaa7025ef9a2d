// Package backup turns files into stored, deduplicated versions.
//
// A run splits the file into fixed-size blocks and processes every block
// as an independent task on a bounded worker pool: fingerprint, compress,
// store, register. Results are collected by block position, and the
// version is recorded in a single registry transaction only when every
// block succeeded. A failed run records no version. Blocks it stored before
// failing stay in the content store and are reused by later runs.
package backup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deltavault/deltavault/internal/chunker"
	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/executor"
	"github.com/deltavault/deltavault/internal/index"
	"github.com/deltavault/deltavault/internal/metrics"
	"github.com/deltavault/deltavault/internal/registry"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// BlockStore persists compressed blocks by fingerprint.
type BlockStore interface {
	Write(ctx context.Context, fp string, compressed []byte) (bool, error)
	Exists(fp string) bool
	Size(fp string) (int64, error)
}

// VersionRecorder is the registry surface a run needs.
type VersionRecorder interface {
	GetOrCreateFile(ctx context.Context, path string) (uint64, error)
	LatestVersion(ctx context.Context, fileID uint64) (registry.Version, error)
	CreateVersion(ctx context.Context, nv registry.NewVersion) (uint64, error)
}

// BlockIndex decides which blocks are new.
type BlockIndex interface {
	RegisterOrGet(ctx context.Context, fp string, candidate index.Metadata) (uint64, bool, error)
	Stats() index.Stats
}

// Encoder compresses block content.
type Encoder interface {
	Compress(data []byte) ([]byte, error)
	Algorithm() codec.Algorithm
}

// BlockRegistrar records blocks durably.
type BlockRegistrar interface {
	RegisterBlock(ctx context.Context, b registry.Block) (uint64, error)
}

// Allocator returns an index allocator that inserts new blocks into the
// registry, making index ids and registry block ids the same.
func Allocator(reg BlockRegistrar) index.Allocator {
	return func(ctx context.Context, md index.Metadata) (uint64, error) {
		return reg.RegisterBlock(ctx, registry.Block{
			Fingerprint:    md.Fingerprint,
			Size:           md.Size,
			CompressedSize: md.CompressedSize,
			Compression:    md.Algorithm,
			CreatedAt:      md.CreatedAt,
		})
	}
}

// Progress reports backup advancement.
type Progress struct {
	RunID       string
	Path        string
	BlocksDone  int
	BlocksTotal int
	BytesDone   int64
	BytesTotal  int64
}

// Config contains the collaborators and settings of an Orchestrator.
type Config struct {
	Store    BlockStore
	Registry VersionRecorder
	Index    BlockIndex
	Codec    Encoder
	Logger   zerolog.Logger
	Metrics  *metrics.VaultMetrics // optional

	BlockSize int // 0 = chunker.DefaultBlockSize
	Workers   int // 0 = one per CPU

	// OnProgress is called after each block is processed. Calls are
	// serialized but arrive in completion order, not block order.
	OnProgress func(Progress)
}

// Result describes a finished run.
type Result struct {
	RunID           string
	VersionID       uint64
	FileID          uint64
	ParentID        uint64
	Path            string
	FileFingerprint string
	Size            int64
	Blocks          int
	NewBlocks       int   // blocks seen for the first time
	StoredBytes     int64 // compressed bytes written by this run
	Duration        time.Duration
}

// DedupHits is the number of blocks that matched an existing block.
func (r Result) DedupHits() int { return r.Blocks - r.NewBlocks }

// Option adjusts a single run.
type Option func(*runOptions)

type runOptions struct {
	parent    uint64
	hasParent bool
}

// WithParent records parent as the new version's parent instead of the
// newest version of the same file. 0 makes the version a root.
func WithParent(parent uint64) Option {
	return func(o *runOptions) {
		o.parent = parent
		o.hasParent = true
	}
}

// Orchestrator runs backups. Safe for concurrent use; concurrent runs of
// the same path each record their own version.
type Orchestrator struct {
	store      BlockStore
	registry   VersionRecorder
	index      BlockIndex
	codec      Encoder
	logger     zerolog.Logger
	metrics    *metrics.VaultMetrics
	blockSize  int
	workers    int
	onProgress func(Progress)
	progressMu sync.Mutex
}

// New creates a backup orchestrator. A nil Codec selects codec.Default().
func New(cfg Config) *Orchestrator {
	enc := cfg.Codec
	if enc == nil {
		enc = codec.Default()
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = chunker.DefaultBlockSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = executor.DefaultWorkers()
	}
	return &Orchestrator{
		store:      cfg.Store,
		registry:   cfg.Registry,
		index:      cfg.Index,
		codec:      enc,
		logger:     cfg.Logger.With().Str("component", "backup").Logger(),
		metrics:    cfg.Metrics,
		blockSize:  blockSize,
		workers:    workers,
		onProgress: cfg.OnProgress,
	}
}

// RunBackup backs up path and returns the new version id.
func (o *Orchestrator) RunBackup(ctx context.Context, path string) (uint64, error) {
	res, err := o.Run(ctx, path)
	return res.VersionID, err
}

type blockResult struct {
	id      uint64
	stored  int64
	written bool
	created bool
}

// Run backs up path and describes the recorded version.
func (o *Orchestrator) Run(ctx context.Context, path string, opts ...Option) (res Result, err error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	start := time.Now()
	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Str("path", path).Logger()
	defer func() {
		res.Duration = time.Since(start)
		o.metrics.ObserveBackup(err, res.Duration)
		if err != nil {
			logger.Error().Err(err).Str("kind", vaulterr.KindOf(err)).Msg("backup failed")
		}
	}()

	if path == "" {
		return Result{}, vaulterr.InvalidArgument("backup.run", path, "empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, vaulterr.IO("backup.run", path, err)
	}

	blocks, err := chunker.SplitFile(abs, o.blockSize)
	if err != nil {
		return Result{}, err
	}
	hasher := codec.NewHasher()
	for _, b := range blocks {
		_, _ = hasher.Write(b.Data)
	}
	fileFP, size := hasher.Sum(), hasher.Len()

	logger.Info().Int("blocks", len(blocks)).Int64("size", size).Int("workers", o.workers).Msg("backup started")

	fileID, err := o.registry.GetOrCreateFile(ctx, abs)
	if err != nil {
		return Result{}, err
	}
	parent, err := o.resolveParent(ctx, fileID, ro)
	if err != nil {
		return Result{}, err
	}

	var (
		done      int
		bytesDone int64
	)
	results, err := executor.Run(ctx, o.workers, len(blocks), func(ctx context.Context, i int) (blockResult, error) {
		r, err := o.processBlock(ctx, blocks[i])
		if err != nil {
			return blockResult{}, err
		}
		logger.Debug().Int("block", i).Uint64("block_id", r.id).Bool("new", r.created).Msg("block processed")

		o.progressMu.Lock()
		defer o.progressMu.Unlock()
		done++
		bytesDone += int64(len(blocks[i].Data))
		if o.onProgress != nil {
			o.onProgress(Progress{
				RunID:       runID,
				Path:        abs,
				BlocksDone:  done,
				BlocksTotal: len(blocks),
				BytesDone:   bytesDone,
				BytesTotal:  size,
			})
		}
		return r, nil
	})
	if err != nil {
		return Result{}, err
	}

	res = Result{
		RunID:           runID,
		FileID:          fileID,
		ParentID:        parent,
		Path:            abs,
		FileFingerprint: fileFP,
		Size:            size,
		Blocks:          len(blocks),
	}
	ids := make([]uint64, len(results))
	for i, r := range results {
		ids[i] = r.id
		if r.created {
			res.NewBlocks++
		}
		if r.written {
			res.StoredBytes += r.stored
		}
	}

	res.VersionID, err = o.registry.CreateVersion(ctx, registry.NewVersion{
		FileID:          fileID,
		ParentID:        parent,
		FileFingerprint: fileFP,
		Size:            size,
		BlockIDs:        ids,
	})
	if err != nil {
		return Result{}, err
	}

	stats := o.index.Stats()
	o.metrics.SetIndex(stats.Blocks, stats.DedupRatio)

	logger.Info().
		Uint64("version", res.VersionID).
		Uint64("parent", parent).
		Str("fingerprint", fileFP).
		Int("new_blocks", res.NewBlocks).
		Int("dedup_hits", res.DedupHits()).
		Int64("stored_bytes", res.StoredBytes).
		Dur("elapsed", time.Since(start)).
		Msg("backup complete")
	return res, nil
}

func (o *Orchestrator) resolveParent(ctx context.Context, fileID uint64, ro runOptions) (uint64, error) {
	if ro.hasParent {
		return ro.parent, nil
	}
	latest, err := o.registry.LatestVersion(ctx, fileID)
	if errors.Is(err, vaulterr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.ID, nil
}

// processBlock stores one block and registers it with the index. A block
// already in the store is not compressed again.
func (o *Orchestrator) processBlock(ctx context.Context, b chunker.Block) (blockResult, error) {
	fp := codec.Fingerprint(b.Data)

	var r blockResult
	if o.store.Exists(fp) {
		stored, err := o.store.Size(fp)
		if err != nil {
			return blockResult{}, err
		}
		r.stored = stored
	} else {
		compressed, err := o.codec.Compress(b.Data)
		if err != nil {
			return blockResult{}, err
		}
		r.written, err = o.store.Write(ctx, fp, compressed)
		if err != nil {
			return blockResult{}, err
		}
		r.stored = int64(len(compressed))
	}

	id, created, err := o.index.RegisterOrGet(ctx, fp, index.Metadata{
		Size:           int64(len(b.Data)),
		CompressedSize: r.stored,
		Algorithm:      string(o.codec.Algorithm()),
	})
	if err != nil {
		return blockResult{}, err
	}
	r.id = id
	r.created = created

	o.metrics.ObserveBlock(int64(len(b.Data)), r.stored, r.written, !created)
	return r, nil
}
