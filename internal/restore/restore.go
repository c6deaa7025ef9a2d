// Package restore reconstructs files from stored versions.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/metrics"
	"github.com/deltavault/deltavault/internal/registry"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// VersionSource resolves a version to its ordered block fingerprints.
type VersionSource interface {
	GetVersion(ctx context.Context, id uint64) (registry.Version, error)
	GetOrderedBlockFingerprints(ctx context.Context, versionID uint64) ([]string, error)
}

// Progress reports restore advancement.
type Progress struct {
	VersionID    uint64
	BlocksDone   int
	BlocksTotal  int
	BytesWritten int64
	BytesTotal   int64
}

// Config contains the collaborators and settings of an Orchestrator.
type Config struct {
	Store    BlockSource
	Registry VersionSource
	Codec    Decoder
	Logger   zerolog.Logger
	Metrics  *metrics.VaultMetrics // optional

	// Verify compares the restored file against the recorded whole-file
	// fingerprint and size before publishing it.
	Verify bool
	// Prefetch is the number of blocks loaded ahead of the writer.
	// 0 restores strictly sequentially.
	Prefetch int

	// OnProgress is called after each block is written. Calls are
	// serialized.
	OnProgress func(Progress)
}

// Result describes a finished restore.
type Result struct {
	Version     registry.Version
	Path        string
	Written     int64
	Fingerprint string
	Duration    time.Duration
}

// Orchestrator restores versions to files. Safe for concurrent use.
type Orchestrator struct {
	store      BlockSource
	registry   VersionSource
	codec      Decoder
	logger     zerolog.Logger
	metrics    *metrics.VaultMetrics
	verify     bool
	prefetch   int
	onProgress func(Progress)
	progressMu sync.Mutex
}

// New creates a restore orchestrator. A nil Codec selects codec.Default().
func New(cfg Config) *Orchestrator {
	dec := cfg.Codec
	if dec == nil {
		dec = codec.Default()
	}
	return &Orchestrator{
		store:      cfg.Store,
		registry:   cfg.Registry,
		codec:      dec,
		logger:     cfg.Logger.With().Str("component", "restore").Logger(),
		metrics:    cfg.Metrics,
		verify:     cfg.Verify,
		prefetch:   max(cfg.Prefetch, 0),
		onProgress: cfg.OnProgress,
	}
}

// RestoreFile reconstructs versionID at outPath and returns the number of
// bytes written.
func (o *Orchestrator) RestoreFile(ctx context.Context, versionID uint64, outPath string) (int64, error) {
	res, err := o.Restore(ctx, versionID, outPath)
	return res.Written, err
}

// Restore reconstructs versionID at outPath. The content is assembled in
// a temporary file on outPath's filesystem and renamed into place only after every
// block was read and verified, so a failed restore never leaves a file at
// outPath.
func (o *Orchestrator) Restore(ctx context.Context, versionID uint64, outPath string) (res Result, err error) {
	start := time.Now()
	logger := o.logger.With().Uint64("version", versionID).Str("output", outPath).Logger()
	defer func() {
		res.Duration = time.Since(start)
		o.metrics.ObserveRestore(err, res.Duration, res.Written)
		if err != nil {
			logger.Error().Err(err).Str("kind", vaulterr.KindOf(err)).Msg("restore failed")
		}
	}()

	v, err := o.registry.GetVersion(ctx, versionID)
	if err != nil {
		return Result{}, err
	}
	fps, err := o.registry.GetOrderedBlockFingerprints(ctx, versionID)
	if err != nil {
		return Result{}, err
	}

	logger.Info().Str("source", v.Path).Int("blocks", len(fps)).Int64("size", v.Size).Msg("restore started")

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return Result{}, vaulterr.IO("restore.create_output", outPath, err)
	}
	pending, err := renameio.TempFile("", outPath)
	if err != nil {
		return Result{}, vaulterr.IO("restore.create_output", outPath, err)
	}
	// Removes the temp file unless it was published.
	defer func() { _ = pending.Cleanup() }()

	reader := newBlockReader(ctx, fps, o.store, o.codec, o.prefetch)
	defer func() { _ = reader.Close() }()

	var written int64
	reader.onBlock = func(index, size int) {
		written += int64(size)
		o.report(Progress{
			VersionID:    versionID,
			BlocksDone:   index + 1,
			BlocksTotal:  len(fps),
			BytesWritten: written,
			BytesTotal:   v.Size,
		})
	}

	hasher := codec.NewHasher()
	n, err := io.Copy(io.MultiWriter(pending, hasher), reader)
	if err != nil {
		var ve *vaulterr.Error
		if !errors.As(err, &ve) {
			err = vaulterr.IO("restore.write", outPath, err)
		}
		return Result{}, err
	}

	fp := hasher.Sum()
	if o.verify {
		if n != v.Size {
			return Result{}, vaulterr.Codec("restore.verify", strconv.FormatUint(versionID, 10),
				fmt.Errorf("restored %d bytes, version records %d", n, v.Size))
		}
		if fp != v.FileFingerprint {
			return Result{}, vaulterr.Codec("restore.verify", strconv.FormatUint(versionID, 10),
				fmt.Errorf("restored fingerprint %s, version records %s", fp, v.FileFingerprint))
		}
	}

	if err := pending.Chmod(0644); err != nil {
		return Result{}, vaulterr.IO("restore.publish", outPath, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return Result{}, vaulterr.IO("restore.publish", outPath, err)
	}

	res = Result{Version: v, Path: outPath, Written: n, Fingerprint: fp}
	logger.Info().Int64("bytes", n).Str("fingerprint", fp).Dur("elapsed", time.Since(start)).Msg("restore complete")
	return res, nil
}

func (o *Orchestrator) report(p Progress) {
	if o.onProgress == nil {
		return
	}
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.onProgress(p)
}
