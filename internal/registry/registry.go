// Package registry is the durable record of files, blocks and versions.
//
// The registry is a SQLite database. A version and its ordered block
// sequence are written in one transaction, so readers never observe a
// partially created version. Versions are never updated or deleted.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deltavault/deltavault/internal/vaulterr"
)

// DefaultBusyTimeout is how long a connection waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// File is a tracked path.
type File struct {
	ID        uint64
	Path      string
	CreatedAt time.Time
}

// Block is one distinct block, keyed by the fingerprint of its uncompressed
// content.
type Block struct {
	ID             uint64
	Fingerprint    string
	Size           int64
	CompressedSize int64
	Compression    string
	CreatedAt      time.Time
}

// Version is one immutable snapshot of a file.
type Version struct {
	ID              uint64
	FileID          uint64
	ParentID        uint64 // 0 for a root version
	Path            string
	FileFingerprint string
	Size            int64
	BlockCount      int
	CreatedAt       time.Time
}

// NewVersion is the input to CreateVersion.
type NewVersion struct {
	FileID          uint64
	ParentID        uint64
	FileFingerprint string
	Size            int64
	BlockIDs        []uint64 // in file order; ids may repeat
}

// Counts summarizes the registry.
type Counts struct {
	Files      int64
	Blocks     int64
	Versions   int64
	References int64 // rows in file_blocks
}

// Registry wraps a sql.DB connection to the registry database.
type Registry struct {
	db *sql.DB

	// Serializes get-or-create of files and blocks.
	filesMu  sync.Mutex
	blocksMu sync.Mutex
}

// Open opens (or creates) the registry database at path and runs schema
// migrations.
func Open(path string) (*Registry, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(" + strconv.FormatInt(DefaultBusyTimeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, vaulterr.IO("registry.open", path, fmt.Errorf("open db: %w", err))
	}
	// One writer; SQLite serializes writes anyway and a single connection
	// keeps transactions from tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, vaulterr.IO("registry.open", path, fmt.Errorf("ping db: %w", err))
	}

	r := &Registry{db: sqlDB}
	if err := r.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, vaulterr.IO("registry.open", path, fmt.Errorf("migrate: %w", err))
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (r *Registry) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS files (
    file_id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
    block_id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL UNIQUE,
    size INTEGER NOT NULL,
    compressed_size INTEGER NOT NULL,
    compression TEXT NOT NULL DEFAULT 'zstd',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
    version_id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    file_fingerprint TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (file_id) REFERENCES files(file_id)
);

CREATE TABLE IF NOT EXISTS file_blocks (
    version_id INTEGER NOT NULL,
    sequence_index INTEGER NOT NULL,
    block_id INTEGER NOT NULL,
    PRIMARY KEY (version_id, sequence_index),
    FOREIGN KEY (version_id) REFERENCES versions(version_id),
    FOREIGN KEY (block_id) REFERENCES blocks(block_id)
);

CREATE INDEX IF NOT EXISTS idx_versions_file ON versions(file_id);
CREATE INDEX IF NOT EXISTS idx_file_blocks_block ON file_blocks(block_id);
`
	_, err := r.db.Exec(schema)
	return err
}

// GetOrCreateFile returns the id of path, registering it on first use.
func (r *Registry) GetOrCreateFile(ctx context.Context, path string) (uint64, error) {
	if path == "" {
		return 0, vaulterr.InvalidArgument("registry.get_or_create_file", path, "empty path")
	}

	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO files (path, created_at) VALUES (?, ?) ON CONFLICT(path) DO NOTHING`,
		path, time.Now().Unix())
	if err != nil {
		return 0, vaulterr.IO("registry.get_or_create_file", path, err)
	}

	var id uint64
	if err := r.db.QueryRowContext(ctx, `SELECT file_id FROM files WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, vaulterr.IO("registry.get_or_create_file", path, err)
	}
	return id, nil
}

// FileByPath looks up a tracked path.
func (r *Registry) FileByPath(ctx context.Context, path string) (File, error) {
	var f File
	var created int64
	err := r.db.QueryRowContext(ctx,
		`SELECT file_id, path, created_at FROM files WHERE path = ?`, path,
	).Scan(&f.ID, &f.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, vaulterr.NotFound("registry.file_by_path", path)
	}
	if err != nil {
		return File{}, vaulterr.IO("registry.file_by_path", path, err)
	}
	f.CreatedAt = unixTime(created)
	return f, nil
}

// RegisterBlock returns the id of b.Fingerprint, inserting the block on
// first sight. Metadata of an existing block is left untouched.
func (r *Registry) RegisterBlock(ctx context.Context, b Block) (uint64, error) {
	if b.Compression == "" {
		b.Compression = "zstd"
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	r.blocksMu.Lock()
	defer r.blocksMu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocks (fingerprint, size, compressed_size, compression, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(fingerprint) DO NOTHING`,
		b.Fingerprint, b.Size, b.CompressedSize, b.Compression, b.CreatedAt.Unix())
	if err != nil {
		return 0, vaulterr.IO("registry.register_block", b.Fingerprint, err)
	}

	var id uint64
	err = r.db.QueryRowContext(ctx,
		`SELECT block_id FROM blocks WHERE fingerprint = ?`, b.Fingerprint).Scan(&id)
	if err != nil {
		return 0, vaulterr.IO("registry.register_block", b.Fingerprint, err)
	}
	return id, nil
}

// BlockByFingerprint looks up a block.
func (r *Registry) BlockByFingerprint(ctx context.Context, fp string) (Block, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT block_id, fingerprint, size, compressed_size, compression, created_at
		 FROM blocks WHERE fingerprint = ?`, fp)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, vaulterr.NotFound("registry.block_by_fingerprint", fp)
	}
	if err != nil {
		return Block{}, vaulterr.IO("registry.block_by_fingerprint", fp, err)
	}
	return b, nil
}

// Blocks returns every registered block ordered by id.
func (r *Registry) Blocks(ctx context.Context) ([]Block, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT block_id, fingerprint, size, compressed_size, compression, created_at
		 FROM blocks ORDER BY block_id`)
	if err != nil {
		return nil, vaulterr.IO("registry.blocks", "", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, vaulterr.IO("registry.blocks", "", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, vaulterr.IO("registry.blocks", "", err)
	}
	return blocks, nil
}

// BlockRefCounts returns, per block id, how many version positions
// reference the block.
func (r *Registry) BlockRefCounts(ctx context.Context) (map[uint64]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT block_id, COUNT(*) FROM file_blocks GROUP BY block_id`)
	if err != nil {
		return nil, vaulterr.IO("registry.block_ref_counts", "", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make(map[uint64]uint64)
	for rows.Next() {
		var id, n uint64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, vaulterr.IO("registry.block_ref_counts", "", err)
		}
		refs[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, vaulterr.IO("registry.block_ref_counts", "", err)
	}
	return refs, nil
}

// CreateVersion records a version and its ordered block sequence in one
// transaction. On any failure the transaction is rolled back and no part
// of the version is visible.
func (r *Registry) CreateVersion(ctx context.Context, nv NewVersion) (uint64, error) {
	const op = "registry.create_version"
	subject := "file " + strconv.FormatUint(nv.FileID, 10)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, vaulterr.Transaction(op, subject, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if nv.ParentID != 0 {
		var parentFile uint64
		err := tx.QueryRowContext(ctx,
			`SELECT file_id FROM versions WHERE version_id = ?`, nv.ParentID).Scan(&parentFile)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, vaulterr.Transaction(op, subject, fmt.Errorf("parent version %d does not exist", nv.ParentID))
		}
		if err != nil {
			return 0, vaulterr.Transaction(op, subject, err)
		}
		if parentFile != nv.FileID {
			return 0, vaulterr.Transaction(op, subject,
				fmt.Errorf("parent version %d belongs to file %d", nv.ParentID, parentFile))
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO versions (file_id, parent_id, file_fingerprint, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		nv.FileID, nv.ParentID, nv.FileFingerprint, nv.Size, time.Now().Unix())
	if err != nil {
		return 0, vaulterr.Transaction(op, subject, fmt.Errorf("insert version: %w", err))
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return 0, vaulterr.Transaction(op, subject, err)
	}
	versionID := uint64(lastID)

	if len(nv.BlockIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO file_blocks (version_id, sequence_index, block_id) VALUES (?, ?, ?)`)
		if err != nil {
			return 0, vaulterr.Transaction(op, subject, err)
		}
		defer func() { _ = stmt.Close() }()

		for i, blockID := range nv.BlockIDs {
			if _, err := stmt.ExecContext(ctx, versionID, i, blockID); err != nil {
				return 0, vaulterr.Transaction(op, subject,
					fmt.Errorf("insert block %d at position %d: %w", blockID, i, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, vaulterr.Transaction(op, subject, fmt.Errorf("commit: %w", err))
	}
	return versionID, nil
}

const versionColumns = `
SELECT v.version_id, v.file_id, v.parent_id, f.path, v.file_fingerprint, v.size, v.created_at,
       (SELECT COUNT(*) FROM file_blocks fb WHERE fb.version_id = v.version_id)
FROM versions v JOIN files f ON f.file_id = v.file_id`

// GetVersion returns one version.
func (r *Registry) GetVersion(ctx context.Context, id uint64) (Version, error) {
	row := r.db.QueryRowContext(ctx, versionColumns+` WHERE v.version_id = ?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, vaulterr.NotFound("registry.get_version", strconv.FormatUint(id, 10))
	}
	if err != nil {
		return Version{}, vaulterr.IO("registry.get_version", strconv.FormatUint(id, 10), err)
	}
	return v, nil
}

// ListVersions returns the versions of a file, oldest first.
func (r *Registry) ListVersions(ctx context.Context, fileID uint64) ([]Version, error) {
	return r.queryVersions(ctx, "registry.list_versions",
		versionColumns+` WHERE v.file_id = ? ORDER BY v.version_id`, fileID)
}

// AllVersions returns every version, oldest first.
func (r *Registry) AllVersions(ctx context.Context) ([]Version, error) {
	return r.queryVersions(ctx, "registry.all_versions", versionColumns+` ORDER BY v.version_id`)
}

// LatestVersion returns the newest version of a file.
func (r *Registry) LatestVersion(ctx context.Context, fileID uint64) (Version, error) {
	row := r.db.QueryRowContext(ctx,
		versionColumns+` WHERE v.file_id = ? ORDER BY v.version_id DESC LIMIT 1`, fileID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, vaulterr.NotFound("registry.latest_version", "file "+strconv.FormatUint(fileID, 10))
	}
	if err != nil {
		return Version{}, vaulterr.IO("registry.latest_version", "file "+strconv.FormatUint(fileID, 10), err)
	}
	return v, nil
}

// GetOrderedBlockFingerprints returns the fingerprints of a version's
// blocks in sequence order. A version with no blocks yields an empty
// slice; an unknown version is NotFound.
func (r *Registry) GetOrderedBlockFingerprints(ctx context.Context, versionID uint64) ([]string, error) {
	const op = "registry.get_ordered_block_fingerprints"
	subject := strconv.FormatUint(versionID, 10)

	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM versions WHERE version_id = ?`, versionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vaulterr.NotFound(op, subject)
	}
	if err != nil {
		return nil, vaulterr.IO(op, subject, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT b.fingerprint FROM file_blocks fb
		 JOIN blocks b ON b.block_id = fb.block_id
		 WHERE fb.version_id = ?
		 ORDER BY fb.sequence_index`, versionID)
	if err != nil {
		return nil, vaulterr.IO(op, subject, err)
	}
	defer func() { _ = rows.Close() }()

	fps := []string{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, vaulterr.IO(op, subject, err)
		}
		fps = append(fps, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, vaulterr.IO(op, subject, err)
	}
	return fps, nil
}

// Counts returns row counts for the stats report.
func (r *Registry) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, `
SELECT (SELECT COUNT(*) FROM files),
       (SELECT COUNT(*) FROM blocks),
       (SELECT COUNT(*) FROM versions),
       (SELECT COUNT(*) FROM file_blocks)`).Scan(&c.Files, &c.Blocks, &c.Versions, &c.References)
	if err != nil {
		return Counts{}, vaulterr.IO("registry.counts", "", err)
	}
	return c, nil
}

func (r *Registry) queryVersions(ctx context.Context, op, query string, args ...any) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, vaulterr.IO(op, "", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, vaulterr.IO(op, "", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, vaulterr.IO(op, "", err)
	}
	return versions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(s scanner) (Block, error) {
	var b Block
	var created int64
	if err := s.Scan(&b.ID, &b.Fingerprint, &b.Size, &b.CompressedSize, &b.Compression, &created); err != nil {
		return Block{}, err
	}
	b.CreatedAt = unixTime(created)
	return b, nil
}

func scanVersion(s scanner) (Version, error) {
	var v Version
	var created int64
	if err := s.Scan(&v.ID, &v.FileID, &v.ParentID, &v.Path, &v.FileFingerprint, &v.Size, &created, &v.BlockCount); err != nil {
		return Version{}, err
	}
	v.CreatedAt = unixTime(created)
	return v, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
