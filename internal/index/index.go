// Package index maps block fingerprints to block ids and reference counts.
//
// The index is the dedup decision point of a backup run: every processed
// block is registered here, and only the first registration of a
// fingerprint allocates an id. The registry is the durable record; an
// Index is rebuilt from it with Load when a vault is opened.
package index

import (
	"context"
	"sync"
	"time"

	"github.com/deltavault/deltavault/internal/vaulterr"
)

// Metadata describes one distinct block.
type Metadata struct {
	ID             uint64
	Fingerprint    string
	Size           int64 // uncompressed
	CompressedSize int64
	Algorithm      string
	RefCount       uint64
	CreatedAt      time.Time
}

// Allocator assigns the id of a fingerprint seen for the first time. It is
// called with the index lock held, so allocations happen in registration
// order. The registry's RegisterBlock is the usual allocator.
type Allocator func(ctx context.Context, candidate Metadata) (uint64, error)

// Stats summarizes the index.
type Stats struct {
	Blocks       int     // distinct fingerprints
	References   uint64  // total registrations
	LogicalBytes int64   // uncompressed bytes across all references
	StoredBytes  int64   // compressed bytes across distinct blocks
	DedupRatio   float64 // References / Blocks, 0 when empty
}

// Index is an in-memory fingerprint index. Safe for concurrent use.
type Index struct {
	mu     sync.Mutex
	blocks map[string]*Metadata
	nextID uint64
	alloc  Allocator
}

// Option configures an Index.
type Option func(*Index)

// WithAllocator delegates id allocation for new fingerprints.
func WithAllocator(a Allocator) Option {
	return func(x *Index) { x.alloc = a }
}

// New creates an empty index. Without an allocator, ids count up from 1.
func New(opts ...Option) *Index {
	x := &Index{blocks: make(map[string]*Metadata), nextID: 1}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Load seeds the index with previously registered blocks. Entries already
// present are replaced. The local id counter moves past the largest id seen.
func (x *Index) Load(entries []Metadata) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, e := range entries {
		md := e
		x.blocks[md.Fingerprint] = &md
		if md.ID >= x.nextID {
			x.nextID = md.ID + 1
		}
	}
}

// RegisterOrGet returns the id for fp, allocating one with reference count
// 1 on first sight and incrementing the count otherwise. created reports
// whether this call allocated the id.
func (x *Index) RegisterOrGet(ctx context.Context, fp string, candidate Metadata) (id uint64, created bool, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if md, ok := x.blocks[fp]; ok {
		md.RefCount++
		return md.ID, false, nil
	}

	candidate.Fingerprint = fp
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}

	if x.alloc != nil {
		id, err = x.alloc(ctx, candidate)
		if err != nil {
			return 0, false, err
		}
		if id >= x.nextID {
			x.nextID = id + 1
		}
	} else {
		id = x.nextID
		x.nextID++
	}

	candidate.ID = id
	candidate.RefCount = 1
	x.blocks[fp] = &candidate
	return id, true, nil
}

// Exists reports whether fp has been registered.
func (x *Index) Exists(fp string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.blocks[fp]
	return ok
}

// GetID returns the id registered for fp.
func (x *Index) GetID(fp string) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	md, ok := x.blocks[fp]
	if !ok {
		return 0, vaulterr.NotFound("index.get_id", fp)
	}
	return md.ID, nil
}

// GetMetadata returns a copy of the metadata registered for fp.
func (x *Index) GetMetadata(fp string) (Metadata, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	md, ok := x.blocks[fp]
	if !ok {
		return Metadata{}, vaulterr.NotFound("index.get_metadata", fp)
	}
	return *md, nil
}

// Len returns the number of distinct fingerprints.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.blocks)
}

// Stats computes dedup statistics over the whole index.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()

	s := Stats{Blocks: len(x.blocks)}
	for _, md := range x.blocks {
		s.References += md.RefCount
		s.LogicalBytes += md.Size * int64(md.RefCount)
		s.StoredBytes += md.CompressedSize
	}
	if s.Blocks > 0 {
		s.DedupRatio = float64(s.References) / float64(s.Blocks)
	}
	return s
}
