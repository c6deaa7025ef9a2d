package index

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

var ctx = context.Background()

func TestIndex_RegisterOrGet(t *testing.T) {
	x := New()
	a := codec.Fingerprint([]byte("a"))
	b := codec.Fingerprint([]byte("b"))

	id, created, err := x.RegisterOrGet(ctx, a, Metadata{Size: 1, CompressedSize: 10})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(1), id)

	id, created, err = x.RegisterOrGet(ctx, b, Metadata{Size: 1})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(2), id)

	id, created, err = x.RegisterOrGet(ctx, a, Metadata{Size: 999})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, uint64(1), id)

	md, err := x.GetMetadata(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), md.RefCount)
	assert.Equal(t, int64(1), md.Size, "later candidates must not overwrite metadata")
	assert.Equal(t, a, md.Fingerprint)
	assert.False(t, md.CreatedAt.IsZero())
}

func TestIndex_Lookups(t *testing.T) {
	x := New()
	fp := codec.Fingerprint([]byte("present"))
	missing := codec.Fingerprint([]byte("missing"))

	_, _, err := x.RegisterOrGet(ctx, fp, Metadata{})
	require.NoError(t, err)

	assert.True(t, x.Exists(fp))
	assert.False(t, x.Exists(missing))

	id, err := x.GetID(fp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	_, err = x.GetID(missing)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	_, err = x.GetMetadata(missing)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestIndex_ConcurrentRegistration(t *testing.T) {
	x := New()
	const goroutines = 50
	fps := []string{
		codec.Fingerprint([]byte("one")),
		codec.Fingerprint([]byte("two")),
		codec.Fingerprint([]byte("three")),
	}

	var wg sync.WaitGroup
	ids := make([][]uint64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Go(func() {
			for _, fp := range fps {
				id, _, err := x.RegisterOrGet(ctx, fp, Metadata{Size: 3})
				if err == nil {
					ids[g] = append(ids[g], id)
				}
			}
		})
	}
	wg.Wait()

	for g := 1; g < goroutines; g++ {
		assert.Equal(t, ids[0], ids[g], "every caller must see the same ids")
	}

	assert.Equal(t, len(fps), x.Len())
	for _, fp := range fps {
		md, err := x.GetMetadata(fp)
		require.NoError(t, err)
		assert.Equal(t, uint64(goroutines), md.RefCount)
	}

	seen := map[uint64]bool{}
	for _, id := range ids[0] {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestIndex_Allocator(t *testing.T) {
	var calls []string
	x := New(WithAllocator(func(_ context.Context, md Metadata) (uint64, error) {
		calls = append(calls, md.Fingerprint)
		return uint64(100 + len(calls)), nil
	}))

	a := codec.Fingerprint([]byte("a"))
	id, _, err := x.RegisterOrGet(ctx, a, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, uint64(101), id)

	_, _, err = x.RegisterOrGet(ctx, a, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, calls, "allocator runs only for new fingerprints")
}

func TestIndex_AllocatorFailure(t *testing.T) {
	boom := errors.New("registry down")
	x := New(WithAllocator(func(context.Context, Metadata) (uint64, error) { return 0, boom }))
	fp := codec.Fingerprint([]byte("a"))

	_, _, err := x.RegisterOrGet(ctx, fp, Metadata{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, x.Exists(fp), "failed allocation must not leave an entry")
}

func TestIndex_Load(t *testing.T) {
	x := New()
	a := codec.Fingerprint([]byte("a"))
	b := codec.Fingerprint([]byte("b"))
	x.Load([]Metadata{
		{ID: 7, Fingerprint: a, Size: 10, CompressedSize: 4, RefCount: 3},
	})

	id, created, err := x.RegisterOrGet(ctx, a, Metadata{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, uint64(7), id)

	id, created, err = x.RegisterOrGet(ctx, b, Metadata{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(8), id, "ids continue after the largest loaded id")

	md, err := x.GetMetadata(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), md.RefCount)
}

func TestIndex_Stats(t *testing.T) {
	x := New()
	assert.Equal(t, Stats{}, x.Stats())

	a := codec.Fingerprint([]byte("a"))
	b := codec.Fingerprint([]byte("b"))
	for i := 0; i < 3; i++ {
		_, _, err := x.RegisterOrGet(ctx, a, Metadata{Size: 100, CompressedSize: 10})
		require.NoError(t, err)
	}
	_, _, err := x.RegisterOrGet(ctx, b, Metadata{Size: 50, CompressedSize: 20})
	require.NoError(t, err)

	s := x.Stats()
	assert.Equal(t, 2, s.Blocks)
	assert.Equal(t, uint64(4), s.References)
	assert.Equal(t, int64(350), s.LogicalBytes)
	assert.Equal(t, int64(30), s.StoredBytes)
	assert.InDelta(t, 2.0, s.DedupRatio, 1e-9)
}
