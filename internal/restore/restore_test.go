package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltavault/deltavault/internal/cas"
	"github.com/deltavault/deltavault/internal/chunker"
	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/registry"
	"github.com/deltavault/deltavault/internal/vaulterr"
	"github.com/deltavault/deltavault/testutil"
)

type fixture struct {
	store *cas.Store
	reg   *registry.Registry
	codec *codec.Codec
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.NewStore(filepath.Join(dir, "blocks"))
	require.NoError(t, err)
	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return &fixture{store: store, reg: reg, codec: codec.Default(), dir: dir}
}

// storeVersion stores data as a new version of path, the way a backup run
// would, and returns the version id and the block fingerprints in order.
func (f *fixture) storeVersion(t *testing.T, path string, data []byte, blockSize int) (uint64, []string) {
	t.Helper()
	ctx := context.Background()

	blocks, err := chunker.Split(bytes.NewReader(data), blockSize)
	require.NoError(t, err)

	fps := make([]string, len(blocks))
	ids := make([]uint64, len(blocks))
	for i, b := range blocks {
		fps[i] = codec.Fingerprint(b.Data)
		compressed, err := f.codec.Compress(b.Data)
		require.NoError(t, err)
		_, err = f.store.Write(ctx, fps[i], compressed)
		require.NoError(t, err)
		ids[i], err = f.reg.RegisterBlock(ctx, registry.Block{
			Fingerprint:    fps[i],
			Size:           int64(len(b.Data)),
			CompressedSize: int64(len(compressed)),
			Compression:    string(f.codec.Algorithm()),
		})
		require.NoError(t, err)
	}

	fileID, err := f.reg.GetOrCreateFile(ctx, path)
	require.NoError(t, err)
	id, err := f.reg.CreateVersion(ctx, registry.NewVersion{
		FileID:          fileID,
		FileFingerprint: codec.Fingerprint(data),
		Size:            int64(len(data)),
		BlockIDs:        ids,
	})
	require.NoError(t, err)
	return id, fps
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	cfg.Store = f.store
	cfg.Registry = f.reg
	cfg.Codec = f.codec
	return New(cfg)
}

func TestRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 600*1024)
	versionID, fps := f.storeVersion(t, "/data/a.bin", data, chunker.DefaultBlockSize)
	require.Len(t, fps, 3)

	out := filepath.Join(f.dir, "out", "a.bin")
	n, err := f.orchestrator(Config{Verify: true}).RestoreFile(context.Background(), versionID, out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, restored)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestRestore_ResultFields(t *testing.T) {
	f := newFixture(t)
	data := []byte("hello, deltavault")
	versionID, _ := f.storeVersion(t, "/data/hello.txt", data, 4)

	out := filepath.Join(f.dir, "hello.txt")
	res, err := f.orchestrator(Config{Verify: true}).Restore(context.Background(), versionID, out)
	require.NoError(t, err)

	assert.Equal(t, versionID, res.Version.ID)
	assert.Equal(t, "/data/hello.txt", res.Version.Path)
	assert.Equal(t, out, res.Path)
	assert.Equal(t, int64(len(data)), res.Written)
	assert.Equal(t, codec.Fingerprint(data), res.Fingerprint)
	assert.Greater(t, int64(res.Duration), int64(0))
}

func TestRestore_Prefetch(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 64*1024+17)
	versionID, _ := f.storeVersion(t, "/data/p.bin", data, 1024)

	for _, window := range []int{1, 4, 16, 200} {
		out := filepath.Join(f.dir, "prefetch", "p.bin")
		_, err := f.orchestrator(Config{Verify: true, Prefetch: window}).RestoreFile(context.Background(), versionID, out)
		require.NoError(t, err, "window %d", window)

		restored, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, data, restored, "window %d", window)
	}
}

func TestRestore_RepeatedBlocks(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("abcdefgh"), 64)
	versionID, fps := f.storeVersion(t, "/data/rep.bin", data, 8)
	require.Len(t, fps, 64)

	out := filepath.Join(f.dir, "rep.bin")
	_, err := f.orchestrator(Config{Verify: true, Prefetch: 4}).RestoreFile(context.Background(), versionID, out)
	require.NoError(t, err)

	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestRestore_EmptyVersion(t *testing.T) {
	f := newFixture(t)
	versionID, fps := f.storeVersion(t, "/data/empty", nil, chunker.DefaultBlockSize)
	require.Empty(t, fps)

	out := filepath.Join(f.dir, "empty")
	n, err := f.orchestrator(Config{Verify: true}).RestoreFile(context.Background(), versionID, out)
	require.NoError(t, err)
	assert.Zero(t, n)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestRestore_VersionNotFound(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "missing.bin")

	_, err := f.orchestrator(Config{Verify: true}).RestoreFile(context.Background(), 999, out)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	assert.NoFileExists(t, out)
}

func TestRestore_MissingBlock(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 4096)
	versionID, fps := f.storeVersion(t, "/data/m.bin", data, 1024)
	require.NoError(t, os.Remove(f.store.Path(fps[2])))

	for _, window := range []int{0, 3} {
		out := filepath.Join(f.dir, "m.bin")
		_, err := f.orchestrator(Config{Verify: true, Prefetch: window}).RestoreFile(context.Background(), versionID, out)
		assert.ErrorIs(t, err, vaulterr.ErrNotFound, "window %d", window)
		assert.NoFileExists(t, out, "a failed restore must not publish output")
	}
}

func TestRestore_CorruptBlock(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 4096)
	versionID, fps := f.storeVersion(t, "/data/c.bin", data, 1024)

	// A well-formed frame holding the wrong content.
	other, err := f.codec.Compress(bytes.Repeat([]byte{'x'}, 1024))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.store.Path(fps[1]), other, 0644))

	out := filepath.Join(f.dir, "c.bin")
	_, err = f.orchestrator(Config{Verify: true}).RestoreFile(context.Background(), versionID, out)
	assert.ErrorIs(t, err, vaulterr.ErrCodec)
	assert.NoFileExists(t, out)
}

func TestRestore_UndecodableBlock(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 2048)
	versionID, fps := f.storeVersion(t, "/data/u.bin", data, 1024)
	require.NoError(t, os.WriteFile(f.store.Path(fps[0]), []byte("not a frame"), 0644))

	out := filepath.Join(f.dir, "u.bin")
	_, err := f.orchestrator(Config{Verify: true, Prefetch: 2}).RestoreFile(context.Background(), versionID, out)
	assert.ErrorIs(t, err, vaulterr.ErrCodec)
	assert.NoFileExists(t, out)
}

func TestRestore_KeepsExistingOutputOnFailure(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 2048)
	versionID, fps := f.storeVersion(t, "/data/k.bin", data, 1024)
	require.NoError(t, os.Remove(f.store.Path(fps[1])))

	out := testutil.TempFile(t, f.dir, "k.bin", "previous content")
	_, err := f.orchestrator(Config{Verify: true}).RestoreFile(context.Background(), versionID, out)
	require.Error(t, err)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous content", string(content))
}

func TestRestore_VerifyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("some file content")
	_, fps := f.storeVersion(t, "/data/v.txt", data, 8)

	// Record a version whose whole-file fingerprint disagrees with its blocks.
	ids := make([]uint64, len(fps))
	for i, fp := range fps {
		b, err := f.reg.BlockByFingerprint(ctx, fp)
		require.NoError(t, err)
		ids[i] = b.ID
	}
	fileID, err := f.reg.GetOrCreateFile(ctx, "/data/v.txt")
	require.NoError(t, err)
	bad, err := f.reg.CreateVersion(ctx, registry.NewVersion{
		FileID:          fileID,
		FileFingerprint: codec.Fingerprint([]byte("something else")),
		Size:            int64(len(data)),
		BlockIDs:        ids,
	})
	require.NoError(t, err)

	out := filepath.Join(f.dir, "v.txt")
	_, err = f.orchestrator(Config{Verify: true}).RestoreFile(ctx, bad, out)
	assert.ErrorIs(t, err, vaulterr.ErrCodec)
	assert.NoFileExists(t, out)

	// Without verification the content is published as stored.
	n, err := f.orchestrator(Config{}).RestoreFile(ctx, bad, out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
}

func TestRestore_Progress(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 10*1024)
	versionID, _ := f.storeVersion(t, "/data/prog.bin", data, 4096)

	var (
		mu     sync.Mutex
		events []Progress
	)
	o := f.orchestrator(Config{
		Verify:   true,
		Prefetch: 2,
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p)
		},
	})

	_, err := o.RestoreFile(context.Background(), versionID, filepath.Join(f.dir, "prog.bin"))
	require.NoError(t, err)

	require.Len(t, events, 3)
	for i, p := range events {
		assert.Equal(t, versionID, p.VersionID)
		assert.Equal(t, i+1, p.BlocksDone)
		assert.Equal(t, 3, p.BlocksTotal)
		assert.Equal(t, int64(len(data)), p.BytesTotal)
	}
	assert.Equal(t, int64(len(data)), events[2].BytesWritten)
}

func TestRestore_CanceledContext(t *testing.T) {
	f := newFixture(t)
	data := testutil.RandomBytes(t, 4096)
	versionID, _ := f.storeVersion(t, "/data/x.bin", data, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(f.dir, "x.bin")
	_, err := f.orchestrator(Config{Verify: true}).RestoreFile(ctx, versionID, out)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}
