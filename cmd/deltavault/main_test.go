package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltavault/deltavault/internal/vaulterr"
	"github.com/deltavault/deltavault/testutil"
)

// execute runs the CLI with args against a fresh storage root under dir
// and returns its standard output.
func execute(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--root", root, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_VerifiesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "vault")
	path, data := testutil.RandomFile(t, dir, "input.bin", 600*1024)

	out, err := execute(t, root, path)
	require.NoError(t, err)

	assert.Contains(t, out, "Version ID: 1 (3 blocks, 3 new)")
	assert.Contains(t, out, "Original: ")
	assert.Contains(t, out, "Restored: ")
	assert.Contains(t, out, "PASS")
	assert.NotContains(t, out, "FAIL")

	restored, err := os.ReadFile(path + ".restored")
	require.NoError(t, err)
	assert.Equal(t, data, restored)

	// A second run dedups every block.
	out, err = execute(t, root, path, "--output", filepath.Join(dir, "second.bin"))
	require.NoError(t, err)
	assert.Contains(t, out, "Version ID: 2 (3 blocks, 0 new)")
	assert.FileExists(t, filepath.Join(dir, "second.bin"))
}

func TestRoot_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "vault")

	_, err := execute(t, root)
	assert.Error(t, err, "a file argument is required")

	_, err = execute(t, root, dir)
	assert.ErrorContains(t, err, "is a directory")

	_, err = execute(t, root, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestBackupRestoreVersions(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "vault")
	src := filepath.Join(dir, "src")
	a := testutil.TempFile(t, src, "a.txt", "alpha")
	testutil.TempFile(t, src, "nested/b.txt", "bravo")
	testutil.TempFile(t, src, "nested/c.txt", "alpha")

	out, err := execute(t, root, "backup", src)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "-> version"))

	out, err = execute(t, root, "versions", a)
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "5 B")

	target := filepath.Join(dir, "restored", "a.txt")
	out, err = execute(t, root, "restore", "1", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored version 1")
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(content))

	out, err = execute(t, root, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Versions:       3")
	assert.Contains(t, out, "Blocks:         2")
	assert.Contains(t, out, "Dedup ratio:    1.50")
}

func TestRestore_MissingVersion(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	_, err := execute(t, filepath.Join(dir, "vault"), "restore", "7", target)
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	assert.NoFileExists(t, target)
}

func TestBackup_ParentFlag(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "vault")
	a := testutil.TempFile(t, dir, "a.txt", "one")
	b := testutil.TempFile(t, dir, "b.txt", "two")

	_, err := execute(t, root, "backup", a, b, "--parent", "0")
	assert.ErrorContains(t, err, "exactly one file")

	_, err = execute(t, root, "backup", a)
	require.NoError(t, err)
	_, err = execute(t, root, "backup", a, "--parent", "0")
	require.NoError(t, err)

	out, err := execute(t, root, "versions", a)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "-", strings.Fields(lines[2])[1], "explicit root version has no parent")
}

func TestLineageCommands(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "vault")
	a := testutil.TempFile(t, dir, "a.txt", "lineage")

	_, err := execute(t, root, "backup", a)
	require.NoError(t, err)
	_, err = execute(t, root, "backup", a)
	require.NoError(t, err)

	out, err := execute(t, root, "lineage", "export")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "2\n"))
	assert.Contains(t, out, "2|1|"+a+"|")

	snapshot := filepath.Join(dir, "lineage.txt")
	_, err = execute(t, root, "lineage", "export", snapshot)
	require.NoError(t, err)

	out, err = execute(t, root, "lineage", "check", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 versions")

	_, err = execute(t, root, "backup", a)
	require.NoError(t, err)
	_, err = execute(t, root, "lineage", "check", snapshot)
	assert.ErrorIs(t, err, vaulterr.ErrConsistency)
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	top := testutil.TempFile(t, dir, "top.txt", "x")
	nested := testutil.TempFile(t, dir, "sub/deeper/n.txt", "y")
	testutil.TempFile(t, dir, "vault/blocks/ignored.bin", "z")

	files, err := collectFiles([]string{dir}, filepath.Join(dir, "vault"))
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{nested, top}, files)

	files, err = collectFiles([]string{top}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{top}, files)

	_, err = collectFiles([]string{filepath.Join(dir, "missing")}, "")
	assert.Error(t, err)
}

func TestParseVersionID(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"1", 1, false},
		{"18446744073709551615", 18446744073709551615, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseVersionID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 2, exitCode(errVerifyFailed))
}
