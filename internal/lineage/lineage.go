// Package lineage exports and reloads the version graph as line-oriented
// text.
//
// The format is a count line followed by two lines per version:
//
//	2
//	1|0|/data/a.txt|<file fingerprint>|600|1718000000
//	<fp> <fp> <fp>
//	2|1|/data/a.txt|<file fingerprint>|612|1718000100
//	<fp> <fp> <fp>
//
// The metadata line is version_id|parent_id|path|file_fingerprint|size|created_at
// with created_at in Unix seconds. The second line lists block fingerprints
// in order, space separated, and is empty for an empty file.
//
// A graph is always derived from the registry. Load exists for inspection
// and for Check, which reconciles a snapshot against the registry.
package lineage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/registry"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// Node is one version in the graph.
type Node struct {
	ID              uint64
	ParentID        uint64
	Path            string
	FileFingerprint string
	Size            int64
	CreatedAt       time.Time
	Blocks          []string
}

// Source is the registry surface a graph is derived from.
type Source interface {
	AllVersions(ctx context.Context) ([]registry.Version, error)
	GetOrderedBlockFingerprints(ctx context.Context, versionID uint64) ([]string, error)
}

// Graph is an in-memory version graph.
type Graph struct {
	nodes  map[uint64]*Node
	nextID uint64
}

// New returns an empty graph whose first version id is 1.
func New() *Graph {
	return &Graph{nodes: make(map[uint64]*Node), nextID: 1}
}

// CreateVersion appends a version with the next free id.
func (g *Graph) CreateVersion(path, fileFingerprint string, size int64, blocks []string, parent uint64) uint64 {
	id := g.nextID
	g.add(Node{
		ID:              id,
		ParentID:        parent,
		Path:            path,
		FileFingerprint: fileFingerprint,
		Size:            size,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		Blocks:          append([]string(nil), blocks...),
	})
	return id
}

func (g *Graph) add(n Node) {
	g.nodes[n.ID] = &n
	if n.ID >= g.nextID {
		g.nextID = n.ID + 1
	}
}

// NextID returns the id the next CreateVersion call will use.
func (g *Graph) NextID() uint64 { return g.nextID }

// Len returns the number of versions.
func (g *Graph) Len() int { return len(g.nodes) }

// GetVersion returns a copy of one version.
func (g *Graph) GetVersion(id uint64) (Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, vaulterr.NotFound("lineage.get_version", strconv.FormatUint(id, 10))
	}
	c := *n
	c.Blocks = append([]string(nil), n.Blocks...)
	return c, nil
}

// Versions returns all versions ordered by id.
func (g *Graph) Versions() []Node {
	ids := make([]uint64, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Ancestry walks parent links from id back to its root, newest first.
func (g *Graph) Ancestry(id uint64) ([]Node, error) {
	var chain []Node
	seen := make(map[uint64]bool)
	for id != 0 {
		if seen[id] {
			return nil, vaulterr.Consistency("lineage.ancestry", strconv.FormatUint(id, 10), "parent cycle")
		}
		seen[id] = true
		n, ok := g.nodes[id]
		if !ok {
			return nil, vaulterr.NotFound("lineage.ancestry", strconv.FormatUint(id, 10))
		}
		chain = append(chain, *n)
		id = n.ParentID
	}
	return chain, nil
}

// FromRegistry derives a graph from the registry's versions.
func FromRegistry(ctx context.Context, src Source) (*Graph, error) {
	versions, err := src.AllVersions(ctx)
	if err != nil {
		return nil, err
	}
	g := New()
	for _, v := range versions {
		fps, err := src.GetOrderedBlockFingerprints(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		g.add(Node{
			ID:              v.ID,
			ParentID:        v.ParentID,
			Path:            v.Path,
			FileFingerprint: v.FileFingerprint,
			Size:            v.Size,
			CreatedAt:       v.CreatedAt,
			Blocks:          fps,
		})
	}
	return g, nil
}

// Save writes the graph in export format.
func (g *Graph) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	nodes := g.Versions()

	if _, err := fmt.Fprintf(bw, "%d\n", len(nodes)); err != nil {
		return vaulterr.IO("lineage.save", "", err)
	}
	for _, n := range nodes {
		if strings.ContainsAny(n.Path, "\r\n") {
			return vaulterr.InvalidArgument("lineage.save", n.Path, "path contains a line break")
		}
		if _, err := fmt.Fprintf(bw, "%d|%d|%s|%s|%d|%d\n%s\n",
			n.ID, n.ParentID, n.Path, n.FileFingerprint, n.Size, n.CreatedAt.Unix(),
			strings.Join(n.Blocks, " ")); err != nil {
			return vaulterr.IO("lineage.save", "", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return vaulterr.IO("lineage.save", "", err)
	}
	return nil
}

// Load parses an exported graph. Malformed input is a consistency error
// naming the offending line. After loading, NextID is one past the largest
// id read.
func Load(r io.Reader) (*Graph, error) {
	lr := &lineReader{r: bufio.NewReader(r)}

	header, ok, err := lr.next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lr.fail("missing version count")
	}
	count, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || count < 0 {
		return nil, lr.fail("invalid version count %q", header)
	}

	g := New()
	for i := 0; i < count; i++ {
		meta, ok, err := lr.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, lr.fail("expected %d versions, found %d", count, i)
		}
		n, err := parseMeta(meta)
		if err != nil {
			return nil, lr.fail("%v", err)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, lr.fail("duplicate version id %d", n.ID)
		}

		blocks, ok, err := lr.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, lr.fail("missing block list for version %d", n.ID)
		}
		if blocks = strings.TrimSpace(blocks); blocks != "" {
			n.Blocks = strings.Fields(blocks)
		}
		for _, fp := range n.Blocks {
			if !codec.ValidFingerprint(fp) {
				return nil, lr.fail("malformed block fingerprint %q", fp)
			}
		}
		g.add(n)
	}

	for {
		extra, ok, err := lr.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if strings.TrimSpace(extra) != "" {
			return nil, lr.fail("unexpected content after %d versions", count)
		}
	}

	for _, n := range g.nodes {
		if n.ParentID == 0 {
			continue
		}
		if _, ok := g.nodes[n.ParentID]; !ok {
			return nil, vaulterr.Consistency("lineage.load", strconv.FormatUint(n.ID, 10),
				"parent version %d is not in the graph", n.ParentID)
		}
	}
	return g, nil
}

// parseMeta splits a metadata line. The path sits between two fixed
// fields on the left and three on the right, so it may contain '|'.
func parseMeta(line string) (Node, error) {
	head := strings.SplitN(line, "|", 3)
	if len(head) != 3 {
		return Node{}, fmt.Errorf("metadata line needs 6 fields")
	}
	rest := head[2]
	var tail [3]string
	for i := 2; i >= 0; i-- {
		j := strings.LastIndexByte(rest, '|')
		if j < 0 {
			return Node{}, fmt.Errorf("metadata line needs 6 fields")
		}
		tail[i] = rest[j+1:]
		rest = rest[:j]
	}

	id, err := strconv.ParseUint(head[0], 10, 64)
	if err != nil || id == 0 {
		return Node{}, fmt.Errorf("invalid version id %q", head[0])
	}
	parent, err := strconv.ParseUint(head[1], 10, 64)
	if err != nil {
		return Node{}, fmt.Errorf("invalid parent id %q", head[1])
	}
	if parent == id {
		return Node{}, fmt.Errorf("version %d is its own parent", id)
	}
	size, err := strconv.ParseInt(tail[1], 10, 64)
	if err != nil || size < 0 {
		return Node{}, fmt.Errorf("invalid size %q", tail[1])
	}
	created, err := strconv.ParseInt(tail[2], 10, 64)
	if err != nil {
		return Node{}, fmt.Errorf("invalid created_at %q", tail[2])
	}

	return Node{
		ID:              id,
		ParentID:        parent,
		Path:            rest,
		FileFingerprint: tail[0],
		Size:            size,
		CreatedAt:       time.Unix(created, 0).UTC(),
	}, nil
}

// Check compares g against the registry and returns a consistency error
// describing the first divergence.
func Check(ctx context.Context, g *Graph, src Source) error {
	want, err := FromRegistry(ctx, src)
	if err != nil {
		return err
	}

	have := g.Versions()
	expected := want.Versions()
	if len(have) != len(expected) {
		return vaulterr.Consistency("lineage.check", "", "snapshot has %d versions, registry has %d", len(have), len(expected))
	}
	for i := range expected {
		if err := compareNodes(have[i], expected[i]); err != nil {
			return vaulterr.Consistency("lineage.check", strconv.FormatUint(expected[i].ID, 10), "%v", err)
		}
	}
	return nil
}

func compareNodes(have, want Node) error {
	switch {
	case have.ID != want.ID:
		return fmt.Errorf("snapshot has version %d where registry has %d", have.ID, want.ID)
	case have.ParentID != want.ParentID:
		return fmt.Errorf("parent %d, registry says %d", have.ParentID, want.ParentID)
	case have.Path != want.Path:
		return fmt.Errorf("path %q, registry says %q", have.Path, want.Path)
	case have.FileFingerprint != want.FileFingerprint:
		return fmt.Errorf("file fingerprint %s, registry says %s", have.FileFingerprint, want.FileFingerprint)
	case have.Size != want.Size:
		return fmt.Errorf("size %d, registry says %d", have.Size, want.Size)
	case len(have.Blocks) != len(want.Blocks):
		return fmt.Errorf("%d blocks, registry says %d", len(have.Blocks), len(want.Blocks))
	}
	for i := range want.Blocks {
		if have.Blocks[i] != want.Blocks[i] {
			return fmt.Errorf("block %d is %s, registry says %s", i, have.Blocks[i], want.Blocks[i])
		}
	}
	return nil
}

type lineReader struct {
	r    *bufio.Reader
	line int
}

// next returns the next line without its terminator. ok is false at EOF.
func (lr *lineReader) next() (string, bool, error) {
	s, err := lr.r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		if s == "" {
			return "", false, nil
		}
	} else if err != nil {
		return "", false, vaulterr.IO("lineage.load", "", err)
	}
	lr.line++
	return strings.TrimRight(s, "\r\n"), true, nil
}

func (lr *lineReader) fail(format string, args ...any) error {
	return vaulterr.Consistency("lineage.load", "line "+strconv.Itoa(lr.line), format, args...)
}
