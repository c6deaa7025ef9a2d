// Package chunker splits byte streams into fixed-size blocks.
//
// Boundaries depend only on the offset: every block is Size bytes long
// except possibly the last. An insertion near the start of a file shifts
// every later boundary, so edited files dedup poorly. That is the accepted
// cost of keeping block identity purely length-based.
package chunker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/deltavault/deltavault/internal/vaulterr"
)

// DefaultBlockSize is the block length used when none is configured.
const DefaultBlockSize = 256 * 1024

// Block is one slice of the input, tagged with its position.
type Block struct {
	Index  int
	Offset int64
	Data   []byte
}

// Chunker reads fixed-size blocks from a reader.
type Chunker struct {
	reader io.Reader
	size   int
	index  int
	offset int64
	done   bool
}

// New creates a chunker that cuts r into blocks of size bytes.
// A non-positive size selects DefaultBlockSize.
func New(r io.Reader, size int) *Chunker {
	if size <= 0 {
		size = DefaultBlockSize
	}
	return &Chunker{reader: r, size: size}
}

// Size returns the configured block size.
func (c *Chunker) Size() int { return c.size }

// Next returns the next block. It returns io.EOF once the input is
// exhausted; an empty input yields io.EOF on the first call.
func (c *Chunker) Next() (Block, error) {
	if c.done {
		return Block{}, io.EOF
	}

	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.reader, buf)
	switch {
	case errors.Is(err, io.EOF):
		c.done = true
		return Block{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short final block.
		c.done = true
	case err != nil:
		return Block{}, err
	}

	b := Block{Index: c.index, Offset: c.offset, Data: buf[:n]}
	c.index++
	c.offset += int64(n)
	return b, nil
}

// Split reads all of r into blocks.
func Split(r io.Reader, size int) ([]Block, error) {
	c := New(r, size)
	var blocks []Block
	for {
		b, err := c.Next()
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

// SplitFile splits the file at path. A missing or unreadable file is an IO
// error; an empty file yields no blocks and no error.
func SplitFile(path string, size int) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, vaulterr.IO("chunker.split", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, vaulterr.IO("chunker.split", path, err)
	}
	if info.IsDir() {
		return nil, vaulterr.IO("chunker.split", path, fmt.Errorf("is a directory"))
	}

	blocks, err := Split(f, size)
	if err != nil {
		return nil, vaulterr.IO("chunker.split", path, err)
	}
	return blocks, nil
}

// Count returns the number of blocks a stream of n bytes splits into.
func Count(n int64, size int) int {
	if size <= 0 {
		size = DefaultBlockSize
	}
	if n <= 0 {
		return 0
	}
	return int((n + int64(size) - 1) / int64(size))
}
