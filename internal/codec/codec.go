package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/deltavault/deltavault/internal/vaulterr"
)

// Algorithm names a block compression format. The name is recorded with
// every block so external inspection tools know how to read the store.
type Algorithm string

// Supported algorithms.
const (
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// DefaultLevel is zstd level 3, the usual ratio/speed balance.
const DefaultLevel = 3

// MaxFrameSize is the largest original length a frame may declare. It
// matches the largest configurable block size.
const MaxFrameSize = 64 << 20

// Frame magic numbers, little endian as they appear on disk.
var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// lz4 frame descriptor: FLG byte follows the magic, bit 3 flags a
// content size field that starts after the BD byte, bit 0 a dictionary id.
const (
	lz4FlagContentSize = 0x08
	lz4FlagDictID      = 0x01
	lz4ContentSizeOff  = 6
)

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// ParseAlgorithm parses a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case Zstd, "":
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", fmt.Errorf("unknown compression algorithm: %q", name)
}

// Codec compresses blocks with one algorithm and level. Every frame it
// writes records the original length, so Decompress needs nothing but the
// stored bytes. A Codec is safe for concurrent use.
type Codec struct {
	alg   Algorithm
	level int

	// Compression encoder/decoder pools for reuse
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New creates a Codec. Level is interpreted per algorithm: zstd levels
// 1-22 map onto the encoder's speed presets, lz4 levels 0-9 select the
// frame compression level.
func New(alg Algorithm, level int) (*Codec, error) {
	switch alg {
	case Zstd:
		if level < 1 || level > 22 {
			return nil, fmt.Errorf("zstd level %d out of range 1-22", level)
		}
	case LZ4:
		if level < 0 || level >= len(lz4Levels) {
			return nil, fmt.Errorf("lz4 level %d out of range 0-%d", level, len(lz4Levels)-1)
		}
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", alg)
	}

	c := &Codec{alg: alg, level: level}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
				zstd.WithZeroFrames(true),    // empty input still gets a sized frame
				zstd.WithSingleSegment(true), // small inputs too
			)
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
			return dec
		},
	}
	return c, nil
}

// Default returns a zstd codec at DefaultLevel.
func Default() *Codec {
	c, _ := New(Zstd, DefaultLevel)
	return c
}

// Algorithm returns the algorithm this codec writes.
func (c *Codec) Algorithm() Algorithm { return c.alg }

// Level returns the configured compression level.
func (c *Codec) Level() int { return c.level }

// Compress compresses one block.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	switch c.alg {
	case LZ4:
		return compressLZ4(data, c.level)
	default:
		enc := c.encoderPool.Get().(*zstd.Encoder)
		defer c.encoderPool.Put(enc)
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
	}
}

// Decompress recognizes the frame format from its magic number and returns
// the original bytes. It fails with a codec error when the frame is foreign
// or corrupt, when it does not declare its original size, or when the
// decoded length disagrees with the declared size.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	size, alg, err := DeclaredSize(data)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, vaulterr.Codec("codec.decompress", string(alg),
			fmt.Errorf("frame declares %d bytes, limit is %d", size, MaxFrameSize))
	}

	var out []byte
	switch alg {
	case LZ4:
		out, err = io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(size)+1))
	default:
		dec := c.decoderPool.Get().(*zstd.Decoder)
		out, err = dec.DecodeAll(data, make([]byte, 0, size))
		c.decoderPool.Put(dec)
	}
	if err != nil {
		return nil, vaulterr.Codec("codec.decompress", string(alg), err)
	}
	if uint64(len(out)) != size {
		return nil, vaulterr.Codec("codec.decompress", string(alg),
			fmt.Errorf("decoded %d bytes, frame declares %d", len(out), size))
	}
	return out, nil
}

// DeclaredSize reads the original length recorded in a frame header
// without decoding the payload. An lz4 frame without a content size field
// declares 0 only when its first block is the end mark.
func DeclaredSize(data []byte) (uint64, Algorithm, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		var hdr zstd.Header
		if err := hdr.Decode(data); err != nil {
			return 0, Zstd, vaulterr.Codec("codec.frame_header", string(Zstd), err)
		}
		if !hdr.HasFCS {
			return 0, Zstd, vaulterr.Codec("codec.frame_header", string(Zstd), errors.New("original size unknown"))
		}
		return hdr.FrameContentSize, Zstd, nil

	case bytes.HasPrefix(data, lz4Magic):
		if size, ok := lz4DeclaredSize(data); ok {
			return size, LZ4, nil
		}
		return 0, LZ4, vaulterr.Codec("codec.frame_header", string(LZ4), errors.New("original size unknown"))
	}
	return 0, "", vaulterr.Codec("codec.frame_header", "", errors.New("not a recognized compressed frame"))
}

func lz4DeclaredSize(data []byte) (uint64, bool) {
	if len(data) < lz4ContentSizeOff {
		return 0, false
	}
	flg := data[4]
	if flg&lz4FlagContentSize != 0 {
		if len(data) < lz4ContentSizeOff+8 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(data[lz4ContentSizeOff:]), true
	}

	// The writer leaves the field out for empty input.
	first := lz4ContentSizeOff + 1 // header checksum
	if flg&lz4FlagDictID != 0 {
		first += 4
	}
	if len(data) < first+4 {
		return 0, false
	}
	return 0, binary.LittleEndian.Uint32(data[first:]) == 0
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(
		lz4.SizeOption(uint64(len(data))),
		lz4.CompressionLevelOption(lz4Levels[level]),
		lz4.ChecksumOption(true),
	); err != nil {
		return nil, vaulterr.Codec("codec.compress", string(LZ4), err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, vaulterr.Codec("codec.compress", string(LZ4), err)
	}
	if err := w.Close(); err != nil {
		return nil, vaulterr.Codec("codec.compress", string(LZ4), err)
	}
	return buf.Bytes(), nil
}
