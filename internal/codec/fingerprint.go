// Package codec fingerprints and compresses blocks.
//
// Fingerprints are SHA-256 digests rendered as lowercase hex. The same
// function is used for block content and for whole files, and is always
// applied to uncompressed bytes.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/deltavault/deltavault/internal/vaulterr"
)

// FingerprintLen is the length of a hex-encoded fingerprint.
const FingerprintLen = sha256.Size * 2

// Fingerprint computes the SHA-256 of data as lowercase hex.
func Fingerprint(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Hasher accumulates a fingerprint over bytes written in order.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.n += int64(n)
	return n, nil
}

// Sum returns the fingerprint of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Len returns the number of bytes written.
func (h *Hasher) Len() int64 { return h.n }

// FingerprintReader streams r through SHA-256 and returns the digest along
// with the number of bytes consumed.
func FingerprintReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FingerprintFile fingerprints the file at path without loading it into
// memory. An unreadable file is an IO error.
func FingerprintFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, vaulterr.IO("codec.fingerprint_file", path, err)
	}
	defer func() { _ = f.Close() }()

	fp, n, err := FingerprintReader(f)
	if err != nil {
		return "", 0, vaulterr.IO("codec.fingerprint_file", path, err)
	}
	return fp, n, nil
}

// ValidFingerprint reports whether s has the canonical fingerprint shape:
// 64 lowercase hex characters. Store and registry reject anything else so a
// fingerprint can never escape its storage directory.
func ValidFingerprint(s string) bool {
	if len(s) != FingerprintLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
