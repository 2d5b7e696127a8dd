// Package ocispec implements the content-addressed data model from the
// image-assembly core: the tee-hash sink (C1), the platform/compiler-target
// table, and the canonical config/manifest/index encoders (C3).
package ocispec

import (
	"crypto/sha256"
	"hash"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// Sink is a streaming SHA-256 hasher fed through io.Writer, so it can sit
// on one branch of an io.MultiWriter; the layer assembler tees the
// compressed and uncompressed forms of a layer into one Sink each, without
// re-reading either one. It also counts the bytes written to it.
type Sink struct {
	h    hash.Hash
	size int64
}

// NewSink starts a new hash accumulation.
func NewSink() *Sink {
	return &Sink{h: sha256.New()}
}

// Write implements io.Writer, feeding bytes into the running hash.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.size += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (s *Sink) Size() int64 { return s.size }

// Digest returns the hash of every byte written so far as a sha256:<hex>
// digest. It does not reset or alter the running hash state.
func (s *Sink) Digest() digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, s.h.Sum(nil))
}

// SHA256 computes the digest and byte count of an entire reader in one pass.
// Used for content that isn't already being teed through a Sink, such as a
// finished config or manifest document.
func SHA256(r io.Reader) (digest.Digest, int64, error) {
	s := NewSink()
	n, err := io.Copy(s, r)
	if err != nil {
		return "", 0, err
	}
	return s.Digest(), n, nil
}

// SHA256Bytes is a convenience wrapper around SHA256 for in-memory data.
func SHA256Bytes(b []byte) digest.Digest {
	return digest.FromBytes(b)
}
