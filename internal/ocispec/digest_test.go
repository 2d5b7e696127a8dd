package ocispec_test

import (
	"bytes"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/ocispec"
)

func TestSinkMatchesDirectDigest(t *testing.T) {
	content := []byte("hello layer content")

	sink := ocispec.NewSink()
	n, err := sink.Write(content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	assert.Equal(t, digest.FromBytes(content), sink.Digest())
	assert.Equal(t, int64(len(content)), sink.Size())
}

func TestSHA256BytesIsDeterministic(t *testing.T) {
	content := []byte("same bytes every time")
	assert.Equal(t, ocispec.SHA256Bytes(content), ocispec.SHA256Bytes(content))
}

func TestSHA256MatchesSHA256Bytes(t *testing.T) {
	content := []byte("streamed vs in-memory")

	d, n, err := ocispec.SHA256(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, ocispec.SHA256Bytes(content), d)
	assert.Equal(t, int64(len(content)), n)
}
