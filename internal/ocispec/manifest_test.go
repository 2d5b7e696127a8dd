package ocispec_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/ocispec"
)

func TestMarshalConfigIsDeterministic(t *testing.T) {
	params := ocispec.ConfigParams{
		Platform:   ocispec.Platform{OS: "linux", Architecture: "amd64"},
		Entrypoint: []string{"/ko-app/myapp"},
		User:       "65532:65532",
		Created:    time.Unix(1700000000, 0).UTC(),
		DiffIDs:    []digest.Digest{digest.FromBytes([]byte("base")), digest.FromBytes([]byte("app"))},
	}

	cfg1 := ocispec.BuildConfig(params)
	cfg2 := ocispec.BuildConfig(params)

	b1, d1, err := ocispec.MarshalConfig(cfg1)
	require.NoError(t, err)
	b2, d2, err := ocispec.MarshalConfig(cfg2)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	assert.Equal(t, d1, d2)
	assert.Equal(t, digest.FromBytes(b1), d1)
}

func TestBuildManifestReferencesConfigAndLayersInOrder(t *testing.T) {
	cfgDigest := digest.FromBytes([]byte("config"))
	layers := []ocispec.LayerDescriptor{
		{Digest: digest.FromBytes([]byte("base-layer")), Size: 10, MediaType: "application/vnd.oci.image.layer.v1.tar+gzip"},
		{Digest: digest.FromBytes([]byte("app-layer")), Size: 20, MediaType: "application/vnd.oci.image.layer.v1.tar+gzip"},
	}

	m := ocispec.BuildManifest(cfgDigest, 42, layers)

	require.Equal(t, cfgDigest, m.Config.Digest)
	require.Equal(t, int64(42), m.Config.Size)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, layers[0].Digest, m.Layers[0].Digest)
	assert.Equal(t, layers[1].Digest, m.Layers[1].Digest)

	again := ocispec.BuildManifest(cfgDigest, 42, layers)
	if diff := cmp.Diff(m, again); diff != "" {
		t.Errorf("BuildManifest is not deterministic (-first +second):\n%s", diff)
	}

	_, d1, err := ocispec.MarshalManifest(m)
	require.NoError(t, err)
	_, d2, err := ocispec.MarshalManifest(ocispec.BuildManifest(cfgDigest, 42, layers))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestBuildIndexIsOrderIndependent(t *testing.T) {
	entries := []ocispec.ManifestEntry{
		{Platform: ocispec.Platform{OS: "linux", Architecture: "arm64"}, Digest: digest.FromBytes([]byte("arm64")), Size: 2},
		{Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"}, Digest: digest.FromBytes([]byte("amd64")), Size: 1},
	}
	reversed := []ocispec.ManifestEntry{entries[1], entries[0]}

	idxA := ocispec.BuildIndex(entries)
	idxB := ocispec.BuildIndex(reversed)

	_, dA, err := ocispec.MarshalIndex(idxA)
	require.NoError(t, err)
	_, dB, err := ocispec.MarshalIndex(idxB)
	require.NoError(t, err)

	assert.Equal(t, dA, dB)
	require.Len(t, idxA.Manifests, 2)
	assert.Equal(t, "amd64", idxA.Manifests[0].Platform.Architecture)
	assert.Equal(t, "arm64", idxA.Manifests[1].Platform.Architecture)
}
