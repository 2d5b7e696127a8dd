package build_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/authn"
	"github.com/krustbuild/krust/internal/build"
	"github.com/krustbuild/krust/internal/compiler"
	"github.com/krustbuild/krust/internal/ocispec"
	"github.com/krustbuild/krust/internal/reference"
	"github.com/krustbuild/krust/internal/registry"
	"github.com/krustbuild/krust/internal/registry/registrytest"
)

type anonKeychain struct{}

func (anonKeychain) Resolve(string) (authn.Authenticator, error) { return &authn.Anonymous{}, nil }

func newTestClient(t *testing.T, srv *httptest.Server) *registry.Client {
	t.Helper()
	c, err := registry.New(registry.WithTransport(srv.Client().Transport), registry.WithKeychain(anonKeychain{}))
	require.NoError(t, err)
	return c
}

// seedBaseImage pushes a single-platform base manifest (linux/amd64) with
// one layer, and returns its reference.
func seedBaseImage(t *testing.T, fake *registrytest.Registry, c *registry.Client, host string) reference.Reference {
	t.Helper()

	layerContent := []byte("base-layer-content")
	layerDigest := digest.FromBytes(layerContent)
	fake.Seed(layerDigest, layerContent)

	cfg := v1.Image{
		Architecture: "amd64",
		OS:           "linux",
		RootFS:       v1.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromBytes([]byte("base-diffid"))}},
	}
	cfgBytes, err := json.Marshal(cfg)
	require.NoError(t, err)
	cfgDigest := digest.FromBytes(cfgBytes)
	fake.Seed(cfgDigest, cfgBytes)

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: cfgDigest, Size: int64(len(cfgBytes))},
		Layers:    []v1.Descriptor{{MediaType: v1.MediaTypeImageLayerGzip, Digest: layerDigest, Size: int64(len(layerContent))}},
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)

	ref, err := reference.Parse(host + "/base:latest")
	require.NoError(t, err)
	_, err = c.PutManifest(context.Background(), ref.Repository, "latest", v1.MediaTypeImageManifest, body)
	require.NoError(t, err)
	return ref
}

func writeFakeCompiler(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-compiler.sh")
	script := `#!/bin/sh
set -e
target=""
targetdir=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    --target) target="$2"; shift 2 ;;
    --target-dir) targetdir="$2"; shift 2 ;;
    *) shift ;;
  esac
done
mkdir -p "$targetdir/$target/release"
echo "binary for $target" > "$targetdir/$target/release/myapp"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestBuildSinglePlatformPushesIndexAndManifest(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := newTestClient(t, srv)
	baseRef := seedBaseImage(t, fake, c, host)

	targetRef, err := reference.Parse(host + "/app:latest")
	require.NoError(t, err)

	dir := t.TempDir()
	script := writeFakeCompiler(t, dir)
	inv := compiler.New(compiler.WithCommand(script))

	orch := build.New(c, inv, nil)

	opts := build.Options{
		Base:        baseRef,
		Target:      targetRef.Repository,
		Tag:         "v1",
		ProjectDir:  dir,
		ProjectName: "myapp",
		Platforms:   []ocispec.Platform{{OS: "linux", Architecture: "amd64"}},
	}

	result, err := orch.Build(context.Background(), opts, nil)
	require.NoError(t, err)
	require.Len(t, result.Platforms, 1)
	require.True(t, strings.HasPrefix(result.Reference, fmt.Sprintf("%s/app@sha256:", host)))

	pm := result.Platforms[0]
	require.Equal(t, "v1-linux-amd64", pm.Tag)

	fetched, err := c.GetManifest(context.Background(), targetRef.Repository, pm.Tag, []string{v1.MediaTypeImageManifest})
	require.NoError(t, err)

	var manifest v1.Manifest
	require.NoError(t, json.Unmarshal(fetched.Bytes, &manifest))
	require.Len(t, manifest.Layers, 2) // one base layer + one app layer

	idxManifest, err := c.GetManifest(context.Background(), targetRef.Repository, "v1", []string{v1.MediaTypeImageIndex})
	require.NoError(t, err)
	var idx v1.Index
	require.NoError(t, json.Unmarshal(idxManifest.Bytes, &idx))
	require.Len(t, idx.Manifests, 1)
	require.Equal(t, "amd64", idx.Manifests[0].Platform.Architecture)
	require.Equal(t, int64(len(fetched.Bytes)), idx.Manifests[0].Size)
	require.Equal(t, pm.Size, idx.Manifests[0].Size)
}

func TestBuildFailsOnEmptyPlatformIntersection(t *testing.T) {
	fake := registrytest.New()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := newTestClient(t, srv)

	// A base image advertising only a platform with no known compiler
	// target (spec.md §4.8: auto expansion must error on empty intersection).
	cfg := v1.Image{Architecture: "amd64", OS: "plan9"}
	cfgBytes, err := json.Marshal(cfg)
	require.NoError(t, err)
	cfgDigest := digest.FromBytes(cfgBytes)
	fake.Seed(cfgDigest, cfgBytes)

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: cfgDigest, Size: int64(len(cfgBytes))},
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)

	baseRef, err := reference.Parse(host + "/base:latest")
	require.NoError(t, err)
	_, err = c.PutManifest(context.Background(), baseRef.Repository, "latest", v1.MediaTypeImageManifest, body)
	require.NoError(t, err)

	targetRef, err := reference.Parse(host + "/app:latest")
	require.NoError(t, err)

	dir := t.TempDir()
	inv := compiler.New(compiler.WithCommand(writeFakeCompiler(t, dir)))
	orch := build.New(c, inv, nil)

	_, err = orch.Build(context.Background(), build.Options{
		Base:        baseRef,
		Target:      targetRef.Repository,
		ProjectDir:  dir,
		ProjectName: "myapp",
	}, nil)
	require.Error(t, err)
}
