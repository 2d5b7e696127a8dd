// Package baseimage implements the base-image inspector (spec.md C7): it
// resolves a base image reference to its set of available platforms and,
// per platform, the manifest and layer descriptors the build reuses
// underneath the application layer. Grounded on the teacher's
// remoteImage.Layers/ConfigFile pair (pkg/distribution/oci/remote/remote.go)
// but reading through internal/registry instead of containerd's resolver.
package baseimage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/ocispec"
	"github.com/krustbuild/krust/internal/reference"
	"github.com/krustbuild/krust/internal/registry"
)

// acceptedManifestTypes is the Accept list sent to the registry so it can
// serve either a single manifest or a multi-platform index.
var acceptedManifestTypes = []string{
	v1.MediaTypeImageIndex,
	v1.MediaTypeImageManifest,
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
}

// PlatformManifest is one platform's view into the base image: its
// manifest digest and the layer descriptors a build stacks its
// application layer on top of.
type PlatformManifest struct {
	Digest  digest.Digest
	Size    int64
	Config  v1.Descriptor
	Layers  []v1.Descriptor
	DiffIDs []digest.Digest
}

// Image is a resolved base image, possibly multi-platform.
type Image struct {
	Repository reference.Repository
	platforms  map[ocispec.Platform]PlatformManifest
}

// Platforms returns every platform this base image offers.
func (img *Image) Platforms() []ocispec.Platform {
	out := make([]ocispec.Platform, 0, len(img.platforms))
	for p := range img.platforms {
		out = append(out, p)
	}
	ocispec.SortPlatforms(out)
	return out
}

// ManifestFor returns the platform-specific manifest, or false if the base
// image doesn't offer that platform.
func (img *Image) ManifestFor(p ocispec.Platform) (PlatformManifest, bool) {
	m, ok := img.platforms[p]
	return m, ok
}

// Resolve fetches and parses the base image's manifest or index, building
// the per-platform layer map builds reuse.
func Resolve(ctx context.Context, client *registry.Client, ref reference.Reference) (*Image, error) {
	m, err := client.GetManifest(ctx, ref.Repository, ref.Identifier(), acceptedManifestTypes)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Network, "baseimage.resolve", ref.String(), err)
	}

	img := &Image{Repository: ref.Repository, platforms: map[ocispec.Platform]PlatformManifest{}}

	var probe struct {
		MediaType string          `json:"mediaType"`
		Manifests []v1.Descriptor `json:"manifests"`
	}
	if err := json.Unmarshal(m.Bytes, &probe); err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "baseimage.resolve", ref.String(), err)
	}

	if len(probe.Manifests) > 0 {
		return resolveIndex(ctx, client, ref, img, probe.Manifests)
	}
	return resolveSingleManifest(ctx, client, ref, img, m.Bytes, m.Digest)
}

func resolveIndex(ctx context.Context, client *registry.Client, ref reference.Reference, img *Image, entries []v1.Descriptor) (*Image, error) {
	for _, entry := range entries {
		if entry.Platform == nil {
			continue
		}
		platform := ocispec.FromOCI(*entry.Platform)

		sub, err := client.GetManifest(ctx, ref.Repository, entry.Digest.String(), []string{v1.MediaTypeImageManifest, "application/vnd.docker.distribution.manifest.v2+json"})
		if err != nil {
			return nil, ocierrors.Wrap(ocierrors.Network, "baseimage.resolveIndex", ref.String(), err)
		}

		var manifest v1.Manifest
		if err := json.Unmarshal(sub.Bytes, &manifest); err != nil {
			return nil, ocierrors.Wrap(ocierrors.Serialise, "baseimage.resolveIndex", ref.String(), err)
		}

		diffIDs, err := fetchDiffIDs(ctx, client, ref, manifest.Config.Digest)
		if err != nil {
			return nil, err
		}

		img.platforms[platform] = PlatformManifest{
			Digest:  entry.Digest,
			Size:    entry.Size,
			Config:  manifest.Config,
			Layers:  manifest.Layers,
			DiffIDs: diffIDs,
		}
	}
	if len(img.platforms) == 0 {
		return nil, ocierrors.New(ocierrors.Config, "baseimage.resolveIndex", ref.String(), fmt.Errorf("index carries no usable platform manifests"))
	}
	return img, nil
}

func resolveSingleManifest(ctx context.Context, client *registry.Client, ref reference.Reference, img *Image, raw []byte, dgst digest.Digest) (*Image, error) {
	var manifest v1.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "baseimage.resolveSingleManifest", ref.String(), err)
	}

	cfg, err := fetchConfig(ctx, client, ref, manifest.Config.Digest)
	if err != nil {
		return nil, err
	}

	platform := ocispec.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
	img.platforms[platform] = PlatformManifest{
		Digest:  dgst,
		Size:    int64(len(raw)),
		Config:  manifest.Config,
		Layers:  manifest.Layers,
		DiffIDs: cfg.RootFS.DiffIDs,
	}
	return img, nil
}

// fetchConfig downloads and parses the image config blob referenced by
// dgst, the one place a manifest's platform and diff_ids actually live
// (a manifest or index descriptor never carries diff_ids itself).
func fetchConfig(ctx context.Context, client *registry.Client, ref reference.Reference, dgst digest.Digest) (*v1.Image, error) {
	rc, _, err := client.GetBlob(ctx, ref.Repository, dgst)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Network, "baseimage.fetchConfig", ref.String(), err)
	}
	defer rc.Close()

	cfgBytes, err := io.ReadAll(rc)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Network, "baseimage.fetchConfig", ref.String(), err)
	}

	var cfg v1.Image
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "baseimage.fetchConfig", ref.String(), err)
	}
	return &cfg, nil
}

func fetchDiffIDs(ctx context.Context, client *registry.Client, ref reference.Reference, dgst digest.Digest) ([]digest.Digest, error) {
	cfg, err := fetchConfig(ctx, client, ref, dgst)
	if err != nil {
		return nil, err
	}
	return cfg.RootFS.DiffIDs, nil
}
