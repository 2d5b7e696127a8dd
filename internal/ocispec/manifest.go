package ocispec

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// LayerDescriptor is a single layer's descriptor plus enough identity to
// sort and reference it elsewhere in the pipeline.
type LayerDescriptor struct {
	Digest    digest.Digest
	DiffID    digest.Digest
	Size      int64
	MediaType string
}

// BuildManifest composes an OCI image manifest (spec.md §3 "Image
// Manifest") referencing the given config and ordered layers (base layers
// first, application layer last per invariant 1).
func BuildManifest(configDigest digest.Digest, configSize int64, layers []LayerDescriptor) *v1.Manifest {
	m := &v1.Manifest{
		Versioned: specVersioned(),
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
		Layers: make([]v1.Descriptor, len(layers)),
	}
	for i, l := range layers {
		m.Layers[i] = v1.Descriptor{
			MediaType: l.MediaType,
			Digest:    l.Digest,
			Size:      l.Size,
		}
	}
	return m
}

// MarshalManifest serialises a manifest to canonical bytes and returns its
// digest, per spec.md §4.3: "the manifest's digest is the SHA-256 of its
// serialised bytes".
func MarshalManifest(m *v1.Manifest) ([]byte, digest.Digest, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, "", err
	}
	return b, SHA256Bytes(b), nil
}

// specVersioned returns the fixed schemaVersion=2 header shared by
// manifests and indexes.
func specVersioned() specs.Versioned {
	return specs.Versioned{SchemaVersion: 2}
}
