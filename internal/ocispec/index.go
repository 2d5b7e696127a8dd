package ocispec

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ManifestEntry is one platform's manifest as it will appear in the index.
type ManifestEntry struct {
	Platform Platform
	Digest   digest.Digest
	Size     int64
}

// BuildIndex composes the OCI image index (spec.md §3 "Image Index")
// listing one manifest per platform. Entries are sorted by
// (os, architecture, variant) so that assembling an index from the same
// map in any insertion order yields identical bytes (invariant 5).
func BuildIndex(entries []ManifestEntry) *v1.Index {
	sorted := make([]ManifestEntry, len(entries))
	copy(sorted, entries)
	sortManifestEntries(sorted)

	idx := &v1.Index{
		Versioned: specVersioned(),
		MediaType: v1.MediaTypeImageIndex,
		Manifests: make([]v1.Descriptor, len(sorted)),
	}
	for i, e := range sorted {
		platform := e.Platform.ToOCI()
		idx.Manifests[i] = v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    e.Digest,
			Size:      e.Size,
			Platform:  &platform,
		}
	}
	return idx
}

// MarshalIndex serialises an index to canonical bytes and returns its
// digest; this is the value the whole build emits to stdout.
func MarshalIndex(idx *v1.Index) ([]byte, digest.Digest, error) {
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, "", err
	}
	return b, SHA256Bytes(b), nil
}

func sortManifestEntries(entries []ManifestEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Platform.Less(entries[j-1].Platform); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
