package ocispec

import (
	"encoding/json"
	"time"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ConfigParams are the fields the orchestrator fills in when composing an
// image config for one platform (spec.md §3, §4.8 step 3).
type ConfigParams struct {
	Platform   Platform
	Entrypoint []string
	User       string
	WorkingDir string
	Env        []string
	Created    time.Time
	DiffIDs    []digest.Digest // base layers first, application layer last
}

// BuildConfig composes the OCI image config document described in spec.md
// §3 ("Image Config"). Field order and presence are fixed by the
// opencontainers/image-spec struct declarations, which is what gives
// MarshalConfig its determinism.
func BuildConfig(p ConfigParams) *v1.Image {
	created := p.Created
	cfg := &v1.Image{
		Created:      &created,
		Architecture: p.Platform.Architecture,
		Variant:      p.Platform.Variant,
		OS:           p.Platform.OS,
		Config: v1.ImageConfig{
			Env:        p.Env,
			Entrypoint: p.Entrypoint,
			User:       p.User,
			WorkingDir: p.WorkingDir,
		},
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: p.DiffIDs,
		},
	}
	return cfg
}

// MarshalConfig serialises a config to its canonical byte form (compact
// JSON, UTF-8, no BOM, deterministic field and map-key order) and returns
// its SHA-256 digest. Callers must not re-marshal bytes they received from
// elsewhere — forward the received bytes and their own computed digest.
func MarshalConfig(cfg *v1.Image) ([]byte, digest.Digest, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", err
	}
	return b, SHA256Bytes(b), nil
}
