// Package reference implements the image reference parser (spec.md C4),
// wrapping github.com/distribution/reference the way the teacher's
// oci/reference package wraps the same library (pkg/distribution/oci/reference/reference.go),
// but normalising to krust's own Reference/Repository/Registry types instead
// of replacing go-containerregistry's name package.
package reference

import (
	"fmt"
	"strings"

	distref "github.com/distribution/reference"
)

// DefaultRegistry is Docker Hub, used when a reference names no registry.
const DefaultRegistry = "docker.io"

// DefaultTag is used when a reference names neither tag nor digest.
const DefaultTag = "latest"

// Registry is a registry hostname, optionally with a port.
type Registry struct {
	host string
}

// Host returns the registry hostname[:port].
func (r Registry) Host() string { return r.host }

func (r Registry) String() string { return r.host }

// Repository is a registry plus a lower-case, "/"-separated repository path.
type Repository struct {
	Registry Registry
	Path     string
}

func (r Repository) String() string {
	return r.Registry.host + "/" + r.Path
}

// Scope returns the distribution-protocol auth scope for an action, e.g.
// "repository:library/nginx:pull".
func (r Repository) Scope(action string) string {
	return fmt.Sprintf("repository:%s:%s", r.Path, action)
}

// Reference is a fully parsed, normalised image reference: a repository
// plus a tag, a digest, or both (the digest wins for lookups when both are
// set, per spec.md §3).
type Reference struct {
	Repository Repository
	Tag        string
	Digest     string // "" unless the original reference carried one
}

// Context returns the repository this reference points into.
func (r Reference) Context() Repository { return r.Repository }

// Identifier returns the value to use when looking the image up: the
// digest if present, otherwise the tag.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// String re-serialises the reference. Re-serialisation is bit-exact with
// the parsed form modulo default expansion (spec.md §3): a bare or
// two-segment Docker Hub repo round-trips through its expanded form.
func (r Reference) String() string {
	s := r.Repository.String()
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// Parse parses and normalises a reference string per the grammar in
// spec.md §4.4: "[registry[:port]/]repo[:tag][@digest]".
func Parse(s string) (Reference, error) {
	named, err := distref.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing reference %q: %w", s, err)
	}

	domain := distref.Domain(named)
	path := distref.Path(named)

	ref := Reference{
		Repository: Repository{
			Registry: Registry{host: domain},
			Path:     path,
		},
	}

	if tagged, ok := named.(distref.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(distref.Digested); ok {
		ref.Digest = digested.Digest().String()
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = DefaultTag
	}
	return ref, nil
}

// WithTag returns a copy of r addressing the given tag instead of whatever
// tag or digest it had.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r addressing the given digest. The tag, if
// any, is retained for push purposes even though digest wins for lookups
// (spec.md §3: "digest wins over tag in lookups... retains tag for push").
func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	return r
}

// IsLocalhost reports whether host should be treated as an insecure,
// plain-HTTP registry by default (spec.md §4.4 doesn't mandate this, but
// it's standard registry-client behaviour grounded in the teacher's
// oci/reference.isInsecureHost).
func IsLocalhost(host string) bool {
	h := host
	if i := strings.LastIndex(h, ":"); i != -1 {
		h = h[:i]
	}
	return h == "localhost" || h == "127.0.0.1" || strings.HasSuffix(h, ".local")
}
