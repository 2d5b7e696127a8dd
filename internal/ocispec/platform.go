package ocispec

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform identifies a target binary ABI: an OS, an architecture, and an
// optional variant (used by arm to distinguish v6/v7).
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// String renders "os/arch" or "os/arch/variant" when a variant is set.
func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// Tag returns a registry-tag-safe encoding of the platform, used as the
// per-platform manifest tag suffix (":" and "/" aren't legal in tags).
func (p Platform) Tag() string {
	s := strings.ReplaceAll(p.String(), "/", "-")
	return s
}

// ToOCI converts to the OCI image-spec Platform type used in descriptors.
func (p Platform) ToOCI() v1.Platform {
	return v1.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
	}
}

// FromOCI converts an OCI image-spec Platform into our Platform.
func FromOCI(p v1.Platform) Platform {
	return Platform{OS: p.OS, Architecture: p.Architecture, Variant: p.Variant}
}

// Equal reports whether two platforms identify the same ABI.
func (p Platform) Equal(o Platform) bool {
	return p.OS == o.OS && p.Architecture == o.Architecture && p.Variant == o.Variant
}

// Less orders platforms by (os, architecture, variant), giving index
// assembly a single deterministic ordering regardless of build order.
func (p Platform) Less(o Platform) bool {
	if p.OS != o.OS {
		return p.OS < o.OS
	}
	if p.Architecture != o.Architecture {
		return p.Architecture < o.Architecture
	}
	return p.Variant < o.Variant
}

// SortPlatforms sorts a slice of platforms in place per Less.
func SortPlatforms(pp []Platform) {
	sort.Slice(pp, func(i, j int) bool { return pp[i].Less(pp[j]) })
}

// compilerTarget is the canonical compiler-target triple for a supported
// platform. The table is total over every (os, arch[, variant]) krust
// supports; CompilerTarget reports false for anything absent from it.
var compilerTarget = map[Platform]string{
	{OS: "linux", Architecture: "amd64"}: "x86_64-unknown-linux-musl",
	{OS: "linux", Architecture: "arm64"}: "aarch64-unknown-linux-musl",
	{OS: "linux", Architecture: "arm", Variant: "v6"}:  "arm-unknown-linux-musleabi",
	{OS: "linux", Architecture: "arm", Variant: "v7"}:  "armv7-unknown-linux-musleabihf",
	{OS: "linux", Architecture: "386"}:      "i686-unknown-linux-musl",
	{OS: "linux", Architecture: "ppc64le"}:  "powerpc64le-unknown-linux-gnu",
	{OS: "linux", Architecture: "s390x"}:    "s390x-unknown-linux-gnu",
	{OS: "linux", Architecture: "riscv64"}:  "riscv64gc-unknown-linux-gnu",
}

// CompilerTarget returns the canonical compiler-target triple for p, and
// whether p is a supported platform.
func CompilerTarget(p Platform) (string, bool) {
	t, ok := compilerTarget[normalizeArm(p)]
	return t, ok
}

// SupportedPlatforms returns every platform for which a compiler target is
// known, used to intersect against a base image's advertised platforms
// during "auto" expansion.
func SupportedPlatforms() []Platform {
	out := make([]Platform, 0, len(compilerTarget))
	for p := range compilerTarget {
		out = append(out, p)
	}
	SortPlatforms(out)
	return out
}

// normalizeArm defaults an unqualified "arm" architecture to variant v7,
// matching the convention most registries use when a base image doesn't
// distinguish ARM variants explicitly.
func normalizeArm(p Platform) Platform {
	if p.Architecture == "arm" && p.Variant == "" {
		p.Variant = "v7"
	}
	return p
}
