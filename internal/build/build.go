// Package build implements the build orchestrator (spec.md C8): it fans
// out compile->layer->config->manifest->push across the requested
// platforms, deduplicates shared blob uploads, and joins the per-platform
// manifests into a single pushed index. Grounded on the teacher's
// pkg/distribution/builder.Builder for the functional-options/fan-out
// shape, generalised from its model-artifact domain to krust's
// compile-per-platform domain and driven by golang.org/x/sync/errgroup
// instead of the teacher's own worker pool, since errgroup already gives
// bounded, first-error-cancels fan-out with no extra plumbing.
package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/krustbuild/krust/internal/baseimage"
	"github.com/krustbuild/krust/internal/compiler"
	"github.com/krustbuild/krust/internal/layer"
	"github.com/krustbuild/krust/internal/logging"
	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/ocispec"
	"github.com/krustbuild/krust/internal/reference"
	"github.com/krustbuild/krust/internal/registry"
)

// appUser is the non-root numeric user the assembled image runs as, per
// spec.md §4.8 step 3.
const appUser = "65532:65532"

// Options describes one build job.
type Options struct {
	// Base is the base image the application layer is stacked on top of.
	Base reference.Reference
	// Target is the repository the result is pushed to.
	Target reference.Repository
	// Tag names the pushed index; defaults to "latest".
	Tag string
	// ProjectDir is compiled once per platform.
	ProjectDir string
	// ProjectName names both the produced executable and its in-image
	// path, /ko-app/<ProjectName>.
	ProjectName string
	// Platforms, if non-empty, is built exactly as given. Otherwise the
	// orchestrator intersects the base image's platforms with the set of
	// platforms a compiler target is known for (spec.md §4.8).
	Platforms []ocispec.Platform
	// Parallelism bounds concurrently active per-platform pipelines;
	// zero defaults to the platform count (spec.md §5).
	Parallelism int
	// ExtraArgs is forwarded to the compiler after the fixed target flags.
	ExtraArgs []string
	// Env adds environment variables to every compiler invocation.
	Env []string
}

// PlatformResult is one platform's pushed manifest.
type PlatformResult struct {
	Platform ocispec.Platform
	Digest   digest.Digest
	Size     int64
	Tag      string
}

// Result is a completed build: the pushed index and its constituent
// per-platform manifests.
type Result struct {
	Reference string // "<repo>@sha256:<hex>", spec.md §6
	Digest    digest.Digest
	Platforms []PlatformResult
}

// Orchestrator runs build jobs against one registry client and compiler
// invoker, shared across every job it's given (spec.md §5: the auth cache
// and per-registry HTTP client are process-wide).
type Orchestrator struct {
	Registry *registry.Client
	Compiler *compiler.Invoker
	Log      logging.Logger

	uploads singleflight.Group
}

// New builds an Orchestrator. log may be nil, in which case a disabled
// logger is used.
func New(client *registry.Client, inv *compiler.Invoker, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.New(0, false)
	}
	return &Orchestrator{Registry: client, Compiler: inv, Log: log}
}

// Build runs one job end to end: resolve the base image, expand
// platforms, fan out the per-platform pipeline, and publish the index.
// progress, if non-nil, receives a registry.Update for every blob pushed
// across every platform.
func (o *Orchestrator) Build(ctx context.Context, opts Options, progress chan<- registry.Update) (*Result, error) {
	tag := opts.Tag
	if tag == "" {
		tag = reference.DefaultTag
	}
	if opts.ProjectName == "" {
		return nil, ocierrors.New(ocierrors.Config, "build.Build", opts.Target.String(), fmt.Errorf("project name is required"))
	}

	base, err := baseimage.Resolve(ctx, o.Registry, opts.Base)
	if err != nil {
		return nil, err
	}

	platforms, err := expandPlatforms(opts.Platforms, base.Platforms())
	if err != nil {
		return nil, ocierrors.New(ocierrors.Config, "build.Build", opts.Target.String(), err)
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = len(platforms)
	}
	if cpu := runtime.NumCPU(); cpu < parallelism {
		parallelism = cpu
	}
	if parallelism < 1 {
		parallelism = 1
	}

	inv := o.Compiler
	if len(opts.ExtraArgs) > 0 || len(opts.Env) > 0 {
		inv = compiler.New(compiler.WithCommand(o.Compiler.Command), compiler.WithExtraArgs(opts.ExtraArgs...), compiler.WithEnv(opts.Env...))
	}

	results := make([]PlatformResult, len(platforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i, p := range platforms {
		i, p := i, p
		g.Go(func() error {
			base, ok := base.ManifestFor(p)
			if !ok {
				return ocierrors.New(ocierrors.Config, "build.Build", p.String(), fmt.Errorf("base image has no manifest for platform %s", p))
			}
			r, err := o.buildPlatform(gctx, inv, opts, p, base, tag, progress)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]ocispec.ManifestEntry, len(results))
	for i, r := range results {
		entries[i] = ocispec.ManifestEntry{Platform: r.Platform, Digest: r.Digest, Size: r.Size}
	}
	idx := ocispec.BuildIndex(entries)
	idxBytes, idxDigest, err := ocispec.MarshalIndex(idx)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "build.Build", opts.Target.String(), err)
	}

	pushed, err := o.Registry.PutManifest(ctx, opts.Target, tag, idx.MediaType, idxBytes)
	if err != nil {
		return nil, err
	}
	if pushed != idxDigest {
		return nil, ocierrors.New(ocierrors.DigestMismatch, "build.Build", opts.Target.String(),
			fmt.Errorf("registry returned digest %s for index hashing to %s", pushed, idxDigest))
	}

	return &Result{
		Reference: fmt.Sprintf("%s@%s", opts.Target.String(), idxDigest),
		Digest:    idxDigest,
		Platforms: results,
	}, nil
}

// buildPlatform runs the per-platform pipeline described in spec.md
// §4.8: compile, assemble the application layer, compose config and
// manifest, push every blob and the manifest.
func (o *Orchestrator) buildPlatform(ctx context.Context, inv *compiler.Invoker, opts Options, p ocispec.Platform, base baseimage.PlatformManifest, tag string, progress chan<- registry.Update) (*PlatformResult, error) {
	log := o.Log.WithField("platform", p.String())

	log.Info("compiling")
	built, err := inv.Build(ctx, p, opts.ProjectDir, opts.ProjectName)
	if err != nil {
		return nil, err
	}

	imagePath := "/ko-app/" + opts.ProjectName
	appLayer, err := assembleAppLayer(p, imagePath, built.ExecutablePath)
	if err != nil {
		return nil, err
	}
	log.WithField("digest", appLayer.Digest.String()).Debug("assembled application layer")

	diffIDs := append(append([]digest.Digest{}, base.DiffIDs...), appLayer.DiffID)
	cfg := ocispec.BuildConfig(ocispec.ConfigParams{
		Platform:   p,
		Entrypoint: []string{imagePath},
		User:       appUser,
		Created:    time.Now().UTC(),
		DiffIDs:    diffIDs,
	})
	cfgBytes, cfgDigest, err := ocispec.MarshalConfig(cfg)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "build.buildPlatform", p.String(), err)
	}

	layers := make([]ocispec.LayerDescriptor, 0, len(base.Layers)+1)
	for _, l := range base.Layers {
		layers = append(layers, ocispec.LayerDescriptor{Digest: l.Digest, Size: l.Size, MediaType: l.MediaType})
	}
	layers = append(layers, appLayer.Descriptor())

	if err := o.pushBaseLayers(ctx, opts, base, progress); err != nil {
		return nil, err
	}
	if err := o.pushBytesBlob(ctx, opts.Target, appLayer.Digest, appLayer.Bytes, progress); err != nil {
		return nil, err
	}
	if err := o.pushBytesBlob(ctx, opts.Target, cfgDigest, cfgBytes, progress); err != nil {
		return nil, err
	}

	manifest := ocispec.BuildManifest(cfgDigest, int64(len(cfgBytes)), layers)
	manifestBytes, manifestDigest, err := ocispec.MarshalManifest(manifest)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Serialise, "build.buildPlatform", p.String(), err)
	}

	platformTag := fmt.Sprintf("%s-%s", tag, p.Tag())
	pushed, err := o.Registry.PutManifest(ctx, opts.Target, platformTag, manifest.MediaType, manifestBytes)
	if err != nil {
		return nil, err
	}
	if pushed != manifestDigest {
		return nil, ocierrors.New(ocierrors.DigestMismatch, "build.buildPlatform", p.String(),
			fmt.Errorf("registry returned digest %s for manifest hashing to %s", pushed, manifestDigest))
	}

	log.WithField("digest", manifestDigest.String()).Info("pushed platform manifest")
	return &PlatformResult{Platform: p, Digest: manifestDigest, Size: int64(len(manifestBytes)), Tag: platformTag}, nil
}

// pushBaseLayers ensures every base-image layer exists in the target
// repository, mounting it cross-repo when possible and otherwise
// streaming it through (download from the base registry, upload to the
// target), per spec.md §4.7/§4.8.
func (o *Orchestrator) pushBaseLayers(ctx context.Context, opts Options, base baseimage.PlatformManifest, progress chan<- registry.Update) error {
	sameRegistry := opts.Base.Repository.Registry.Host() == opts.Target.Registry.Host()

	for _, l := range base.Layers {
		l := l
		_, err, _ := o.uploads.Do(opts.Target.String()+"|"+l.Digest.String(), func() (interface{}, error) {
			if sameRegistry {
				mounted, err := o.Registry.MountBlob(ctx, opts.Target, l.Digest, opts.Base.Repository.Path)
				if err != nil {
					return nil, err
				}
				if mounted {
					return nil, nil
				}
			}

			exists, err := o.Registry.BlobExists(ctx, opts.Target, l.Digest)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, nil
			}

			rc, size, err := o.Registry.GetBlob(ctx, opts.Base.Repository, l.Digest)
			if err != nil {
				return nil, err
			}
			defer rc.Close()

			if size <= 0 {
				size = l.Size
			}
			return nil, o.Registry.UploadBlob(ctx, opts.Target, l.Digest, size, rc, progress)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// pushBytesBlob uploads an in-memory blob (the application layer or the
// image config) if the target doesn't already have it, deduplicating
// concurrent pushes of the same digest across platform pipelines the way
// internal/authn/token.go deduplicates concurrent token exchanges.
func (o *Orchestrator) pushBytesBlob(ctx context.Context, repo reference.Repository, dgst digest.Digest, content []byte, progress chan<- registry.Update) error {
	_, err, _ := o.uploads.Do(repo.String()+"|"+dgst.String(), func() (interface{}, error) {
		exists, err := o.Registry.BlobExists(ctx, repo, dgst)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, nil
		}
		return nil, o.Registry.UploadBlob(ctx, repo, dgst, int64(len(content)), newBytesReader(content), progress)
	})
	return err
}

// assembleAppLayer builds the single-file application layer (spec.md
// §4.8 step 2) from the compiler's output executable.
func assembleAppLayer(p ocispec.Platform, imagePath, executablePath string) (*layer.Blob, error) {
	info, err := os.Stat(executablePath)
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.LayerBuild, "build.assembleAppLayer", p.String(), err)
	}
	blob, err := layer.SingleExecutable(imagePath, info.Size(), func() (io.ReadCloser, error) {
		return os.Open(executablePath)
	}, time.Unix(0, 0).UTC())
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.LayerBuild, "build.assembleAppLayer", p.String(), err)
	}
	return blob, nil
}

// newBytesReader adapts an in-memory blob to the io.Reader UploadBlob
// expects.
func newBytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// expandPlatforms implements spec.md §4.8's platform-expansion rule: an
// explicit list is used as-is; otherwise the base image's platforms are
// intersected with the set of platforms a compiler target is known for.
// An empty result either way is a fatal configuration error.
func expandPlatforms(explicit, basePlatforms []ocispec.Platform) ([]ocispec.Platform, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	supported := map[ocispec.Platform]struct{}{}
	for _, p := range ocispec.SupportedPlatforms() {
		supported[p] = struct{}{}
	}

	var out []ocispec.Platform
	for _, p := range basePlatforms {
		if _, ok := supported[p]; ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no platform in the base image has a known compiler target")
	}
	ocispec.SortPlatforms(out)
	return out, nil
}
