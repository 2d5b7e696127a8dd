package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/krustbuild/krust/internal/build"
	"github.com/krustbuild/krust/internal/compiler"
	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/ocispec"
	"github.com/krustbuild/krust/internal/reference"
	"github.com/krustbuild/krust/internal/registry"
)

func newBuildCmd() *cobra.Command {
	var (
		base        string
		image       string
		tag         string
		platforms   string
		parallelism int
		projectName string
		extraArgs   []string
	)

	cmd := &cobra.Command{
		Use:   "build PROJECT_DIR",
		Short: "Cross-compile PROJECT_DIR and push a multi-platform image",
		Long: `build cross-compiles the project at PROJECT_DIR once per target platform,
packages each executable into a minimal OCI image layered on top of --base,
and pushes the resulting index to the target repository.

Example:
  krust build . --base gcr.io/distroless/static --repo ghcr.io/acme --tag v1.0.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args[0], base, image, tag, platforms, parallelism, projectName, extraArgs)
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "base image reference (required)")
	cmd.Flags().StringVar(&image, "image", "", "full target reference, overriding --repo/project-name")
	cmd.Flags().StringVar(&tag, "tag", reference.DefaultTag, "tag to push the index and platform manifests under")
	cmd.Flags().StringVar(&platforms, "platforms", "auto", `target platforms, comma-separated ("linux/amd64,linux/arm64"), or "auto"`)
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrently active per-platform pipelines (0 = platform count)")
	cmd.Flags().StringVar(&projectName, "project-name", "", "executable and in-image path name (default: PROJECT_DIR's base name)")
	cmd.Flags().StringArrayVar(&extraArgs, "build-arg", nil, "extra argument forwarded to the compiler (repeatable)")
	_ = cmd.MarkFlagRequired("base")

	return cmd
}

func runBuild(cmd *cobra.Command, projectDir, base, image, tag, platforms string, parallelism int, projectName string, extraArgs []string) error {
	ctx := cmd.Context()

	if projectName == "" {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return ocierrors.New(ocierrors.Config, "cli.build", projectDir, err)
		}
		projectName = filepath.Base(abs)
	}

	baseRef, err := reference.Parse(base)
	if err != nil {
		return ocierrors.New(ocierrors.Config, "cli.build", base, err)
	}

	targetRepo, err := resolveTargetRepo(image, repo, projectName)
	if err != nil {
		return ocierrors.New(ocierrors.Config, "cli.build", image, err)
	}

	wantedPlatforms, err := parsePlatforms(platforms)
	if err != nil {
		return ocierrors.New(ocierrors.Config, "cli.build", platforms, err)
	}

	client, err := registry.New(registry.WithLogger(log), registry.WithPlainHTTP(insecureRegistry))
	if err != nil {
		return err
	}
	inv := compiler.New()
	orch := build.New(client, inv, log)

	progress := make(chan registry.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range progress {
			cmd.PrintErrf("pushed %s/%s\n", units.HumanSize(float64(u.Complete)), units.HumanSize(float64(u.Total)))
		}
	}()

	result, err := orch.Build(ctx, build.Options{
		Base:        baseRef,
		Target:      targetRepo,
		Tag:         tag,
		ProjectDir:  projectDir,
		ProjectName: projectName,
		Platforms:   wantedPlatforms,
		Parallelism: parallelism,
		ExtraArgs:   extraArgs,
	}, progress)
	close(progress)
	<-done
	if err != nil {
		return err
	}

	cmd.Println(result.Reference)
	return nil
}

// resolveTargetRepo determines the push destination: an explicit --image
// always wins; otherwise repoPrefix/projectName, per spec.md §6's
// "repo prefix from environment" CLI contract.
func resolveTargetRepo(image, repoPrefix, projectName string) (reference.Repository, error) {
	if image != "" {
		ref, err := reference.Parse(image)
		if err != nil {
			return reference.Repository{}, err
		}
		return ref.Repository, nil
	}
	if repoPrefix == "" {
		return reference.Repository{}, fmt.Errorf("no target image: set --image, --repo, or $KRUST_REPO")
	}
	ref, err := reference.Parse(strings.TrimSuffix(repoPrefix, "/") + "/" + projectName)
	if err != nil {
		return reference.Repository{}, err
	}
	return ref.Repository, nil
}

// parsePlatforms parses the --platforms flag. "" or "auto" requests
// automatic expansion (spec.md §4.8); otherwise each entry is
// "os/arch[/variant]".
func parsePlatforms(s string) ([]ocispec.Platform, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "auto" {
		return nil, nil
	}

	var out []ocispec.Platform
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "/")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid platform %q: want os/arch[/variant]", entry)
		}
		p := ocispec.Platform{OS: parts[0], Architecture: parts[1]}
		if len(parts) == 3 {
			p.Variant = parts[2]
		}
		if _, ok := ocispec.CompilerTarget(p); !ok {
			return nil, fmt.Errorf("platform %q has no known compiler target", entry)
		}
		out = append(out, p)
	}
	return out, nil
}
