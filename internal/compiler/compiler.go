// Package compiler implements the compiler invoker (spec.md C9): it shells
// out to the project's build tool once per target platform, the same
// subprocess-with-captured-output pattern the teacher's mlx backend uses
// for its Python toolchain invocations
// (pkg/inference/backends/mlx/mlx.go's exec.CommandContext +
// CombinedOutput), generalised to a graceful-then-forced shutdown and a
// bounded stderr tail instead of one-shot CombinedOutput.
package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/ocispec"
)

// DefaultCommand is the build tool invoked for every platform, per
// spec.md §4.9.
const DefaultCommand = "compiler"

// gracePeriod bounds how long a subprocess gets to exit after SIGTERM
// before Invoker escalates to SIGKILL, matching the
// "SIGTERM→SIGKILL grace for compiler subprocesses" requirement.
const gracePeriod = 5 * time.Second

// tailLimit bounds how much stderr Invoker retains for a failure message.
const tailLimit = 16 * 1024

// Invoker runs the build tool for each requested platform.
type Invoker struct {
	Command   string
	ExtraArgs []string
	Env       []string
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithCommand overrides the build tool binary (for tests, or a
// project that wraps it behind a shim).
func WithCommand(cmd string) Option {
	return func(i *Invoker) {
		if cmd != "" {
			i.Command = cmd
		}
	}
}

// WithExtraArgs appends additional arguments after the fixed target flags.
func WithExtraArgs(args ...string) Option {
	return func(i *Invoker) { i.ExtraArgs = args }
}

// WithEnv appends extra environment variables, in addition to the host
// environment and the per-target RUSTFLAGS Invoker sets itself.
func WithEnv(env ...string) Option {
	return func(i *Invoker) { i.Env = env }
}

// New builds an Invoker using DefaultCommand unless overridden.
func New(opts ...Option) *Invoker {
	i := &Invoker{Command: DefaultCommand}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result is a completed build's output.
type Result struct {
	ExecutablePath string
	Stderr         string
}

// Build cross-compiles projectDir for platform, returning the path to the
// produced executable. Per spec.md §4.9: the invocation is
// "compiler build --target <triple> --target-dir <dir> --release
// [extra-args...]", with RUSTFLAGS set to statically link the musl targets
// this tool's compiler-target table produces.
func (i *Invoker) Build(ctx context.Context, platform ocispec.Platform, projectDir, binaryName string) (*Result, error) {
	triple, ok := ocispec.CompilerTarget(platform)
	if !ok {
		return nil, ocierrors.New(ocierrors.Config, "compiler.build", platform.String(),
			fmt.Errorf("no compiler target triple known for platform %s", platform))
	}

	targetDir, err := os.MkdirTemp("", "krust-target-*")
	if err != nil {
		return nil, ocierrors.Wrap(ocierrors.Compile, "compiler.build", platform.String(), err)
	}

	args := append([]string{"build", "--target", triple, "--target-dir", targetDir, "--release"}, i.ExtraArgs...)

	cmd := exec.CommandContext(ctx, i.Command, args...)
	cmd.Dir = projectDir
	cmd.Env = append(append(os.Environ(), i.Env...), rustflagsFor(triple))

	tail := newTailBuffer(tailLimit)
	cmd.Stderr = tail
	cmd.Stdout = tail

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = gracePeriod

	if err := cmd.Run(); err != nil {
		return nil, ocierrors.New(ocierrors.Compile, "compiler.build", platform.String(),
			fmt.Errorf("%s %v: %w\n%s", i.Command, args, err, tail.String()))
	}

	exe := filepath.Join(targetDir, triple, "release", binaryName)
	if _, err := os.Stat(exe); err != nil {
		return nil, ocierrors.New(ocierrors.Compile, "compiler.build", platform.String(),
			fmt.Errorf("expected executable %s not produced: %w", exe, err))
	}

	return &Result{ExecutablePath: exe, Stderr: tail.String()}, nil
}

// rustflagsFor sets static linking flags for musl targets, so the
// resulting executable carries no dynamic libc dependency and runs in the
// minimal scratch-like layer krust assembles around it.
func rustflagsFor(triple string) string {
	if containsMusl(triple) {
		return "RUSTFLAGS=-C target-feature=+crt-static"
	}
	return "RUSTFLAGS="
}

func containsMusl(triple string) bool {
	for i := 0; i+4 <= len(triple); i++ {
		if triple[i:i+4] == "musl" {
			return true
		}
	}
	return false
}
