// krust builds OCI container images for a compiled application without a
// container-engine daemon: it cross-compiles per target platform, packages
// each executable into a minimal layer, and pushes the resulting
// multi-platform image straight to an OCI registry.
package main

import (
	"os"

	"github.com/krustbuild/krust/cmd/krust/commands"
	"github.com/krustbuild/krust/internal/ocierrors"
)

func main() {
	os.Exit(ocierrors.ExitCode(commands.Execute()))
}
