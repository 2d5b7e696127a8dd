// Package commands implements the krust CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/krustbuild/krust/internal/logging"
)

var (
	verbose          bool
	logJSON          bool
	repo             string
	insecureRegistry bool

	log logging.Logger
)

// rootCmd is the root command for krust.
var rootCmd = &cobra.Command{
	Use:   "krust",
	Short: "Build and push OCI images for a compiled application without a container engine",
	Long: `krust cross-compiles a project for one or more target platforms, packages
each resulting executable into a minimal OCI image, and pushes a
multi-platform index straight to a registry — no container-engine daemon
required.

Example:
  krust build ./myapp --base gcr.io/distroless/static --repo ghcr.io/acme --tag v1.0.0`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		logger := logrus.New()
		level := logrus.InfoLevel
		if verbose {
			level = logrus.DebugLevel
		}
		if lvl := os.Getenv("KRUST_LOG_LEVEL"); lvl != "" {
			if parsed, err := logrus.ParseLevel(lvl); err == nil {
				level = parsed
			}
		}
		logger.SetLevel(level)
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}

		log = logging.NewFromEntry(logrus.NewEntry(logger))

		if repo == "" {
			repo = os.Getenv("KRUST_REPO")
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, returning the error the CLI boundary
// classifies into an exit code (spec.md §7).
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&repo, "repo", "", "default repository prefix (or $KRUST_REPO)")
	rootCmd.PersistentFlags().BoolVar(&insecureRegistry, "insecure-registry", false, "use plain HTTP for the target registry")

	rootCmd.AddCommand(newBuildCmd(), newResolveCmd())
}
