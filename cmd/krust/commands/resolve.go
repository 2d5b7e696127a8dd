package commands

import (
	"github.com/spf13/cobra"

	"github.com/krustbuild/krust/internal/ocierrors"
	"github.com/krustbuild/krust/internal/reference"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve REFERENCE",
		Short: "Parse and normalize an image reference without building",
		Long: `resolve parses REFERENCE and prints its normalized form — useful for
checking how krust will expand a bare or two-segment reference against
Docker Hub's conventions before kicking off a real build.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Parse(args[0])
			if err != nil {
				return ocierrors.New(ocierrors.Config, "cli.resolve", args[0], err)
			}
			cmd.Println(ref.String())
			return nil
		},
	}
	return cmd
}
