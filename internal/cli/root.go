// Package cli implements the bo command.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// Version is set at build time with
// -ldflags "-X github.com/thalesfsp/bo/internal/cli.Version=1.0.0".
var Version = "dev"

// NewRootCommand returns a fresh command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bo",
		Short:         "Sequential Bayesian optimization of expensive objectives.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.SetVersionTemplate("bo version {{.Version}}\n")

	root.AddCommand(newRunCmd(), newConfigCmd(), newVersionCmd())

	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bo version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("bo version " + Version + "\n"))

			return err
		},
	}
}
