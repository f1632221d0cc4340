package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/bo/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage run files",
	}

	configCmd.AddCommand(newConfigInitCmd())

	return configCmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		out   string
		force bool
	)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented sample run file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return config.WriteSample(cmd.OutOrStdout(), config.Sample())
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}

			f, err := os.OpenFile(out, flags, 0o644)
			if err != nil {
				if errors.Is(err, fs.ErrExist) {
					return fmt.Errorf("%s already exists, use --force to overwrite", out)
				}

				return err
			}

			if err := config.WriteSample(f, config.Sample()); err != nil {
				f.Close()

				return err
			}

			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)

			return nil
		},
	}

	initCmd.Flags().StringVarP(&out, "out", "o", "", "file to write (default stdout)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return initCmd
}
