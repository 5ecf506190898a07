package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/diaglog"
)

func newExportDiagCommand(ctx *commandContext) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "export-diag",
		Short: "Bundle the diagnostic log for a bug report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			diaglog.Version = Version
			path, n, err := diaglog.Export(cfg.DiagLogPath(), dest)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("%w\nhint: set logging.diagnostics = true or SKANER_DEBUG=true and reproduce the problem", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote: %s (%d lines)\n", path, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "Directory for the bundle")
	return cmd
}
