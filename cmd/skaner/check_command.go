package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/validation"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check external tools and capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results, ok := validation.CheckEnvironment(cmd.Context(), cfg, validation.Env{})
			out := cmd.OutOrStdout()

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "OK"
				if !r.OK {
					state = "BŁĄD"
				} else if len(r.Warnings) > 0 {
					state = "UWAGA"
				}
				rows = append(rows, []string{r.Name, state, r.Message})
			}
			fmt.Fprintln(out, renderTable(out, []string{"Sprawdzenie", "Wynik", "Szczegóły"}, rows, nil))

			for _, r := range results {
				for _, issue := range r.Issues {
					fmt.Fprintf(out, "  [%s] %s\n", r.Name, issue)
				}
				for _, warning := range r.Warnings {
					fmt.Fprintf(out, "  [%s] %s\n", r.Name, warning)
				}
				if !r.OK && len(r.Fixes) > 0 {
					fmt.Fprintf(out, "  [%s] %s\n", r.Name, strings.Join(r.Fixes, "; "))
				}
			}
			if !ok {
				return fmt.Errorf("environment check failed")
			}
			return nil
		},
	}
}
