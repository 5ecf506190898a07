package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/pidfile"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cmd <command> [arg]",
		Short: "Send a control command to the running daemon",
		Long: "Commands: start, stop, resume, clear, torch [on|off], next-camera, " +
			"select <index>, manual <code>, refresh, quit.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			req := ipc.ParseRequest(strings.Join(args, " "))
			if !ipc.Known(req.Command) {
				return fmt.Errorf("unknown command %q", args[0])
			}
			if _, running := pidfile.Running(cfg.PIDPath()); !running {
				fmt.Fprintln(cmd.ErrOrStderr(), "uwaga: demon skaner nie działa; polecenie zostanie wykonane po uruchomieniu")
			}
			if err := ipc.WriteCommand(cfg.Paths.StateDir, req); err != nil {
				return fmt.Errorf("send command: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wysłano: %s\n", req)
			return nil
		},
	}
}
