package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/pidfile"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's last reported state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pid, running := pidfile.Running(cfg.PIDPath())
			status, err := ipc.ReadStatus(cfg.Paths.StateDir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Fprintln(out, "skaner nie działa (brak pliku stanu)")
					return nil
				}
				return fmt.Errorf("read status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "Demon:      %s", yesNo(running))
			if running {
				fmt.Fprintf(out, " (PID %d)", pid)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Stan:       %s\n", status.State)
			if status.SessionID != "" {
				fmt.Fprintf(out, "Sesja:      %s\n", status.SessionID)
			}
			if status.Backend != "" {
				fmt.Fprintf(out, "Dekoder:    %s\n", status.Backend)
			}
			if status.Code != "" {
				fmt.Fprintf(out, "Kod:        %s (%s)\n", status.Code, status.CodeType)
			}
			fmt.Fprintf(out, "Latarka:    %s\n", yesNo(status.Torch))
			if status.Hint != "" {
				fmt.Fprintf(out, "Wskazówka:  %s\n", status.Hint)
			}
			if status.LastError != "" {
				fmt.Fprintf(out, "Błąd:       %s\n", status.LastError)
			}
			if status.LastAction != "" {
				fmt.Fprintf(out, "Polecenie:  %s\n", status.LastAction)
			}
			fmt.Fprintf(out, "Timeouty:   %d\n", status.Timeouts)
			fmt.Fprintf(out, "Zapisano:   %s\n", status.Timestamp.Format(time.RFC3339))

			if len(status.Devices) > 0 {
				rows := make([][]string, 0, len(status.Devices))
				for _, d := range status.Devices {
					marker := ""
					if d.Current {
						marker = "*"
					}
					rows = append(rows, []string{strconv.Itoa(d.Index), marker, d.Label, d.Facing, d.Path})
				}
				fmt.Fprintln(out, renderTable(out, []string{"#", "", "Nazwa", "Strona", "Urządzenie"}, rows, []columnAlignment{alignRight}))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	return cmd
}
