package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/camera"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			enum := camera.SysfsEnumerator{Root: cfg.Camera.SysfsRoot}
			devices, err := enum.Enumerate(cmd.Context())
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, camera.NoCameraLabel)
				return nil
			}
			fmt.Fprintln(out, renderDevices(out, devices, camera.DefaultIndex(devices)))
			return nil
		},
	}
}

func renderDevices(out io.Writer, devices []camera.Device, current int) string {
	rows := make([][]string, 0, len(devices))
	for i, d := range devices {
		marker := ""
		if i == current {
			marker = "*"
		}
		rows = append(rows, []string{strconv.Itoa(i), marker, d.Label, string(d.Facing), d.Path})
	}
	return renderTable(out, []string{"#", "", "Nazwa", "Strona", "Urządzenie"}, rows, []columnAlignment{alignRight})
}
