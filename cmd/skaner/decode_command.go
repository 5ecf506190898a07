package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/result"
)

func newDecodeCommand(ctx *commandContext) *cobra.Command {
	var prefer string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decode <image>",
		Short: "Decode barcodes in an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, closer, err := ctx.logger(false)
			if err != nil {
				return err
			}
			defer closer.Close()

			img, err := imaging.Open(args[0], imaging.AutoOrientation(true))
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			if prefer == "" {
				prefer = cfg.Decoder.Prefer
			}
			if err := decoder.ValidatePreference(prefer); err != nil {
				return err
			}
			dec := decoder.Probe(decoder.ProbeOptions{Prefer: prefer, ZbarBinary: cfg.Decoder.ZbarBinary, Logger: logger})
			defer dec.Reset()

			timeout := cfg.DecodeTimeout()
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			cands, ok := decoder.DecodeWithTimeout(cmd.Context(), dec, img, timeout)
			if !ok {
				return fmt.Errorf("decode timed out after %s", timeout)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cands)
			}
			if len(cands) == 0 {
				return fmt.Errorf("no barcode found in %s", args[0])
			}
			rows := make([][]string, 0, len(cands))
			for _, c := range cands {
				code := result.Normalize(c.Text)
				rows = append(rows, []string{code, result.Label(code, c.Format), c.Text})
			}
			fmt.Fprintln(out, renderTable(out, []string{"Kod", "Typ", "Surowy tekst"}, rows, nil))
			fmt.Fprintf(out, "dekoder: %s\n", dec.Kind())
			return nil
		},
	}
	cmd.Flags().StringVar(&prefer, "prefer", "", "Decoder preference: auto, native or fallback")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw candidates as JSON")
	return cmd
}
