package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Show or cycle the flash modes of the current camera and mode",
	Args:  cobra.NoArgs,
	RunE:  runFlash,
}

func init() {
	flashCmd.Flags().Int("cycle", 0, "advance the flash mode this many times")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cycle, _ := cmd.Flags().GetInt("cycle")

	r, err := newRig(ctx, cfg, logger, "")
	if err != nil {
		return err
	}
	defer r.Close(context.WithoutCancel(ctx))

	if err := r.cam.Load(ctx); err != nil {
		return err
	}

	for range cycle {
		mode, err := r.cam.ToggleFlash(ctx)
		if err != nil {
			return err
		}
		printer.Success("flash %s", mode)
	}

	st := r.cam.Status()
	flash := st.Negotiated.Flash
	if len(flash.Available) == 0 {
		printer.Warning("camera %d has no flash in %s mode", st.Number, st.Mode)
		return nil
	}
	rows := make([][]string, 0, len(flash.Available))
	for _, mode := range flash.Available {
		current := ""
		if mode == st.Flash {
			current = "*"
		}
		rows = append(rows, []string{current, mode})
	}
	return printer.Table([]string{"", "Mode"}, rows)
}
