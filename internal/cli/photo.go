package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"camera-capture-go/internal/camera"
)

var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Take a picture",
	Long: `Acquire the camera in photo mode, focus, and write one JPEG.

Pass --lat and --lon (and optionally --alt) to geotag the picture.`,
	Args: cobra.NoArgs,
	RunE: runPhoto,
}

func init() {
	photoCmd.Flags().StringP("out", "o", "", "output file (default: IMG_<time>.jpg in recording.dir)")
	photoCmd.Flags().Float64("lat", 0, "latitude for the geotag")
	photoCmd.Flags().Float64("lon", 0, "longitude for the geotag")
	photoCmd.Flags().Float64("alt", 0, "altitude for the geotag")
	rootCmd.AddCommand(photoCmd)
}

// capturePosition reads the geotag flags. Latitude and longitude go together.
func capturePosition(cmd *cobra.Command) (*camera.Position, error) {
	flags := cmd.Flags()
	if !flags.Changed("lat") && !flags.Changed("lon") {
		return nil, nil
	}
	if !flags.Changed("lat") || !flags.Changed("lon") {
		return nil, fmt.Errorf("--lat and --lon must be given together")
	}
	pos := &camera.Position{Timestamp: time.Now()}
	pos.Latitude, _ = flags.GetFloat64("lat")
	pos.Longitude, _ = flags.GetFloat64("lon")
	pos.Altitude, _ = flags.GetFloat64("alt")
	return pos, nil
}

func runPhoto(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out, _ := cmd.Flags().GetString("out")
	pos, err := capturePosition(cmd)
	if err != nil {
		return err
	}

	r, err := newRig(ctx, cfg, logger, camera.ModePhoto)
	if err != nil {
		return err
	}
	defer r.Close(context.WithoutCancel(ctx))

	if err := r.cam.Load(ctx); err != nil {
		return err
	}
	blob, err := r.cam.TakePicture(ctx, camera.CaptureOptions{Position: pos})
	if err != nil {
		return err
	}

	if out == "" {
		out = filepath.Join(cfg.Recording.Dir, time.Now().Format("IMG_20060102_150405.jpg"))
	}
	if err := os.WriteFile(out, blob.Data, 0o644); err != nil {
		return fmt.Errorf("write picture: %w", err)
	}

	neg := r.cam.Status().Negotiated
	printer.Success("saved %s", out)
	printer.Field("size", neg.PictureSize)
	printer.Field("bytes", blob.Size())
	if pos != nil {
		printer.Field("position", fmt.Sprintf("%.6f,%.6f", pos.Latitude, pos.Longitude))
	}
	return nil
}
