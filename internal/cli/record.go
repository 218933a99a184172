package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"camera-capture-go/internal/camera"
)

// minFinalizeWait bounds how long record waits for the finished clip when
// recording.finalize_timeout_ms does not.
const minFinalizeWait = 30 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a video clip",
	Long: `Acquire the camera in video mode and record until --duration passes,
the file size limit is reached, or the command is interrupted.

The clip stays in recording.dir unless --out is given, in which case it is
copied there and the temporary file is removed.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().Duration("duration", 5*time.Second, "how long to record")
	recordCmd.Flags().StringP("out", "o", "", "copy the finished clip here and delete the temporary file")
	recordCmd.Flags().String("poster", "", "write the poster frame here")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	duration, _ := cmd.Flags().GetDuration("duration")
	out, _ := cmd.Flags().GetString("out")
	poster, _ := cmd.Flags().GetString("poster")

	r, err := newRig(ctx, cfg, logger, camera.ModeVideo)
	if err != nil {
		return err
	}
	// Interrupts stop the recording; the clip must still be finalized.
	bg := context.WithoutCancel(ctx)
	defer r.Close(bg)

	videos := make(chan camera.NewVideo, 1)
	failures := make(chan camera.Failure, 1)
	limit := make(chan struct{}, 1)
	bus := r.cam.Bus()
	defer camera.Listen(bus, func(ev camera.NewVideo) {
		select {
		case videos <- ev:
		default:
		}
	})()
	defer camera.Listen(bus, func(ev camera.Failure) {
		select {
		case failures <- ev:
		default:
		}
	})()
	defer camera.Listen(bus, func(camera.FileSizeLimitReached) {
		select {
		case limit <- struct{}{}:
		default:
		}
	})()

	if err := r.cam.Load(ctx); err != nil {
		return err
	}
	if err := r.cam.StartRecording(ctx); err != nil {
		return err
	}
	printer.Info("recording for %s (Ctrl-C to stop early)", duration)

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		printer.Warning("interrupted, stopping")
	case <-limit:
		printer.Warning("file size limit reached")
	case f := <-failures:
		return fmt.Errorf("%s: %w", f.Op, f.Err)
	}

	if err := r.cam.StopRecording(bg); err != nil {
		return err
	}

	wait := minFinalizeWait
	if f := time.Duration(cfg.Recording.FinalizeTimeoutMS) * time.Millisecond; f > wait {
		wait = f
	}
	var ev camera.NewVideo
	select {
	case ev = <-videos:
	case f := <-failures:
		return fmt.Errorf("%s: %w", f.Op, f.Err)
	case <-time.After(wait):
		return fmt.Errorf("recording was not finalized within %s", wait)
	}

	path := ev.Blob.Path
	if out != "" {
		if err := os.WriteFile(out, ev.Blob.Data, 0o644); err != nil {
			return fmt.Errorf("write clip: %w", err)
		}
		if err := r.cam.DeleteTempVideo(bg); err != nil {
			logger.Warn("temporary clip not removed", "path", ev.Blob.Path, "error", err)
		}
		path = out
	}
	if poster != "" && len(ev.Poster.Data) > 0 {
		if err := os.WriteFile(poster, ev.Poster.Data, 0o644); err != nil {
			return fmt.Errorf("write poster: %w", err)
		}
	}

	printer.Success("saved %s", path)
	printer.Field("size", camera.Size{Width: ev.Width, Height: ev.Height})
	printer.Field("rotation", ev.Rotation)
	printer.Field("bytes", ev.Blob.Size())
	printer.Field("session", ev.SessionID)
	return nil
}
