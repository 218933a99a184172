package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/device/v4l2"
)

const probeTimeout = 10 * time.Second

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "List cameras and what they support",
	Long: `Acquire every camera once and print its picture sizes, preview sizes,
recorder profiles, focus modes and flash modes.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	dev, _, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}

	n := dev.NumCameras()
	if n == 0 {
		printer.Warning("no cameras found")
		return nil
	}

	names := make(map[int]string)
	if v, ok := dev.(*v4l2.Device); ok {
		for _, info := range v.Cameras() {
			names[info.Number] = fmt.Sprintf("%s (%s)", info.Name, info.Path)
		}
	}

	var rows [][]string
	for number := range n {
		name := names[number]
		if name == "" {
			name = cfg.Camera.Device
		}
		caps, err := probeOne(cmd.Context(), dev, number)
		if err != nil {
			rows = append(rows, []string{strconv.Itoa(number), name, "unavailable: " + err.Error(), "", "", "", "", ""})
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(number),
			name,
			strconv.Itoa(len(caps.PictureSizes)),
			largest(caps.PictureSizes).String(),
			strconv.Itoa(len(caps.PreviewSizes)),
			profileNames(caps.RecorderProfiles),
			orDash(caps.FocusModes),
			orDash(caps.FlashModes),
		})
	}
	return printer.Table([]string{"Camera", "Name", "Pictures", "Largest", "Previews", "Profiles", "Focus", "Flash"}, rows)
}

func probeOne(ctx context.Context, dev camera.Device, number int) (camera.Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	h, err := dev.Acquire(ctx, number)
	if err != nil {
		return camera.Capabilities{}, err
	}
	caps := h.Capabilities()
	if err := h.Release(ctx); err != nil {
		logger.Warn("release after probe failed", "camera", number, "error", err)
	}
	return caps, nil
}

func largest(sizes []camera.Size) camera.Size {
	var best camera.Size
	for _, s := range sizes {
		if s.Pixels() > best.Pixels() {
			best = s
		}
	}
	return best
}

func profileNames(profiles []camera.RecorderProfile) string {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	return orDash(names)
}

func orDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
