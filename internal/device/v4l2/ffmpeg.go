package v4l2

import (
	"fmt"
	"path/filepath"
	"strconv"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// ffmpeg command lines
// =============================================================================
// Every command reads the V4L2 device directly. Preview frames leave ffmpeg
// as an MJPEG stream on stdout; recordings go to a file, with the same MJPEG
// stream on stdout so the preview keeps running while recording.
// =============================================================================

var (
	// Keep input latency low: small probe, no analysis.
	inputTuning = []string{"-hide_banner", "-loglevel", "error", "-thread_queue_size", "512", "-probesize", "32", "-analyzeduration", "0"}
	pipeOutput  = []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}
)

func inputArgs(path, inputFormat string, size camera.Size, fps int) []string {
	args := append([]string{}, inputTuning...)
	args = append(args, "-f", "v4l2")
	if inputFormat != "" {
		args = append(args, "-input_format", inputFormat)
	}
	args = append(args, "-video_size", size.String())
	if fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(fps))
	}
	return append(args, "-i", path)
}

// previewAttempts lists the preview command lines to try in order: the
// configured format, the other common format, then whatever the driver
// picks.
func previewAttempts(path, inputFormat string, size camera.Size, fps int) [][]string {
	primary := ffmpegInputFormat(inputFormat)
	fallback := "yuyv422"
	if primary == "yuyv422" {
		fallback = "mjpeg"
	}

	var attempts [][]string
	for _, f := range []string{primary, fallback, ""} {
		args := inputArgs(path, f, size, fps)
		attempts = append(attempts, append(args, pipeOutput...))
	}
	return attempts
}

// stillArgs grabs one frame at size as JPEG on stdout.
func stillArgs(path, inputFormat string, size camera.Size) []string {
	args := inputArgs(path, ffmpegInputFormat(inputFormat), size, 0)
	return append(args, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// recordArgs writes a file capped at maxBytes and mirrors the frames to
// stdout for preview. Rotation is stored as stream metadata where the
// container carries it; pixels are left as captured.
func recordArgs(path, inputFormat string, cfg camera.RecordingConfig, fps int, out string) []string {
	container := containerFor(out)
	args := inputArgs(path, ffmpegInputFormat(inputFormat), cfg.Profile.Size(), fps)
	args = append(args, "-map", "0:v")
	if container == "mjpeg" {
		args = append(args, "-c:v", "mjpeg", "-q:v", "5")
	} else {
		args = append(args,
			"-c:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
			"-metadata:s:v:0", "rotate="+strconv.Itoa(cfg.Rotation),
		)
	}
	if cfg.MaxFileSizeBytes > 0 {
		args = append(args, "-fs", strconv.FormatInt(cfg.MaxFileSizeBytes, 10))
	}
	args = append(args, "-f", container, "-y", out, "-map", "0:v")
	return append(args, pipeOutput...)
}

// containerFor picks the muxer from the file extension.
func containerFor(path string) string {
	switch ext := filepath.Ext(path); ext {
	case ".3gp":
		return "3gp"
	case ".mkv":
		return "matroska"
	case ".mov":
		return "mov"
	case ".mjpeg", ".mjpg":
		return "mjpeg"
	case ".mp4", "":
		return "mp4"
	default:
		return ext[1:]
	}
}

// focusControls returns the `v4l2-ctl -c` assignments for a focus mode.
func focusControls(mode string, ctrls map[string]Control) ([]string, error) {
	autoName := ctrlFocusAuto
	if _, ok := ctrls[autoName]; !ok {
		autoName = ctrlFocusAutoOld
	}
	abs, hasAbs := ctrls[ctrlFocusAbsolute]

	switch mode {
	case "fixed":
		return nil, nil
	case "auto":
		return []string{autoName + "=1"}, nil
	case "infinity":
		if !hasAbs {
			break
		}
		return []string{autoName + "=0", fmt.Sprintf("%s=%d", ctrlFocusAbsolute, abs.Min)}, nil
	case "macro":
		if !hasAbs {
			break
		}
		return []string{autoName + "=0", fmt.Sprintf("%s=%d", ctrlFocusAbsolute, abs.Max)}, nil
	}
	return nil, fmt.Errorf("v4l2: focus mode %q not supported", mode)
}
