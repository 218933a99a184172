package v4l2

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// Capability probing
// =============================================================================
// Capabilities come from two v4l2-ctl listings:
//
//   --list-formats-ext   pixel formats, their discrete sizes and frame rates
//   --list-ctrls         focus and flash controls
//
// Sizes of the configured input format become picture sizes. Preview sizes
// are those up to 1280x720. Recorder profiles are the standard sizes the
// camera offers, named like the classic camcorder profiles.
// =============================================================================

// Format is one pixel format and what the camera offers for it.
type Format struct {
	FourCC string
	Sizes  []camera.Size
	MaxFPS float64
}

var (
	formatLine   = regexp.MustCompile(`^\s*\[\d+\]:\s*'(\w+)'`)
	sizeLine     = regexp.MustCompile(`Size:\s*Discrete\s+(\d+)x(\d+)`)
	intervalLine = regexp.MustCompile(`\(([\d.]+)\s*fps\)`)
	controlLine  = regexp.MustCompile(`^\s*(\w+)\s+0x[0-9a-f]+\s+\((\w+)\)\s*:(.*)$`)
	rangeField   = regexp.MustCompile(`\b(min|max)=(-?\d+)`)
)

// parseFormats reads `v4l2-ctl --list-formats-ext` output.
func parseFormats(out string) []Format {
	var formats []Format
	var cur *Format

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if m := formatLine.FindStringSubmatch(line); m != nil {
			formats = append(formats, Format{FourCC: m[1]})
			cur = &formats[len(formats)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if m := sizeLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			size := camera.Size{Width: w, Height: h}
			if !slices.Contains(cur.Sizes, size) {
				cur.Sizes = append(cur.Sizes, size)
			}
			continue
		}
		if m := intervalLine.FindStringSubmatch(line); m != nil {
			if fps, err := strconv.ParseFloat(m[1], 64); err == nil && fps > cur.MaxFPS {
				cur.MaxFPS = fps
			}
		}
	}
	return formats
}

// Control is one V4L2 control.
type Control struct {
	Name string
	Type string
	Min  int
	Max  int
}

// parseControls reads `v4l2-ctl --list-ctrls` output.
func parseControls(out string) map[string]Control {
	ctrls := make(map[string]Control)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := controlLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		c := Control{Name: m[1], Type: m[2]}
		for _, f := range rangeField.FindAllStringSubmatch(m[3], -1) {
			v, _ := strconv.Atoi(f[2])
			if f[1] == "min" {
				c.Min = v
			} else {
				c.Max = v
			}
		}
		ctrls[c.Name] = c
	}
	return ctrls
}

// fourCC maps the configured input format onto the v4l2 FourCC.
func fourCC(inputFormat string) string {
	switch inputFormat {
	case "yuyv", "yuyv422":
		return "YUYV"
	default:
		return "MJPG"
	}
}

// ffmpegInputFormat maps the configured input format onto ffmpeg's name.
func ffmpegInputFormat(inputFormat string) string {
	if fourCC(inputFormat) == "YUYV" {
		return "yuyv422"
	}
	return "mjpeg"
}

var standardProfiles = []camera.RecorderProfile{
	{Name: "qcif", Width: 176, Height: 144},
	{Name: "cif", Width: 352, Height: 288},
	{Name: "vga", Width: 640, Height: 480},
	{Name: "720p", Width: 1280, Height: 720},
	{Name: "1080p", Width: 1920, Height: 1080},
}

var thumbnailSizes = []camera.Size{{Width: 160, Height: 120}, {Width: 176, Height: 144}, {Width: 320, Height: 240}}

const maxPreviewPixels = 1280 * 720

// Focus control names.
const (
	ctrlFocusAuto     = "focus_automatic_continuous"
	ctrlFocusAutoOld  = "focus_auto"
	ctrlFocusAbsolute = "focus_absolute"
	ctrlFlashLEDMode  = "flash_led_mode"
)

// capabilitiesFrom builds the capability snapshot. The preferred format's
// sizes are used; when the camera lacks it, the first listed format is.
func capabilitiesFrom(formats []Format, ctrls map[string]Control, inputFormat string) (camera.Capabilities, error) {
	if len(formats) == 0 {
		return camera.Capabilities{}, fmt.Errorf("v4l2: no capture formats")
	}
	f := formats[0]
	want := fourCC(inputFormat)
	for _, cand := range formats {
		if cand.FourCC == want {
			f = cand
			break
		}
	}
	if len(f.Sizes) == 0 {
		return camera.Capabilities{}, fmt.Errorf("v4l2: format %s lists no sizes", f.FourCC)
	}

	caps := camera.Capabilities{
		PictureSizes:   slices.Clone(f.Sizes),
		ThumbnailSizes: slices.Clone(thumbnailSizes),
		FocusModes:     focusModes(ctrls),
		FlashModes:     flashModes(ctrls),
	}
	for _, s := range f.Sizes {
		if s.Pixels() <= maxPreviewPixels {
			caps.PreviewSizes = append(caps.PreviewSizes, s)
		}
	}
	if len(caps.PreviewSizes) == 0 {
		caps.PreviewSizes = []camera.Size{f.Sizes[len(f.Sizes)-1]}
	}
	for _, p := range standardProfiles {
		if slices.Contains(f.Sizes, camera.Size{Width: p.Width, Height: p.Height}) {
			caps.RecorderProfiles = append(caps.RecorderProfiles, p)
		}
	}
	return caps, nil
}

func focusModes(ctrls map[string]Control) []string {
	_, auto := ctrls[ctrlFocusAuto]
	if _, old := ctrls[ctrlFocusAutoOld]; old {
		auto = true
	}
	_, manual := ctrls[ctrlFocusAbsolute]

	var modes []string
	if auto {
		modes = append(modes, "auto")
	}
	if manual {
		modes = append(modes, "infinity", "macro")
	}
	if len(modes) == 0 {
		return []string{"fixed"}
	}
	return modes
}

// V4L2_FLASH_LED_MODE_{NONE,FLASH,TORCH}
var flashLEDModes = map[string]int{"off": 0, "on": 1, "torch": 2}

func flashModes(ctrls map[string]Control) []string {
	if _, ok := ctrls[ctrlFlashLEDMode]; !ok {
		return nil
	}
	return []string{"off", "on", "torch"}
}

// probe lists formats and controls of the device at path.
func (d *Device) probe(ctx context.Context, path string) (camera.Capabilities, map[string]Control, error) {
	out, err := d.opts.Runner.Run(ctx, nil, d.opts.V4L2Ctl, "--device="+path, "--list-formats-ext")
	if err != nil {
		return camera.Capabilities{}, nil, fmt.Errorf("v4l2: list formats of %s: %w", path, err)
	}
	formats := parseFormats(string(out))

	// Cameras without controls are still usable.
	ctrlOut, err := d.opts.Runner.Run(ctx, nil, d.opts.V4L2Ctl, "--device="+path, "--list-ctrls")
	if err != nil {
		d.logger.Warn("list controls failed", "device", path, "error", err)
	}
	ctrls := parseControls(string(ctrlOut))

	caps, err := capabilitiesFrom(formats, ctrls, d.opts.InputFormat)
	if err != nil {
		return camera.Capabilities{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return caps, ctrls, nil
}
