// Package v4l2 drives Linux cameras through V4L2 device nodes. Probing uses
// v4l2-ctl; preview, stills and recordings are ffmpeg processes.
package v4l2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

// Defaults
const (
	DefaultDevDir      = "/dev"
	DefaultMaxCameras  = 3
	DefaultFPS         = 15
	DefaultInputFormat = "mjpeg"
	DefaultFocusDelay  = 300 * time.Millisecond
	minFPS             = 5
)

var (
	// ErrBusy is returned by Acquire while the camera is held by this process.
	ErrBusy = errors.New("v4l2: camera busy")
	// ErrUnavailable is returned when the device node does not answer.
	ErrUnavailable = errors.New("v4l2: camera unavailable")
)

// Info describes a discovered device node.
type Info struct {
	Number int
	Path   string
	Name   string
}

// Discover lists video device nodes in devDir ordered by index, at most limit.
func Discover(devDir string, limit int) ([]Info, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, fmt.Errorf("v4l2: scan %s: %w", devDir, err)
	}

	type node struct {
		index int
		name  string
	}
	var nodes []node
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		if e.Type()&os.ModeDevice == 0 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "video"))
		if err != nil {
			continue
		}
		nodes = append(nodes, node{idx, name})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })

	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	infos := make([]Info, len(nodes))
	for i, n := range nodes {
		infos[i] = Info{
			Number: i,
			Path:   filepath.Join(devDir, n.name),
			Name:   "Camera " + n.name,
		}
	}
	return infos, nil
}

// Options configures a Device.
type Options struct {
	// Paths lists device nodes explicitly; empty means discover in DevDir.
	Paths      []string
	DevDir     string
	MaxCameras int

	FPS         int
	InputFormat string // mjpeg or yuyv
	FocusDelay  time.Duration

	// KillHolders frees device nodes held by stale processes before acquiring.
	KillHolders bool

	FFmpeg  string
	V4L2Ctl string
	Runner  media.Runner
	Starter Starter
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DevDir == "" {
		o.DevDir = DefaultDevDir
	}
	if o.MaxCameras <= 0 {
		o.MaxCameras = DefaultMaxCameras
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.InputFormat == "" {
		o.InputFormat = DefaultInputFormat
	}
	if o.FocusDelay <= 0 {
		o.FocusDelay = DefaultFocusDelay
	}
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.V4L2Ctl == "" {
		o.V4L2Ctl = "v4l2-ctl"
	}
	if o.Runner == nil {
		o.Runner = media.ExecRunner{}
	}
	if o.Starter == nil {
		o.Starter = ExecStarter{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Device is the set of V4L2 cameras. It implements camera.Device.
type Device struct {
	opts    Options
	cameras []Info
	logger  *slog.Logger
	holders *HolderKiller
	fps     atomic.Int32

	mu   sync.Mutex
	busy map[int]bool
}

// Open discovers cameras. A machine without cameras yields a Device with
// NumCameras() == 0.
func Open(opts Options) (*Device, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "v4l2")

	var cameras []Info
	if len(opts.Paths) > 0 {
		for i, p := range opts.Paths {
			cameras = append(cameras, Info{Number: i, Path: p, Name: "Camera " + filepath.Base(p)})
		}
	} else {
		found, err := Discover(opts.DevDir, opts.MaxCameras)
		if err != nil {
			return nil, err
		}
		cameras = found
	}
	logger.Info("cameras discovered", "count", len(cameras))

	d := &Device{
		opts:    opts,
		cameras: cameras,
		logger:  logger,
		holders: NewHolderKiller(opts.Runner, logger),
		busy:    make(map[int]bool),
	}
	d.fps.Store(int32(opts.FPS))
	return d, nil
}

// Cameras returns the discovered device nodes.
func (d *Device) Cameras() []Info {
	return append([]Info(nil), d.cameras...)
}

// NumCameras implements camera.Device.
func (d *Device) NumCameras() int {
	return len(d.cameras)
}

// Acquire implements camera.Device.
func (d *Device) Acquire(ctx context.Context, number int) (camera.Handle, error) {
	if number < 0 || number >= len(d.cameras) {
		return nil, fmt.Errorf("v4l2: no camera %d", number)
	}
	info := d.cameras[number]

	d.mu.Lock()
	if d.busy[number] {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, info.Path)
	}
	d.busy[number] = true
	d.mu.Unlock()

	h, err := d.open(ctx, number, info)
	if err != nil {
		d.release(number)
		return nil, err
	}
	return h, nil
}

func (d *Device) open(ctx context.Context, number int, info Info) (*handle, error) {
	if _, err := os.Stat(info.Path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if d.opts.KillHolders {
		d.holders.Free(ctx, info.Path)
	}

	out, err := d.opts.Runner.Run(ctx, nil, d.opts.V4L2Ctl, "--device="+info.Path, "--info")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, info.Path, err)
	}
	if card := cardName(string(out)); card != "" {
		info.Name = card
	}

	caps, ctrls, err := d.probe(ctx, info.Path)
	if err != nil {
		return nil, err
	}

	d.logger.Info("camera acquired",
		"camera", number,
		"device", info.Path,
		"name", info.Name,
		"picture_sizes", len(caps.PictureSizes),
		"profiles", len(caps.RecorderProfiles))
	return newHandle(d, number, info, caps, ctrls), nil
}

// cardName extracts "Card type" from `v4l2-ctl --info`.
func cardName(info string) string {
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "Card type" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// SetFrameRate changes the delivered preview rate. ffmpeg keeps capturing at
// the rate it was started with; surplus frames are skipped.
func (d *Device) SetFrameRate(fps int) {
	fps = max(fps, minFPS)
	fps = min(fps, d.opts.FPS)
	if old := d.fps.Swap(int32(fps)); int(old) != fps {
		d.logger.Info("frame rate changed", "from", old, "to", fps)
	}
}

// FrameRate returns the delivered preview rate.
func (d *Device) FrameRate() int {
	return int(d.fps.Load())
}

func (d *Device) release(number int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, number)
}
