// Package sim simulates camera hardware. Pictures and previews are rendered
// test patterns; recordings are MJPEG clips written to real storage.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"camera-capture-go/internal/camera"
)

// Defaults
const (
	DefaultCameras    = 2
	DefaultFPS        = 15
	DefaultFocusDelay = 50 * time.Millisecond
)

// ErrBusy is returned by Acquire while the camera is held by another handle.
var ErrBusy = errors.New("sim: camera busy")

// Options configures a simulated Device.
type Options struct {
	Cameras    int
	FPS        int
	FocusDelay time.Duration
	// FocusFails makes every autofocus attempt report failure.
	FocusFails bool
	// Capabilities overrides the advertised capabilities per camera.
	Capabilities func(number int) camera.Capabilities
	Logger       *slog.Logger
}

// Device is a set of simulated cameras. It implements camera.Device.
type Device struct {
	opts   Options
	logger *slog.Logger
	fps    atomic.Int32

	mu   sync.Mutex
	busy map[int]bool
}

// New creates a simulated device.
func New(opts Options) *Device {
	if opts.Cameras <= 0 {
		opts.Cameras = DefaultCameras
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.FocusDelay <= 0 {
		opts.FocusDelay = DefaultFocusDelay
	}
	if opts.Capabilities == nil {
		opts.Capabilities = DefaultCapabilities
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Device{
		opts:   opts,
		logger: opts.Logger.With("component", "sim"),
		busy:   make(map[int]bool),
	}
	d.fps.Store(int32(opts.FPS))
	return d
}

// DefaultCapabilities is what a simulated camera advertises. Camera 0 is a
// rear camera with autofocus and flash, the others are fixed-focus without
// flash.
func DefaultCapabilities(number int) camera.Capabilities {
	caps := camera.Capabilities{
		PictureSizes:   []camera.Size{{Width: 640, Height: 480}, {Width: 1280, Height: 960}, {Width: 1920, Height: 1080}, {Width: 2592, Height: 1944}},
		ThumbnailSizes: []camera.Size{{Width: 160, Height: 120}, {Width: 176, Height: 144}, {Width: 320, Height: 240}},
		PreviewSizes:   []camera.Size{{Width: 320, Height: 240}, {Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		RecorderProfiles: []camera.RecorderProfile{
			{Name: "qcif", Width: 176, Height: 144},
			{Name: "cif", Width: 352, Height: 288},
			{Name: "vga", Width: 640, Height: 480},
			{Name: "720p", Width: 1280, Height: 720},
		},
	}
	if number == 0 {
		caps.FocusModes = []string{"auto", "infinity", "macro"}
		caps.FlashModes = []string{"off", "auto", "on", "torch"}
	} else {
		caps.FocusModes = []string{"fixed"}
	}
	return caps
}

// NumCameras implements camera.Device.
func (d *Device) NumCameras() int {
	return d.opts.Cameras
}

// Acquire implements camera.Device.
func (d *Device) Acquire(ctx context.Context, number int) (camera.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if number < 0 || number >= d.opts.Cameras {
		return nil, fmt.Errorf("sim: no camera %d", number)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[number] {
		return nil, fmt.Errorf("%w: camera %d", ErrBusy, number)
	}
	d.busy[number] = true

	d.logger.Info("camera acquired", "camera", number)
	return newHandle(d, number), nil
}

// SetFrameRate changes the preview and recording rate of every handle.
func (d *Device) SetFrameRate(fps int) {
	if fps < 1 {
		fps = 1
	}
	if old := d.fps.Swap(int32(fps)); int(old) != fps {
		d.logger.Debug("frame rate changed", "from", old, "to", fps)
	}
}

// FrameRate returns the current frame rate.
func (d *Device) FrameRate() int {
	return int(d.fps.Load())
}

func (d *Device) frameInterval() time.Duration {
	return time.Second / time.Duration(d.fps.Load())
}

func (d *Device) release(number int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, number)
	d.logger.Info("camera released", "camera", number)
}
