package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fyne.io/fyne/v2/app"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/config"
	"camera-capture-go/internal/device/sim"
	"camera-capture-go/internal/device/v4l2"
	"camera-capture-go/internal/media"
	"camera-capture-go/internal/orientation"
	"camera-capture-go/internal/perf"
	"camera-capture-go/internal/settings"
	"camera-capture-go/internal/storage"
)

// rateDevice is a camera backend whose preview frame rate can be tuned.
type rateDevice interface {
	camera.Device
	perf.RateSetter
}

// openDevice builds the configured backend and its nominal frame rate.
func openDevice(cfg *config.Config, logger *slog.Logger) (rateDevice, int, error) {
	switch cfg.Camera.Device {
	case "sim":
		return sim.New(sim.Options{
			Cameras:    cfg.Sim.Cameras,
			FPS:        cfg.Sim.FPS,
			FocusFails: cfg.Sim.FocusFails,
			Logger:     logger,
		}), cfg.Sim.FPS, nil
	case "v4l2":
		dev, err := v4l2.Open(v4l2.Options{
			Paths:       cfg.V4L2.Paths,
			DevDir:      cfg.V4L2.DevDir,
			MaxCameras:  cfg.V4L2.MaxCameras,
			FPS:         cfg.V4L2.FPS,
			InputFormat: cfg.V4L2.InputFormat,
			KillHolders: cfg.Camera.KillDeviceHolders,
			FFmpeg:      cfg.V4L2.FFmpeg,
			V4L2Ctl:     cfg.V4L2.V4L2Ctl,
			Logger:      logger,
		})
		if err != nil {
			return nil, 0, err
		}
		return dev, cfg.V4L2.FPS, nil
	}
	return nil, 0, fmt.Errorf("unknown device %q", cfg.Camera.Device)
}

// openSettings opens the configured settings backend.
func openSettings(ctx context.Context, cfg *config.Config) (settings.Store, error) {
	if cfg.Settings.Backend == "fyne" {
		a := app.NewWithID(cfg.Settings.AppID)
		return settings.NewPreferencesStore(a.Preferences()), nil
	}
	return settings.OpenSQLite(ctx, cfg.Settings.Path)
}

// rig is one fully wired camera with the services it runs on.
type rig struct {
	cam      *camera.Camera
	device   rateDevice
	fps      int
	storage  *storage.Dir
	settings settings.Store
}

// newRig wires a camera from cfg. An empty mode keeps the configured one.
func newRig(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode camera.Mode) (*rig, error) {
	dev, fps, err := openDevice(cfg, logger)
	if err != nil {
		return nil, err
	}

	dir, err := storage.Open(cfg.Recording.Dir, storage.Options{Settle: cfg.Settle(), Logger: logger})
	if err != nil {
		return nil, err
	}

	store, err := openSettings(ctx, cfg)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}

	opts := cfg.Options(logger)
	if mode != "" {
		opts.Mode = mode
	}
	// The simulator records MJPEG.
	if cfg.Camera.Device == "sim" && opts.Recorder.TempVideoExt == "" {
		opts.Recorder.TempVideoExt = ".mjpeg"
	}

	cam, err := camera.New(camera.Collaborators{
		Device:      dev,
		Storage:     dir,
		Settings:    store,
		Orientation: orientation.Fixed(orientation.Snap(rotation)),
		Metadata:    media.NewAuto(logger),
	}, opts)
	if err != nil {
		_ = store.Close()
		_ = dir.Close()
		return nil, err
	}

	return &rig{cam: cam, device: dev, fps: fps, storage: dir, settings: store}, nil
}

// Close releases the camera first, then the services under it.
func (r *rig) Close(ctx context.Context) error {
	return errors.Join(
		r.cam.Close(ctx),
		r.storage.Close(),
		r.settings.Close(),
	)
}
