package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Collaborators are the external services a Camera drives.
// Device, Storage and Metadata are required.
type Collaborators struct {
	Device      Device
	Storage     TempStorage
	Settings    SettingsStore
	Orientation Orientation
	Metadata    MetadataExtractor
	Host        HostState
}

// Options configures a Camera.
type Options struct {
	Number int
	Mode   Mode
	Target SelectionTarget
	Screen Screen

	FocusResetDelay  time.Duration
	ConfigureTimeout time.Duration
	Recorder         RecorderOptions

	Logger *slog.Logger
}

// Status is a point-in-time view of a Camera.
type Status struct {
	Number     int
	Mode       Mode
	Session    SessionState
	Capture    CaptureState
	Focus      FocusState
	Recording  RecordingState
	Elapsed    time.Duration
	Stoppable  bool
	Flash      string
	Negotiated Negotiated
	Streaming  bool
}

// Camera coordinates one camera: hardware session, still capture and
// video recording, with one event bus for all of them.
type Camera struct {
	device   Device
	bus      *Bus
	session  *HardwareSession
	capture  *CaptureController
	recorder *RecordingController
	logger   *slog.Logger

	mu     sync.Mutex
	number int
	mode   Mode
	stream Stream
	closed bool
}

// New wires a Camera. It does not touch the hardware until Load.
func New(c Collaborators, opts Options) (*Camera, error) {
	switch {
	case c.Device == nil:
		return nil, errors.New("camera: device is required")
	case c.Storage == nil:
		return nil, errors.New("camera: temporary storage is required")
	case c.Metadata == nil:
		return nil, errors.New("camera: metadata extractor is required")
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModePhoto
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrWrongMode, mode)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := NewBus()
	session := NewHardwareSession(c.Device, c.Settings, c.Orientation, bus, SessionOptions{
		Target:           opts.Target,
		Screen:           opts.Screen,
		ConfigureTimeout: opts.ConfigureTimeout,
		Logger:           logger,
	})

	recOpts := opts.Recorder
	recOpts.Logger = logger
	recorder := NewRecordingController(session, c.Storage, c.Metadata, c.Orientation, c.Host, bus, recOpts)
	recorder.SetTargetFileSize(opts.Target.TargetFileSize)

	return &Camera{
		device:   c.Device,
		bus:      bus,
		session:  session,
		capture:  NewCaptureController(session, c.Orientation, bus, opts.FocusResetDelay, logger),
		recorder: recorder,
		logger:   logger.With("component", "camera"),
		number:   opts.Number,
		mode:     mode,
	}, nil
}

// Subscribe registers fn for every event. The returned func unsubscribes.
func (c *Camera) Subscribe(fn func(Event)) func() {
	return c.bus.Subscribe(fn)
}

// Bus returns the event bus, for typed Listen subscriptions.
func (c *Camera) Bus() *Bus {
	return c.bus
}

// Load acquires and configures the current camera number for the current mode.
// It refuses while a recording is in progress.
func (c *Camera) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	number, mode := c.number, c.mode
	c.mu.Unlock()

	if !c.recorderIdle() {
		return ErrBusy
	}

	c.closeStream()
	if err := c.session.Load(ctx, number, mode); err != nil {
		c.bus.Publish(Failure{Op: "load", ID: ErrorID(err), Err: err})
		return err
	}
	return nil
}

// Release stops an active recording, closes the preview and frees the hardware.
func (c *Camera) Release(ctx context.Context) error {
	if err := c.recorder.Stop(ctx); err != nil {
		c.logger.Warn("stop recording on release", "error", err)
	}
	c.closeStream()
	return c.session.Release(ctx)
}

// Capture takes a picture in photo mode and toggles recording in video mode.
func (c *Camera) Capture(ctx context.Context, opts CaptureOptions) error {
	if c.Mode() == ModeVideo {
		if c.recorder.Recording() {
			return c.recorder.Stop(ctx)
		}
		return c.recorder.Start(ctx)
	}
	_, err := c.capture.TakePicture(ctx, opts)
	return err
}

// TakePicture captures a still and returns it.
func (c *Camera) TakePicture(ctx context.Context, opts CaptureOptions) (Blob, error) {
	return c.capture.TakePicture(ctx, opts)
}

// StartRecording starts a video recording.
func (c *Camera) StartRecording(ctx context.Context) error {
	return c.recorder.Start(ctx)
}

// StopRecording stops the active recording; the video arrives as a NewVideo event.
func (c *Camera) StopRecording(ctx context.Context) error {
	return c.recorder.Stop(ctx)
}

// HasFrontCamera reports whether a second camera exists.
func (c *Camera) HasFrontCamera() bool {
	return c.device.NumCameras() > 1
}

// ToggleCamera switches between camera 0 and 1 and loads the new one.
func (c *Camera) ToggleCamera(ctx context.Context) error {
	if !c.recorderIdle() {
		return ErrBusy
	}
	if !c.HasFrontCamera() {
		return fmt.Errorf("%w: only one camera present", ErrNoCameras)
	}

	c.mu.Lock()
	c.number = 1 - c.number
	number := c.number
	c.mu.Unlock()

	c.bus.Publish(NumberChanged{Number: number})
	return c.Load(ctx)
}

// ToggleMode switches between photo and video without re-acquiring the
// hardware. An open preview is reopened for the new mode.
func (c *Camera) ToggleMode(ctx context.Context) error {
	if !c.recorderIdle() || c.capture.State() != CaptureIdle {
		return ErrBusy
	}

	c.mu.Lock()
	mode := c.mode.Other()
	hadStream := c.stream != nil
	c.mu.Unlock()

	if err := c.session.SwitchMode(ctx, mode); err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.bus.Publish(ModeChanged{Mode: mode})

	if flash, ok := c.session.Snapshot().Flash.CurrentMode(); ok {
		c.bus.Publish(FlashChanged{Mode: flash})
	}

	if hadStream {
		if _, err := c.LoadStream(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ToggleFlash selects the next flash mode available in the current mode.
func (c *Camera) ToggleFlash(ctx context.Context) (string, error) {
	mode, err := c.session.CycleFlash(ctx)
	if err != nil {
		return "", err
	}
	c.bus.Publish(FlashChanged{Mode: mode})
	return mode, nil
}

// LoadStream opens the preview for the current mode and waits until the
// hardware reports it started.
func (c *Camera) LoadStream(ctx context.Context) (Stream, error) {
	h, ok := c.session.Handle()
	if !ok {
		return nil, ErrNotReady
	}
	neg := c.session.Snapshot()

	started := make(chan struct{}, 1)
	cancel := Listen(c.bus, func(ev PreviewStateChanged) {
		if ev.State != PreviewStarted {
			return
		}
		select {
		case started <- struct{}{}:
		default:
		}
	})
	defer cancel()

	c.closeStream()

	var (
		stream Stream
		err    error
	)
	if neg.Mode == ModeVideo {
		stream, err = h.VideoPreviewStream(ctx, neg.VideoProfile)
	} else {
		stream, err = h.PreviewStream(ctx, neg.PreviewSize)
	}
	if err != nil {
		return nil, fmt.Errorf("open preview stream: %w", err)
	}

	select {
	case <-started:
	case <-ctx.Done():
		_ = stream.Close()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.bus.Publish(StreamLoaded{})
	return stream, nil
}

// Stream returns the preview stream opened by the last LoadStream, if any.
// ToggleMode replaces it.
func (c *Camera) Stream() (Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, c.stream != nil
}

// ResumePreview restarts a preview paused by a capture.
func (c *Camera) ResumePreview(ctx context.Context) error {
	h, ok := c.session.Handle()
	if !ok {
		return ErrNotReady
	}
	if err := h.ResumePreview(ctx); err != nil {
		return fmt.Errorf("resume preview: %w", err)
	}
	c.bus.Publish(PreviewResumed{})
	return nil
}

// DeleteTempVideo removes the last finished temporary recording.
func (c *Camera) DeleteTempVideo(ctx context.Context) error {
	return c.recorder.DeleteTemp(ctx)
}

// SetTarget changes the selection target. Sizes are renegotiated on the next Load.
func (c *Camera) SetTarget(target SelectionTarget) {
	c.session.SetTarget(target)
	c.recorder.SetTargetFileSize(target.TargetFileSize)
}

// Mode returns the current capture mode.
func (c *Camera) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Number returns the current camera number.
func (c *Camera) Number() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.number
}

// Status returns a snapshot of all state machines.
func (c *Camera) Status() Status {
	neg := c.session.Snapshot()
	flash, _ := neg.Flash.CurrentMode()

	c.mu.Lock()
	number, mode, streaming := c.number, c.mode, c.stream != nil
	c.mu.Unlock()

	return Status{
		Number:     number,
		Mode:       mode,
		Session:    c.session.State(),
		Capture:    c.capture.State(),
		Focus:      c.capture.Focus(),
		Recording:  c.recorder.State(),
		Elapsed:    c.recorder.Elapsed(),
		Stoppable:  c.recorder.Stoppable(),
		Flash:      flash,
		Negotiated: neg,
		Streaming:  streaming,
	}
}

// Close stops recording, cancels timers and pending work, and frees the hardware.
func (c *Camera) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.recorder.Stop(ctx); err != nil {
		c.logger.Warn("stop recording on close", "error", err)
	}
	c.closeStream()
	c.capture.Close()
	c.recorder.Close()
	return c.session.Close(ctx)
}

// recorderIdle drops a stopped recording still waiting for its file and
// reports whether the recorder is Idle.
func (c *Camera) recorderIdle() bool {
	c.recorder.DropPending()
	return c.recorder.State() == RecordingIdle
}

func (c *Camera) closeStream() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Debug("close preview stream", "error", err)
	}
}
