package v4l2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

const (
	controlTimeout = 2 * time.Second
	stopTimeout    = 3 * time.Second
	restartDelay   = 500 * time.Millisecond
	sizePollEvery  = 250 * time.Millisecond
	// limitMargin is how close to the size cap a recording counts as full.
	limitMargin = 64 << 10
)

var errReleased = errors.New("v4l2: handle released")

type handle struct {
	dev    *Device
	number int
	info   Info
	caps   camera.Capabilities
	ctrls  map[string]Control
	logger *slog.Logger

	mu            sync.Mutex
	pictureSize   camera.Size
	thumbnailSize camera.Size
	focusMode     string
	flashMode     string
	fb            *camera.FrameBuffer
	previewSize   camera.Size
	preview       *previewSession
	paused        bool
	rec           *recording
	notifications chan camera.Notification
	released      bool
}

func newHandle(d *Device, number int, info Info, caps camera.Capabilities, ctrls map[string]Control) *handle {
	return &handle{
		dev:           d,
		number:        number,
		info:          info,
		caps:          caps,
		ctrls:         ctrls,
		logger:        d.logger.With("camera", number, "device", info.Path),
		notifications: make(chan camera.Notification, 16),
	}
}

func (h *handle) Capabilities() camera.Capabilities {
	return h.caps
}

// ===== settings =====

func (h *handle) SetPictureSize(size camera.Size) error {
	if !slices.Contains(h.caps.PictureSizes, size) {
		return fmt.Errorf("v4l2: unsupported picture size %s", size)
	}
	return h.set(func() { h.pictureSize = size })
}

// SetThumbnailSize records the size; thumbnails are scaled in software.
func (h *handle) SetThumbnailSize(size camera.Size) error {
	if !slices.Contains(h.caps.ThumbnailSizes, size) {
		return fmt.Errorf("v4l2: unsupported thumbnail size %s", size)
	}
	return h.set(func() { h.thumbnailSize = size })
}

func (h *handle) SetFocusMode(mode string) error {
	if !slices.Contains(h.caps.FocusModes, mode) {
		return fmt.Errorf("v4l2: unsupported focus mode %q", mode)
	}
	assignments, err := focusControls(mode, h.ctrls)
	if err != nil {
		return err
	}
	if err := h.setControls(assignments...); err != nil {
		return err
	}
	return h.set(func() { h.focusMode = mode })
}

func (h *handle) SetFlashMode(mode string) error {
	if !slices.Contains(h.caps.FlashModes, mode) {
		return fmt.Errorf("v4l2: unsupported flash mode %q", mode)
	}
	if err := h.setControls(ctrlFlashLEDMode + "=" + strconv.Itoa(flashLEDModes[mode])); err != nil {
		return err
	}
	return h.set(func() { h.flashMode = mode })
}

func (h *handle) setControls(assignments ...string) error {
	if len(assignments) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_, err := h.dev.opts.Runner.Run(ctx, nil, h.dev.opts.V4L2Ctl,
		"--device="+h.info.Path, "-c", strings.Join(assignments, ","))
	if err != nil {
		return fmt.Errorf("v4l2: set %v: %w", assignments, err)
	}
	return nil
}

func (h *handle) set(apply func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errReleased
	}
	apply()
	return nil
}

// ===== preview =====

func (h *handle) PreviewStream(ctx context.Context, size camera.Size) (camera.Stream, error) {
	if size.IsZero() {
		size = h.caps.PreviewSizes[0]
	}
	return h.openPreview(size)
}

func (h *handle) VideoPreviewStream(ctx context.Context, profile camera.VideoProfile) (camera.Stream, error) {
	return h.openPreview(profile.Size())
}

func (h *handle) openPreview(size camera.Size) (camera.Stream, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, errReleased
	}
	if h.rec != nil {
		h.mu.Unlock()
		return nil, errors.New("v4l2: preview change while recording")
	}
	old, oldFB := h.preview, h.fb
	h.preview, h.fb = nil, nil
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	if oldFB != nil {
		_ = oldFB.Close()
	}

	var fb *camera.FrameBuffer
	fb = camera.NewFrameBuffer(func() error {
		h.closePreview(fb)
		return nil
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errReleased
	}
	h.fb = fb
	h.previewSize = size
	h.paused = false
	h.preview = h.startPreviewLocked()
	return fb, nil
}

// closePreview stops the preview feeding fb, if fb is still current.
func (h *handle) closePreview(fb *camera.FrameBuffer) {
	h.mu.Lock()
	if h.fb != fb {
		h.mu.Unlock()
		return
	}
	s := h.preview
	h.fb, h.preview = nil, nil
	h.mu.Unlock()

	if s != nil {
		s.close()
	}
}

func (h *handle) startPreviewLocked() *previewSession {
	attempts := previewAttempts(h.info.Path, h.dev.opts.InputFormat, h.previewSize, h.dev.opts.FPS)
	s := newPreviewSession()
	go h.supervise(s, attempts, h.fb, h.previewSize)
	return s
}

func (h *handle) ResumePreview(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errReleased
	}
	if !h.paused {
		return nil
	}
	h.paused = false
	if h.fb != nil && h.rec == nil {
		h.preview = h.startPreviewLocked()
	}
	return nil
}

// pausePreview stops the preview process so the device node is free.
func (h *handle) pausePreview() {
	h.mu.Lock()
	s := h.preview
	h.preview = nil
	h.paused = true
	h.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// ===== still capture =====

func (h *handle) AutoFocus(ctx context.Context) (bool, error) {
	h.mu.Lock()
	mode := h.focusMode
	h.mu.Unlock()
	if mode != "auto" {
		return true, nil
	}

	// Continuous autofocus needs a moment to settle; there is no lock signal.
	t := time.NewTimer(h.dev.opts.FocusDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return true, nil
	}
}

func (h *handle) TakePicture(ctx context.Context, cfg camera.PictureConfig) (camera.Blob, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return camera.Blob{}, errReleased
	}
	size := cfg.PictureSize
	if size.IsZero() {
		size = h.pictureSize
	}
	h.mu.Unlock()
	if size.IsZero() {
		return camera.Blob{}, errors.New("v4l2: picture size not configured")
	}

	h.pausePreview()
	h.notify(camera.Notification{Kind: camera.NotifyShutter})
	h.notify(camera.Notification{Kind: camera.NotifyPreviewState, State: camera.PreviewStopped})

	out, err := h.dev.opts.Runner.Run(ctx, nil, h.dev.opts.FFmpeg, stillArgs(h.info.Path, h.dev.opts.InputFormat, size)...)
	if err != nil {
		return camera.Blob{}, fmt.Errorf("v4l2: still capture: %w", err)
	}
	frame, err := media.NewFrameReader(bytes.NewReader(out), 0).Next()
	if err != nil {
		return camera.Blob{}, fmt.Errorf("v4l2: still capture: %w", err)
	}
	if frame, err = media.WithComment(frame, media.PictureComment(cfg)); err != nil {
		return camera.Blob{}, err
	}

	h.logger.Info("picture taken", "size", size, "bytes", len(frame))
	return camera.Blob{MIMEType: media.MIMEJPEG, Data: frame}, nil
}

// ===== recording =====

type recording struct {
	run     *procRun
	staging string
	final   string
	limit   int64
	stopped atomic.Bool
	done    chan struct{}
}

func (h *handle) StartRecording(ctx context.Context, cfg camera.RecordingConfig, target camera.StorageTarget, filename string) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return errReleased
	}
	if h.rec != nil {
		h.mu.Unlock()
		return errors.New("v4l2: already recording")
	}
	h.mu.Unlock()

	// The device node can only be opened once: the recorder takes over preview.
	h.pausePreview()

	staging := target.StagingPathFor(filename)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("v4l2: create staging dir: %w", err)
	}

	h.mu.Lock()
	fb := h.fb
	h.mu.Unlock()

	args := recordArgs(h.info.Path, h.dev.opts.InputFormat, cfg, h.dev.opts.FPS, staging)
	run, err := h.startRun(args, fb, cfg.Profile.Size(), nil)
	if err != nil {
		return fmt.Errorf("v4l2: start recorder: %w", err)
	}

	rec := &recording{
		run:     run,
		staging: staging,
		final:   target.PathFor(filename),
		limit:   cfg.MaxFileSizeBytes,
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.rec = rec
	h.paused = false
	h.mu.Unlock()

	go h.watchRecording(rec)

	h.logger.Info("recording started", "file", filename, "profile", cfg.Profile.Name, "max_bytes", cfg.MaxFileSizeBytes)
	return nil
}

// watchRecording reports the size limit and unexpected recorder exits.
func (h *handle) watchRecording(rec *recording) {
	defer close(rec.done)

	tick := time.NewTicker(sizePollEvery)
	defer tick.Stop()
	limitSent := false

	for {
		select {
		case <-rec.run.done:
			if rec.stopped.Load() {
				return
			}
			h.logger.Error("recorder exited", "error", rec.run.err)
			h.notify(camera.Notification{Kind: camera.NotifyRecorderState, Reason: camera.RecorderFailed})
			return
		case <-tick.C:
			if limitSent || rec.limit <= 0 {
				continue
			}
			info, err := os.Stat(rec.staging)
			if err == nil && info.Size()+limitMargin >= rec.limit {
				limitSent = true
				h.logger.Info("recording reached size limit", "bytes", info.Size())
				h.notify(camera.Notification{Kind: camera.NotifyRecorderState, Reason: camera.RecorderFileSizeLimitReached})
			}
		}
	}
}

func (h *handle) StopRecording(ctx context.Context) error {
	h.mu.Lock()
	rec := h.rec
	h.rec = nil
	h.mu.Unlock()
	if rec == nil {
		return errors.New("v4l2: not recording")
	}

	rec.stopped.Store(true)
	h.stopRun(rec.run)
	<-rec.done

	// The preview paused for the recorder comes back whether or not the file moves.
	moveErr := os.Rename(rec.staging, rec.final)

	h.mu.Lock()
	if h.fb != nil && !h.released {
		h.preview = h.startPreviewLocked()
	}
	h.mu.Unlock()

	if moveErr != nil {
		return fmt.Errorf("v4l2: move recording into storage: %w", moveErr)
	}
	h.logger.Info("recording stopped", "file", rec.final)
	return nil
}

// ===== lifecycle =====

func (h *handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	s, rec, fb := h.preview, h.rec, h.fb
	h.preview, h.rec, h.fb = nil, nil, nil
	h.mu.Unlock()

	if s != nil {
		s.close()
	}
	if rec != nil {
		rec.stopped.Store(true)
		h.stopRun(rec.run)
		<-rec.done
		os.Remove(rec.staging)
	}
	if fb != nil {
		_ = fb.Close()
	}

	h.mu.Lock()
	close(h.notifications)
	h.mu.Unlock()

	h.dev.release(h.number)
	h.logger.Info("camera released")
	return nil
}

func (h *handle) Notifications() <-chan camera.Notification {
	return h.notifications
}

func (h *handle) notify(n camera.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	select {
	case h.notifications <- n:
	default:
		h.logger.Warn("notification dropped", "kind", n.Kind)
	}
}
