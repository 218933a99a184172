package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

var errReleased = errors.New("sim: handle released")

type handle struct {
	dev    *Device
	number int
	caps   camera.Capabilities
	logger *slog.Logger

	frame atomic.Int64

	mu            sync.Mutex
	pictureSize   camera.Size
	thumbnailSize camera.Size
	focusMode     string
	flashMode     string
	preview       *producer
	paused        bool
	rec           *clipWriter
	notifications chan camera.Notification
	released      bool
}

func newHandle(d *Device, number int) *handle {
	return &handle{
		dev:           d,
		number:        number,
		caps:          d.opts.Capabilities(number),
		logger:        d.logger.With("camera", number),
		notifications: make(chan camera.Notification, 16),
	}
}

func (h *handle) Capabilities() camera.Capabilities {
	return h.caps
}

// ===== settings =====

func (h *handle) SetPictureSize(size camera.Size) error {
	if !slices.Contains(h.caps.PictureSizes, size) {
		return fmt.Errorf("sim: unsupported picture size %s", size)
	}
	return h.set(func() { h.pictureSize = size })
}

func (h *handle) SetThumbnailSize(size camera.Size) error {
	if !slices.Contains(h.caps.ThumbnailSizes, size) {
		return fmt.Errorf("sim: unsupported thumbnail size %s", size)
	}
	return h.set(func() { h.thumbnailSize = size })
}

func (h *handle) SetFocusMode(mode string) error {
	if !slices.Contains(h.caps.FocusModes, mode) {
		return fmt.Errorf("sim: unsupported focus mode %q", mode)
	}
	return h.set(func() { h.focusMode = mode })
}

func (h *handle) SetFlashMode(mode string) error {
	if !slices.Contains(h.caps.FlashModes, mode) {
		return fmt.Errorf("sim: unsupported flash mode %q", mode)
	}
	return h.set(func() { h.flashMode = mode })
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
		if len(h.caps.PreviewSizes) == 0 {
			return nil, errors.New("sim: no preview size")
		}
		size = h.caps.PreviewSizes[0]
	}
	return h.startPreview(size)
}

func (h *handle) VideoPreviewStream(ctx context.Context, profile camera.VideoProfile) (camera.Stream, error) {
	return h.startPreview(profile.Size())
}

func (h *handle) startPreview(size camera.Size) (camera.Stream, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, errReleased
	}
	old := h.preview
	h.preview = nil
	h.paused = false
	h.mu.Unlock()

	if old != nil {
		old.stop()
	}

	p := newProducer(h, size)
	h.mu.Lock()
	h.preview = p
	h.mu.Unlock()

	go p.run()
	return p.fb, nil
}

func (h *handle) previewPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *handle) ResumePreview(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return errReleased
	}
	wasPaused := h.paused
	h.paused = false
	h.mu.Unlock()

	if wasPaused {
		h.notify(camera.Notification{Kind: camera.NotifyPreviewState, State: camera.PreviewStarted})
	}
	return nil
}

// ===== still capture =====

func (h *handle) AutoFocus(ctx context.Context) (bool, error) {
	t := time.NewTimer(h.dev.opts.FocusDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
	}
	return !h.dev.opts.FocusFails, nil
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
	h.paused = true
	h.mu.Unlock()

	if size.IsZero() {
		return camera.Blob{}, errors.New("sim: picture size not configured")
	}

	h.notify(camera.Notification{Kind: camera.NotifyShutter})
	h.notify(camera.Notification{Kind: camera.NotifyPreviewState, State: camera.PreviewStopped})

	data, err := encodeScene(h.number, int(h.frame.Add(1)), size)
	if err != nil {
		return camera.Blob{}, fmt.Errorf("sim: encode picture: %w", err)
	}
	if data, err = media.WithComment(data, media.PictureComment(cfg)); err != nil {
		return camera.Blob{}, err
	}

	h.logger.Debug("picture taken", "size", size, "bytes", len(data), "rotation", cfg.Rotation)
	return camera.Blob{MIMEType: media.MIMEJPEG, Data: data}, nil
}

// ===== recording =====

func (h *handle) StartRecording(ctx context.Context, cfg camera.RecordingConfig, target camera.StorageTarget, filename string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errReleased
	}
	if h.rec != nil {
		return errors.New("sim: already recording")
	}

	size := cfg.Profile.Size()
	if size.IsZero() {
		return errors.New("sim: recording profile has no size")
	}

	w, err := newClipWriter(h, cfg, target, filename)
	if err != nil {
		return err
	}
	h.rec = w
	go w.run()

	h.logger.Info("recording started", "file", filename, "profile", cfg.Profile.Name, "max_bytes", cfg.MaxFileSizeBytes)
	return nil
}

func (h *handle) StopRecording(ctx context.Context) error {
	h.mu.Lock()
	w := h.rec
	h.rec = nil
	h.mu.Unlock()

	if w == nil {
		return errors.New("sim: not recording")
	}
	if err := w.finish(); err != nil {
		return err
	}
	h.logger.Info("recording stopped", "file", w.final, "bytes", w.written.Load())
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
	p, w := h.preview, h.rec
	h.preview, h.rec = nil, nil
	h.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if w != nil {
		w.abort()
	}

	h.mu.Lock()
	close(h.notifications)
	h.mu.Unlock()

	h.dev.release(h.number)
	return nil
}

func (h *handle) Notifications() <-chan camera.Notification {
	return h.notifications
}

// notify drops the notification when nobody keeps up or the handle is gone.
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

// =============================================================================
// producer renders preview frames into a FrameBuffer.
// =============================================================================

type producer struct {
	h    *handle
	size camera.Size
	fb   *camera.FrameBuffer

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newProducer(h *handle, size camera.Size) *producer {
	p := &producer{
		h:      h,
		size:   size,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.fb = camera.NewFrameBuffer(func() error {
		p.stop()
		return nil
	})
	return p
}

func (p *producer) run() {
	defer close(p.done)

	started := false
	for {
		if !p.h.previewPaused() {
			data, err := encodeScene(p.h.number, int(p.h.frame.Add(1)), p.size)
			if err != nil {
				p.h.logger.Warn("preview frame", "error", err)
			} else {
				p.fb.Write(data, p.size.Width, p.size.Height)
				if !started {
					started = true
					p.h.notify(camera.Notification{Kind: camera.NotifyPreviewState, State: camera.PreviewStarted})
				}
			}
		}

		t := time.NewTimer(p.h.dev.frameInterval())
		select {
		case <-p.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *producer) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		_ = p.fb.Close()
	})
}

// =============================================================================
// clipWriter appends MJPEG frames to the staging file until stopped or the
// size limit is reached, then moves the file to its final path.
// =============================================================================

type clipWriter struct {
	h        *handle
	cfg      camera.RecordingConfig
	file     *os.File
	staging  string
	final    string
	written  atomic.Int64
	frameNum int

	stopCh chan struct{}
	done   chan struct{}
	err    error
}

func newClipWriter(h *handle, cfg camera.RecordingConfig, target camera.StorageTarget, filename string) (*clipWriter, error) {
	staging := target.StagingPathFor(filename)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return nil, fmt.Errorf("sim: create staging dir: %w", err)
	}
	f, err := os.Create(staging)
	if err != nil {
		return nil, fmt.Errorf("sim: create %s: %w", staging, err)
	}

	w := &clipWriter{
		h:       h,
		cfg:     cfg,
		file:    f,
		staging: staging,
		final:   target.PathFor(filename),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	// The first frame goes out synchronously so a clip is never empty.
	if _, err := w.writeFrame(); err != nil {
		f.Close()
		os.Remove(staging)
		return nil, err
	}
	return w, nil
}

// writeFrame appends one frame. It reports false once the size limit stops
// the clip.
func (w *clipWriter) writeFrame() (bool, error) {
	data, err := encodeScene(w.h.number, int(w.h.frame.Add(1)), w.cfg.Profile.Size())
	if err != nil {
		return false, fmt.Errorf("sim: encode frame: %w", err)
	}
	if w.frameNum == 0 {
		if data, err = media.WithComment(data, media.RotationComment(w.cfg.Rotation)); err != nil {
			return false, err
		}
	}

	limit := w.cfg.MaxFileSizeBytes
	if limit > 0 && w.written.Load()+int64(len(data)) > limit {
		return false, nil
	}
	n, err := w.file.Write(data)
	w.written.Add(int64(n))
	if err != nil {
		return false, fmt.Errorf("sim: write frame: %w", err)
	}
	w.frameNum++
	return true, nil
}

func (w *clipWriter) run() {
	defer close(w.done)
	for {
		t := time.NewTimer(w.h.dev.frameInterval())
		select {
		case <-w.stopCh:
			t.Stop()
			return
		case <-t.C:
		}

		ok, err := w.writeFrame()
		if err != nil {
			w.err = err
			w.h.logger.Error("recording failed", "error", err)
			w.h.notify(camera.Notification{Kind: camera.NotifyRecorderState, Reason: camera.RecorderFailed})
			<-w.stopCh
			return
		}
		if !ok {
			w.h.logger.Info("recording reached size limit", "bytes", w.written.Load())
			w.h.notify(camera.Notification{Kind: camera.NotifyRecorderState, Reason: camera.RecorderFileSizeLimitReached})
			<-w.stopCh
			return
		}
	}
}

func (w *clipWriter) halt() error {
	close(w.stopCh)
	<-w.done
	return w.file.Close()
}

func (w *clipWriter) finish() error {
	if err := w.halt(); err != nil {
		return fmt.Errorf("sim: close clip: %w", err)
	}
	if w.err != nil {
		os.Remove(w.staging)
		return w.err
	}
	if err := os.Rename(w.staging, w.final); err != nil {
		return fmt.Errorf("sim: move clip into storage: %w", err)
	}
	return nil
}

func (w *clipWriter) abort() {
	_ = w.halt()
	os.Remove(w.staging)
}
