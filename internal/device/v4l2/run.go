package v4l2

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

// =============================================================================
// Process runs
// =============================================================================
// A procRun is one ffmpeg process whose stdout is an MJPEG stream. Frames are
// copied into the preview FrameBuffer, skipping frames that arrive faster
// than the device frame rate. done closes after stdout ends and the process
// has been reaped, so no zombie is left behind.
// =============================================================================

type procRun struct {
	proc   Process
	done   chan struct{}
	err    error
	frames atomic.Uint64
}

// startRun starts ffmpeg with args and feeds its frames into fb (which may be
// nil). onFirst runs after the first frame is delivered.
func (h *handle) startRun(args []string, fb *camera.FrameBuffer, size camera.Size, onFirst func()) (*procRun, error) {
	proc, err := h.dev.opts.Starter.Start(h.dev.opts.FFmpeg, args...)
	if err != nil {
		return nil, err
	}
	r := &procRun{proc: proc, done: make(chan struct{})}
	go h.feed(r, fb, size, onFirst)
	return r, nil
}

func (h *handle) feed(r *procRun, fb *camera.FrameBuffer, size camera.Size, onFirst func()) {
	defer close(r.done)

	reader := media.NewFrameReader(r.proc.Stdout(), 0)
	var last time.Time
	for {
		data, err := reader.Next()
		if err != nil {
			if errors.Is(err, media.ErrFrameTooLarge) {
				h.logger.Warn("oversized frame skipped")
				continue
			}
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("frame stream ended", "error", err)
			}
			break
		}

		// Cameras may ignore the requested rate.
		now := time.Now()
		if fps := h.dev.FrameRate(); fps > 0 && now.Sub(last) < time.Second/time.Duration(fps) {
			continue
		}
		last = now

		if fb != nil {
			fb.Write(data, size.Width, size.Height)
		}
		if r.frames.Add(1) == 1 && onFirst != nil {
			onFirst()
		}
	}

	// Drain so a blocked writer can exit, then reap.
	_, _ = io.Copy(io.Discard, r.proc.Stdout())
	r.err = r.proc.Wait()
}

// stopRun asks ffmpeg to finish and kills it if it does not in time.
func (h *handle) stopRun(r *procRun) {
	if err := r.proc.Interrupt(); err != nil {
		h.logger.Debug("interrupt failed", "error", err)
	}
	t := time.NewTimer(stopTimeout)
	defer t.Stop()
	select {
	case <-r.done:
		return
	case <-t.C:
	}
	h.logger.Warn("ffmpeg did not stop, killing")
	_ = r.proc.Kill()
	<-r.done
}

// =============================================================================
// Preview sessions
// =============================================================================
// A preview session keeps a preview process running until closed. It walks
// the format fallbacks until one delivers frames and restarts the process if
// the stream drops, for example when a USB camera is unplugged and plugged
// back in.
// =============================================================================

type previewSession struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPreviewSession() *previewSession {
	return &previewSession{stop: make(chan struct{}), done: make(chan struct{})}
}

// close stops the session and waits for its process to be reaped.
func (s *previewSession) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (h *handle) supervise(s *previewSession, attempts [][]string, fb *camera.FrameBuffer, size camera.Size) {
	defer close(s.done)

	started := func() {
		h.notify(camera.Notification{Kind: camera.NotifyPreviewState, State: camera.PreviewStarted})
	}

	for i := 0; ; i++ {
		args := attempts[i%len(attempts)]
		r, err := h.startRun(args, fb, size, started)
		if err != nil {
			h.logger.Warn("preview start failed", "error", err)
		} else {
			select {
			case <-s.stop:
				h.stopRun(r)
				return
			case <-r.done:
			}
			if r.frames.Load() > 0 {
				// It worked with these args; retry them first.
				i--
			}
			h.logger.Warn("preview stream ended", "frames", r.frames.Load(), "error", r.err)
		}

		t := time.NewTimer(restartDelay)
		select {
		case <-s.stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}
