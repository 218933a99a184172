package camera

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CaptureState is the still capture state.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureFocusing
	CaptureFocused
	CaptureFocusFailed
	CaptureCapturing
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureFocusing:
		return "focusing"
	case CaptureFocused:
		return "focused"
	case CaptureFocusFailed:
		return "focus-failed"
	case CaptureCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// FocusState is the focus indicator shown to the user.
type FocusState string

const (
	FocusNone     FocusState = "none"
	FocusFocusing FocusState = "focusing"
	FocusFocused  FocusState = "focused"
	FocusFailed   FocusState = "fail"
)

// CaptureOptions are per-picture inputs.
type CaptureOptions struct {
	Position *Position
}

// hardwareView is the part of HardwareSession the controllers read.
type hardwareView interface {
	Handle() (Handle, bool)
	Snapshot() Negotiated
}

// CaptureController drives one still capture at a time:
// autofocus, then shutter, then preview resume.
type CaptureController struct {
	hw              hardwareView
	orientation     Orientation
	bus             *Bus
	logger          *slog.Logger
	focusResetDelay time.Duration
	now             func() time.Time

	mu         sync.Mutex
	state      CaptureState
	focus      FocusState
	resetTimer *time.Timer
	closed     bool
}

// NewCaptureController creates an idle controller.
func NewCaptureController(hw hardwareView, orientation Orientation, bus *Bus, focusResetDelay time.Duration, logger *slog.Logger) *CaptureController {
	if logger == nil {
		logger = slog.Default()
	}
	if orientation == nil {
		orientation = zeroOrientation{}
	}
	if focusResetDelay <= 0 {
		focusResetDelay = DefaultFocusResetDelay
	}
	return &CaptureController{
		hw:              hw,
		orientation:     orientation,
		bus:             bus,
		logger:          logger.With("component", "capture"),
		focusResetDelay: focusResetDelay,
		now:             time.Now,
		state:           CaptureIdle,
		focus:           FocusNone,
	}
}

// State returns the capture state.
func (c *CaptureController) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Focus returns the focus indicator state.
func (c *CaptureController) Focus() FocusState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

// TakePicture focuses when supported and captures a still. A failed focus
// does not block the capture. On capture failure the preview stays paused.
func (c *CaptureController) TakePicture(ctx context.Context, opts CaptureOptions) (Blob, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Blob{}, ErrClosed
	}
	if c.state != CaptureIdle {
		c.mu.Unlock()
		return Blob{}, ErrBusy
	}
	h, ok := c.hw.Handle()
	if !ok {
		c.mu.Unlock()
		return Blob{}, ErrNotReady
	}
	neg := c.hw.Snapshot()
	if neg.Mode != ModePhoto {
		c.mu.Unlock()
		return Blob{}, fmt.Errorf("%w: take picture in %s mode", ErrWrongMode, neg.Mode)
	}
	autoFocus := slices.Contains(neg.FocusModes, "auto")
	c.state = CaptureCapturing
	if autoFocus {
		c.state = CaptureFocusing
	}
	c.mu.Unlock()

	sessionID := uuid.NewString()
	logger := c.logger.With("session", sessionID)

	if autoFocus {
		c.bus.Publish(PreparingToTakePicture{})
		c.focusAndWait(ctx, h, logger)
	}

	c.setState(CaptureCapturing)
	cfg := PictureConfig{
		Rotation:    c.orientation.CurrentRotationDegrees(),
		DateTime:    c.now(),
		FileFormat:  "jpeg",
		Position:    opts.Position,
		PictureSize: neg.PictureSize,
	}

	blob, err := h.TakePicture(ctx, cfg)
	if err != nil {
		c.setState(CaptureIdle)
		err = fmt.Errorf("%w: %w", ErrCaptureFailure, err)
		logger.Error("take picture failed", "error", err)
		c.bus.Publish(Failure{Op: "take-picture", ID: ErrorID(err), Err: err})
		return Blob{}, err
	}

	if err := h.ResumePreview(ctx); err != nil {
		logger.Warn("resume preview failed", "error", err)
	} else {
		c.bus.Publish(PreviewResumed{})
	}

	c.setFocus(FocusNone)
	c.setState(CaptureIdle)

	logger.Info("picture taken", "bytes", blob.Size(), "size", neg.PictureSize.String())
	c.bus.Publish(NewImage{Blob: blob, SessionID: sessionID})
	return blob, nil
}

func (c *CaptureController) focusAndWait(ctx context.Context, h Handle, logger *slog.Logger) {
	c.setFocus(FocusFocusing)

	focused, err := h.AutoFocus(ctx)
	if err != nil || !focused {
		logger.Debug("autofocus failed, capturing anyway", "error", err)
		c.setState(CaptureFocusFailed)
		c.setFocus(FocusFailed)
		c.scheduleFocusReset()
		return
	}

	c.setState(CaptureFocused)
	c.setFocus(FocusFocused)
}

// scheduleFocusReset clears a failed focus indicator after focusResetDelay.
func (c *CaptureController) scheduleFocusReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(c.focusResetDelay, func() {
		c.mu.Lock()
		if c.closed || c.focus != FocusFailed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.setFocus(FocusNone)
	})
}

func (c *CaptureController) setState(s CaptureState) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	if from != s {
		c.logger.Debug("capture state", "from", from.String(), "to", s.String())
	}
}

func (c *CaptureController) setFocus(f FocusState) {
	c.mu.Lock()
	changed := c.focus != f
	c.focus = f
	c.mu.Unlock()
	if changed {
		c.bus.Publish(FocusChanged{State: f})
	}
}

// Close cancels the pending focus reset.
func (c *CaptureController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}
