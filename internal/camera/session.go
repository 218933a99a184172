package camera

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SessionState is the lifecycle state of the hardware handle.
type SessionState int

const (
	SessionReleased SessionState = iota
	SessionAcquiring
	SessionConfiguring
	SessionReady
	SessionReleasing
)

func (s SessionState) String() string {
	switch s {
	case SessionReleased:
		return "released"
	case SessionAcquiring:
		return "acquiring"
	case SessionConfiguring:
		return "configuring"
	case SessionReady:
		return "ready"
	case SessionReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// SessionOptions configures a HardwareSession.
type SessionOptions struct {
	Target           SelectionTarget
	Screen           Screen
	ConfigureTimeout time.Duration
	Logger           *slog.Logger
}

// preferredSizes is the cached settings lookup. cached is false until the
// store answered once, with or without a value.
type preferredSizes struct {
	names  []string
	cached bool
}

// HardwareSession owns the acquired camera handle and the configuration
// negotiated for it. Load, Release, SwitchMode and CycleFlash are serialized.
type HardwareSession struct {
	device      Device
	settings    SettingsStore
	orientation Orientation
	bus         *Bus
	flash       *FlashNegotiator
	logger      *slog.Logger

	opMu sync.Mutex

	mu               sync.Mutex
	state            SessionState
	handle           Handle
	negotiated       Negotiated
	target           SelectionTarget
	screen           Screen
	configureTimeout time.Duration
	preferred        preferredSizes
	pumpStop         chan struct{}
	pumpDone         chan struct{}
	closed           bool
}

// NewHardwareSession creates a released session. settings and orientation may be nil.
func NewHardwareSession(device Device, settings SettingsStore, orientation Orientation, bus *Bus, opts SessionOptions) *HardwareSession {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if orientation == nil {
		orientation = zeroOrientation{}
	}
	if bus == nil {
		bus = NewBus()
	}
	timeout := opts.ConfigureTimeout
	if timeout == 0 {
		timeout = DefaultConfigureTimeout
	}

	return &HardwareSession{
		device:           device,
		settings:         settings,
		orientation:      orientation,
		bus:              bus,
		flash:            NewFlashNegotiator(logger),
		logger:           logger.With("component", "hardware"),
		target:           opts.Target,
		screen:           opts.Screen,
		configureTimeout: timeout,
	}
}

// State returns the current lifecycle state.
func (s *HardwareSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the negotiated configuration. It is the zero
// value unless the session is Ready.
func (s *HardwareSession) Snapshot() Negotiated {
	s.mu.Lock()
	n := s.negotiated
	s.mu.Unlock()
	if n.Mode != "" {
		n.Flash = s.flash.State()
	}
	return n
}

// Handle returns the acquired handle while the session is Ready.
func (s *HardwareSession) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionReady || s.handle == nil {
		return nil, false
	}
	return s.handle, true
}

// SetTarget replaces the selection target used by the next configuration pass.
func (s *HardwareSession) SetTarget(target SelectionTarget) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// Load acquires camera number and configures it for mode. A held handle is
// released first. Configured is published once the configuration completed.
func (s *HardwareSession) Load(ctx context.Context, number int, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrWrongMode, mode)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	s.releaseLocked(ctx)

	s.setState(SessionAcquiring)
	h, err := s.device.Acquire(ctx, number)
	if err != nil {
		s.setState(SessionReleased)
		return fmt.Errorf("%w: camera %d: %w", ErrHardwareAcquisition, number, err)
	}
	s.logger.Info("camera acquired", "number", number)

	s.setState(SessionConfiguring)
	neg, err := s.configure(ctx, h, number, mode)
	if err != nil {
		s.logger.Warn("configuration failed, releasing camera", "number", number, "error", err)
		if relErr := h.Release(ctx); relErr != nil {
			s.logger.Warn("release after failed configuration", "error", relErr)
		}
		s.flash.Reset()
		s.setState(SessionReleased)
		return fmt.Errorf("%w: %w", ErrConfigurationIncomplete, err)
	}

	s.mu.Lock()
	s.handle = h
	s.negotiated = neg
	s.mu.Unlock()
	s.startPump(h)

	s.setState(SessionReady)
	s.logger.Info("camera configured",
		"number", number,
		"mode", mode,
		"picture_size", neg.PictureSize.String(),
		"preview_size", neg.PreviewSize.String(),
		"video_profile", neg.VideoProfile.Name)
	s.bus.Publish(Configured{Negotiated: s.Snapshot()})
	return nil
}

// configure runs the four independent configuration steps and joins them,
// then derives the preview size. Nothing is published from here.
func (s *HardwareSession) configure(ctx context.Context, h Handle, number int, mode Mode) (Negotiated, error) {
	s.mu.Lock()
	target := s.target
	screen := s.screen
	timeout := s.configureTimeout
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	caps := h.Capabilities()

	var (
		pictureSize   Size
		thumbnailSize Size
		hasThumbnail  bool
		focusModes    []string
		profile       VideoProfile
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(caps.PictureSizes) == 0 {
			return fmt.Errorf("picture sizes: %w", ErrEmptyCandidates)
		}
		pictureSize = PickPictureSize(caps.PictureSizes, target)
		if err := gctx.Err(); err != nil {
			return err
		}
		if err := h.SetPictureSize(pictureSize); err != nil {
			return fmt.Errorf("set picture size %s: %w", pictureSize, err)
		}
		thumbnailSize, hasThumbnail = PickThumbnailSize(caps.ThumbnailSizes, pictureSize, screen, s.logger)
		if hasThumbnail {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := h.SetThumbnailSize(thumbnailSize); err != nil {
				return fmt.Errorf("set thumbnail size %s: %w", thumbnailSize, err)
			}
		}
		return nil
	})

	g.Go(func() error {
		focusModes = append([]string(nil), caps.FocusModes...)
		if len(focusModes) == 0 {
			return nil
		}
		focus := focusModes[0]
		if slices.Contains(focusModes, "auto") {
			focus = "auto"
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		if err := h.SetFocusMode(focus); err != nil {
			return fmt.Errorf("set focus mode %q: %w", focus, err)
		}
		return nil
	})

	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		return s.flash.Configure(h, caps.FlashModes, mode)
	})

	g.Go(func() error {
		preferred := s.preferredVideoSizes(gctx)
		p, err := PickVideoProfile(caps.RecorderProfiles, preferred, target)
		if err != nil {
			return fmt.Errorf("video profile: %w", err)
		}
		p.Rotation = s.orientation.CurrentRotationDegrees()
		profile = p
		return nil
	})

	// Setters take no context: a step already inside the hardware is waited
	// for, the others stop at the deadline before touching the handle.
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Negotiated{}, fmt.Errorf("configuration did not complete: %w", ctxErr)
	}
	if err != nil {
		return Negotiated{}, err
	}

	return Negotiated{
		Number:          number,
		Mode:            mode,
		Capabilities:    caps,
		PictureSize:     pictureSize,
		MaxPictureBytes: maxPictureBytes(pictureSize),
		ThumbnailSize:   thumbnailSize,
		HasThumbnail:    hasThumbnail,
		PreviewSize:     previewSizeFor(mode, caps, profile, screen),
		VideoProfile:    profile,
		FocusModes:      focusModes,
	}, nil
}

// previewSizeFor derives the preview size from the mode: the screen-fitted
// hardware preview size for photos, the recorder dimensions for video.
func previewSizeFor(mode Mode, caps Capabilities, profile VideoProfile, screen Screen) Size {
	if mode == ModeVideo {
		return profile.Size()
	}
	w, h := screen.Pixels()
	viewport := Size{Width: int(h), Height: int(w)}
	if size, ok := SelectOptimalPreviewSize(viewport, caps.PreviewSizes); ok {
		return size
	}
	return Size{}
}

// preferredVideoSizes returns the cached preferred profile names, looking them
// up once. Lookup errors are not cached.
func (s *HardwareSession) preferredVideoSizes(ctx context.Context) []string {
	s.mu.Lock()
	if s.preferred.cached {
		names := s.preferred.names
		s.mu.Unlock()
		return names
	}
	s.mu.Unlock()

	if s.settings == nil {
		return nil
	}

	names, ok, err := s.settings.Get(ctx, PreferredVideoSizesKey)
	if err != nil {
		s.logger.Warn("preferred video sizes lookup failed", "key", PreferredVideoSizesKey, "error", err)
		return nil
	}
	if !ok {
		names = nil
	}

	s.mu.Lock()
	s.preferred = preferredSizes{names: names, cached: true}
	s.mu.Unlock()
	return names
}

// SwitchMode changes the capture mode. While Ready only flash and preview
// size are recomputed; the hardware stays acquired.
func (s *HardwareSession) SwitchMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrWrongMode, mode)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != SessionReady {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	neg := s.negotiated
	screen := s.screen
	s.mu.Unlock()

	if err := s.flash.Configure(h, neg.Capabilities.FlashModes, mode); err != nil {
		return err
	}

	neg.Mode = mode
	neg.PreviewSize = previewSizeFor(mode, neg.Capabilities, neg.VideoProfile, screen)

	s.mu.Lock()
	s.negotiated = neg
	s.mu.Unlock()

	s.logger.Debug("mode switched", "mode", mode, "preview_size", neg.PreviewSize.String())
	return nil
}

// CycleFlash selects the next available flash mode.
func (s *HardwareSession) CycleFlash(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != SessionReady {
		return "", ErrNotReady
	}
	return s.flash.Cycle()
}

// Release frees the hardware. Release failures are logged, never returned.
func (s *HardwareSession) Release(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.releaseLocked(ctx)
	return nil
}

// Close releases the hardware and refuses further loads.
func (s *HardwareSession) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.releaseLocked(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *HardwareSession) releaseLocked(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}

	s.setState(SessionReleasing)
	s.stopPump()

	if err := h.Release(ctx); err != nil {
		s.logger.Warn("camera release failed, continuing", "error", err)
	}

	s.mu.Lock()
	s.handle = nil
	s.negotiated = Negotiated{}
	s.mu.Unlock()
	s.flash.Reset()

	s.setState(SessionReleased)
	s.logger.Info("camera released")
}

func (s *HardwareSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *HardwareSession) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.bus.Publish(SessionStateChanged{From: from, To: to})
	}
}

// =============================================================================
// NOTIFICATION PUMP
// =============================================================================

func (s *HardwareSession) startPump(h Handle) {
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.pumpStop = stop
	s.pumpDone = done
	s.mu.Unlock()

	notifications := h.Notifications()
	go func() {
		defer close(done)
		if notifications == nil {
			<-stop
			return
		}
		for {
			select {
			case <-stop:
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				s.dispatch(n)
			}
		}
	}()
}

func (s *HardwareSession) stopPump() {
	s.mu.Lock()
	stop, done := s.pumpStop, s.pumpDone
	s.pumpStop, s.pumpDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *HardwareSession) dispatch(n Notification) {
	switch n.Kind {
	case NotifyShutter:
		s.bus.Publish(Shutter{})
	case NotifyRecorderState:
		s.logger.Debug("recorder state changed", "reason", n.Reason)
		if n.Reason == RecorderFileSizeLimitReached {
			s.bus.Publish(FileSizeLimitReached{})
		}
	case NotifyPreviewState:
		s.bus.Publish(PreviewStateChanged{State: n.State})
	default:
		s.logger.Debug("ignoring notification", "kind", n.Kind.String())
	}
}
