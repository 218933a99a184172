package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordingState is the video recording state.
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingStarting
	RecordingActive
	RecordingStopping
	RecordingFinalizing
	RecordingError
)

func (s RecordingState) String() string {
	switch s {
	case RecordingIdle:
		return "idle"
	case RecordingStarting:
		return "starting"
	case RecordingActive:
		return "recording"
	case RecordingStopping:
		return "stopping"
	case RecordingFinalizing:
		return "finalizing"
	case RecordingError:
		return "error"
	default:
		return "unknown"
	}
}

// RecorderOptions configures a RecordingController. Zero fields take the defaults.
type RecorderOptions struct {
	SpaceMin         int64
	SpacePadding     int64
	MinRecordingTime time.Duration
	ElapsedInterval  time.Duration
	// FinalizeTimeout bounds the wait for the finished file; 0 waits until Close.
	FinalizeTimeout time.Duration
	TempVideoExt    string
	Logger          *slog.Logger
}

func (o RecorderOptions) withDefaults() RecorderOptions {
	if o.SpaceMin <= 0 {
		o.SpaceMin = DefaultRecordSpaceMin
	}
	if o.SpacePadding < 0 {
		o.SpacePadding = 0
	} else if o.SpacePadding == 0 {
		o.SpacePadding = DefaultRecordSpacePadding
	}
	if o.MinRecordingTime <= 0 {
		o.MinRecordingTime = DefaultMinRecordingTime
	}
	if o.ElapsedInterval <= 0 {
		o.ElapsedInterval = DefaultElapsedInterval
	}
	if o.FinalizeTimeout < 0 {
		o.FinalizeTimeout = 0
	}
	if o.TempVideoExt == "" {
		o.TempVideoExt = DefaultTempVideoExt
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// recordingSession lives from a successful hardware start until finalization.
type recordingSession struct {
	id        string
	filename  string
	startedAt time.Time
	elapsed   time.Duration
	stoppable bool

	done     chan struct{}
	doneOnce sync.Once
	minTimer *time.Timer

	// Set once the hardware stopped. abandon ends the wait for the file;
	// finalized is closed when the finalizer exits.
	abandon   context.CancelFunc
	finalized chan struct{}
}

func (s *recordingSession) stopTimers() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.minTimer.Stop()
	})
}

// RecordingController drives one video recording at a time: storage
// admission, hardware start, elapsed time, stop and asynchronous finalization.
type RecordingController struct {
	hw          hardwareView
	storage     TempStorage
	metadata    MetadataExtractor
	orientation Orientation
	host        HostState
	bus         *Bus
	logger      *slog.Logger
	opts        RecorderOptions
	now         func() time.Time

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup

	opMu sync.Mutex

	mu             sync.Mutex
	state          RecordingState
	session        *recordingSession
	targetFileSize int64
	lastStamp      int64
	lastVideoPath  string
	closed         bool
}

// NewRecordingController creates an idle controller. orientation and host may be nil.
func NewRecordingController(hw hardwareView, storage TempStorage, metadata MetadataExtractor, orientation Orientation, host HostState, bus *Bus, opts RecorderOptions) *RecordingController {
	opts = opts.withDefaults()
	if orientation == nil {
		orientation = zeroOrientation{}
	}
	if host == nil {
		host = visibleHost{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RecordingController{
		hw:          hw,
		storage:     storage,
		metadata:    metadata,
		orientation: orientation,
		host:        host,
		bus:         bus,
		logger:      opts.Logger.With("component", "recording"),
		opts:        opts,
		now:         time.Now,
		lifeCtx:     ctx,
		lifeCancel:  cancel,
	}
}

// SetTargetFileSize caps future recordings; 0 removes the cap.
func (r *RecordingController) SetTargetFileSize(n int64) {
	r.mu.Lock()
	r.targetFileSize = n
	r.mu.Unlock()
}

// State returns the recording state.
func (r *RecordingController) State() RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Recording reports whether the hardware is recording.
func (r *RecordingController) Recording() bool {
	return r.State() == RecordingActive
}

// Elapsed returns the elapsed time of the active recording.
func (r *RecordingController) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return 0
	}
	return r.session.elapsed
}

// Stoppable reports whether the active recording has passed the minimum
// recording time. Stop is honoured either way.
func (r *RecordingController) Stoppable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session == nil || r.session.stoppable
}

// LastVideoPath returns the temporary file of the last finished recording.
func (r *RecordingController) LastVideoPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastVideoPath
}

// Start admits a recording against free storage and starts the hardware.
// With too little space the hardware is never called.
func (r *RecordingController) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.isClosed() {
		return ErrClosed
	}
	r.dropPendingLocked()

	r.mu.Lock()
	if r.state != RecordingIdle {
		r.mu.Unlock()
		return ErrBusy
	}
	h, ok := r.hw.Handle()
	if !ok {
		r.mu.Unlock()
		return ErrNotReady
	}
	neg := r.hw.Snapshot()
	if neg.Mode != ModeVideo {
		r.mu.Unlock()
		return fmt.Errorf("%w: record in %s mode", ErrWrongMode, neg.Mode)
	}
	target := r.targetFileSize
	r.mu.Unlock()

	r.setState(RecordingStarting)

	free, err := r.storage.FreeSpaceBytes(ctx)
	if err != nil {
		return r.failStart("free-space", fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
	}
	if free < r.opts.SpaceMin {
		return r.failStart("admission", fmt.Errorf("%w: %d bytes free, %d required",
			ErrInsufficientStorage, free, r.opts.SpaceMin))
	}

	maxBytes := free - r.opts.SpacePadding
	if target > 0 && target < maxBytes {
		maxBytes = target
	}

	rotation := r.orientation.CurrentRotationDegrees()
	profile := neg.VideoProfile
	profile.Rotation = rotation
	cfg := RecordingConfig{
		Rotation:         rotation,
		MaxFileSizeBytes: maxBytes,
		Profile:          profile,
	}
	filename := r.nextFilename()

	if err := h.StartRecording(ctx, cfg, r.storage, filename); err != nil {
		return r.failStart("start", fmt.Errorf("%w: start: %w", ErrRecordingHardware, err))
	}

	sess := &recordingSession{
		id:        uuid.NewString(),
		filename:  filename,
		startedAt: r.now(),
		done:      make(chan struct{}),
	}
	sess.minTimer = time.AfterFunc(r.opts.MinRecordingTime, func() {
		r.mu.Lock()
		sess.stoppable = true
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()
	r.setState(RecordingActive)

	r.wg.Add(1)
	go r.runElapsed(sess)

	r.logger.Info("recording started",
		"session", sess.id,
		"file", filename,
		"max_bytes", maxBytes,
		"profile", profile.Name,
		"rotation", rotation)
	r.bus.Publish(RecordingStart{SessionID: sess.id, Filename: filename})
	r.bus.Publish(RecordingChanged{Recording: true})
	r.bus.Publish(ElapsedChanged{Elapsed: 0})

	if r.host.Hidden() {
		r.logger.Info("host hidden while starting, stopping recording", "session", sess.id)
		return r.stopLocked(ctx)
	}
	return nil
}

func (r *RecordingController) failStart(op string, err error) error {
	r.setState(RecordingError)
	r.setState(RecordingIdle)
	r.logger.Warn("recording not started", "op", op, "error", err)
	r.bus.Publish(Failure{Op: "record-" + op, ID: ErrorID(err), Err: err})
	return err
}

// nextFilename returns "<unix ms>_tmp<ext>", strictly increasing per controller.
func (r *RecordingController) nextFilename() string {
	stamp := r.now().UnixMilli()
	r.mu.Lock()
	if stamp <= r.lastStamp {
		stamp = r.lastStamp + 1
	}
	r.lastStamp = stamp
	r.mu.Unlock()
	return fmt.Sprintf("%d_tmp%s", stamp, r.opts.TempVideoExt)
}

func (r *RecordingController) runElapsed(sess *recordingSession) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.ElapsedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(sess.startedAt)
			r.mu.Lock()
			sess.elapsed = elapsed
			r.mu.Unlock()
			r.bus.Publish(ElapsedChanged{Elapsed: elapsed})
		}
	}
}

// Stop stops an active recording. It is a no-op in any other state.
// The finished file is picked up asynchronously once storage reports it.
func (r *RecordingController) Stop(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.stopLocked(ctx)
}

func (r *RecordingController) stopLocked(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RecordingActive {
		r.mu.Unlock()
		return nil
	}
	sess := r.session
	r.mu.Unlock()

	r.setState(RecordingStopping)
	sess.stopTimers()

	h, ok := r.hw.Handle()
	if !ok {
		return r.abortStop(sess, nil, fmt.Errorf("%w: stop: %w", ErrRecordingHardware, ErrNotReady))
	}

	// Subscribe before stopping so the completion write cannot be missed.
	watch := newCompletionWatch(r.storage.Subscribe(), sess.filename)

	if err := h.StopRecording(ctx); err != nil {
		return r.abortStop(sess, watch, fmt.Errorf("%w: stop: %w", ErrRecordingHardware, err))
	}

	r.logger.Info("recording stopped, waiting for file", "session", sess.id, "file", sess.filename)
	r.bus.Publish(RecordingChanged{Recording: false})
	r.bus.Publish(RecordingEnd{SessionID: sess.id})

	waitCtx, abandon := context.WithCancel(r.lifeCtx)
	r.mu.Lock()
	sess.abandon = abandon
	sess.finalized = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.finalize(waitCtx, sess, watch)
	return nil
}

// DropPending gives up waiting for the file of a stopped recording so the
// recorder returns to Idle. A finalization already reading the file is
// waited for.
func (r *RecordingController) DropPending() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.dropPendingLocked()
}

func (r *RecordingController) dropPendingLocked() {
	r.mu.Lock()
	sess := r.session
	if sess == nil || sess.finalized == nil {
		r.mu.Unlock()
		return
	}
	waiting := r.state == RecordingStopping
	r.mu.Unlock()

	if waiting {
		r.logger.Info("abandoning wait for recording file", "session", sess.id, "file", sess.filename)
	}
	sess.abandon()
	<-sess.finalized
}

func (r *RecordingController) abortStop(sess *recordingSession, watch *completionWatch, err error) error {
	if watch != nil {
		watch.Close()
	}
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
	r.setState(RecordingIdle)

	r.logger.Error("recording stop failed", "session", sess.id, "error", err)
	r.bus.Publish(RecordingChanged{Recording: false})
	r.bus.Publish(Failure{Op: "record-stop", ID: ErrorID(err), Err: err})
	return err
}

// finalize waits for the finished file on waitCtx, then reads it on the
// controller's lifetime context.
func (r *RecordingController) finalize(waitCtx context.Context, sess *recordingSession, watch *completionWatch) {
	defer r.wg.Done()
	defer close(sess.finalized)
	defer watch.Close()
	defer sess.abandon()

	ctx := r.lifeCtx
	if r.opts.FinalizeTimeout > 0 {
		deadline := time.Now().Add(r.opts.FinalizeTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
		waitCtx, cancel = context.WithDeadline(waitCtx, deadline)
		defer cancel()
	}

	logger := r.logger.With("session", sess.id)

	path, err := watch.Wait(waitCtx)
	if err != nil {
		logger.Warn("recording file never completed", "file", sess.filename, "error", err)
		r.endSession()
		return
	}

	r.setState(RecordingFinalizing)

	blob, err := r.storage.GetBlob(ctx, path)
	if err != nil {
		err = fmt.Errorf("%w: get %s: %w", ErrStorageUnavailable, path, err)
		logger.Error("recording file unreadable", "error", err)
		r.endSession()
		r.bus.Publish(Failure{Op: "record-finalize", ID: ErrorID(err), Err: err})
		return
	}

	md, err := r.metadata.Extract(ctx, blob)
	if err != nil {
		logger.Warn("video metadata unavailable, dropping result",
			"path", path, "error", fmt.Errorf("%w: %w", ErrMetadataExtraction, err))
		r.endSession()
		return
	}

	r.mu.Lock()
	r.lastVideoPath = path
	r.mu.Unlock()
	r.endSession()

	logger.Info("recording finalized",
		"path", path,
		"bytes", blob.Size(),
		"width", md.Width,
		"height", md.Height,
		"rotation", md.Rotation)
	r.bus.Publish(NewVideo{
		Blob:      blob,
		Poster:    md.Poster,
		Width:     md.Width,
		Height:    md.Height,
		Rotation:  md.Rotation,
		SessionID: sess.id,
	})
}

func (r *RecordingController) endSession() {
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
	r.setState(RecordingIdle)
}

// DeleteTemp removes the last finished temporary video from storage.
func (r *RecordingController) DeleteTemp(ctx context.Context) error {
	r.mu.Lock()
	path := r.lastVideoPath
	r.lastVideoPath = ""
	r.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := r.storage.DeleteBlob(ctx, path); err != nil {
		return fmt.Errorf("delete temporary video %s: %w", path, err)
	}
	return nil
}

// Close stops an active recording, cancels timers and any pending
// finalization, and waits for them. A Start in progress finishes first.
func (r *RecordingController) Close() {
	r.opMu.Lock()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if err := r.stopLocked(r.lifeCtx); err != nil {
		r.logger.Warn("stop recording on close", "error", err)
	}
	r.opMu.Unlock()

	r.lifeCancel()
	r.wg.Wait()
}

func (r *RecordingController) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RecordingController) setState(s RecordingState) {
	r.mu.Lock()
	from := r.state
	r.state = s
	r.mu.Unlock()

	if from != s {
		r.logger.Debug("recording state", "from", from.String(), "to", s.String())
		r.bus.Publish(RecordingStateChanged{From: from, To: s})
	}
}

// =============================================================================
// COMPLETION WATCH
// =============================================================================

var errWatchClosed = errors.New("camera: storage subscription closed")

// completionWatch waits for the first "modified" change whose path contains
// filename. Other changes are ignored. The subscription is closed exactly once.
type completionWatch struct {
	sub      StorageSubscription
	filename string
	once     sync.Once
}

func newCompletionWatch(sub StorageSubscription, filename string) *completionWatch {
	return &completionWatch{sub: sub, filename: filename}
}

// Wait blocks until the matching change arrives and returns its path.
func (w *completionWatch) Wait(ctx context.Context) (string, error) {
	events := w.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ch, ok := <-events:
			if !ok {
				return "", errWatchClosed
			}
			if ch.Reason != ChangeModified || !strings.Contains(ch.Path, w.filename) {
				continue
			}
			w.Close()
			return ch.Path, nil
		}
	}
}

// Close deregisters the subscription. Safe to call more than once.
func (w *completionWatch) Close() {
	w.once.Do(func() {
		_ = w.sub.Close()
	})
}
