package camera

import (
	"sync"
	"sync/atomic"
	"time"
)

// FrameBuffer holds the latest preview frame.
// The producer writes at full speed, consumers poll when ready.
// It implements Stream.
type FrameBuffer struct {
	latest atomic.Pointer[Frame]

	frameCount   atomic.Uint64
	lastFrameAt  atomic.Int64 // Unix nano timestamp
	droppedCount atomic.Uint64

	startedAt time.Time
	mu        sync.RWMutex

	closeOnce sync.Once
	closed    atomic.Bool
	onClose   func() error
}

// NewFrameBuffer creates a frame buffer. onClose, if set, runs once on Close;
// adapters use it to stop the producer.
func NewFrameBuffer(onClose func() error) *FrameBuffer {
	return &FrameBuffer{
		startedAt: time.Now(),
		onClose:   onClose,
	}
}

// Write publishes a new encoded frame (called by the producer goroutine).
// Non-blocking; writes after Close are counted as dropped.
func (fb *FrameBuffer) Write(data []byte, width, height int) uint64 {
	if fb.closed.Load() {
		fb.droppedCount.Add(1)
		return 0
	}

	seq := fb.frameCount.Add(1)
	now := time.Now()
	fb.latest.Store(&Frame{
		Data:   data,
		Width:  width,
		Height: height,
		Seq:    seq,
		At:     now,
	})
	fb.lastFrameAt.Store(now.UnixNano())
	return seq
}

// Read returns the latest frame, false if none was written yet.
func (fb *FrameBuffer) Read() (Frame, bool) {
	f := fb.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// ReadIfNew returns the frame only if it is newer than lastSeq.
func (fb *FrameBuffer) ReadIfNew(lastSeq uint64) (Frame, bool) {
	f := fb.latest.Load()
	if f == nil || f.Seq <= lastSeq {
		return Frame{}, false
	}
	return *f, true
}

// FrameCount returns total frames written.
func (fb *FrameBuffer) FrameCount() uint64 {
	return fb.frameCount.Load()
}

// DroppedCount returns frames discarded after Close.
func (fb *FrameBuffer) DroppedCount() uint64 {
	return fb.droppedCount.Load()
}

// LastFrameTime returns when the last frame was written.
func (fb *FrameBuffer) LastFrameTime() time.Time {
	nanos := fb.lastFrameAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Stats returns the average frame rate since start.
func (fb *FrameBuffer) Stats() (fps float64, totalFrames uint64, uptime time.Duration) {
	fb.mu.RLock()
	startedAt := fb.startedAt
	fb.mu.RUnlock()

	uptime = time.Since(startedAt)
	totalFrames = fb.frameCount.Load()
	if uptime.Seconds() > 0 {
		fps = float64(totalFrames) / uptime.Seconds()
	}
	return
}

// Reset clears the frame and stats.
func (fb *FrameBuffer) Reset() {
	fb.mu.Lock()
	fb.latest.Store(nil)
	fb.frameCount.Store(0)
	fb.droppedCount.Store(0)
	fb.lastFrameAt.Store(0)
	fb.startedAt = time.Now()
	fb.mu.Unlock()
}

// Closed reports whether Close was called.
func (fb *FrameBuffer) Closed() bool {
	return fb.closed.Load()
}

// Close stops accepting frames. Safe to call more than once.
func (fb *FrameBuffer) Close() error {
	var err error
	fb.closeOnce.Do(func() {
		fb.closed.Store(true)
		if fb.onClose != nil {
			err = fb.onClose()
		}
	})
	return err
}
