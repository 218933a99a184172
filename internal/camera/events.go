package camera

import (
	"sync"
	"time"
)

// EventKind names an observable event.
type EventKind string

const (
	KindConfigured             EventKind = "configured"
	KindStreamLoaded           EventKind = "streamloaded"
	KindShutter                EventKind = "shutter"
	KindNewImage               EventKind = "newimage"
	KindPreparingToTakePicture EventKind = "preparingtotakepicture"
	KindRecordingStart         EventKind = "recordingstart"
	KindRecordingEnd           EventKind = "recordingend"
	KindNewVideo               EventKind = "newvideo"
	KindFileSizeLimitReached   EventKind = "filesizelimitreached"
	KindPreviewResumed         EventKind = "previewresumed"

	// State changes.
	KindFocusChanged          EventKind = "change:focus"
	KindRecordingChanged      EventKind = "change:recording"
	KindElapsedChanged        EventKind = "change:elapsed"
	KindFlashChanged          EventKind = "change:flash"
	KindModeChanged           EventKind = "change:mode"
	KindNumberChanged         EventKind = "change:number"
	KindPreviewStateChanged   EventKind = "change:previewState"
	KindSessionStateChanged   EventKind = "change:sessionState"
	KindRecordingStateChanged EventKind = "change:recordingState"

	KindError EventKind = "error"
)

// Event is anything published on a Bus.
type Event interface {
	Kind() EventKind
}

type (
	Configured struct {
		Negotiated Negotiated
	}
	StreamLoaded           struct{}
	Shutter                struct{}
	PreparingToTakePicture struct{}
	NewImage               struct {
		Blob      Blob
		SessionID string
	}
	RecordingStart struct {
		SessionID string
		Filename  string
	}
	RecordingEnd struct {
		SessionID string
	}
	NewVideo struct {
		Blob      Blob
		Poster    Blob
		Width     int
		Height    int
		Rotation  int
		SessionID string
	}
	FileSizeLimitReached struct{}
	PreviewResumed       struct{}

	FocusChanged struct {
		State FocusState
	}
	RecordingChanged struct {
		Recording bool
	}
	ElapsedChanged struct {
		Elapsed time.Duration
	}
	FlashChanged struct {
		Mode string
	}
	ModeChanged struct {
		Mode Mode
	}
	NumberChanged struct {
		Number int
	}
	PreviewStateChanged struct {
		State string
	}
	SessionStateChanged struct {
		From, To SessionState
	}
	RecordingStateChanged struct {
		From, To RecordingState
	}

	// Failure reports an error that was also returned to the caller, for
	// observers that present it.
	Failure struct {
		Op  string
		ID  string
		Err error
	}
)

func (Configured) Kind() EventKind             { return KindConfigured }
func (StreamLoaded) Kind() EventKind           { return KindStreamLoaded }
func (Shutter) Kind() EventKind                { return KindShutter }
func (PreparingToTakePicture) Kind() EventKind { return KindPreparingToTakePicture }
func (NewImage) Kind() EventKind               { return KindNewImage }
func (RecordingStart) Kind() EventKind         { return KindRecordingStart }
func (RecordingEnd) Kind() EventKind           { return KindRecordingEnd }
func (NewVideo) Kind() EventKind               { return KindNewVideo }
func (FileSizeLimitReached) Kind() EventKind   { return KindFileSizeLimitReached }
func (PreviewResumed) Kind() EventKind         { return KindPreviewResumed }
func (FocusChanged) Kind() EventKind           { return KindFocusChanged }
func (RecordingChanged) Kind() EventKind       { return KindRecordingChanged }
func (ElapsedChanged) Kind() EventKind         { return KindElapsedChanged }
func (FlashChanged) Kind() EventKind           { return KindFlashChanged }
func (ModeChanged) Kind() EventKind            { return KindModeChanged }
func (NumberChanged) Kind() EventKind          { return KindNumberChanged }
func (PreviewStateChanged) Kind() EventKind    { return KindPreviewStateChanged }
func (SessionStateChanged) Kind() EventKind    { return KindSessionStateChanged }
func (RecordingStateChanged) Kind() EventKind  { return KindRecordingStateChanged }
func (Failure) Kind() EventKind                { return KindError }

// Bus delivers events synchronously to subscribers in subscription order.
// Publishers must not hold their own locks while publishing.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every event. The returned func unsubscribes; it
// is safe to call more than once.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Listen subscribes fn to events of type T only.
func Listen[T Event](b *Bus, fn func(T)) func() {
	return b.Subscribe(func(ev Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}
