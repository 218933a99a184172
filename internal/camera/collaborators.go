package camera

import (
	"context"
)

// Device enumerates and acquires camera hardware.
type Device interface {
	// NumCameras returns how many cameras can be acquired.
	NumCameras() int
	// Acquire opens camera number n. It fails when the camera is busy or missing.
	Acquire(ctx context.Context, number int) (Handle, error)
}

// Handle is one acquired camera. Setters for distinct settings may be called
// concurrently; everything else is called by one goroutine at a time.
type Handle interface {
	Capabilities() Capabilities

	SetPictureSize(size Size) error
	SetThumbnailSize(size Size) error
	SetFocusMode(mode string) error
	SetFlashMode(mode string) error

	PreviewStream(ctx context.Context, size Size) (Stream, error)
	VideoPreviewStream(ctx context.Context, profile VideoProfile) (Stream, error)
	ResumePreview(ctx context.Context) error

	AutoFocus(ctx context.Context) (bool, error)
	TakePicture(ctx context.Context, cfg PictureConfig) (Blob, error)

	StartRecording(ctx context.Context, cfg RecordingConfig, target StorageTarget, filename string) error
	StopRecording(ctx context.Context) error

	// Release frees the hardware. Both outcomes are terminal for the handle.
	Release(ctx context.Context) error

	// Notifications delivers asynchronous hardware notifications. It is
	// closed when the handle is released.
	Notifications() <-chan Notification
}

// NotificationKind identifies an asynchronous hardware notification.
type NotificationKind int

const (
	NotifyShutter NotificationKind = iota
	NotifyRecorderState
	NotifyPreviewState
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyShutter:
		return "shutter"
	case NotifyRecorderState:
		return "recorder-state"
	case NotifyPreviewState:
		return "preview-state"
	default:
		return "unknown"
	}
}

// Recorder state reasons and preview states reported by hardware.
const (
	RecorderFileSizeLimitReached = "FileSizeLimitReached"
	RecorderFailed               = "MediaRecorderFailed"

	PreviewStarted = "started"
	PreviewStopped = "stopped"
)

// Notification is an asynchronous message from the hardware.
type Notification struct {
	Kind NotificationKind
	// Reason is set for NotifyRecorderState, State for NotifyPreviewState.
	Reason string
	State  string
}

// Stream is a live preview. Frames are replaced in place; readers poll for new ones.
type Stream interface {
	// ReadIfNew returns the latest frame if its sequence is greater than lastSeq.
	ReadIfNew(lastSeq uint64) (Frame, bool)
	Close() error
}

// StorageTarget tells the hardware where a recording goes.
type StorageTarget interface {
	// PathFor returns the absolute path a finished file with this name lives at.
	PathFor(filename string) string
	// StagingPathFor returns where the file is written while recording is in progress.
	StagingPathFor(filename string) string
}

// ChangeReason is the kind of a storage change.
type ChangeReason string

const (
	ChangeCreated  ChangeReason = "created"
	ChangeModified ChangeReason = "modified"
	ChangeDeleted  ChangeReason = "deleted"
)

// StorageChange is one change notification from temporary storage.
type StorageChange struct {
	Reason ChangeReason
	Path   string
}

// StorageSubscription is a registration on the storage change stream.
type StorageSubscription interface {
	Events() <-chan StorageChange
	Close() error
}

// TempStorage is where recordings are written before they are handed on.
type TempStorage interface {
	StorageTarget
	FreeSpaceBytes(ctx context.Context) (int64, error)
	GetBlob(ctx context.Context, path string) (Blob, error)
	DeleteBlob(ctx context.Context, path string) error
	Subscribe() StorageSubscription
}

// SettingsStore is the persistent settings lookup.
type SettingsStore interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
}

// Orientation reports the current device rotation in degrees.
type Orientation interface {
	CurrentRotationDegrees() int
}

// MetadataExtractor reads poster frame, dimensions and rotation out of a video.
type MetadataExtractor interface {
	Extract(ctx context.Context, blob Blob) (VideoMetadata, error)
}

// HostState reports whether the host application has gone to the background.
type HostState interface {
	Hidden() bool
}

type zeroOrientation struct{}

func (zeroOrientation) CurrentRotationDegrees() int { return 0 }

type visibleHost struct{}

func (visibleHost) Hidden() bool { return false }
