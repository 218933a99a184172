package camera

import (
	"fmt"
	"time"
)

// Mode is the capture mode of a camera instance.
type Mode string

const (
	ModePhoto Mode = "photo"
	ModeVideo Mode = "video"
)

// Other returns the opposite capture mode.
func (m Mode) Other() Mode {
	if m == ModeVideo {
		return ModePhoto
	}
	return ModeVideo
}

// Valid reports whether m is a known capture mode.
func (m Mode) Valid() bool {
	return m == ModePhoto || m == ModeVideo
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Pixels returns the pixel count of the size.
func (s Size) Pixels() int {
	return s.Width * s.Height
}

// AspectRatio returns width/height, or 0 for a degenerate size.
func (s Size) AspectRatio() float64 {
	if s.Height == 0 {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// IsZero reports whether the size is unset.
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// RecorderProfile is a named recording configuration reported by the hardware.
type RecorderProfile struct {
	Name   string
	Width  int
	Height int
}

// Capabilities is the read-only snapshot of what an acquired camera supports.
// It is immutable for the lifetime of one acquisition.
type Capabilities struct {
	PictureSizes     []Size
	ThumbnailSizes   []Size
	PreviewSizes     []Size
	FocusModes       []string
	FlashModes       []string
	RecorderProfiles []RecorderProfile // hardware enumeration order
}

// Profile looks up a recorder profile by name.
func (c Capabilities) Profile(name string) (RecorderProfile, bool) {
	for _, p := range c.RecorderProfiles {
		if p.Name == name {
			return p, true
		}
	}
	return RecorderProfile{}, false
}

// VideoProfile is the negotiated recording profile.
type VideoProfile struct {
	Name     string
	Width    int
	Height   int
	Rotation int
}

// Size returns the profile's video dimensions.
func (p VideoProfile) Size() Size {
	return Size{Width: p.Width, Height: p.Height}
}

// SelectionTarget carries the caller's constraints for size selection.
// Zero values mean "not set".
type SelectionTarget struct {
	TargetFileSize int64
	TargetWidth    int
	TargetHeight   int

	// MaxImagePixelSize caps the still picture resolution.
	MaxImagePixelSize int
	// EstimatedJPEGFileSize is the expected JPEG size at MaxImagePixelSize.
	EstimatedJPEGFileSize int64
}

func (t SelectionTarget) maxPixels() int {
	if t.MaxImagePixelSize > 0 {
		return t.MaxImagePixelSize
	}
	return DefaultMaxImagePixelSize
}

func (t SelectionTarget) estimatedJPEG() int64 {
	if t.EstimatedJPEGFileSize > 0 {
		return t.EstimatedJPEGFileSize
	}
	return DefaultEstimatedJPEGFileSize
}

func (t SelectionTarget) hasTargetSize() bool {
	return t.TargetWidth > 0 && t.TargetHeight > 0
}

// Screen describes the display the preview and thumbnails are sized for.
type Screen struct {
	Width      int
	Height     int
	PixelRatio float64
}

// Pixels returns the screen dimensions scaled by the pixel ratio.
func (s Screen) Pixels() (w, h float64) {
	ratio := s.PixelRatio
	if ratio <= 0 {
		ratio = 1
	}
	return float64(s.Width) * ratio, float64(s.Height) * ratio
}

// FlashState is a copy of the negotiated flash configuration.
type FlashState struct {
	All       []string
	Available []string
	// Current indexes Available; -1 when no mode is available.
	Current int
}

// CurrentMode returns the name of the current flash mode.
func (f FlashState) CurrentMode() (string, bool) {
	if f.Current < 0 || f.Current >= len(f.Available) {
		return "", false
	}
	return f.Available[f.Current], true
}

// Negotiated is the configuration produced by one configuration pass.
type Negotiated struct {
	Number          int
	Mode            Mode
	Capabilities    Capabilities
	PictureSize     Size
	MaxPictureBytes int64
	ThumbnailSize   Size
	HasThumbnail    bool
	PreviewSize     Size
	VideoProfile    VideoProfile
	FocusModes      []string
	Flash           FlashState
}

// Blob is an opaque media payload, optionally backed by a storage path.
type Blob struct {
	Path     string
	MIMEType string
	Data     []byte
}

// Size returns the payload length in bytes.
func (b Blob) Size() int {
	return len(b.Data)
}

// Position is an optional geolocation tag for still pictures.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Timestamp time.Time
}

// PictureConfig is what the hardware receives for a still capture.
type PictureConfig struct {
	Rotation    int
	DateTime    time.Time
	FileFormat  string
	Position    *Position
	PictureSize Size
}

// RecordingConfig is what the hardware receives to start recording.
type RecordingConfig struct {
	Rotation         int
	MaxFileSizeBytes int64
	Profile          VideoProfile
}

// VideoMetadata is produced by the metadata extractor for a finished recording.
type VideoMetadata struct {
	Poster   Blob
	Width    int
	Height   int
	Rotation int
}

// Frame is a single encoded preview frame.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}
