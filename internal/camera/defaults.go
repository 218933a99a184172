package camera

import "time"

// =============================================================================
// CAPTURE DEFAULTS
// =============================================================================
// Values used when Options leaves a field at zero. The CLI overrides these
// from camera.yaml; see internal/config.
// =============================================================================

// -----------------------------------------------------------------------------
// STILL PICTURE SIZING
// -----------------------------------------------------------------------------
// File size is assumed to grow linearly with pixel count:
//
//   estimate = pixels * EstimatedJPEGFileSize / MaxImagePixelSize
//
//   Resolution   | Pixels     | Estimate (defaults)
//   -------------|------------|--------------------
//   640x480      | 307,200    | ~18 KB
//   1920x1080    | 2,073,600  | ~119 KB
//   2592x1944    | 5,038,848  | ~288 KB
// -----------------------------------------------------------------------------

const (
	// DefaultMaxImagePixelSize is the largest still resolution we will pick (5 MP).
	DefaultMaxImagePixelSize = 5 * 1024 * 1024

	// DefaultEstimatedJPEGFileSize is the expected JPEG size at DefaultMaxImagePixelSize.
	DefaultEstimatedJPEGFileSize = 300 * 1024

	// pictureBufferOverhead is added to the RGBA size when budgeting a capture buffer.
	pictureBufferOverhead = 4096
)

// -----------------------------------------------------------------------------
// RECORDING ADMISSION
// -----------------------------------------------------------------------------
// A recording is refused when temporary storage has less than RecordSpaceMin
// free. RecordSpacePadding is kept free while recording:
//
//   maxFileSizeBytes = min(freeBytes - RecordSpacePadding, targetFileSize)
// -----------------------------------------------------------------------------

const (
	DefaultRecordSpaceMin     = 2 * 1024 * 1024
	DefaultRecordSpacePadding = 1024 * 1024

	// DefaultMinRecordingTime guards against clips too short to carry a media track.
	DefaultMinRecordingTime = 500 * time.Millisecond

	// DefaultElapsedInterval is how often elapsed recording time is published.
	DefaultElapsedInterval = time.Second

	// DefaultTempVideoExt is appended to temporary recording filenames.
	DefaultTempVideoExt = ".3gp"
)

// -----------------------------------------------------------------------------
// TIMING
// -----------------------------------------------------------------------------

const (
	// DefaultFocusResetDelay is how long a failed focus indicator stays up.
	DefaultFocusResetDelay = time.Second

	// DefaultConfigureTimeout bounds one configuration pass.
	DefaultConfigureTimeout = 5 * time.Second
)

// PreferredVideoSizesKey is the settings key holding the preferred recorder profile names.
const PreferredVideoSizesKey = "camera.recording.preferredSizes"

type flashConfig struct {
	defaultMode string
	supports    []string
}

// flashSupport is the static flash support table per capture mode.
var flashSupport = map[Mode]flashConfig{
	ModePhoto: {defaultMode: "auto", supports: []string{"off", "auto", "on"}},
	ModeVideo: {defaultMode: "off", supports: []string{"off", "torch"}},
}
