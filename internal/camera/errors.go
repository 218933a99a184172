package camera

import "errors"

// Errors
var (
	ErrHardwareAcquisition     = errors.New("camera: hardware acquisition failed")
	ErrConfigurationIncomplete = errors.New("camera: configuration incomplete")
	ErrInsufficientStorage     = errors.New("camera: not enough free storage to record")
	ErrStorageUnavailable      = errors.New("camera: temporary storage unavailable")
	ErrCaptureFailure          = errors.New("camera: still capture failed")
	ErrRecordingHardware       = errors.New("camera: recording hardware error")
	ErrMetadataExtraction      = errors.New("camera: video metadata extraction failed")
	ErrNoFlashModes            = errors.New("camera: no flash modes available")
	ErrEmptyCandidates         = errors.New("camera: no candidates to select from")
	ErrNotReady                = errors.New("camera: hardware session not ready")
	ErrBusy                    = errors.New("camera: operation already in progress")
	ErrWrongMode               = errors.New("camera: operation not valid in current mode")
	ErrNoCameras               = errors.New("camera: no cameras available")
	ErrClosed                  = errors.New("camera: closed")
)

// ErrorID maps an error to the identifier of the user-facing message for it.
// It returns "" for errors that are not presented to the user.
func ErrorID(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientStorage):
		return "nospace"
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrRecordingHardware):
		return "error-recording"
	case errors.Is(err, ErrCaptureFailure):
		return "error-saving"
	case errors.Is(err, ErrHardwareAcquisition), errors.Is(err, ErrConfigurationIncomplete):
		return "error-camera"
	case errors.Is(err, ErrMetadataExtraction):
		return ""
	default:
		return "error-generic"
	}
}
