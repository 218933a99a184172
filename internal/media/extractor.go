package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"camera-capture-go/internal/camera"
)

// MIME types produced by the recorders.
const (
	MIMEMotionJPEG = "video/x-motion-jpeg"
	MIMEJPEG       = "image/jpeg"
)

// IsMJPEG reports whether blob holds an MJPEG stream, by type or by content.
func IsMJPEG(blob camera.Blob) bool {
	if blob.MIMEType == MIMEMotionJPEG {
		return true
	}
	return bytes.HasPrefix(blob.Data, soi)
}

// =============================================================================
// MJPEGExtractor
// =============================================================================

// MJPEGExtractor reads metadata from MJPEG clips without external tools.
// The poster is the first frame; rotation comes from its comment tag.
type MJPEGExtractor struct{}

// Extract implements camera.MetadataExtractor.
func (MJPEGExtractor) Extract(ctx context.Context, blob camera.Blob) (camera.VideoMetadata, error) {
	if err := ctx.Err(); err != nil {
		return camera.VideoMetadata{}, err
	}

	first, err := NewFrameReader(bytes.NewReader(blob.Data), 0).Next()
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: read first frame: %w", camera.ErrMetadataExtraction, err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(first))
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: decode first frame: %w", camera.ErrMetadataExtraction, err)
	}

	rotation := 0
	comments, err := Comments(first)
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: %w", camera.ErrMetadataExtraction, err)
	}
	for _, c := range comments {
		if deg, ok := parseRotationTag(c); ok {
			rotation = deg
		}
	}

	return camera.VideoMetadata{
		Poster:   camera.Blob{MIMEType: MIMEJPEG, Data: first},
		Width:    cfg.Width,
		Height:   cfg.Height,
		Rotation: rotation,
	}, nil
}

func parseRotationTag(comment string) (int, bool) {
	for _, field := range strings.Fields(comment) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key != TagRotation {
			continue
		}
		deg, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return normalizeDegrees(deg), true
	}
	return 0, false
}

func normalizeDegrees(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// =============================================================================
// FFprobeExtractor
// =============================================================================

// Runner runs an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// FFprobeExtractor reads metadata with ffprobe and grabs the poster frame
// with ffmpeg. Blobs with a Path are read from disk, others through stdin.
type FFprobeExtractor struct {
	FFprobe string
	FFmpeg  string
	Runner  Runner
	Logger  *slog.Logger
}

// NewFFprobeExtractor uses the binaries found on PATH.
func NewFFprobeExtractor(logger *slog.Logger) *FFprobeExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFprobeExtractor{
		FFprobe: "ffprobe",
		FFmpeg:  "ffmpeg",
		Runner:  ExecRunner{},
		Logger:  logger.With("component", "ffprobe"),
	}
}

type probeOutput struct {
	Streams []struct {
		Width    int               `json:"width"`
		Height   int               `json:"height"`
		Tags     map[string]string `json:"tags"`
		SideData []struct {
			Rotation *int `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Extract implements camera.MetadataExtractor.
func (e *FFprobeExtractor) Extract(ctx context.Context, blob camera.Blob) (camera.VideoMetadata, error) {
	input, stdin := e.input(blob)

	out, err := e.Runner.Run(ctx, stdin(), e.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		input)
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: probe: %w", camera.ErrMetadataExtraction, err)
	}
	meta, err := parseProbe(out)
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: %w", camera.ErrMetadataExtraction, err)
	}

	poster, err := e.Runner.Run(ctx, stdin(), e.FFmpeg,
		"-v", "error",
		"-i", input,
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5",
		"-")
	if err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("%w: poster: %w", camera.ErrMetadataExtraction, err)
	}
	meta.Poster = camera.Blob{MIMEType: MIMEJPEG, Data: poster}

	e.Logger.Debug("probed video", "path", blob.Path, "width", meta.Width, "height", meta.Height, "rotation", meta.Rotation)
	return meta, nil
}

func (e *FFprobeExtractor) input(blob camera.Blob) (string, func() io.Reader) {
	if blob.Path != "" {
		return blob.Path, func() io.Reader { return nil }
	}
	return "pipe:0", func() io.Reader { return bytes.NewReader(blob.Data) }
}

func parseProbe(out []byte) (camera.VideoMetadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return camera.VideoMetadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return camera.VideoMetadata{}, errors.New("no video stream")
	}
	s := probe.Streams[0]

	rotation := 0
	if v, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.Atoi(v); err == nil {
			rotation = normalizeDegrees(deg)
		}
	}
	for _, sd := range s.SideData {
		if sd.Rotation != nil {
			// Display matrix rotation is counter-clockwise.
			rotation = normalizeDegrees(-*sd.Rotation)
		}
	}

	return camera.VideoMetadata{Width: s.Width, Height: s.Height, Rotation: rotation}, nil
}

// =============================================================================
// Auto
// =============================================================================

// Auto picks the MJPEG reader for MJPEG clips and ffprobe for anything else.
type Auto struct {
	MJPEG camera.MetadataExtractor
	Other camera.MetadataExtractor
}

// NewAuto builds the default extractor chain.
func NewAuto(logger *slog.Logger) *Auto {
	return &Auto{MJPEG: MJPEGExtractor{}, Other: NewFFprobeExtractor(logger)}
}

// Extract implements camera.MetadataExtractor.
func (a *Auto) Extract(ctx context.Context, blob camera.Blob) (camera.VideoMetadata, error) {
	if IsMJPEG(blob) || a.Other == nil {
		return a.MJPEG.Extract(ctx, blob)
	}
	return a.Other.Extract(ctx, blob)
}
