// Package media reads recorded camera media: MJPEG frame streams and
// container metadata.
package media

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// MJPEG framing
// =============================================================================
// An MJPEG stream is a plain concatenation of JPEG images. A frame starts at
// SOI (FF D8) and ends at EOI (FF D9). Bytes between frames are skipped.
// =============================================================================

const (
	readChunk = 8192

	// maxScanBytes bounds the junk scanned while looking for SOI.
	maxScanBytes = 100000
	// DefaultMaxFrameBytes bounds a single frame.
	DefaultMaxFrameBytes = 8 << 20
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}

	// ErrFrameTooLarge is returned when no EOI shows up within the frame limit.
	ErrFrameTooLarge = errors.New("media: mjpeg frame exceeds size limit")
)

// FrameReader splits an MJPEG byte stream into JPEG frames.
type FrameReader struct {
	r        io.Reader
	buf      []byte
	pending  []byte
	maxFrame int
}

// NewFrameReader reads frames from r. maxFrame <= 0 uses DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &FrameReader{
		r:        r,
		buf:      make([]byte, readChunk),
		pending:  make([]byte, 0, 65536),
		maxFrame: maxFrame,
	}
}

// Next returns the next complete JPEG frame. The returned slice is owned by
// the caller. io.EOF is returned once the stream ends, including when it
// ends in the middle of a frame.
func (fr *FrameReader) Next() ([]byte, error) {
	// SOI
	for {
		if i := bytes.Index(fr.pending, soi); i >= 0 {
			fr.pending = fr.pending[i:]
			break
		}
		// Keep a trailing FF, it may be the first half of SOI.
		if n := len(fr.pending); n > 0 && fr.pending[n-1] == 0xFF {
			fr.pending = append(fr.pending[:0], 0xFF)
		} else {
			fr.pending = fr.pending[:0]
		}
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}

	// EOI. Search from past SOI so FF D8 FF D9 style overlaps are not matched.
	from := len(soi)
	for {
		if i := bytes.Index(fr.pending[from:], eoi); i >= 0 {
			end := from + i + len(eoi)
			frame := make([]byte, end)
			copy(frame, fr.pending[:end])
			fr.pending = append(fr.pending[:0], fr.pending[end:]...)
			return frame, nil
		}
		if len(fr.pending) > fr.maxFrame {
			fr.pending = fr.pending[:0]
			return nil, ErrFrameTooLarge
		}
		from = max(len(soi), len(fr.pending)-1)
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

func (fr *FrameReader) fill() error {
	n, err := fr.r.Read(fr.buf)
	if n > 0 {
		fr.pending = append(fr.pending, fr.buf[:n]...)
		if len(fr.pending) > maxScanBytes && !bytes.HasPrefix(fr.pending, soi) {
			fr.pending = append(fr.pending[:0], fr.pending[len(fr.pending)-1:]...)
		}
		return nil
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// =============================================================================
// Comment tags
// =============================================================================
// Recorders tag the first frame of a clip with a JPEG COM segment holding
// key=value pairs, e.g. "rotation=90". The extractor reads them back.
// =============================================================================

const (
	markerCOM = 0xFE
	markerSOS = 0xDA

	// TagRotation is the comment key carrying the clip rotation in degrees.
	TagRotation = "rotation"
)

// WithComment inserts a COM segment right after SOI.
func WithComment(frame []byte, comment string) ([]byte, error) {
	if !bytes.HasPrefix(frame, soi) {
		return nil, errors.New("media: not a jpeg frame")
	}
	if len(comment)+2 > 0xFFFF {
		return nil, errors.New("media: comment too long")
	}
	seg := make([]byte, 0, 4+len(comment))
	size := len(comment) + 2
	seg = append(seg, 0xFF, markerCOM, byte(size>>8), byte(size))
	seg = append(seg, comment...)

	out := make([]byte, 0, len(frame)+len(seg))
	out = append(out, frame[:2]...)
	out = append(out, seg...)
	out = append(out, frame[2:]...)
	return out, nil
}

// RotationComment formats a rotation tag.
func RotationComment(degrees int) string {
	return TagRotation + "=" + strconv.Itoa(degrees)
}

// PictureComment formats the tags stored with a still picture: rotation,
// capture time and position when set.
func PictureComment(cfg camera.PictureConfig) string {
	c := RotationComment(cfg.Rotation)
	if !cfg.DateTime.IsZero() {
		c += " time=" + cfg.DateTime.UTC().Format(time.RFC3339)
	}
	if p := cfg.Position; p != nil {
		c += " lat=" + strconv.FormatFloat(p.Latitude, 'f', 6, 64) +
			" lon=" + strconv.FormatFloat(p.Longitude, 'f', 6, 64)
	}
	return c
}

// Comments returns the COM segments that precede the image data of frame.
func Comments(frame []byte) ([]string, error) {
	if !bytes.HasPrefix(frame, soi) {
		return nil, errors.New("media: not a jpeg frame")
	}
	var out []string
	br := bufio.NewReader(bytes.NewReader(frame[2:]))
	for {
		b, err := br.ReadByte()
		if err != nil {
			return out, nil
		}
		if b != 0xFF {
			return nil, fmt.Errorf("media: expected marker, got %#x", b)
		}
		marker, err := br.ReadByte()
		if err != nil {
			return out, nil
		}
		if marker == markerSOS || marker == eoi[1] {
			return out, nil
		}
		var size [2]byte
		if _, err := io.ReadFull(br, size[:]); err != nil {
			return nil, fmt.Errorf("media: truncated segment: %w", err)
		}
		n := (int(size[0])<<8 | int(size[1])) - 2
		if n < 0 {
			return nil, errors.New("media: bad segment length")
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("media: truncated segment: %w", err)
		}
		if marker == markerCOM {
			out = append(out, string(payload))
		}
	}
}
