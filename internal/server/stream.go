package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

const boundary = "frame"

// ===== MJPEG preview =====

// currentStream returns the open preview or loads one. Concurrent viewers
// share a single stream.
func (s *Server) currentStream(c echo.Context) (camera.Stream, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if stream, ok := s.cam.Stream(); ok {
		return stream, nil
	}
	return s.cam.LoadStream(c.Request().Context())
}

func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		boundary, media.MIMEJPEG, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// preview streams multipart/x-mixed-replace JPEG parts until the client
// goes away, or after ?frames=N parts.
func (s *Server) preview(c echo.Context) error {
	var limit int
	if err := echo.QueryParamsBinder(c).Int("frames", &limit).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, errorView{Op: "preview", Error: err.Error()})
	}

	stream, err := s.currentStream(c)
	if err != nil {
		return s.fail(c, "preview", err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace; boundary="+boundary)
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	var last uint64
	sent := 0
	for {
		// ToggleMode swaps the stream underneath us.
		if cur, ok := s.cam.Stream(); ok && cur != stream {
			stream, last = cur, 0
		}
		if frame, ok := stream.ReadIfNew(last); ok {
			last = frame.Seq
			if err := writePart(res, frame.Data); err != nil {
				return nil
			}
			res.Flush()
			sent++
			if limit > 0 && sent >= limit {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ===== websocket event feed =====

type eventMessage struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

func blobView(b camera.Blob) map[string]any {
	return map[string]any{"path": b.Path, "mime": b.MIMEType, "bytes": b.Size()}
}

// eventData shapes an event for JSON. Blobs are summarised, never inlined.
func eventData(ev camera.Event) any {
	switch e := ev.(type) {
	case camera.NewImage:
		v := blobView(e.Blob)
		v["session_id"] = e.SessionID
		return v
	case camera.NewVideo:
		v := blobView(e.Blob)
		v["session_id"] = e.SessionID
		v["width"], v["height"], v["rotation"] = e.Width, e.Height, e.Rotation
		v["poster_bytes"] = e.Poster.Size()
		return v
	case camera.Failure:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return errorView{Op: e.Op, ID: e.ID, Error: msg}
	case camera.Configured:
		return map[string]any{
			"number":        e.Negotiated.Number,
			"mode":          e.Negotiated.Mode,
			"picture_size":  viewOf(e.Negotiated.PictureSize),
			"preview_size":  viewOf(e.Negotiated.PreviewSize),
			"video_profile": e.Negotiated.VideoProfile.Name,
		}
	case camera.ElapsedChanged:
		return map[string]int64{"elapsed_ms": e.Elapsed.Milliseconds()}
	case camera.SessionStateChanged:
		return map[string]string{"from": e.From.String(), "to": e.To.String()}
	case camera.RecordingStateChanged:
		return map[string]string{"from": e.From.String(), "to": e.To.String()}
	case camera.RecordingStart:
		return map[string]string{"session_id": e.SessionID, "filename": e.Filename}
	case camera.RecordingEnd:
		return map[string]string{"session_id": e.SessionID}
	case camera.FocusChanged:
		return map[string]string{"state": string(e.State)}
	case camera.FlashChanged:
		return map[string]string{"mode": e.Mode}
	case camera.ModeChanged:
		return map[string]string{"mode": string(e.Mode)}
	case camera.NumberChanged:
		return map[string]int{"number": e.Number}
	case camera.PreviewStateChanged:
		return map[string]string{"state": e.State}
	case camera.RecordingChanged:
		return map[string]bool{"recording": e.Recording}
	}
	return nil
}

// events upgrades to a websocket, sends the current status, then every bus
// event. A client that falls behind loses events rather than stalling the
// bus.
func (s *Server) events(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	queue := make(chan eventMessage, eventQueue)
	unsubscribe := s.cam.Bus().Subscribe(func(ev camera.Event) {
		select {
		case queue <- eventMessage{Kind: string(ev.Kind()), At: time.Now(), Data: eventData(ev)}:
		default:
			s.logger.Debug("event feed full, dropping", "kind", ev.Kind())
		}
	})
	defer unsubscribe()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(msg eventMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	if err := write(eventMessage{Kind: "status", At: time.Now(), Data: newStatusView(s.cam.Status())}); err != nil {
		return nil
	}

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return nil
		case <-gone:
			return nil
		case msg := <-queue:
			if err := write(msg); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
