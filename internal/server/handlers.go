package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"camera-capture-go/internal/camera"
)

type sizeView struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func viewOf(s camera.Size) sizeView {
	return sizeView{Width: s.Width, Height: s.Height}
}

type statusView struct {
	Number    int    `json:"number"`
	Mode      string `json:"mode"`
	Session   string `json:"session"`
	Capture   string `json:"capture"`
	Focus     string `json:"focus"`
	Recording string `json:"recording"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Stoppable bool   `json:"stoppable"`
	Flash     string `json:"flash,omitempty"`
	Streaming bool   `json:"streaming"`

	PictureSize   sizeView `json:"picture_size"`
	ThumbnailSize sizeView `json:"thumbnail_size"`
	PreviewSize   sizeView `json:"preview_size"`
	VideoProfile  string   `json:"video_profile,omitempty"`
	VideoSize     sizeView `json:"video_size"`
	FlashModes    []string `json:"flash_modes,omitempty"`
}

func newStatusView(st camera.Status) statusView {
	neg := st.Negotiated
	return statusView{
		Number:        st.Number,
		Mode:          string(st.Mode),
		Session:       st.Session.String(),
		Capture:       st.Capture.String(),
		Focus:         string(st.Focus),
		Recording:     st.Recording.String(),
		ElapsedMS:     st.Elapsed.Milliseconds(),
		Stoppable:     st.Stoppable,
		Flash:         st.Flash,
		Streaming:     st.Streaming,
		PictureSize:   viewOf(neg.PictureSize),
		ThumbnailSize: viewOf(neg.ThumbnailSize),
		PreviewSize:   viewOf(neg.PreviewSize),
		VideoProfile:  neg.VideoProfile.Name,
		VideoSize:     viewOf(neg.VideoProfile.Size()),
		FlashModes:    neg.Flash.Available,
	}
}

type errorView struct {
	Op    string `json:"op"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// httpStatus maps camera errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, camera.ErrBusy),
		errors.Is(err, camera.ErrWrongMode),
		errors.Is(err, camera.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, camera.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, camera.ErrNoCameras),
		errors.Is(err, camera.ErrHardwareAcquisition),
		errors.Is(err, camera.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c echo.Context, op string, err error) error {
	return c.JSON(httpStatus(err), errorView{Op: op, ID: camera.ErrorID(err), Error: err.Error()})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, newStatusView(s.cam.Status()))
}

// photo takes a picture and answers with the JPEG. Optional lat/lon/alt
// query parameters geotag it.
func (s *Server) photo(c echo.Context) error {
	var opts camera.CaptureOptions
	if c.QueryParam("lat") != "" || c.QueryParam("lon") != "" {
		pos := &camera.Position{Timestamp: time.Now()}
		err := echo.QueryParamsBinder(c).
			MustFloat64("lat", &pos.Latitude).
			MustFloat64("lon", &pos.Longitude).
			Float64("alt", &pos.Altitude).
			BindError()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorView{Op: "photo", Error: err.Error()})
		}
		opts.Position = pos
	}

	blob, err := s.cam.TakePicture(c.Request().Context(), opts)
	if err != nil {
		return s.fail(c, "photo", err)
	}
	if blob.Path != "" {
		c.Response().Header().Set("X-Capture-Path", blob.Path)
	}
	return c.Blob(http.StatusOK, blob.MIMEType, blob.Data)
}

func (s *Server) recordStart(c echo.Context) error {
	if err := s.cam.StartRecording(c.Request().Context()); err != nil {
		return s.fail(c, "record-start", err)
	}
	return c.JSON(http.StatusAccepted, newStatusView(s.cam.Status()))
}

func (s *Server) recordStop(c echo.Context) error {
	if err := s.cam.StopRecording(c.Request().Context()); err != nil {
		return s.fail(c, "record-stop", err)
	}
	return c.JSON(http.StatusAccepted, newStatusView(s.cam.Status()))
}

func (s *Server) flash(c echo.Context) error {
	mode, err := s.cam.ToggleFlash(c.Request().Context())
	if err != nil {
		return s.fail(c, "flash", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"flash": mode})
}

func (s *Server) mode(c echo.Context) error {
	if err := s.cam.ToggleMode(c.Request().Context()); err != nil {
		return s.fail(c, "mode", err)
	}
	return c.JSON(http.StatusOK, newStatusView(s.cam.Status()))
}

func (s *Server) resume(c echo.Context) error {
	if err := s.cam.ResumePreview(c.Request().Context()); err != nil {
		return s.fail(c, "resume-preview", err)
	}
	return c.NoContent(http.StatusNoContent)
}
