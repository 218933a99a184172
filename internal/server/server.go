// Package server exposes a camera over HTTP: control endpoints, an MJPEG
// preview, Prometheus metrics and a websocket event feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"camera-capture-go/internal/camera"
)

// Defaults
const (
	DefaultFrameInterval = 50 * time.Millisecond
	DefaultPingInterval  = 30 * time.Second

	shutdownTimeout = 10 * time.Second
	writeWait       = 5 * time.Second
	eventQueue      = 64
)

// Camera is the part of camera.Camera the server drives.
type Camera interface {
	Status() camera.Status
	Bus() *camera.Bus
	TakePicture(ctx context.Context, opts camera.CaptureOptions) (camera.Blob, error)
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	ToggleFlash(ctx context.Context) (string, error)
	ToggleMode(ctx context.Context) error
	ResumePreview(ctx context.Context) error
	LoadStream(ctx context.Context) (camera.Stream, error)
	Stream() (camera.Stream, bool)
}

// Options configures a Server.
type Options struct {
	Addr string
	// Metrics is mounted at /metrics when set.
	Metrics       http.Handler
	FrameInterval time.Duration
	PingInterval  time.Duration
	Logger        *slog.Logger
}

// Server is the HTTP control surface for one camera.
type Server struct {
	cam      Camera
	opts     Options
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *slog.Logger

	loadMu sync.Mutex
}

// New builds the routes. Nothing listens until Run.
func New(cam Camera, opts Options) *Server {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cam:    cam,
		opts:   opts,
		echo:   echo.New(),
		logger: opts.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				s.logger.Debug("request completed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds())
			} else {
				s.logger.Warn("request failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
					"error", v.Error.Error())
			}
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/status", s.status)
	s.echo.POST("/photo", s.photo)
	s.echo.POST("/record/start", s.recordStart)
	s.echo.POST("/record/stop", s.recordStop)
	s.echo.POST("/flash", s.flash)
	s.echo.POST("/mode", s.mode)
	s.echo.POST("/preview/resume", s.resume)
	s.echo.GET("/preview.mjpeg", s.preview)
	s.echo.GET("/events", s.events)
	if opts.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens on opts.Addr until ctx is done, then shuts down. Open preview
// streams and event feeds end with ctx.
func (s *Server) Run(ctx context.Context) error {
	s.echo.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "address", s.opts.Addr)
		errCh <- s.echo.Start(s.opts.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
