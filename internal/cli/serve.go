package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/metrics"
	"camera-capture-go/internal/perf"
	"camera-capture-go/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve camera control, MJPEG preview and metrics over HTTP",
	Long: `Load the camera and serve it until interrupted:

  GET  /status            camera state and negotiated sizes
  POST /photo             take a picture (?lat=&lon=&alt= to geotag)
  POST /record/start      start recording (video mode)
  POST /record/stop       stop recording
  POST /flash             advance the flash mode
  POST /mode              switch between photo and video
  POST /preview/resume    resume the preview after a capture
  GET  /preview.mjpeg     live preview
  GET  /events            websocket event feed
  GET  /metrics           Prometheus metrics (metrics.enabled)

While performance.dynamic_fps is set, the preview frame rate drops when the
host is overloaded or hot and recovers once it calms down.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	r, err := newRig(ctx, cfg, logger, "")
	if err != nil {
		return err
	}
	defer r.Close(context.WithoutCancel(ctx))

	defer camera.Listen(r.cam.Bus(), func(ev camera.Failure) {
		logger.Warn("camera operation failed", "op", ev.Op, "id", ev.ID, "error", ev.Err)
	})()

	var (
		m       *metrics.Metrics
		handler http.Handler
	)
	if cfg.Metrics.Enabled {
		m = metrics.New()
		defer m.Attach(r.cam.Bus())()
		handler = m.Handler()
	}

	if err := r.cam.Load(ctx); err != nil {
		return fmt.Errorf("load camera: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	monitor := perf.NewMonitor()

	var rate perf.RateSetter = r.device
	if m != nil {
		rate = m.RateSetter(rate)
	}

	switch {
	case cfg.Performance.DynamicFPS:
		opts := perf.AdaptiveOptions{
			Interval: time.Duration(cfg.Performance.CheckIntervalMS) * time.Millisecond,
			MinFPS:   cfg.Performance.MinFPS,
			MaxFPS:   r.fps,
			Step:     cfg.Performance.FPSStep,
			Thresholds: perf.Thresholds{
				MaxLoad: cfg.Performance.CPULoadThreshold,
				MaxTemp: cfg.Performance.CPUTempThresholdC,
			},
			Logger: logger,
		}
		if m != nil {
			opts.OnSample = m.ObserveHost
		}
		ac := perf.NewAdaptiveController(monitor, rate, opts)
		g.Go(func() error {
			ac.Run(gctx)
			return nil
		})
	case m != nil:
		m.SetPreviewFPS(r.fps)
		g.Go(func() error {
			m.SampleHost(gctx, monitor, time.Duration(cfg.Metrics.HostIntervalMS)*time.Millisecond)
			return nil
		})
	}

	srv := server.New(r.cam, server.Options{
		Addr:    cfg.Server.Addr,
		Metrics: handler,
		Logger:  logger,
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	st := r.cam.Status()
	printer.Success("camera %d ready in %s mode", st.Number, st.Mode)
	printer.Info("serving on http://%s (Ctrl-C to stop)", cfg.Server.Addr)
	return g.Wait()
}
