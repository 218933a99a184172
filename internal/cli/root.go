// Package cli contains the camera command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"camera-capture-go/internal/config"
)

var (
	cfgFile      string
	deviceFlag   string
	cameraNumber int
	rotation     int
	verbose      bool
	noColor      bool

	cfg      *config.Config
	logger   *slog.Logger
	printer  *Printer
	closeLog func()

	version   = "dev"
	buildTime = "unknown"
	goVersion = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "camera",
	Short: "Capture photos and videos from a camera",
	Long: `camera drives one camera: it negotiates picture, preview and video sizes,
takes pictures, records clips and serves a live preview over HTTP.

Example usage:
  camera probe                     # List cameras and their capabilities
  camera photo -o shot.jpg         # Take a picture
  camera record --duration 10s     # Record a ten second clip
  camera serve                     # HTTP control surface and MJPEG preview
  camera --device sim serve        # Same, on the simulated camera`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return executeContext(ctx)
}

func executeContext(ctx context.Context) error {
	defer func() {
		if closeLog != nil {
			closeLog()
			closeLog = nil
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the build information reported by the version command.
func SetVersion(v, built, goV string) {
	version, buildTime, goVersion = v, built, goV
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./camera.yaml or $CAMERA_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&deviceFlag, "device", "", "camera backend: v4l2 or sim (overrides camera.device)")
	rootCmd.PersistentFlags().IntVar(&cameraNumber, "camera", -1, "camera number (overrides camera.number)")
	rootCmd.PersistentFlags().IntVar(&rotation, "rotation", 0, "device orientation in degrees")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
}

// initConfig loads the configuration, applies flag overrides and sets up
// logging. A broken config file falls back to defaults with a warning.
func initConfig(cmd *cobra.Command) error {
	printer = NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), colorsEnabled(noColor))

	loaded, err := config.Load(cfgFile)
	if err != nil {
		printer.Warning("%v (using defaults)", err)
	}
	cfg = loaded

	switch deviceFlag {
	case "":
	case "sim", "v4l2":
		cfg.Camera.Device = deviceFlag
	default:
		return fmt.Errorf("unknown device %q: must be v4l2 or sim", deviceFlag)
	}
	if cameraNumber >= 0 {
		cfg.Camera.Number = cameraNumber
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Console = true
	}

	if closeLog != nil {
		closeLog()
	}
	logger, closeLog, _ = config.ConfigureLogging(cfg)

	ok, warnings := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}
	if !ok {
		return errors.New("config: validation failed")
	}
	return nil
}
