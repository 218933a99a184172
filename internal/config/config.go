// Package config manages configuration for the camera capture tool.
//
// Configuration comes from a YAML file, CAMERA_* environment variables and
// built-in defaults, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// Configuration struct
// =============================================================================

// Config holds all runtime configuration values.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Camera      CameraConfig      `mapstructure:"camera"`
	V4L2        V4L2Config        `mapstructure:"v4l2"`
	Sim         SimConfig         `mapstructure:"sim"`
	Recording   RecordingConfig   `mapstructure:"recording"`
	Settings    SettingsConfig    `mapstructure:"settings"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxBytes    int    `mapstructure:"max_bytes"`
	BackupCount int    `mapstructure:"backup_count"`
	Console     bool   `mapstructure:"console"` // also log to stderr
}

// CameraConfig selects the device and the negotiation targets.
type CameraConfig struct {
	Device string `mapstructure:"device"` // sim or v4l2
	Number int    `mapstructure:"number"`
	Mode   string `mapstructure:"mode"` // photo or video

	MaxImagePixelSize     int   `mapstructure:"max_image_pixel_size"`
	EstimatedJPEGFileSize int64 `mapstructure:"estimated_jpeg_file_size"`
	TargetFileSize        int64 `mapstructure:"target_file_size"`
	TargetWidth           int   `mapstructure:"target_width"`
	TargetHeight          int   `mapstructure:"target_height"`

	ScreenWidth  int     `mapstructure:"screen_width"`
	ScreenHeight int     `mapstructure:"screen_height"`
	PixelRatio   float64 `mapstructure:"pixel_ratio"`

	FocusResetMS       int  `mapstructure:"focus_reset_ms"`
	ConfigureTimeoutMS int  `mapstructure:"configure_timeout_ms"`
	KillDeviceHolders  bool `mapstructure:"kill_device_holders"`
}

type V4L2Config struct {
	DevDir      string   `mapstructure:"dev_dir"`
	Paths       []string `mapstructure:"paths"`
	MaxCameras  int      `mapstructure:"max_cameras"`
	FPS         int      `mapstructure:"fps"`
	InputFormat string   `mapstructure:"input_format"` // mjpeg or yuyv; passed to FFmpeg as -input_format
	FFmpeg      string   `mapstructure:"ffmpeg"`
	V4L2Ctl     string   `mapstructure:"v4l2_ctl"`
}

type SimConfig struct {
	Cameras    int  `mapstructure:"cameras"`
	FPS        int  `mapstructure:"fps"`
	FocusFails bool `mapstructure:"focus_fails"`
}

type RecordingConfig struct {
	Dir               string `mapstructure:"dir"`
	SpaceMinBytes     int64  `mapstructure:"space_min_bytes"`
	SpacePaddingBytes int64  `mapstructure:"space_padding_bytes"`
	MinRecordingMS    int    `mapstructure:"min_recording_ms"`
	ElapsedIntervalMS int    `mapstructure:"elapsed_interval_ms"`
	// FinalizeTimeoutMS of 0 waits for the finished file until shutdown.
	FinalizeTimeoutMS int    `mapstructure:"finalize_timeout_ms"`
	SettleMS          int    `mapstructure:"settle_ms"`
	TempVideoExt      string `mapstructure:"temp_video_ext"`
}

type SettingsConfig struct {
	Backend string `mapstructure:"backend"` // sqlite or fyne
	Path    string `mapstructure:"path"`
	AppID   string `mapstructure:"app_id"`
}

type PerformanceConfig struct {
	DynamicFPS        bool    `mapstructure:"dynamic_fps"`
	CheckIntervalMS   int     `mapstructure:"check_interval_ms"`
	MinFPS            int     `mapstructure:"min_fps"`
	FPSStep           int     `mapstructure:"fps_step"`
	CPULoadThreshold  float64 `mapstructure:"cpu_load_threshold"`
	CPUTempThresholdC float64 `mapstructure:"cpu_temp_threshold_c"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	HostIntervalMS int  `mapstructure:"host_interval_ms"`
}

// =============================================================================
// Defaults
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "./logs/camera.log")
	v.SetDefault("logging.max_bytes", 5*1024*1024)
	v.SetDefault("logging.backup_count", 3)
	v.SetDefault("logging.console", true)

	v.SetDefault("camera.device", "v4l2")
	v.SetDefault("camera.number", 0)
	v.SetDefault("camera.mode", string(camera.ModePhoto))
	v.SetDefault("camera.max_image_pixel_size", camera.DefaultMaxImagePixelSize)
	v.SetDefault("camera.estimated_jpeg_file_size", camera.DefaultEstimatedJPEGFileSize)
	v.SetDefault("camera.target_file_size", 0)
	v.SetDefault("camera.target_width", 0)
	v.SetDefault("camera.target_height", 0)
	v.SetDefault("camera.screen_width", 640)
	v.SetDefault("camera.screen_height", 480)
	v.SetDefault("camera.pixel_ratio", 1.0)
	v.SetDefault("camera.focus_reset_ms", int(camera.DefaultFocusResetDelay/time.Millisecond))
	v.SetDefault("camera.configure_timeout_ms", int(camera.DefaultConfigureTimeout/time.Millisecond))
	v.SetDefault("camera.kill_device_holders", true)

	v.SetDefault("v4l2.dev_dir", "/dev")
	v.SetDefault("v4l2.paths", []string{})
	v.SetDefault("v4l2.max_cameras", 3)
	v.SetDefault("v4l2.fps", 15)
	v.SetDefault("v4l2.input_format", "mjpeg")
	v.SetDefault("v4l2.ffmpeg", "ffmpeg")
	v.SetDefault("v4l2.v4l2_ctl", "v4l2-ctl")

	v.SetDefault("sim.cameras", 2)
	v.SetDefault("sim.fps", 15)
	v.SetDefault("sim.focus_fails", false)

	v.SetDefault("recording.dir", "./captures")
	v.SetDefault("recording.space_min_bytes", camera.DefaultRecordSpaceMin)
	v.SetDefault("recording.space_padding_bytes", camera.DefaultRecordSpacePadding)
	v.SetDefault("recording.min_recording_ms", int(camera.DefaultMinRecordingTime/time.Millisecond))
	v.SetDefault("recording.elapsed_interval_ms", int(camera.DefaultElapsedInterval/time.Millisecond))
	v.SetDefault("recording.finalize_timeout_ms", 0)
	v.SetDefault("recording.settle_ms", 300)
	v.SetDefault("recording.temp_video_ext", "")

	v.SetDefault("settings.backend", "sqlite")
	v.SetDefault("settings.path", "./camera-settings.db")
	v.SetDefault("settings.app_id", "io.github.camera-capture")

	v.SetDefault("performance.dynamic_fps", true)
	v.SetDefault("performance.check_interval_ms", 2000)
	v.SetDefault("performance.min_fps", 5)
	v.SetDefault("performance.fps_step", 2)
	v.SetDefault("performance.cpu_load_threshold", 1.5)
	v.SetDefault("performance.cpu_temp_threshold_c", 70.0)

	v.SetDefault("server.addr", "127.0.0.1:8080")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host_interval_ms", 5000)
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

// =============================================================================
// Load
// =============================================================================

// ConfigPath returns the YAML file path to use, respecting $CAMERA_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("CAMERA_CONFIG"); p != "" {
		return p
	}
	return "./camera.yaml"
}

// Load reads the YAML file at path (or the default/env path) and applies
// CAMERA_* environment overrides. A missing file is not an error; every key
// has a default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAMERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return DefaultConfig(), fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.clamp()
	return &cfg, nil
}

// =============================================================================
// Clamping
// =============================================================================

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

// clamp pulls numeric settings into their supported ranges and resets
// unknown enum values to their defaults.
func (c *Config) clamp() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.MaxBytes = clampInt(c.Logging.MaxBytes, 1024, 0)
	c.Logging.BackupCount = clampInt(c.Logging.BackupCount, 1, 0)

	c.Camera.Device = strings.ToLower(strings.TrimSpace(c.Camera.Device))
	if c.Camera.Device != "sim" && c.Camera.Device != "v4l2" {
		c.Camera.Device = "v4l2"
	}
	if !camera.Mode(c.Camera.Mode).Valid() {
		c.Camera.Mode = string(camera.ModePhoto)
	}
	c.Camera.Number = clampInt(c.Camera.Number, 0, 0)
	c.Camera.MaxImagePixelSize = clampInt(c.Camera.MaxImagePixelSize, 160*120, 0)
	c.Camera.TargetWidth = clampInt(c.Camera.TargetWidth, 0, 0)
	c.Camera.TargetHeight = clampInt(c.Camera.TargetHeight, 0, 0)
	c.Camera.ScreenWidth = clampInt(c.Camera.ScreenWidth, 1, 0)
	c.Camera.ScreenHeight = clampInt(c.Camera.ScreenHeight, 1, 0)
	c.Camera.PixelRatio = clampFloat(c.Camera.PixelRatio, 0.5, 8)
	c.Camera.FocusResetMS = clampInt(c.Camera.FocusResetMS, 0, 0)
	c.Camera.ConfigureTimeoutMS = clampInt(c.Camera.ConfigureTimeoutMS, 100, 0)

	c.V4L2.MaxCameras = clampInt(c.V4L2.MaxCameras, 1, 8)
	c.V4L2.FPS = clampInt(c.V4L2.FPS, 1, 60)
	c.V4L2.InputFormat = strings.ToLower(strings.TrimSpace(c.V4L2.InputFormat))
	if c.V4L2.InputFormat != "mjpeg" && c.V4L2.InputFormat != "yuyv" {
		c.V4L2.InputFormat = "mjpeg"
	}

	c.Sim.Cameras = clampInt(c.Sim.Cameras, 1, 8)
	c.Sim.FPS = clampInt(c.Sim.FPS, 1, 60)

	c.Recording.MinRecordingMS = clampInt(c.Recording.MinRecordingMS, 0, 0)
	c.Recording.ElapsedIntervalMS = clampInt(c.Recording.ElapsedIntervalMS, 50, 0)
	c.Recording.FinalizeTimeoutMS = clampInt(c.Recording.FinalizeTimeoutMS, 0, 0)
	c.Recording.SettleMS = clampInt(c.Recording.SettleMS, 10, 5000)
	if c.Recording.TempVideoExt != "" && !strings.HasPrefix(c.Recording.TempVideoExt, ".") {
		c.Recording.TempVideoExt = "." + c.Recording.TempVideoExt
	}

	c.Settings.Backend = strings.ToLower(strings.TrimSpace(c.Settings.Backend))
	if c.Settings.Backend != "sqlite" && c.Settings.Backend != "fyne" {
		c.Settings.Backend = "sqlite"
	}

	c.Performance.CheckIntervalMS = clampInt(c.Performance.CheckIntervalMS, 250, 0)
	c.Performance.MinFPS = clampInt(c.Performance.MinFPS, 1, 0)
	c.Performance.FPSStep = clampInt(c.Performance.FPSStep, 1, 0)
	c.Performance.CPULoadThreshold = clampFloat(c.Performance.CPULoadThreshold, 0.1, 20.0)
	c.Performance.CPUTempThresholdC = clampFloat(c.Performance.CPUTempThresholdC, 30.0, 100.0)

	c.Metrics.HostIntervalMS = clampInt(c.Metrics.HostIntervalMS, 250, 0)
}

// =============================================================================
// Mapping onto the camera packages
// =============================================================================

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Options maps the configuration onto camera.Options.
func (c *Config) Options(logger *slog.Logger) camera.Options {
	return camera.Options{
		Number: c.Camera.Number,
		Mode:   camera.Mode(c.Camera.Mode),
		Target: camera.SelectionTarget{
			TargetFileSize:        c.Camera.TargetFileSize,
			TargetWidth:           c.Camera.TargetWidth,
			TargetHeight:          c.Camera.TargetHeight,
			MaxImagePixelSize:     c.Camera.MaxImagePixelSize,
			EstimatedJPEGFileSize: c.Camera.EstimatedJPEGFileSize,
		},
		Screen: camera.Screen{
			Width:      c.Camera.ScreenWidth,
			Height:     c.Camera.ScreenHeight,
			PixelRatio: c.Camera.PixelRatio,
		},
		FocusResetDelay:  ms(c.Camera.FocusResetMS),
		ConfigureTimeout: ms(c.Camera.ConfigureTimeoutMS),
		Recorder: camera.RecorderOptions{
			SpaceMin:         c.Recording.SpaceMinBytes,
			SpacePadding:     c.Recording.SpacePaddingBytes,
			MinRecordingTime: ms(c.Recording.MinRecordingMS),
			ElapsedInterval:  ms(c.Recording.ElapsedIntervalMS),
			FinalizeTimeout:  ms(c.Recording.FinalizeTimeoutMS),
			TempVideoExt:     c.Recording.TempVideoExt,
			Logger:           logger,
		},
		Logger: logger,
	}
}

// Settle is the storage write-coalescing window.
func (c *Config) Settle() time.Duration {
	return ms(c.Recording.SettleMS)
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks whether the Config values are reasonable and returns
// warnings. Returns ok=false if any setting is critically problematic.
func (c *Config) Validate() (ok bool, warnings []string) {
	ok = true

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		warnings = append(warnings, fmt.Sprintf("Unknown log level %q, using info", c.Logging.Level))
	}

	if c.Recording.Dir == "" {
		ok = false
		warnings = append(warnings, "recording.dir is empty; captures have nowhere to go")
	}

	if c.Recording.SpacePaddingBytes >= c.Recording.SpaceMinBytes && c.Recording.SpaceMinBytes > 0 {
		warnings = append(warnings, fmt.Sprintf("space_padding_bytes (%d) >= space_min_bytes (%d): recordings may start with no usable space",
			c.Recording.SpacePaddingBytes, c.Recording.SpaceMinBytes))
	}

	if c.Camera.TargetFileSize > 0 && c.Camera.TargetFileSize < c.Recording.SpacePaddingBytes {
		warnings = append(warnings, "target_file_size is below the recording padding")
	}

	if (c.Camera.TargetWidth == 0) != (c.Camera.TargetHeight == 0) {
		warnings = append(warnings, "target_width and target_height should be set together")
	}

	if c.Camera.Device == "v4l2" && c.Performance.MinFPS > c.V4L2.FPS {
		warnings = append(warnings, fmt.Sprintf("performance.min_fps (%d) > v4l2.fps (%d)", c.Performance.MinFPS, c.V4L2.FPS))
	}

	if c.Settings.Backend == "sqlite" && c.Settings.Path == "" {
		ok = false
		warnings = append(warnings, "settings.path is empty for the sqlite backend")
	}

	return ok, warnings
}
