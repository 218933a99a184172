package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateSetter is anything whose frame rate can be adjusted; both camera
// devices implement it.
type RateSetter interface {
	SetFrameRate(fps int)
}

// Defaults
const (
	DefaultInterval = 2 * time.Second
	DefaultMinFPS   = 5
	DefaultStep     = 2
)

// AdaptiveOptions configures an AdaptiveController.
type AdaptiveOptions struct {
	Interval   time.Duration
	MinFPS     int
	MaxFPS     int
	Step       int
	Thresholds Thresholds
	// OnSample, if set, sees every successful sample.
	OnSample func(Stats)
	Logger   *slog.Logger
}

// AdaptiveController lowers the preview frame rate while the host is
// stressed and restores it once the host recovers.
type AdaptiveController struct {
	monitor *Monitor
	target  RateSetter
	opts    AdaptiveOptions
	logger  *slog.Logger

	mu            sync.RWMutex
	fps           int
	underStress   bool
	stressCount   int
	recoveryCount int
}

// NewAdaptiveController starts at MaxFPS.
func NewAdaptiveController(monitor *Monitor, target RateSetter, opts AdaptiveOptions) *AdaptiveController {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MinFPS <= 0 {
		opts.MinFPS = DefaultMinFPS
	}
	if opts.MaxFPS < opts.MinFPS {
		opts.MaxFPS = opts.MinFPS
	}
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AdaptiveController{
		monitor: monitor,
		target:  target,
		opts:    opts,
		logger:  opts.Logger.With("component", "perf"),
		fps:     opts.MaxFPS,
	}
}

// Run samples the host every interval until ctx is done.
func (ac *AdaptiveController) Run(ctx context.Context) {
	ac.target.SetFrameRate(ac.FPS())

	ticker := time.NewTicker(ac.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := ac.monitor.Sample()
		if err != nil {
			ac.logger.Debug("host sample failed", "error", err)
			continue
		}
		if ac.opts.OnSample != nil {
			ac.opts.OnSample(stats)
		}
		ac.Adjust(stats)
	}
}

// Adjust applies one sample:
//
//	entering stress      -> step down
//	stress for >3 rounds -> keep stepping down
//	3 calm rounds        -> leave stress, step up
//	calm                 -> step up towards MaxFPS
func (ac *AdaptiveController) Adjust(s Stats) {
	ac.mu.Lock()
	prev := ac.fps
	stressed := ac.opts.Thresholds.Stressed(s)
	switch {
	case stressed && !ac.underStress:
		ac.underStress = true
		ac.stressCount++
		ac.recoveryCount = 0
		ac.stepLocked(-ac.opts.Step)
	case stressed:
		ac.stressCount++
		ac.recoveryCount = 0
		if ac.stressCount > 3 {
			ac.stepLocked(-ac.opts.Step)
		}
	case ac.underStress:
		ac.recoveryCount++
		if ac.recoveryCount > 2 {
			ac.underStress = false
			ac.recoveryCount = 0
			ac.stressCount = 0
			ac.stepLocked(ac.opts.Step)
		}
	default:
		ac.stepLocked(ac.opts.Step)
	}
	fps := ac.fps
	ac.mu.Unlock()

	if fps != prev {
		ac.target.SetFrameRate(fps)
		ac.logger.Info("preview frame rate adjusted",
			"fps", fps,
			"load", s.LoadAverage,
			"temp", s.Temperature,
			"stressed", stressed)
	}
}

func (ac *AdaptiveController) stepLocked(delta int) {
	ac.fps = min(max(ac.fps+delta, ac.opts.MinFPS), ac.opts.MaxFPS)
}

// FPS returns the current frame rate.
func (ac *AdaptiveController) FPS() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.fps
}

// Stressed reports whether the controller is throttling.
func (ac *AdaptiveController) Stressed() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.underStress
}
