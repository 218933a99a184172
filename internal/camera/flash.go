package camera

import (
	"fmt"
	"log/slog"
	"sync"
)

// FlashSetter is the hardware side of a flash mode change.
type FlashSetter interface {
	SetFlashMode(mode string) error
}

// FlashNegotiator tracks which flash modes are usable in the current capture
// mode and which one is selected. The selection only changes after the
// hardware accepted it, so the two never diverge.
type FlashNegotiator struct {
	mu        sync.Mutex
	hw        FlashSetter
	all       []string
	available []string
	current   int
	logger    *slog.Logger
}

// NewFlashNegotiator returns a negotiator with no modes.
func NewFlashNegotiator(logger *slog.Logger) *FlashNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlashNegotiator{
		current: -1,
		logger:  logger.With("component", "flash"),
	}
}

// AvailableFlashModes filters the hardware modes to those supported in mode,
// preserving hardware order.
func AvailableFlashModes(all []string, mode Mode) []string {
	supported := flashSupport[mode].supports
	out := make([]string, 0, len(all))
	for _, m := range all {
		for _, s := range supported {
			if m == s {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Configure recomputes the available modes for mode and selects its default.
// The default is pushed to hw before it is committed. With no available modes
// the selection is cleared and hw is not called.
func (f *FlashNegotiator) Configure(hw FlashSetter, all []string, mode Mode) error {
	available := AvailableFlashModes(all, mode)

	idx := -1
	if len(available) > 0 {
		idx = 0
		for i, m := range available {
			if m == flashSupport[mode].defaultMode {
				idx = i
				break
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.hw = hw
	f.all = append([]string(nil), all...)
	f.available = available

	if idx < 0 {
		f.current = -1
		f.logger.Debug("no flash modes available", "mode", mode)
		return nil
	}

	if err := hw.SetFlashMode(available[idx]); err != nil {
		f.current = -1
		return fmt.Errorf("set flash mode %q: %w", available[idx], err)
	}
	f.current = idx
	f.logger.Debug("flash configured", "mode", mode, "flash", available[idx], "available", available)
	return nil
}

// Cycle advances to the next available mode, wrapping around.
func (f *FlashNegotiator) Cycle() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.available) == 0 {
		return "", ErrNoFlashModes
	}

	next := (f.current + 1) % len(f.available)
	mode := f.available[next]
	if err := f.hw.SetFlashMode(mode); err != nil {
		return "", fmt.Errorf("set flash mode %q: %w", mode, err)
	}
	f.current = next
	return mode, nil
}

// State returns a copy of the flash configuration.
func (f *FlashNegotiator) State() FlashState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return FlashState{
		All:       append([]string(nil), f.all...),
		Available: append([]string(nil), f.available...),
		Current:   f.current,
	}
}

// Reset forgets the hardware and the selection.
func (f *FlashNegotiator) Reset() {
	f.mu.Lock()
	f.hw = nil
	f.all = nil
	f.available = nil
	f.current = -1
	f.mu.Unlock()
}
