package v4l2

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"camera-capture-go/internal/media"
)

// =============================================================================
// Stale device holders
// =============================================================================
// A crashed ffmpeg can keep /dev/videoN open. Before acquiring, holders are:
//
//   1. found with `lsof -t`, falling back to `fuser -v`
//   2. filtered to exclude our own PID
//   3. sent SIGTERM, then SIGKILL after a grace period if still alive
//
// When signalling is not permitted, `sudo fuser -k` is tried once.
// =============================================================================

// DefaultHolderGrace is the wait between SIGTERM and SIGKILL.
const DefaultHolderGrace = 400 * time.Millisecond

const holderLookupTimeout = 2 * time.Second

// signaler sends signals to processes.
type signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
	PermissionDenied(err error) bool
}

// HolderKiller frees a device held by other processes.
type HolderKiller struct {
	Runner media.Runner
	Grace  time.Duration
	Logger *slog.Logger

	signals signaler
	self    int
}

// NewHolderKiller uses lsof/fuser through runner and real signals.
func NewHolderKiller(runner media.Runner, logger *slog.Logger) *HolderKiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &HolderKiller{
		Runner:  runner,
		Grace:   DefaultHolderGrace,
		Logger:  logger.With("component", "holders"),
		signals: osSignaler{},
		self:    os.Getpid(),
	}
}

// Free terminates every other process holding devicePath. It reports whether
// any process was signalled.
func (k *HolderKiller) Free(ctx context.Context, devicePath string) bool {
	pids := k.lookup(ctx, "lsof", "-t", devicePath)
	if len(pids) == 0 {
		pids = k.lookup(ctx, "fuser", "-v", devicePath)
	}
	pids = slices.DeleteFunc(pids, func(pid int) bool { return pid == k.self })
	if len(pids) == 0 {
		return false
	}

	k.Logger.Warn("killing device holders", "device", devicePath, "pids", pids)

	escalated := false
	escalate := func() {
		if !escalated {
			escalated = true
			k.run(ctx, "sudo", "fuser", "-k", devicePath)
		}
	}

	for _, pid := range pids {
		if err := k.signals.Terminate(pid); err != nil {
			if k.signals.PermissionDenied(err) {
				escalate()
				break
			}
			k.Logger.Warn("SIGTERM failed", "pid", pid, "error", err)
		}
	}

	t := time.NewTimer(k.Grace)
	select {
	case <-ctx.Done():
		t.Stop()
		return true
	case <-t.C:
	}

	for _, pid := range pids {
		if !k.signals.Alive(pid) {
			continue
		}
		if err := k.signals.Kill(pid); err != nil {
			if k.signals.PermissionDenied(err) {
				escalate()
				continue
			}
			k.Logger.Warn("SIGKILL failed", "pid", pid, "error", err)
		}
	}
	return true
}

var pidPattern = regexp.MustCompile(`\b(\d+)\b`)

// lookup returns the sorted distinct PIDs printed by a holder listing.
func (k *HolderKiller) lookup(ctx context.Context, name string, args ...string) []int {
	out := k.run(ctx, name, args...)
	var pids []int
	for _, m := range pidPattern.FindAllString(out, -1) {
		if pid, err := strconv.Atoi(m); err == nil && pid > 0 && !slices.Contains(pids, pid) {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	return pids
}

// run ignores failures: a missing tool or an unheld device both print nothing.
func (k *HolderKiller) run(ctx context.Context, name string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, holderLookupTimeout)
	defer cancel()
	out, err := k.Runner.Run(ctx, nil, name, args...)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
