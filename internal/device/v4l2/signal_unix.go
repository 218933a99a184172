//go:build unix

package v4l2

import (
	"errors"

	"golang.org/x/sys/unix"
)

type osSignaler struct{}

func (osSignaler) Terminate(pid int) error { return unix.Kill(pid, unix.SIGTERM) }

func (osSignaler) Kill(pid int) error { return unix.Kill(pid, unix.SIGKILL) }

// Alive probes with signal 0.
func (osSignaler) Alive(pid int) bool { return unix.Kill(pid, 0) == nil }

func (osSignaler) PermissionDenied(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
