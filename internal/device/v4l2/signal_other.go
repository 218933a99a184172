//go:build !unix

package v4l2

import "errors"

type osSignaler struct{}

func (osSignaler) Terminate(int) error { return errors.ErrUnsupported }

func (osSignaler) Kill(int) error { return errors.ErrUnsupported }

func (osSignaler) Alive(int) bool { return false }

func (osSignaler) PermissionDenied(error) bool { return false }
