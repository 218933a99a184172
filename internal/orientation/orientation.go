// Package orientation provides device rotation sources.
package orientation

import (
	"context"
	"sync/atomic"
)

// Fixed always reports the same rotation.
type Fixed int

// CurrentRotationDegrees implements camera.Orientation.
func (f Fixed) CurrentRotationDegrees() int {
	return Snap(int(f))
}

// Tracker holds the latest rotation reported by a sensor. Safe for
// concurrent use.
type Tracker struct {
	degrees atomic.Int32
}

// NewTracker starts at initial degrees.
func NewTracker(initial int) *Tracker {
	t := &Tracker{}
	t.Set(initial)
	return t
}

// Set records a raw reading, snapped to the nearest quarter turn.
func (t *Tracker) Set(degrees int) {
	t.degrees.Store(int32(Snap(degrees)))
}

// CurrentRotationDegrees implements camera.Orientation.
func (t *Tracker) CurrentRotationDegrees() int {
	return int(t.degrees.Load())
}

// Follow applies readings until ctx is done or readings is closed.
func (t *Tracker) Follow(ctx context.Context, readings <-chan int) {
	for {
		select {
		case <-ctx.Done():
			return
		case deg, ok := <-readings:
			if !ok {
				return
			}
			t.Set(deg)
		}
	}
}

// Snap maps any angle onto 0, 90, 180 or 270.
func Snap(degrees int) int {
	degrees %= 360
	if degrees < 0 {
		degrees += 360
	}
	return ((degrees + 45) / 90 % 4) * 90
}
