package camera

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, dev *fakeDevice, settings SettingsStore) (*HardwareSession, *Bus) {
	t.Helper()
	bus := NewBus()
	s := NewHardwareSession(dev, settings, fixedOrientation(90), bus, SessionOptions{
		Screen:           Screen{Width: 480, Height: 640, PixelRatio: 1},
		ConfigureTimeout: 2 * time.Second,
		Logger:           discardLogger(),
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, bus
}

func simpleDevice() *fakeDevice {
	return &fakeDevice{
		num: 2,
		newHandle: func(int) *fakeHandle {
			return newFakeHandle(testCapabilities())
		},
	}
}

func TestSessionLoadNegotiates(t *testing.T) {
	dev := simpleDevice()
	settings := new(MockSettings)
	settings.On("Get", mock.Anything, PreferredVideoSizesKey).Return([]string{"720p"}, true, nil).Once()

	s, bus := newTestSession(t, dev, settings)
	events := record(bus)

	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))
	assert.Equal(t, SessionReady, s.State())

	neg := s.Snapshot()
	assert.Equal(t, Size{2592, 1944}, neg.PictureSize)
	assert.Equal(t, int64(2592*1944*4+4096), neg.MaxPictureBytes)
	assert.True(t, neg.HasThumbnail)
	assert.Equal(t, Size{640, 480}, neg.PreviewSize)
	assert.Equal(t, "720p", neg.VideoProfile.Name)
	assert.Equal(t, 90, neg.VideoProfile.Rotation)
	mode, _ := neg.Flash.CurrentMode()
	assert.Equal(t, "auto", mode)

	h := dev.last()
	assert.Equal(t, "auto", h.focusMode)
	assert.Equal(t, neg.PictureSize, h.pictureSize)

	assert.Equal(t, 1, events.count(KindConfigured))
	settings.AssertExpectations(t)
}

func TestSessionCachesPreferredSizes(t *testing.T) {
	dev := simpleDevice()
	settings := new(MockSettings)
	settings.On("Get", mock.Anything, PreferredVideoSizesKey).Return(nil, false, nil).Once()

	s, _ := newTestSession(t, dev, settings)

	require.NoError(t, s.Load(context.Background(), 0, ModeVideo))
	require.NoError(t, s.Load(context.Background(), 1, ModeVideo))

	assert.Equal(t, "cif", s.Snapshot().VideoProfile.Name)
	settings.AssertNumberOfCalls(t, "Get", 1)
}

func TestSessionSettingsErrorIsNotCached(t *testing.T) {
	dev := simpleDevice()
	settings := new(MockSettings)
	settings.On("Get", mock.Anything, PreferredVideoSizesKey).Return(nil, false, errors.New("db locked")).Once()
	settings.On("Get", mock.Anything, PreferredVideoSizesKey).Return([]string{"qcif"}, true, nil).Once()

	s, _ := newTestSession(t, dev, settings)

	require.NoError(t, s.Load(context.Background(), 0, ModeVideo))
	assert.Equal(t, "cif", s.Snapshot().VideoProfile.Name)

	require.NoError(t, s.Load(context.Background(), 0, ModeVideo))
	assert.Equal(t, "qcif", s.Snapshot().VideoProfile.Name)
	settings.AssertExpectations(t)
}

func TestSessionVideoPreviewUsesProfile(t *testing.T) {
	s, _ := newTestSession(t, simpleDevice(), nil)

	require.NoError(t, s.Load(context.Background(), 0, ModeVideo))
	neg := s.Snapshot()
	assert.Equal(t, neg.VideoProfile.Size(), neg.PreviewSize)
	mode, _ := neg.Flash.CurrentMode()
	assert.Equal(t, "off", mode)
}

func TestSessionAcquireFailure(t *testing.T) {
	dev := simpleDevice()
	dev.acquireErr = errors.New("device busy")
	s, bus := newTestSession(t, dev, nil)
	events := record(bus)

	err := s.Load(context.Background(), 0, ModePhoto)
	require.ErrorIs(t, err, ErrHardwareAcquisition)
	assert.Equal(t, "error-camera", ErrorID(err))
	assert.Equal(t, SessionReleased, s.State())
	assert.Zero(t, events.count(KindConfigured))
}

func TestSessionConfigurationFailureReleases(t *testing.T) {
	dev := &fakeDevice{
		num: 1,
		newHandle: func(int) *fakeHandle {
			h := newFakeHandle(testCapabilities())
			h.failWith("SetFocusMode", errors.New("focus motor stuck"))
			return h
		},
	}
	s, bus := newTestSession(t, dev, nil)
	events := record(bus)

	err := s.Load(context.Background(), 0, ModePhoto)
	require.ErrorIs(t, err, ErrConfigurationIncomplete)
	assert.Equal(t, SessionReleased, s.State())
	assert.Equal(t, 1, dev.last().released)
	assert.Zero(t, events.count(KindConfigured))
	_, ok := s.Handle()
	assert.False(t, ok)
}

func TestSessionEmptyProfilesIsIncomplete(t *testing.T) {
	dev := &fakeDevice{
		num: 1,
		newHandle: func(int) *fakeHandle {
			caps := testCapabilities()
			caps.RecorderProfiles = nil
			return newFakeHandle(caps)
		},
	}
	s, _ := newTestSession(t, dev, nil)

	err := s.Load(context.Background(), 0, ModePhoto)
	assert.ErrorIs(t, err, ErrConfigurationIncomplete)
	assert.ErrorIs(t, err, ErrEmptyCandidates)
}

func TestSessionConfigureTimeout(t *testing.T) {
	g := newGates("SetPictureSize")
	dev := &fakeDevice{
		num: 1,
		newHandle: func(int) *fakeHandle {
			h := newFakeHandle(testCapabilities())
			h.gates = g
			return h
		},
	}
	bus := NewBus()
	s := NewHardwareSession(dev, nil, nil, bus, SessionOptions{
		ConfigureTimeout: 30 * time.Millisecond,
		Logger:           discardLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Load(context.Background(), 0, ModePhoto) }()

	require.Equal(t, "SetPictureSize", <-g.entered)
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Load returned while a setter was still running: %v", err)
	default:
	}
	g.release("SetPictureSize")

	err := <-done
	assert.ErrorIs(t, err, ErrConfigurationIncomplete)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, SessionReleased, s.State())

	calls := dev.last().Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "Release", calls[len(calls)-1], "no hardware call after release: %v", calls)
	assert.NotContains(t, calls, "SetThumbnailSize")
}

func TestSessionReloadReleasesFirst(t *testing.T) {
	dev := simpleDevice()
	s, bus := newTestSession(t, dev, nil)

	var states []SessionState
	Listen(bus, func(ev SessionStateChanged) { states = append(states, ev.To) })

	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))
	first := dev.last()
	require.NoError(t, s.Load(context.Background(), 1, ModePhoto))

	assert.Equal(t, 1, first.released)
	assert.Equal(t, []int{0, 1}, dev.acquired)
	assert.Equal(t, []SessionState{
		SessionAcquiring, SessionConfiguring, SessionReady,
		SessionReleasing, SessionReleased,
		SessionAcquiring, SessionConfiguring, SessionReady,
	}, states)
}

func TestSessionReleaseFailureIsSwallowed(t *testing.T) {
	dev := simpleDevice()
	s, _ := newTestSession(t, dev, nil)
	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))

	dev.last().failWith("Release", errors.New("driver crashed"))
	require.NoError(t, s.Release(context.Background()))
	assert.Equal(t, SessionReleased, s.State())

	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))
	assert.Equal(t, SessionReady, s.State())
}

func TestSessionSwitchModeKeepsHardware(t *testing.T) {
	dev := simpleDevice()
	s, bus := newTestSession(t, dev, nil)
	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))
	events := record(bus)

	require.NoError(t, s.SwitchMode(context.Background(), ModeVideo))

	assert.Len(t, dev.acquired, 1)
	assert.Equal(t, SessionReady, s.State())
	neg := s.Snapshot()
	assert.Equal(t, ModeVideo, neg.Mode)
	assert.Equal(t, neg.VideoProfile.Size(), neg.PreviewSize)
	assert.Equal(t, []string{"off", "torch"}, neg.Flash.Available)
	assert.Equal(t, []string{"auto", "off"}, dev.last().FlashModes())
	assert.Zero(t, events.count(KindConfigured))
}

func TestSessionCycleFlashRequiresReady(t *testing.T) {
	s, _ := newTestSession(t, simpleDevice(), nil)
	_, err := s.CycleFlash(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSessionNotificationsBecomeEvents(t *testing.T) {
	dev := simpleDevice()
	s, bus := newTestSession(t, dev, nil)
	events := record(bus)
	require.NoError(t, s.Load(context.Background(), 0, ModePhoto))

	h := dev.last()
	h.notify(Notification{Kind: NotifyShutter})
	h.notify(Notification{Kind: NotifyRecorderState, Reason: RecorderFileSizeLimitReached})
	h.notify(Notification{Kind: NotifyRecorderState, Reason: "Started"})
	h.notify(Notification{Kind: NotifyPreviewState, State: PreviewStopped})

	require.Eventually(t, func() bool {
		return events.count(KindPreviewStateChanged) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.count(KindShutter))
	assert.Equal(t, 1, events.count(KindFileSizeLimitReached))
}

func TestSessionClosedRefusesLoad(t *testing.T) {
	s, _ := newTestSession(t, simpleDevice(), nil)
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Load(context.Background(), 0, ModePhoto), ErrClosed)
}

// The configured signal must fire exactly once, after all four configuration
// steps finished, whatever order they finish in.
func TestSessionConfigurationBarrierAllOrders(t *testing.T) {
	steps := []string{"SetPictureSize", "SetFocusMode", "SetFlashMode", "settings"}

	for _, order := range permutations(steps) {
		order := order
		t.Run(joinNames(order), func(t *testing.T) {
			g := newGates(steps...)
			dev := &fakeDevice{
				num: 1,
				newHandle: func(int) *fakeHandle {
					h := newFakeHandle(testCapabilities())
					h.gates = g
					return h
				},
			}
			settings := new(MockSettings)
			settings.On("Get", mock.Anything, PreferredVideoSizesKey).
				Run(func(mock.Arguments) { g.pass("settings") }).
				Return([]string{"cif"}, true, nil)

			s, bus := newTestSession(t, dev, settings)

			var configured atomic.Int32
			Listen(bus, func(Configured) { configured.Add(1) })

			loaded := make(chan error, 1)
			go func() { loaded <- s.Load(context.Background(), 0, ModePhoto) }()

			seen := map[string]bool{}
			for len(seen) < len(steps) {
				select {
				case name := <-g.entered:
					seen[name] = true
				case <-time.After(2 * time.Second):
					t.Fatalf("steps did not all start, saw %v", seen)
				}
			}

			for i, name := range order {
				g.release(name)
				if i < len(order)-1 {
					assert.Never(t, func() bool { return configured.Load() > 0 },
						15*time.Millisecond, time.Millisecond, "configured before %v finished", order[i+1:])
				}
			}

			select {
			case err := <-loaded:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("load did not finish")
			}
			assert.Equal(t, int32(1), configured.Load())
			assert.Equal(t, SessionReady, s.State())
		})
	}
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "-"
		}
		out += n
	}
	return out
}
