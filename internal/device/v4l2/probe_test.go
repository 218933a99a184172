package v4l2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-capture-go/internal/camera"
)

const formatsOutput = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.017s (60.000 fps)
		Size: Discrete 352x288
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 320x240
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 176x144
			Interval: Discrete 0.033s (30.000 fps)
`

const controlsOutput = `
User Controls

                     brightness 0x00980900 (int)    : min=-64 max=64 step=1 default=0 value=0
                       contrast 0x00980901 (int)    : min=0 max=64 step=1 default=32 value=32

Camera Controls

                  auto_exposure 0x009a0901 (menu)   : min=0 max=3 default=3 value=3 (Aperture Priority Mode)
                 focus_absolute 0x009a090a (int)    : min=0 max=1023 step=1 default=0 value=0 flags=inactive
     focus_automatic_continuous 0x009a090c (bool)   : default=1 value=1
`

func TestParseFormats(t *testing.T) {
	formats := parseFormats(formatsOutput)
	require.Len(t, formats, 2)

	assert.Equal(t, "MJPG", formats[0].FourCC)
	assert.Len(t, formats[0].Sizes, 5)
	assert.Equal(t, camera.Size{Width: 1920, Height: 1080}, formats[0].Sizes[0])
	assert.InDelta(t, 60.0, formats[0].MaxFPS, 0.001)

	assert.Equal(t, "YUYV", formats[1].FourCC)
	assert.Equal(t, []camera.Size{{Width: 640, Height: 480}, {Width: 176, Height: 144}}, formats[1].Sizes)
}

func TestParseControls(t *testing.T) {
	ctrls := parseControls(controlsOutput)
	assert.Len(t, ctrls, 5)

	focus := ctrls[ctrlFocusAbsolute]
	assert.Equal(t, "int", focus.Type)
	assert.Equal(t, 0, focus.Min)
	assert.Equal(t, 1023, focus.Max)
	assert.Equal(t, -64, ctrls["brightness"].Min)
	assert.Contains(t, ctrls, ctrlFocusAuto)
}

func TestCapabilitiesFrom(t *testing.T) {
	caps, err := capabilitiesFrom(parseFormats(formatsOutput), parseControls(controlsOutput), "mjpeg")
	require.NoError(t, err)

	assert.Len(t, caps.PictureSizes, 5)
	assert.Equal(t, []camera.Size{{Width: 1280, Height: 720}, {Width: 640, Height: 480}, {Width: 352, Height: 288}, {Width: 320, Height: 240}}, caps.PreviewSizes)
	assert.Equal(t, []string{"auto", "infinity", "macro"}, caps.FocusModes)
	assert.Empty(t, caps.FlashModes)

	var names []string
	for _, p := range caps.RecorderProfiles {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"cif", "vga", "720p", "1080p"}, names)
}

func TestCapabilitiesFromYUYVAndFlash(t *testing.T) {
	ctrls := map[string]Control{ctrlFlashLEDMode: {Name: ctrlFlashLEDMode, Type: "menu", Max: 2}}
	caps, err := capabilitiesFrom(parseFormats(formatsOutput), ctrls, "yuyv")
	require.NoError(t, err)

	assert.Len(t, caps.PictureSizes, 2)
	assert.Equal(t, []string{"fixed"}, caps.FocusModes)
	assert.Equal(t, []string{"off", "on", "torch"}, caps.FlashModes)
	assert.Equal(t, "qcif", caps.RecorderProfiles[0].Name)
}

func TestCapabilitiesFromNothing(t *testing.T) {
	_, err := capabilitiesFrom(nil, nil, "mjpeg")
	assert.Error(t, err)

	_, err = capabilitiesFrom([]Format{{FourCC: "MJPG"}}, nil, "mjpeg")
	assert.Error(t, err)
}

func TestPreviewAttempts(t *testing.T) {
	size := camera.Size{Width: 640, Height: 480}

	attempts := previewAttempts("/dev/video0", "mjpeg", size, 15)
	require.Len(t, attempts, 3)
	assert.Subset(t, attempts[0], []string{"-input_format", "mjpeg", "-video_size", "640x480", "-framerate", "15", "-i", "/dev/video0"})
	assert.Subset(t, attempts[1], []string{"-input_format", "yuyv422"})
	assert.NotContains(t, attempts[2], "-input_format")
	for _, a := range attempts {
		assert.Equal(t, "-", a[len(a)-1])
	}

	attempts = previewAttempts("/dev/video0", "yuyv", size, 15)
	assert.Subset(t, attempts[0], []string{"-input_format", "yuyv422"})
	assert.Subset(t, attempts[1], []string{"-input_format", "mjpeg"})
}

func TestStillArgs(t *testing.T) {
	args := stillArgs("/dev/video1", "mjpeg", camera.Size{Width: 1920, Height: 1080})
	assert.Subset(t, args, []string{"-video_size", "1920x1080", "-frames:v", "1", "-i", "/dev/video1"})
	assert.NotContains(t, args, "-framerate")
}

func TestRecordArgs(t *testing.T) {
	cfg := camera.RecordingConfig{
		Rotation:         90,
		MaxFileSizeBytes: 1 << 20,
		Profile:          camera.VideoProfile{Name: "vga", Width: 640, Height: 480},
	}

	args := recordArgs("/dev/video0", "mjpeg", cfg, 15, "/tmp/x/.staging/1_tmp.mp4")
	assert.Subset(t, args, []string{"-c:v", "libx264", "rotate=90", "-fs", "1048576", "-f", "mp4", "/tmp/x/.staging/1_tmp.mp4"})
	assert.Equal(t, "-", args[len(args)-1])

	args = recordArgs("/dev/video0", "mjpeg", cfg, 15, "/tmp/1_tmp.mjpeg")
	assert.Subset(t, args, []string{"-c:v", "mjpeg", "-f", "mjpeg"})
	assert.NotContains(t, args, "rotate=90")

	cfg.MaxFileSizeBytes = 0
	assert.NotContains(t, recordArgs("/dev/video0", "mjpeg", cfg, 15, "/tmp/a.3gp"), "-fs")
}

func TestContainerFor(t *testing.T) {
	for path, want := range map[string]string{
		"a.3gp": "3gp", "a.mp4": "mp4", "a.mkv": "matroska", "a.mov": "mov",
		"a.mjpeg": "mjpeg", "a": "mp4", "a.webm": "webm",
	} {
		assert.Equal(t, want, containerFor(path), path)
	}
}

func TestFocusControls(t *testing.T) {
	ctrls := parseControls(controlsOutput)

	got, err := focusControls("auto", ctrls)
	require.NoError(t, err)
	assert.Equal(t, []string{"focus_automatic_continuous=1"}, got)

	got, err = focusControls("macro", ctrls)
	require.NoError(t, err)
	assert.Equal(t, []string{"focus_automatic_continuous=0", "focus_absolute=1023"}, got)

	got, err = focusControls("fixed", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = focusControls("infinity", nil)
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	// Regular files are not device nodes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video0"), nil, 0o644))

	infos, err := Discover(dir, 3)
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = Discover(filepath.Join(dir, "missing"), 3)
	assert.Error(t, err)
}

func TestCardName(t *testing.T) {
	out := "Driver Info:\n\tDriver name      : uvcvideo\n\tCard type        : HD Pro Webcam C920\n"
	assert.Equal(t, "HD Pro Webcam C920", cardName(out))
	assert.Empty(t, cardName("nothing"))
}

// ===== holders =====

type fakeSignals struct {
	terms, kills []int
	alive        map[int]bool
	deny         bool
}

var errDenied = errors.New("denied")

func (f *fakeSignals) Terminate(pid int) error {
	if f.deny {
		return errDenied
	}
	f.terms = append(f.terms, pid)
	return nil
}

func (f *fakeSignals) Kill(pid int) error {
	f.kills = append(f.kills, pid)
	return nil
}

func (f *fakeSignals) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeSignals) PermissionDenied(err error) bool { return errors.Is(err, errDenied) }

func newTestKiller(r *fakeRunner, sig *fakeSignals) *HolderKiller {
	k := NewHolderKiller(r, discard())
	k.Grace = time.Millisecond
	k.signals = sig
	k.self = 100
	return k
}

func TestHolderKillerLsof(t *testing.T) {
	r := newFakeRunner()
	r.on("lsof", func(args []string) ([]byte, error) { return []byte("4242\n100\n4243\n"), nil })
	sig := &fakeSignals{alive: map[int]bool{4243: true}}

	assert.True(t, newTestKiller(r, sig).Free(context.Background(), "/dev/video0"))
	assert.Equal(t, []int{4242, 4243}, sig.terms)
	assert.Equal(t, []int{4243}, sig.kills)
	assert.Zero(t, r.count("fuser"))
}

func TestHolderKillerFuserFallback(t *testing.T) {
	r := newFakeRunner()
	r.on("lsof", func([]string) ([]byte, error) { return nil, errors.New("not installed") })
	r.on("fuser", func([]string) ([]byte, error) { return []byte("/dev/video0:          777"), nil })
	sig := &fakeSignals{}

	assert.True(t, newTestKiller(r, sig).Free(context.Background(), "/dev/video0"))
	assert.Equal(t, []int{777}, sig.terms)
}

func TestHolderKillerNothingToDo(t *testing.T) {
	r := newFakeRunner()
	r.on("lsof", func([]string) ([]byte, error) { return []byte("100"), nil })
	sig := &fakeSignals{}

	assert.False(t, newTestKiller(r, sig).Free(context.Background(), "/dev/video0"))
	assert.Empty(t, sig.terms)
}

func TestHolderKillerEscalatesOnce(t *testing.T) {
	r := newFakeRunner()
	r.on("lsof", func([]string) ([]byte, error) { return []byte("1\n2"), nil })
	r.on("sudo", func([]string) ([]byte, error) { return nil, nil })
	sig := &fakeSignals{deny: true}

	assert.True(t, newTestKiller(r, sig).Free(context.Background(), "/dev/video0"))
	assert.Equal(t, 1, r.count("sudo"))
}
