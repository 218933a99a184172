package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/media"
)

// resetFlags puts every flag back to its default so runs do not leak into
// each other through the shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// testEnv points config, logs, captures and settings into a temp dir.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CAMERA_CONFIG", filepath.Join(dir, "camera.yaml"))
	t.Setenv("CAMERA_LOGGING_FILE", filepath.Join(dir, "camera.log"))
	t.Setenv("CAMERA_LOGGING_CONSOLE", "false")
	t.Setenv("CAMERA_RECORDING_DIR", filepath.Join(dir, "captures"))
	t.Setenv("CAMERA_RECORDING_SETTLE_MS", "40")
	t.Setenv("CAMERA_RECORDING_MIN_RECORDING_MS", "10")
	t.Setenv("CAMERA_SETTINGS_PATH", filepath.Join(dir, "settings.db"))
	t.Setenv("CAMERA_SIM_FPS", "30")
	t.Setenv("CAMERA_PERFORMANCE_CHECK_INTERVAL_MS", "250")
	// A busy test host must not throttle the preview.
	t.Setenv("CAMERA_PERFORMANCE_CPU_LOAD_THRESHOLD", "20")
	t.Setenv("CAMERA_PERFORMANCE_CPU_TEMP_THRESHOLD_C", "100")
	return dir
}

func runContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	err := executeContext(ctx)
	return out.String(), errOut.String(), err
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runContext(t, context.Background(), args...)
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "2026-10-01T00:00:00Z", "go1.25")
	defer SetVersion("dev", "unknown", "unknown")

	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "camera 1.2.3")
	assert.Contains(t, out, "Build time: 2026-10-01T00:00:00Z")
	assert.Contains(t, out, "Platform:")
}

func TestUnknownDevice(t *testing.T) {
	testEnv(t)
	_, _, err := run(t, "--device", "usb", "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown device "usb"`)
}

func TestProbeSim(t *testing.T) {
	testEnv(t)
	out, _, err := run(t, "--device", "sim", "probe")
	require.NoError(t, err)

	assert.Contains(t, out, "CAMERA")
	assert.Contains(t, out, "2592x1944")
	assert.Contains(t, out, "qcif,cif,vga,720p")
	assert.Contains(t, out, "off,auto,on,torch")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3, "header plus one row per simulated camera")
}

func TestPhotoSim(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "shot.jpg")

	out, _, err := run(t, "--device", "sim", "photo", "-o", path, "--lat", "52.5", "--lon", "13.4")
	require.NoError(t, err)
	assert.Contains(t, out, "[OK] saved "+path)
	assert.Contains(t, out, "position: 52.500000,13.400000")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	comments, err := media.Comments(data)
	require.NoError(t, err)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0], "lat=52.5")
}

func TestPhotoDefaultPath(t *testing.T) {
	dir := testEnv(t)

	_, _, err := run(t, "--device", "sim", "photo")
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "captures", "IMG_*.jpg"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestPhotoRequiresLatAndLon(t *testing.T) {
	testEnv(t)
	_, _, err := run(t, "--device", "sim", "photo", "--lat", "52.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--lat and --lon")
}

func TestRecordSim(t *testing.T) {
	dir := testEnv(t)
	clip := filepath.Join(dir, "clip.mjpeg")
	poster := filepath.Join(dir, "poster.jpg")

	out, _, err := run(t, "--device", "sim", "record", "--duration", "150ms", "-o", clip, "--poster", poster)
	require.NoError(t, err)
	assert.Contains(t, out, "[OK] saved "+clip)

	data, err := os.ReadFile(clip)
	require.NoError(t, err)
	assert.True(t, media.IsMJPEG(camera.Blob{Data: data}))

	frame, err := os.ReadFile(poster)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(frame, []byte{0xff, 0xd8}))

	leftovers, err := filepath.Glob(filepath.Join(dir, "captures", "*_tmp*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "the temporary clip is removed after copying")
}

func TestFlashSim(t *testing.T) {
	testEnv(t)
	out, _, err := run(t, "--device", "sim", "flash", "--cycle", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "[OK] flash ")
	assert.Contains(t, out, "auto")
	assert.NotContains(t, out, "torch", "torch is a video mode")
	assert.Contains(t, out, "*")
}

func TestFlashWithoutHardware(t *testing.T) {
	testEnv(t)
	_, errOut, err := run(t, "--device", "sim", "--camera", "1", "flash")
	require.NoError(t, err)
	assert.Contains(t, errOut, "[WARN] camera 1 has no flash")
}

func TestSettingsRoundTrip(t *testing.T) {
	testEnv(t)
	key := camera.PreferredVideoSizesKey

	out, _, err := run(t, "settings", "set", key, "720p", "vga")
	require.NoError(t, err)
	assert.Contains(t, out, "[OK] "+key+" = 720p vga")

	out, _, err = run(t, "settings", "get", key)
	require.NoError(t, err)
	assert.Equal(t, "720p\nvga\n", out)

	out, _, err = run(t, "settings", "list")
	require.NoError(t, err)
	assert.Contains(t, out, key)
	assert.Contains(t, out, "720p vga")

	_, _, err = run(t, "settings", "delete", key)
	require.NoError(t, err)

	_, _, err = run(t, "settings", "get", key)
	assert.ErrorIs(t, err, ErrSettingNotFound)
}

func TestSettingsListEmpty(t *testing.T) {
	testEnv(t)
	out, _, err := run(t, "settings", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no settings stored")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func get(url string) (int, string) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServeSim(t *testing.T) {
	testEnv(t)
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, _, err := runContext(t, ctx, "--device", "sim", "serve", "--addr", addr)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		code, body := get("http://" + addr + "/status")
		return code == http.StatusOK && strings.Contains(body, `"session":"ready"`)
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, body := get("http://" + addr + "/metrics")
		return strings.Contains(body, "camera_preview_fps 30")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.out, "[OK] camera 0 ready in photo mode")
		assert.Contains(t, r.out, "serving on http://"+addr)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
