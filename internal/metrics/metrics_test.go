package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-capture-go/internal/camera"
	"camera-capture-go/internal/perf"
)

func TestCameraEvents(t *testing.T) {
	m := New()
	bus := camera.NewBus()
	detach := m.Attach(bus)

	bus.Publish(camera.NewImage{Blob: camera.Blob{Data: []byte("jpeg")}})
	bus.Publish(camera.NewImage{})
	bus.Publish(camera.RecordingStart{SessionID: "s1"})
	bus.Publish(camera.RecordingChanged{Recording: true})
	bus.Publish(camera.ElapsedChanged{Elapsed: 1500 * time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.photosTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordingActive))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.recordingElapsed))

	bus.Publish(camera.FileSizeLimitReached{})
	bus.Publish(camera.RecordingEnd{SessionID: "s1"})
	bus.Publish(camera.RecordingChanged{Recording: false})
	bus.Publish(camera.NewVideo{Blob: camera.Blob{Data: make([]byte, 1000)}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sizeLimitTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.recordingActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.recordingElapsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.videosTotal))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.videoBytesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.recordingDuration))

	detach()
	bus.Publish(camera.NewImage{})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.photosTotal), "detached")
}

func TestFailuresAndSessionState(t *testing.T) {
	m := New()
	err := camera.ErrInsufficientStorage
	m.Handle(camera.Failure{Op: "record-start", ID: camera.ErrorID(err), Err: err})
	m.Handle(camera.Failure{Op: "record-finalize", Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues("record-start", "nospace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues("record-finalize", "none")))

	m.Handle(camera.SessionStateChanged{From: camera.SessionReleased, To: camera.SessionAcquiring})
	m.Handle(camera.SessionStateChanged{From: camera.SessionAcquiring, To: camera.SessionConfiguring})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues(camera.SessionAcquiring.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues(camera.SessionConfiguring.String())))
}

type nopRate struct{ fps int }

func (n *nopRate) SetFrameRate(fps int) { n.fps = fps }

func TestHostAndPreviewRate(t *testing.T) {
	m := New()
	m.ObserveHost(perf.Stats{LoadAverage: 0.7, MemoryUsage: 42})
	assert.Equal(t, 0.7, testutil.ToFloat64(m.hostLoad))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.hostMemory))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.hostTemperature), "no sensor")

	m.ObserveHost(perf.Stats{Temperature: 55, HasTemp: true})
	assert.Equal(t, 55.0, testutil.ToFloat64(m.hostTemperature))

	dev := &nopRate{}
	m.RateSetter(dev).SetFrameRate(9)
	assert.Equal(t, 9, dev.fps)
	assert.Equal(t, 9.0, testutil.ToFloat64(m.previewFPS))
}

func TestSampleHost(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proc", "loadavg"), []byte("1.25 1 1 1/1 1\n"), 0o644))

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.SampleHost(ctx, &perf.Monitor{Root: root}, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.hostLoad) == 1.25 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Handle(camera.NewImage{})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "camera_photos_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
