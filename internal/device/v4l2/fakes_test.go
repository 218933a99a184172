package v4l2

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jpegFrame(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// ===== runner =====

type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]func(args []string) ([]byte, error)
	calls    [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]func([]string) ([]byte, error))}
}

func (r *fakeRunner) on(name string, fn func(args []string) ([]byte, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *fakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	fn := r.handlers[name]
	r.mu.Unlock()
	if fn == nil {
		return nil, errors.New(name + ": not found")
	}
	return fn(args)
}

func (r *fakeRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c[0] == name {
			n++
		}
	}
	return n
}

func (r *fakeRunner) called(name string, args ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c[0] == name && slices.Equal(c[1:], args) {
			return true
		}
	}
	return false
}

// ===== processes =====

// fakeProc streams frame until interrupted, or until it has sent exitAfter
// frames when exitAfter > 0.
type fakeProc struct {
	args []string
	r    *io.PipeReader
	w    *io.PipeWriter

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func (p *fakeProc) Stdout() io.Reader { return p.r }

func (p *fakeProc) Interrupt() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *fakeProc) Kill() error { return p.Interrupt() }

func (p *fakeProc) Wait() error {
	<-p.exited
	return p.exitErr
}

type fakeStarter struct {
	t         testing.TB
	frame     []byte
	exitAfter int
	exitErr   error
	// fileBytes is written to the recording output on start.
	fileBytes int

	mu    sync.Mutex
	procs []*fakeProc
	fail  bool
}

func (s *fakeStarter) Start(name string, args ...string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("exec: ffmpeg not found")
	}

	if i := slices.Index(args, "-y"); i >= 0 {
		require.NoError(s.t, os.WriteFile(args[i+1], make([]byte, s.fileBytes), 0o644))
	}

	r, w := io.Pipe()
	p := &fakeProc{
		args:    args,
		r:       r,
		w:       w,
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
		exitErr: s.exitErr,
	}
	s.procs = append(s.procs, p)

	go func() {
		defer close(p.exited)
		defer w.Close()
		for n := 0; s.exitAfter == 0 || n < s.exitAfter; n++ {
			select {
			case <-p.stop:
				return
			default:
			}
			if _, err := w.Write(s.frame); err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return p, nil
}

func (s *fakeStarter) started() []*fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.procs)
}
