package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gates lets a test hold individual hardware calls open and observe entry.
type gates struct {
	mu      sync.Mutex
	entered chan string
	open    map[string]chan struct{}
}

func newGates(names ...string) *gates {
	g := &gates{
		entered: make(chan string, 16),
		open:    make(map[string]chan struct{}),
	}
	for _, n := range names {
		g.open[n] = make(chan struct{})
	}
	return g
}

func (g *gates) pass(name string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	ch, ok := g.open[name]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.entered <- name
	<-ch
}

func (g *gates) release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.open[name])
}

// fakeHandle is a scriptable Handle.
type fakeHandle struct {
	caps  Capabilities
	gates *gates

	mu            sync.Mutex
	calls         []string
	errs          map[string]error
	pictureSize   Size
	thumbnailSize Size
	focusMode     string
	flashModes    []string
	focused       bool
	picture       Blob
	pictureCfg    PictureConfig
	recordCfg     RecordingConfig
	recordFile    string
	released      int
	closed        bool
	notifications chan Notification

	// onStop runs after StopRecording succeeds; tests use it to emit the
	// storage change for the finished file.
	onStop func(filename string)
	// startPreview notifies "started" when a preview stream opens.
	startPreview bool
}

func newFakeHandle(caps Capabilities) *fakeHandle {
	return &fakeHandle{
		caps:          caps,
		errs:          make(map[string]error),
		focused:       true,
		picture:       Blob{MIMEType: "image/jpeg", Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}},
		notifications: make(chan Notification, 16),
		startPreview:  true,
	}
}

func (h *fakeHandle) call(name string) error {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	err := h.errs[name]
	h.mu.Unlock()
	h.gates.pass(name)
	return err
}

func (h *fakeHandle) failWith(name string, err error) {
	h.mu.Lock()
	h.errs[name] = err
	h.mu.Unlock()
}

func (h *fakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) called(name string) int {
	n := 0
	for _, c := range h.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (h *fakeHandle) notify(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.notifications <- n:
	default:
	}
}

func (h *fakeHandle) Capabilities() Capabilities { return h.caps }

func (h *fakeHandle) SetPictureSize(size Size) error {
	if err := h.call("SetPictureSize"); err != nil {
		return err
	}
	h.mu.Lock()
	h.pictureSize = size
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetThumbnailSize(size Size) error {
	if err := h.call("SetThumbnailSize"); err != nil {
		return err
	}
	h.mu.Lock()
	h.thumbnailSize = size
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetFocusMode(mode string) error {
	if err := h.call("SetFocusMode"); err != nil {
		return err
	}
	h.mu.Lock()
	h.focusMode = mode
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetFlashMode(mode string) error {
	if err := h.call("SetFlashMode"); err != nil {
		return err
	}
	h.mu.Lock()
	h.flashModes = append(h.flashModes, mode)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) FlashModes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.flashModes...)
}

func (h *fakeHandle) PreviewStream(ctx context.Context, size Size) (Stream, error) {
	if err := h.call("PreviewStream"); err != nil {
		return nil, err
	}
	return h.openStream(), nil
}

func (h *fakeHandle) VideoPreviewStream(ctx context.Context, profile VideoProfile) (Stream, error) {
	if err := h.call("VideoPreviewStream"); err != nil {
		return nil, err
	}
	return h.openStream(), nil
}

func (h *fakeHandle) openStream() Stream {
	fb := NewFrameBuffer(nil)
	if h.startPreview {
		h.notify(Notification{Kind: NotifyPreviewState, State: PreviewStarted})
	}
	return fb
}

func (h *fakeHandle) ResumePreview(ctx context.Context) error {
	return h.call("ResumePreview")
}

func (h *fakeHandle) AutoFocus(ctx context.Context) (bool, error) {
	if err := h.call("AutoFocus"); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused, nil
}

func (h *fakeHandle) TakePicture(ctx context.Context, cfg PictureConfig) (Blob, error) {
	if err := h.call("TakePicture"); err != nil {
		return Blob{}, err
	}
	h.mu.Lock()
	h.pictureCfg = cfg
	blob := h.picture
	h.mu.Unlock()
	h.notify(Notification{Kind: NotifyShutter})
	return blob, nil
}

func (h *fakeHandle) StartRecording(ctx context.Context, cfg RecordingConfig, target StorageTarget, filename string) error {
	if err := h.call("StartRecording"); err != nil {
		return err
	}
	h.mu.Lock()
	h.recordCfg = cfg
	h.recordFile = filename
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) StopRecording(ctx context.Context) error {
	if err := h.call("StopRecording"); err != nil {
		return err
	}
	h.mu.Lock()
	file, onStop := h.recordFile, h.onStop
	h.mu.Unlock()
	if onStop != nil {
		onStop(file)
	}
	return nil
}

func (h *fakeHandle) Release(ctx context.Context) error {
	err := h.call("Release")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	if !h.closed {
		h.closed = true
		close(h.notifications)
	}
	return err
}

func (h *fakeHandle) Notifications() <-chan Notification { return h.notifications }

// fakeDevice hands out handles built by newHandle.
type fakeDevice struct {
	mu         sync.Mutex
	num        int
	acquireErr error
	acquired   []int
	handles    []*fakeHandle
	newHandle  func(number int) *fakeHandle
}

func (d *fakeDevice) NumCameras() int { return d.num }

func (d *fakeDevice) Acquire(ctx context.Context, number int) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquired = append(d.acquired, number)
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	h := d.newHandle(number)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDevice) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// fakeSubscription records how often it was closed.
type fakeSubscription struct {
	events chan StorageChange

	mu     sync.Mutex
	closes int
}

func (s *fakeSubscription) Events() <-chan StorageChange { return s.events }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSubscription) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeStorage is in-memory temporary storage.
type fakeStorage struct {
	root string

	mu      sync.Mutex
	free    int64
	freeErr error
	blobs   map[string]Blob
	getErr  error
	deleted []string
	subs    []*fakeSubscription
}

func newFakeStorage(free int64) *fakeStorage {
	return &fakeStorage{
		root:  "/tmp/camera-test",
		free:  free,
		blobs: make(map[string]Blob),
	}
}

func (s *fakeStorage) PathFor(filename string) string {
	return filepath.Join(s.root, filename)
}

func (s *fakeStorage) StagingPathFor(filename string) string {
	return filepath.Join(s.root, ".staging", filename)
}

func (s *fakeStorage) FreeSpaceBytes(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free, s.freeErr
}

func (s *fakeStorage) GetBlob(ctx context.Context, path string) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Blob{}, s.getErr
	}
	b, ok := s.blobs[path]
	if !ok {
		return Blob{}, errors.New("not found")
	}
	return b, nil
}

func (s *fakeStorage) DeleteBlob(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, path)
	s.deleted = append(s.deleted, path)
	return nil
}

func (s *fakeStorage) Subscribe() StorageSubscription {
	sub := &fakeSubscription{events: make(chan StorageChange, 16)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

func (s *fakeStorage) put(filename string, data []byte) string {
	path := s.PathFor(filename)
	s.mu.Lock()
	s.blobs[path] = Blob{Path: path, MIMEType: "video/3gpp", Data: data}
	s.mu.Unlock()
	return path
}

func (s *fakeStorage) emit(ch StorageChange) {
	s.mu.Lock()
	subs := append([]*fakeSubscription(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.Closes() > 0 {
			continue
		}
		select {
		case sub.events <- ch:
		default:
		}
	}
}

func (s *fakeStorage) Subscriptions() []*fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeSubscription(nil), s.subs...)
}

// MockSettings is a testify mock of SettingsStore.
type MockSettings struct {
	mock.Mock
}

func (m *MockSettings) Get(ctx context.Context, key string) ([]string, bool, error) {
	args := m.Called(ctx, key)
	var names []string
	if v := args.Get(0); v != nil {
		names = v.([]string)
	}
	return names, args.Bool(1), args.Error(2)
}

// MockExtractor is a testify mock of MetadataExtractor.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, blob Blob) (VideoMetadata, error) {
	args := m.Called(ctx, blob)
	return args.Get(0).(VideoMetadata), args.Error(1)
}

type hiddenHost struct{ hidden bool }

func (h hiddenHost) Hidden() bool { return h.hidden }

type fixedOrientation int

func (o fixedOrientation) CurrentRotationDegrees() int { return int(o) }

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(bus *Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) recordingStates() []RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordingState
	for _, ev := range r.events {
		if rs, ok := ev.(RecordingStateChanged); ok {
			out = append(out, rs.To)
		}
	}
	return out
}

func (r *recorder) focusStates() []FocusState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FocusState
	for _, ev := range r.events {
		if f, ok := ev.(FocusChanged); ok {
			out = append(out, f.State)
		}
	}
	return out
}

func (r *recorder) first(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind() == kind {
			return ev, true
		}
	}
	return nil, false
}

func testCapabilities() Capabilities {
	return Capabilities{
		PictureSizes:   []Size{{640, 480}, {1920, 1080}, {2592, 1944}},
		ThumbnailSizes: []Size{{160, 120}, {320, 240}, {192, 108}},
		PreviewSizes:   []Size{{320, 240}, {640, 480}, {1280, 720}},
		FocusModes:     []string{"auto", "infinity"},
		FlashModes:     []string{"off", "auto", "on", "torch"},
		RecorderProfiles: []RecorderProfile{
			{Name: "qcif", Width: 176, Height: 144},
			{Name: "cif", Width: 352, Height: 288},
			{Name: "720p", Width: 1280, Height: 720},
		},
	}
}
