// Package storage keeps temporary recordings in a directory and reports
// changes to it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"camera-capture-go/internal/camera"
)

// =============================================================================
// Dir
// =============================================================================
// Finished files live directly in the root. Files being written live in
// root/.staging, which is not watched, and are renamed into the root when
// complete.
//
// Change reasons:
//   created   a file appeared in the root
//   modified  writes to a file stopped for one settle window
//   deleted   a file was removed or renamed away
// =============================================================================

const (
	stagingDir = ".staging"

	// DefaultSettle is the write-coalescing window.
	DefaultSettle = 300 * time.Millisecond

	subscriberBuffer = 32
)

// Options configures a Dir.
type Options struct {
	Settle time.Duration
	Logger *slog.Logger
}

// Dir is directory-backed temporary storage. It implements camera.TempStorage.
type Dir struct {
	root    string
	settle  time.Duration
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	subs    map[*subscription]struct{}
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
}

// Open creates root and its staging area if needed and starts watching it.
func Open(root string, opts Options) (*Dir, error) {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", abs, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("storage: create watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage: watch %s: %w", abs, err)
	}

	d := &Dir{
		root:    abs,
		settle:  opts.Settle,
		watcher: w,
		logger:  opts.Logger.With("component", "storage", "root", abs),
		subs:    make(map[*subscription]struct{}),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	go d.watch()
	return d, nil
}

// Root returns the absolute storage directory.
func (d *Dir) Root() string {
	return d.root
}

// PathFor implements camera.StorageTarget.
func (d *Dir) PathFor(filename string) string {
	return filepath.Join(d.root, filepath.Base(filename))
}

// StagingPathFor implements camera.StorageTarget.
func (d *Dir) StagingPathFor(filename string) string {
	return filepath.Join(d.root, stagingDir, filepath.Base(filename))
}

// FreeSpaceBytes reports the bytes available to an unprivileged writer.
func (d *Dir) FreeSpaceBytes(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	free, err := freeSpace(d.root)
	if err != nil {
		return 0, fmt.Errorf("storage: free space of %s: %w", d.root, err)
	}
	return free, nil
}

// GetBlob reads a finished file.
func (d *Dir) GetBlob(ctx context.Context, path string) (camera.Blob, error) {
	if err := ctx.Err(); err != nil {
		return camera.Blob{}, err
	}
	if err := d.contains(path); err != nil {
		return camera.Blob{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return camera.Blob{}, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return camera.Blob{Path: path, MIMEType: MIMETypeOf(path), Data: data}, nil
}

// DeleteBlob removes a file. Removing a missing file is not an error.
func (d *Dir) DeleteBlob(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

func (d *Dir) contains(path string) error {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("storage: %s is outside %s", path, d.root)
	}
	return nil
}

// Subscribe registers for change notifications. Slow subscribers lose
// events rather than block the watcher.
func (d *Dir) Subscribe() camera.StorageSubscription {
	s := &subscription{dir: d, events: make(chan camera.StorageChange, subscriberBuffer)}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(s.events)
		s.closed = true
		return s
	}
	d.subs[s] = struct{}{}
	return s
}

// Close stops watching and closes every subscription.
func (d *Dir) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, t := range d.pending {
		t.Stop()
	}
	d.pending = nil
	d.mu.Unlock()

	err := d.watcher.Close()
	<-d.done

	d.mu.Lock()
	for s := range d.subs {
		s.closeLocked()
	}
	d.subs = nil
	d.mu.Unlock()
	return err
}

// ===== watch loop =====

func (d *Dir) watch() {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handle(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Dir) handle(ev fsnotify.Event) {
	if filepath.Dir(ev.Name) != d.root || filepath.Base(ev.Name) == stagingDir {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		d.publish(camera.StorageChange{Reason: camera.ChangeCreated, Path: ev.Name})
		d.touch(ev.Name)
	case ev.Has(fsnotify.Write):
		d.touch(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.forget(ev.Name)
		d.publish(camera.StorageChange{Reason: camera.ChangeDeleted, Path: ev.Name})
	}
}

// touch (re)starts the settle timer of path.
func (d *Dir) touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.pending[path]; ok {
		t.Reset(d.settle)
		return
	}
	d.pending[path] = time.AfterFunc(d.settle, func() { d.settled(path) })
}

func (d *Dir) forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[path]; ok {
		t.Stop()
		delete(d.pending, path)
	}
}

func (d *Dir) settled(path string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.mu.Unlock()

	d.publish(camera.StorageChange{Reason: camera.ChangeModified, Path: path})
}

func (d *Dir) publish(ch camera.StorageChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs {
		select {
		case s.events <- ch:
		default:
			d.logger.Warn("subscriber full, dropping change", "reason", ch.Reason, "path", ch.Path)
		}
	}
	d.logger.Debug("storage change", "reason", ch.Reason, "path", ch.Path)
}

// ===== subscription =====

type subscription struct {
	dir    *Dir
	events chan camera.StorageChange
	closed bool
}

func (s *subscription) Events() <-chan camera.StorageChange {
	return s.events
}

// Close deregisters the subscription and closes its channel. Idempotent.
func (s *subscription) Close() error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	s.closeLocked()
	delete(s.dir.subs, s)
	return nil
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// MIMETypeOf guesses a media type from the file extension.
func MIMETypeOf(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".3gp":
		return "video/3gpp"
	case ".mjpeg", ".mjpg":
		return "video/x-motion-jpeg"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
