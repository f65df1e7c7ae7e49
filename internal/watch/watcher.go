//go:build linux

// Package watch provides a non-blocking inotify watcher for the cache root
// and its item directories.
//
// The root is watched for every event so that opens and closes of item
// directories can be counted. Item directories are watched only for the
// events that mean their contents changed.
package watch

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind classifies an inotify event.
type Kind int

const (
	// KindUnknown covers events the cache does not act on (access, attrib).
	KindUnknown Kind = iota
	// Created indicates an entry was created.
	Created
	// Opened indicates an entry was opened.
	Opened
	// Modified indicates file contents changed.
	Modified
	// ClosedWrite indicates an entry opened for writing was closed.
	ClosedWrite
	// ClosedNoWrite indicates an entry opened read-only was closed.
	ClosedNoWrite
	// Deleted indicates an entry, or the watched directory itself, was removed.
	Deleted
	// MovedFrom indicates an entry was renamed away.
	MovedFrom
	// MovedTo indicates an entry was renamed into place.
	MovedTo
	// Ignored indicates the kernel dropped the watch.
	Ignored
	// Overflow indicates the kernel event queue overflowed and events were lost.
	Overflow
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Opened:
		return "opened"
	case Modified:
		return "modified"
	case ClosedWrite:
		return "closed-write"
	case ClosedNoWrite:
		return "closed-nowrite"
	case Deleted:
		return "deleted"
	case MovedFrom:
		return "moved-from"
	case MovedTo:
		return "moved-to"
	case Ignored:
		return "ignored"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Handle identifies an installed watch.
type Handle int

// Event is a decoded inotify event.
type Event struct {
	// Handle is the watch the event was reported on.
	Handle Handle
	// Kind is the classified event type.
	Kind Kind
	// Name is the entry name relative to the watched directory, empty for
	// events on the directory itself.
	Name string
	// IsDir is set when the subject is a directory.
	IsDir bool
	// Mask is the raw inotify mask.
	Mask uint32
}

const (
	rootMask = unix.IN_ONLYDIR | unix.IN_ALL_EVENTS
	itemMask = unix.IN_ONLYDIR | unix.IN_CREATE | unix.IN_MODIFY |
		unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO
)

// Watcher owns one inotify instance.
type Watcher struct {
	fd   int
	root string

	mu    sync.Mutex
	paths map[Handle]string
	rootH Handle

	buf [64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)]byte
}

// New creates a watcher whose item paths are resolved against root.
func New(root string) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create inotify instance: %w", err)
	}
	return &Watcher{
		fd:    fd,
		root:  root,
		paths: make(map[Handle]string),
		rootH: -1,
	}, nil
}

// Fd returns the descriptor to poll for readability.
func (w *Watcher) Fd() int {
	return w.fd
}

// WatchRoot installs the all-events watch on the root directory.
func (w *Watcher) WatchRoot() (Handle, error) {
	h, err := w.add(w.root, rootMask)
	if err != nil {
		return -1, err
	}
	w.mu.Lock()
	w.rootH = h
	w.mu.Unlock()
	return h, nil
}

// IsRoot reports whether h is the root watch.
func (w *Watcher) IsRoot(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return h == w.rootH
}

// WatchItem installs a content watch on the item directory id. A directory
// that vanished returns an error satisfying errors.Is(err, fs.ErrNotExist).
func (w *Watcher) WatchItem(id string) (Handle, error) {
	return w.add(filepath.Join(w.root, id), itemMask)
}

// Unwatch removes h. Watches the kernel already dropped are not an error.
func (w *Watcher) Unwatch(h Handle) error {
	w.mu.Lock()
	delete(w.paths, h)
	w.mu.Unlock()

	_, err := unix.InotifyRmWatch(w.fd, uint32(h))
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("failed to remove watch %d: %w", h, err)
	}
	return nil
}

// Path returns the directory h watches.
func (w *Watcher) Path(h Handle) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.paths[h]
	return p, ok
}

// Read drains whatever events are queued without blocking. It returns nil
// when nothing is pending.
func (w *Watcher) Read() ([]Event, error) {
	var n int
	var err error
	for {
		n, err = unix.Read(w.fd, w.buf[:])
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EAGAIN {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inotify events: %w", err)
	}
	if n < unix.SizeofInotifyEvent {
		return nil, fmt.Errorf("short inotify read: %d bytes", n)
	}

	var events []Event
	for off := 0; off+unix.SizeofInotifyEvent <= n; {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&w.buf[off]))
		nameEnd := off + unix.SizeofInotifyEvent + int(raw.Len)
		if nameEnd > n {
			break
		}
		name := w.buf[off+unix.SizeofInotifyEvent : nameEnd]
		name = bytes.TrimRight(name, "\x00")

		ev := Event{
			Handle: Handle(raw.Wd),
			Kind:   classify(raw.Mask),
			Name:   string(name),
			IsDir:  raw.Mask&unix.IN_ISDIR != 0,
			Mask:   raw.Mask,
		}
		if ev.Kind == Ignored {
			w.mu.Lock()
			delete(w.paths, ev.Handle)
			w.mu.Unlock()
		}
		events = append(events, ev)
		off = nameEnd
	}
	return events, nil
}

// Close releases the inotify instance and every watch on it.
func (w *Watcher) Close() error {
	w.mu.Lock()
	clear(w.paths)
	w.mu.Unlock()
	return unix.Close(w.fd)
}

func (w *Watcher) add(path string, mask uint32) (Handle, error) {
	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	h := Handle(wd)
	w.mu.Lock()
	w.paths[h] = path
	w.mu.Unlock()
	return h, nil
}

func classify(mask uint32) Kind {
	switch {
	case mask&unix.IN_Q_OVERFLOW != 0:
		return Overflow
	case mask&unix.IN_IGNORED != 0:
		return Ignored
	case mask&unix.IN_CREATE != 0:
		return Created
	case mask&unix.IN_OPEN != 0:
		return Opened
	case mask&unix.IN_MODIFY != 0:
		return Modified
	case mask&unix.IN_CLOSE_WRITE != 0:
		return ClosedWrite
	case mask&unix.IN_CLOSE_NOWRITE != 0:
		return ClosedNoWrite
	case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0:
		return Deleted
	case mask&(unix.IN_MOVED_FROM|unix.IN_MOVE_SELF) != 0:
		return MovedFrom
	case mask&unix.IN_MOVED_TO != 0:
		return MovedTo
	default:
		return KindUnknown
	}
}
