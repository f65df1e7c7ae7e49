//go:build linux

// Package monitor tracks item directories under the cache root and decides
// when an item's writer has finished.
//
// Each item is reference counted from open/close activity seen on the root.
// While referenced, the item's directory is watched for content changes.
// A content change probes the writer's lock: a free lock means the item can
// be synchronised right away, a held lock starts a bounded wait that
// synchronises once the writer lets go.
//
// States:
//
//	(absent) --open/create--> Active --content change, lock held--> Waiting
//	Waiting --wait resolved--> Active, or destroyed when no longer referenced
//	Active --ref reaches 0--> destroyed
package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/bili-arch/cachedb/internal/flock"
	"github.com/bili-arch/cachedb/internal/watch"
	"github.com/rs/zerolog"
)

// Watcher installs and removes item watches.
type Watcher interface {
	WatchItem(id string) (watch.Handle, error)
	Unwatch(h watch.Handle) error
}

// Scheduler runs lock waits and receives finished items.
type Scheduler interface {
	// Schedule starts waiting for the lock on dir. Unless it returns an
	// error, the wait must end with a call to Monitor.Complete.
	Schedule(id string, dir *os.File) error
	// Enqueue requests a database sync of id.
	Enqueue(id string)
}

// Stats is a point-in-time view of tracked items.
type Stats struct {
	Tracked int
	Waiting int
}

type item struct {
	id      string
	ref     int
	handle  watch.Handle
	watched bool
	// dir is the handle a lock wait is using; non-nil means Waiting.
	dir *os.File
}

// Monitor is the per-item state machine.
type Monitor struct {
	root      string
	idPattern *regexp.Regexp
	watcher   Watcher
	sched     Scheduler
	log       zerolog.Logger

	mu      sync.Mutex
	items   map[string]*item
	handles map[watch.Handle]*item
}

// New creates a monitor for item directories under root whose names match
// idPattern.
func New(root string, idPattern *regexp.Regexp, w Watcher, s Scheduler, log zerolog.Logger) *Monitor {
	return &Monitor{
		root:      root,
		idPattern: idPattern,
		watcher:   w,
		sched:     s,
		log:       log.With().Str("component", "monitor").Logger(),
		items:     make(map[string]*item),
		handles:   make(map[watch.Handle]*item),
	}
}

// HandleRoot applies an event reported on the root watch.
func (m *Monitor) HandleRoot(ev watch.Event) {
	if !ev.IsDir || !m.idPattern.MatchString(ev.Name) {
		return
	}

	var delta int
	switch ev.Kind {
	case watch.Opened, watch.Created:
		delta = 1
	// Directories are always closed without write access.
	case watch.ClosedWrite, watch.ClosedNoWrite, watch.Deleted, watch.MovedFrom:
		delta = -1
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.items[ev.Name]
	if it == nil {
		if delta < 0 {
			return
		}
		it = &item{id: ev.Name}
		m.items[ev.Name] = it
		m.log.Debug().Str("bvid", it.id).Msg("tracking item")
	}

	it.ref = max(it.ref+delta, 0)
	m.log.Trace().Str("bvid", it.id).Stringer("event", ev.Kind).Int("ref", it.ref).Msg("root event")

	if delta < 0 {
		if it.ref == 0 && it.dir == nil {
			m.destroyLocked(it)
		}
		return
	}
	if it.dir == nil && !it.watched {
		m.watchLocked(it)
	}
}

// HandleItem applies an event reported on an item watch.
func (m *Monitor) HandleItem(ev watch.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.handles[ev.Handle]
	if it == nil {
		return
	}

	switch ev.Kind {
	case watch.Ignored:
		// The kernel dropped the watch, usually because the directory went away.
		delete(m.handles, ev.Handle)
		it.watched = false
		return
	case watch.Created, watch.Modified, watch.ClosedWrite, watch.MovedTo:
	default:
		return
	}

	if it.dir != nil {
		return
	}

	dir, err := flock.OpenDir(filepath.Join(m.root, it.id))
	if err != nil {
		m.logVanished(err, it.id, "failed to open item")
		return
	}

	acquired, err := flock.TryAcquire(dir, false)
	if err != nil {
		m.log.Error().Err(err).Str("bvid", it.id).Msg("lock probe failed")
		_ = dir.Close()
		return
	}
	if acquired {
		if err := flock.Release(dir); err != nil {
			m.log.Warn().Err(err).Str("bvid", it.id).Msg("failed to release probe lock")
		}
		_ = dir.Close()
		m.log.Debug().Str("bvid", it.id).Stringer("event", ev.Kind).Msg("item unlocked, syncing")
		m.sched.Enqueue(it.id)
		return
	}

	it.dir = dir
	if err := m.sched.Schedule(it.id, dir); err != nil {
		m.log.Warn().Err(err).Str("bvid", it.id).Msg("failed to schedule lock wait")
		it.dir = nil
		_ = dir.Close()
		return
	}
	m.log.Debug().Str("bvid", it.id).Msg("waiting for writer")
}

// Complete resolves the lock wait of id. When the lock was acquired the
// item is queued for a sync.
func (m *Monitor) Complete(id string, acquired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.items[id]
	if it == nil || it.dir == nil {
		m.log.Warn().Str("bvid", id).Msg("completion for an item that is not waiting")
		return
	}

	_ = it.dir.Close()
	it.dir = nil

	if acquired {
		m.sched.Enqueue(id)
	}

	if it.ref <= 0 {
		m.destroyLocked(it)
		return
	}
	if !it.watched {
		m.watchLocked(it)
	}
}

// Stats returns the current item counts.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Tracked: len(m.items)}
	for _, it := range m.items {
		if it.dir != nil {
			s.Waiting++
		}
	}
	return s
}

// Watching reports whether id is tracked with its directory watch installed.
func (m *Monitor) Watching(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	return it != nil && it.watched
}

// Close forgets every item, removing their watches and closing any
// directory handle still held. Pending lock waits should be stopped first.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		m.destroyLocked(it)
	}
}

func (m *Monitor) watchLocked(it *item) {
	h, err := m.watcher.WatchItem(it.id)
	if err != nil {
		m.logVanished(err, it.id, "failed to watch item")
		return
	}
	it.handle = h
	it.watched = true
	m.handles[h] = it
}

func (m *Monitor) destroyLocked(it *item) {
	if it.dir != nil {
		_ = it.dir.Close()
		it.dir = nil
	}
	if it.watched {
		if err := m.watcher.Unwatch(it.handle); err != nil {
			m.log.Warn().Err(err).Str("bvid", it.id).Msg("failed to unwatch item")
		}
		delete(m.handles, it.handle)
		it.watched = false
	}
	delete(m.items, it.id)
	m.log.Debug().Str("bvid", it.id).Msg("untracking item")
}

// logVanished logs at debug level when the directory disappeared, which
// happens routinely with short-lived writer directories.
func (m *Monitor) logVanished(err error, id, msg string) {
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Debug().Err(err).Str("bvid", id).Msg(msg)
		return
	}
	m.log.Warn().Err(err).Str("bvid", id).Msg(msg)
}
