//go:build linux

package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/bili-arch/cachedb/internal/testutil"
	"github.com/bili-arch/cachedb/internal/watch"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type fakeWatcher struct {
	mu      sync.Mutex
	next    watch.Handle
	watched map[watch.Handle]string
	fail    error
}

func (w *fakeWatcher) WatchItem(id string) (watch.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return -1, w.fail
	}
	w.next++
	if w.watched == nil {
		w.watched = make(map[watch.Handle]string)
	}
	w.watched[w.next] = id
	return w.next, nil
}

func (w *fakeWatcher) Unwatch(h watch.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, h)
	return nil
}

func (w *fakeWatcher) handleOf(id string) (watch.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for h, v := range w.watched {
		if v == id {
			return h, true
		}
	}
	return -1, false
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	enqueued  []string
	fail      error
}

func (s *fakeScheduler) Schedule(id string, dir *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.scheduled = append(s.scheduled, id)
	return nil
}

func (s *fakeScheduler) Enqueue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, id)
}

func setupMonitor(t *testing.T) (*Monitor, *fakeWatcher, *fakeScheduler, string) {
	t.Helper()
	root := t.TempDir()
	w := &fakeWatcher{}
	s := &fakeScheduler{}
	m := New(root, regexp.MustCompile(`^BV\w+$`), w, s, zerolog.Nop())
	t.Cleanup(m.Close)
	return m, w, s, root
}

func rootEvent(kind watch.Kind, name string) watch.Event {
	return watch.Event{Handle: 1000, Kind: kind, Name: name, IsDir: true}
}

func mkItem(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}
	return dir
}

func TestHandleRoot_RefCounting(t *testing.T) {
	m, w, _, _ := setupMonitor(t)

	m.HandleRoot(rootEvent(watch.Created, "BV1a"))
	m.HandleRoot(rootEvent(watch.Opened, "BV1a"))
	if s := m.Stats(); s.Tracked != 1 {
		t.Fatalf("Expected 1 tracked item, got %+v", s)
	}
	if _, ok := w.handleOf("BV1a"); !ok || !m.Watching("BV1a") {
		t.Fatal("Item watch not installed")
	}

	m.HandleRoot(rootEvent(watch.ClosedNoWrite, "BV1a"))
	if s := m.Stats(); s.Tracked != 1 {
		t.Fatalf("Item dropped while still referenced: %+v", s)
	}

	m.HandleRoot(rootEvent(watch.ClosedNoWrite, "BV1a"))
	if s := m.Stats(); s.Tracked != 0 {
		t.Fatalf("Item not dropped at ref 0: %+v", s)
	}
	if _, ok := w.handleOf("BV1a"); ok || m.Watching("BV1a") {
		t.Error("Item watch not removed")
	}

	// Extra closes never create an item or go negative.
	m.HandleRoot(rootEvent(watch.ClosedNoWrite, "BV1a"))
	if s := m.Stats(); s.Tracked != 0 {
		t.Errorf("Close created an item: %+v", s)
	}
}

func TestHandleRoot_Filters(t *testing.T) {
	m, _, _, _ := setupMonitor(t)

	m.HandleRoot(watch.Event{Kind: watch.Opened, Name: "BV1file", IsDir: false})
	m.HandleRoot(rootEvent(watch.Opened, "tmp"))
	m.HandleRoot(rootEvent(watch.Modified, "BV1a"))

	if s := m.Stats(); s.Tracked != 0 {
		t.Errorf("Expected nothing tracked, got %+v", s)
	}
}

func TestHandleItem_UnlockedEnqueuesDirectly(t *testing.T) {
	m, w, s, root := setupMonitor(t)
	mkItem(t, root, "BV1free")

	m.HandleRoot(rootEvent(watch.Opened, "BV1free"))
	h, _ := w.handleOf("BV1free")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.ClosedWrite, Name: "info.json"})

	if diff := cmp.Diff([]string{"BV1free"}, s.enqueued); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
	if len(s.scheduled) != 0 {
		t.Errorf("Unlocked item scheduled a wait: %v", s.scheduled)
	}
	if st := m.Stats(); st.Waiting != 0 {
		t.Errorf("Unlocked item is waiting: %+v", st)
	}
}

func TestHandleItem_LockedWaits(t *testing.T) {
	m, w, s, root := setupMonitor(t)
	dir := mkItem(t, root, "BV1busy")
	holder := testutil.HoldLock(t, dir)

	m.HandleRoot(rootEvent(watch.Opened, "BV1busy"))
	h, _ := w.handleOf("BV1busy")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Modified, Name: "video.m4s"})

	if diff := cmp.Diff([]string{"BV1busy"}, s.scheduled); diff != "" {
		t.Fatalf("scheduled mismatch (-want +got):\n%s", diff)
	}
	if st := m.Stats(); st.Waiting != 1 {
		t.Fatalf("Expected 1 waiting item, got %+v", st)
	}

	// Further changes while waiting do not start another wait.
	m.HandleItem(watch.Event{Handle: h, Kind: watch.ClosedWrite, Name: "video.m4s"})
	if len(s.scheduled) != 1 {
		t.Errorf("Second wait scheduled: %v", s.scheduled)
	}
	if len(s.enqueued) != 0 {
		t.Errorf("Locked item enqueued: %v", s.enqueued)
	}

	holder.Release()
	m.Complete("BV1busy", true)

	if diff := cmp.Diff([]string{"BV1busy"}, s.enqueued); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
	if st := m.Stats(); st.Tracked != 1 || st.Waiting != 0 {
		t.Errorf("Expected item back to active, got %+v", st)
	}
}

func TestComplete_DestroysUnreferencedItem(t *testing.T) {
	m, w, s, root := setupMonitor(t)
	dir := mkItem(t, root, "BV1gone")
	testutil.HoldLock(t, dir)

	m.HandleRoot(rootEvent(watch.Opened, "BV1gone"))
	h, _ := w.handleOf("BV1gone")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Created, Name: "info.json"})

	// The writer closes the directory while the wait is outstanding.
	m.HandleRoot(rootEvent(watch.ClosedNoWrite, "BV1gone"))
	if st := m.Stats(); st.Tracked != 1 || st.Waiting != 1 {
		t.Fatalf("Waiting item dropped early: %+v", st)
	}

	m.Complete("BV1gone", false)
	if st := m.Stats(); st.Tracked != 0 {
		t.Errorf("Expected item destroyed, got %+v", st)
	}
	if len(s.enqueued) != 0 {
		t.Errorf("Timed-out wait enqueued a sync: %v", s.enqueued)
	}
	if _, ok := w.handleOf("BV1gone"); ok {
		t.Error("Watch survived item destruction")
	}
}

func TestHandleItem_ScheduleFailure(t *testing.T) {
	m, w, s, root := setupMonitor(t)
	dir := mkItem(t, root, "BV1full")
	testutil.HoldLock(t, dir)
	s.fail = errors.New("congested")

	m.HandleRoot(rootEvent(watch.Opened, "BV1full"))
	h, _ := w.handleOf("BV1full")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Modified, Name: "x"})

	if st := m.Stats(); st.Tracked != 1 || st.Waiting != 0 {
		t.Errorf("Expected active item after failed schedule, got %+v", st)
	}

	// The next event retries.
	s.fail = nil
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Modified, Name: "x"})
	if st := m.Stats(); st.Waiting != 1 {
		t.Errorf("Expected retry to wait, got %+v", st)
	}
}

func TestHandleItem_IgnoresUnknownHandlesAndKinds(t *testing.T) {
	m, w, s, root := setupMonitor(t)
	mkItem(t, root, "BV1x")
	m.HandleRoot(rootEvent(watch.Opened, "BV1x"))
	h, _ := w.handleOf("BV1x")

	m.HandleItem(watch.Event{Handle: h + 100, Kind: watch.ClosedWrite})
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Opened})
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Deleted})

	if len(s.enqueued) != 0 || len(s.scheduled) != 0 {
		t.Errorf("Unexpected activity: enqueued=%v scheduled=%v", s.enqueued, s.scheduled)
	}
}

func TestHandleItem_VanishedDirectory(t *testing.T) {
	m, w, s, _ := setupMonitor(t)

	// The directory never existed on disk; the probe must fail quietly.
	m.HandleRoot(rootEvent(watch.Created, "BV1ghost"))
	h, ok := w.handleOf("BV1ghost")
	if !ok {
		t.Fatal("Watch not installed")
	}
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Created, Name: "info.json"})

	if len(s.enqueued) != 0 || len(s.scheduled) != 0 {
		t.Errorf("Unexpected activity for vanished item: %v %v", s.enqueued, s.scheduled)
	}
}

func TestComplete_ReinstallsDroppedWatch(t *testing.T) {
	m, w, _, root := setupMonitor(t)
	dir := mkItem(t, root, "BV1re")
	testutil.HoldLock(t, dir)

	m.HandleRoot(rootEvent(watch.Opened, "BV1re"))
	h, _ := w.handleOf("BV1re")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Modified})
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Ignored})
	_ = w.Unwatch(h)

	m.Complete("BV1re", false)
	if _, ok := w.handleOf("BV1re"); !ok {
		t.Error("Watch not reinstalled for a still-referenced item")
	}
}

func TestClose(t *testing.T) {
	m, w, _, root := setupMonitor(t)
	dir := mkItem(t, root, "BV1c")
	testutil.HoldLock(t, dir)

	m.HandleRoot(rootEvent(watch.Opened, "BV1c"))
	h, _ := w.handleOf("BV1c")
	m.HandleItem(watch.Event{Handle: h, Kind: watch.Modified})

	m.Close()
	if st := m.Stats(); st.Tracked != 0 {
		t.Errorf("Items left after Close: %+v", st)
	}
	if len(w.watched) != 0 {
		t.Errorf("Watches left after Close: %v", w.watched)
	}
}
