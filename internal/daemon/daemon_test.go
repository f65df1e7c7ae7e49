//go:build linux

package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bili-arch/cachedb/internal/flock"
	"github.com/bili-arch/cachedb/internal/store"
	"github.com/bili-arch/cachedb/internal/testutil"
	"github.com/rs/zerolog"
)

const settle = 5 * time.Second

var infoTime = time.Unix(1700000000, 0)

type harness struct {
	d      *Daemon
	reader *store.Store
	root   string
	dbPath string
	cancel context.CancelFunc
	errc   chan error
}

// setupDaemon starts a daemon on an empty root. populate, when non-nil,
// runs before the daemon exists.
func setupDaemon(t *testing.T, mutate func(*Config), populate func(root string)) *harness {
	t.Helper()

	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	if populate != nil {
		populate(root)
	}

	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	cfg.WalkOnStart = false
	cfg.LockWait = flock.Waiter{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(root, dbPath, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	reader, err := store.OpenReadOnly(context.Background(), dbPath, store.Options{Logger: zerolog.Nop()})
	if err != nil {
		_ = d.Stop()
		t.Fatalf("OpenReadOnly() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{d: d, reader: reader, root: d.store.Root(), dbPath: dbPath, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(settle):
			t.Error("daemon did not stop")
		}
		_ = reader.Close()
	})
	return h
}

func (h *harness) synced(bvid string) bool {
	_, err := h.reader.Get(context.Background(), bvid)
	return err == nil
}

// mkItem creates an item directory and waits until the daemon watches it.
func (h *harness) mkItem(t *testing.T, bvid string) string {
	t.Helper()
	dir := filepath.Join(h.root, bvid)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}
	testutil.Eventually(t, settle, func() bool {
		return h.d.monitor.Watching(bvid)
	}, "item %s watched", bvid)
	return dir
}

func TestDaemon_SyncsUnlockedItem(t *testing.T) {
	h := setupDaemon(t, nil, nil)

	h.mkItem(t, "BV1free")
	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1free"), infoTime)

	testutil.Eventually(t, settle, func() bool { return h.synced("BV1free") }, "BV1free synced")

	item, err := h.reader.Get(context.Background(), "BV1free")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if want := "sample BV1free"; item.Video.Title != want {
		t.Errorf("Expected title %q, got %q", want, item.Video.Title)
	}
	if len(item.Parts) != 1 || len(item.Authors) != 1 {
		t.Errorf("Expected 1 part and 1 author, got %d and %d", len(item.Parts), len(item.Authors))
	}
}

func TestDaemon_WaitsForWriter(t *testing.T) {
	h := setupDaemon(t, nil, nil)

	dir := h.mkItem(t, "BV1busy")
	holder := testutil.HoldLock(t, dir)

	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1busy"), infoTime)
	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 1
	}, "lock wait started")

	time.Sleep(100 * time.Millisecond)
	if h.synced("BV1busy") {
		t.Fatal("Item synced while its writer held the lock")
	}

	holder.Release()
	testutil.Eventually(t, settle, func() bool { return h.synced("BV1busy") }, "BV1busy synced after release")
	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 0
	}, "lock wait finished")
}

func TestDaemon_LockTimeoutRetriesOnNextChange(t *testing.T) {
	h := setupDaemon(t, func(cfg *Config) {
		cfg.LockTimeout = 300 * time.Millisecond
	}, nil)

	dir := h.mkItem(t, "BV1slow")
	holder := testutil.HoldLock(t, dir)
	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1slow"), infoTime)

	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 1
	}, "lock wait started")
	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 0
	}, "lock wait timed out")
	if h.synced("BV1slow") {
		t.Fatal("Item synced after a timed-out wait")
	}

	holder.Release()
	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1slow"), infoTime)
	testutil.Eventually(t, settle, func() bool { return h.synced("BV1slow") }, "BV1slow synced on next change")
}

func TestDaemon_WalkOnStart(t *testing.T) {
	h := setupDaemon(t, func(cfg *Config) {
		cfg.WalkOnStart = true
	}, func(root string) {
		testutil.WriteInfo(t, root, testutil.SampleInfo("BV1old"), infoTime)
		testutil.WriteInfo(t, root, testutil.SampleInfo("BV1older"), infoTime)
	})

	testutil.Eventually(t, settle, func() bool {
		return h.synced("BV1old") && h.synced("BV1older")
	}, "existing items synced")
}

func TestDaemon_RequestFullWalk(t *testing.T) {
	h := setupDaemon(t, nil, nil)

	// Items moved in whole produce no open or create on the root.
	staging := t.TempDir()
	testutil.WriteInfo(t, staging, testutil.SampleInfo("BV1moved"), infoTime)
	if err := os.Rename(filepath.Join(staging, "BV1moved"), filepath.Join(h.root, "BV1moved")); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if h.synced("BV1moved") {
		t.Fatal("Moved item synced without a walk")
	}

	h.d.RequestFullWalk()
	testutil.Eventually(t, settle, func() bool { return h.synced("BV1moved") }, "BV1moved synced by walk")
	if walks := h.d.Stats().Walks; walks != 1 {
		t.Errorf("Expected 1 walk, got %d", walks)
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	h := setupDaemon(t, nil, nil)

	dir := h.mkItem(t, "BV1held")
	testutil.HoldLock(t, dir)
	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1held"), infoTime)
	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 1
	}, "lock wait started")

	// Stop abandons the outstanding wait instead of blocking on the writer.
	done := make(chan error, 1)
	go func() { done <- h.d.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
	case <-time.After(settle):
		t.Fatal("Stop() blocked on an outstanding lock wait")
	}

	if err := h.d.Stop(); err != nil {
		t.Errorf("Second Stop() failed: %v", err)
	}
	if err := <-h.errc; err != nil {
		t.Errorf("Start() returned %v", err)
	}
	h.errc <- nil

	if err := h.d.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped from Start after Stop, got %v", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	synced []string
	waits  map[string]bool
	walks  []store.WalkResult
}

func (o *recordingObserver) ItemSynced(bvid string, metadata, size bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.synced = append(o.synced, bvid)
}

func (o *recordingObserver) WaitFinished(bvid string, acquired bool, waited time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waits == nil {
		o.waits = make(map[string]bool)
	}
	o.waits[bvid] = acquired
}

func (o *recordingObserver) WalkFinished(result store.WalkResult, took time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.walks = append(o.walks, result)
}

func (o *recordingObserver) snapshot() (synced []string, waits map[string]bool, walks []store.WalkResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	waits = make(map[string]bool, len(o.waits))
	for k, v := range o.waits {
		waits[k] = v
	}
	return append([]string(nil), o.synced...), waits, append([]store.WalkResult(nil), o.walks...)
}

func TestDaemon_RequestFullWalkAfterStop(t *testing.T) {
	h := setupDaemon(t, nil, nil)

	if err := h.d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := <-h.errc; err != nil {
		t.Errorf("Start() returned %v", err)
	}
	h.errc <- nil

	// Descriptors released by Stop get reused by the next open.
	f, err := os.Create(filepath.Join(t.TempDir(), "after-stop"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer f.Close()

	h.d.RequestFullWalk()
	h.d.interrupt()

	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("RequestFullWalk after Stop wrote %d bytes into another file", fi.Size())
	}
}

func TestDaemon_NotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := setupDaemon(t, func(cfg *Config) {
		cfg.Observer = obs
		cfg.WalkOnStart = true
	}, func(root string) {
		testutil.WriteInfo(t, root, testutil.SampleInfo("BV1pre"), infoTime)
	})

	testutil.Eventually(t, settle, func() bool {
		_, _, walks := obs.snapshot()
		return len(walks) == 1
	}, "walk reported")
	if _, _, walks := obs.snapshot(); walks[0].Scanned != 1 || walks[0].Changed != 1 {
		t.Errorf("Unexpected walk result: %+v", walks[0])
	}

	dir := h.mkItem(t, "BV1obs")
	holder := testutil.HoldLock(t, dir)
	testutil.WriteInfo(t, h.root, testutil.SampleInfo("BV1obs"), infoTime)
	testutil.Eventually(t, settle, func() bool {
		return h.d.Stats().Monitor.Waiting == 1
	}, "lock wait started")
	holder.Release()

	testutil.Eventually(t, settle, func() bool {
		synced, waits, _ := obs.snapshot()
		for _, id := range synced {
			if id == "BV1obs" {
				return waits["BV1obs"]
			}
		}
		return false
	}, "wait and sync of BV1obs reported")
}

func TestNewWithStore_NilStore(t *testing.T) {
	if _, err := NewWithStore(nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil store")
	}
}
