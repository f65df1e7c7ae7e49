//go:build linux

// Package daemon provides the cache daemon that mirrors finished item
// directories into the metadata database.
//
// The daemon:
//  1. Watches the cache root and every active item directory with inotify
//  2. Waits, on a bounded worker pool, for writers to release item locks
//  3. Syncs finished items to the database from a single writer goroutine
//  4. Reconciles the whole tree on start and on request
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bili-arch/cachedb/internal/eventloop"
	"github.com/bili-arch/cachedb/internal/flock"
	"github.com/bili-arch/cachedb/internal/monitor"
	"github.com/bili-arch/cachedb/internal/store"
	"github.com/bili-arch/cachedb/internal/timedpool"
	"github.com/bili-arch/cachedb/internal/watch"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Start on a daemon that was already stopped.
var ErrStopped = errors.New("daemon stopped")

// Store is the part of the metadata database the daemon writes through.
type Store interface {
	Root() string
	UpdateItem(ctx context.Context, bvid string) (bool, error)
	UpdateItemSize(ctx context.Context, bvid string) (bool, error)
	Walk(ctx context.Context, onEach func(bvid string)) (store.WalkResult, error)
	Close() error
}

// Observer receives daemon activity. Calls come from daemon goroutines
// and must not block.
type Observer interface {
	ItemSynced(bvid string, metadata, size bool)
	WaitFinished(bvid string, acquired bool, waited time.Duration)
	WalkFinished(result store.WalkResult, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ItemSynced(string, bool, bool) {}
func (nopObserver) WaitFinished(string, bool, time.Duration) {}
func (nopObserver) WalkFinished(store.WalkResult, time.Duration) {}

// Config holds configuration for the daemon.
type Config struct {
	// AllowRootUpdate lets the database be reused after the root moved.
	AllowRootUpdate bool

	// IDPattern selects item directories; PartPattern selects part
	// directories inside an item. Nil means the store defaults.
	IDPattern   *regexp.Regexp
	PartPattern *regexp.Regexp

	// MaxWorkers bounds concurrent lock waits.
	MaxWorkers int

	// LockTimeout is how long to wait for a writer before giving up on
	// the current round. The next content change starts a new wait.
	LockTimeout time.Duration

	// LockWait controls how often a held lock is retried.
	LockWait flock.Waiter

	// QueueCapacity bounds distinct pending ids before they collapse into a walk.
	QueueCapacity int

	// WalkOnStart reconciles the whole tree before handling events.
	WalkOnStart bool

	// Observer, when set, is told about syncs, lock waits and walks.
	Observer Observer

	// Logger for daemon activity
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:    64,
		LockTimeout:   300 * time.Second,
		LockWait:      flock.DefaultWaiter(),
		QueueCapacity: 65536,
		WalkOnStart:   true,
		Logger:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// Stats is a point-in-time view of the daemon.
type Stats struct {
	Monitor monitor.Stats
	Pool    timedpool.Stats
	Pending int
	Synced  int64
	Walks   int64
}

// Daemon orchestrates watching, lock waits and database synchronization.
type Daemon struct {
	config   *Config
	log      zerolog.Logger
	store    Store
	observer Observer

	loop    *eventloop.Loop
	watcher *watch.Watcher
	pool    *timedpool.Pool
	monitor *monitor.Monitor
	queue   *pendingQueue

	walkRequested atomic.Bool
	stopping      atomic.Bool
	synced        atomic.Int64
	walks         atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	loopDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New opens the database at dbPath for the tree at root and creates a
// daemon around it.
//
// Use Start() to begin watching and syncing.
func New(root, dbPath string, config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	st, err := store.Open(context.Background(), root, dbPath, store.Options{
		AllowRootUpdate: config.AllowRootUpdate,
		IDPattern:       config.IDPattern,
		PartPattern:     config.PartPattern,
		Logger:          config.Logger,
	})
	if err != nil {
		return nil, err
	}

	d, err := NewWithStore(st, config)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return d, nil
}

// NewWithStore creates a daemon writing through st. The daemon takes
// ownership of st and closes it on Stop.
func NewWithStore(st Store, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.IDPattern == nil {
		config.IDPattern = store.DefaultIDPattern
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}

	log := config.Logger.With().Str("component", "daemon").Logger()
	root := st.Root()

	queue, err := newPendingQueue(config.QueueCapacity, log)
	if err != nil {
		return nil, err
	}

	loop, err := eventloop.New(config.Logger)
	if err != nil {
		return nil, err
	}

	watcher, err := watch.New(root)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	if _, err := watcher.WatchRoot(); err != nil {
		_ = watcher.Close()
		_ = loop.Close()
		return nil, err
	}

	var observer Observer = nopObserver{}
	if config.Observer != nil {
		observer = config.Observer
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:   config,
		log:      log,
		store:    st,
		observer: observer,
		loop:     loop,
		watcher:  watcher,
		pool:     timedpool.New(config.MaxWorkers, config.Logger),
		queue:    queue,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	d.monitor = monitor.New(root, config.IDPattern, watcher, d, config.Logger)

	if err := loop.Register(watcher.Fd(), eventloop.In, d.onWatcherReady); err != nil {
		cancel()
		_ = watcher.Close()
		_ = loop.Close()
		return nil, err
	}
	return d, nil
}

// Start runs the event loop. It blocks until ctx is cancelled or Stop is
// called, and returns the result of stopping.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started || d.stopping.Load() {
		d.mu.Unlock()
		return ErrStopped
	}
	d.started = true
	d.mu.Unlock()

	d.log.Info().Str("root", d.store.Root()).Msg("starting daemon")

	d.wg.Add(1)
	go d.runWriter()

	if d.config.WalkOnStart {
		d.queue.RequestWalk()
	}

	stop := context.AfterFunc(ctx, d.interrupt)
	defer stop()

	err := d.runLoop()
	close(d.loopDone)

	if err != nil {
		d.log.Error().Err(err).Msg("event loop failed")
		_ = d.Stop()
		return err
	}
	if ctx.Err() != nil {
		d.log.Info().Msg("shutdown signal received")
	}
	return d.Stop()
}

func (d *Daemon) runLoop() error {
	for !d.stopping.Load() {
		if _, err := d.loop.Poll(-1); err != nil {
			if errors.Is(err, eventloop.ErrClosed) {
				return nil
			}
			return err
		}
		if d.walkRequested.CompareAndSwap(true, false) {
			d.log.Info().Msg("full walk requested")
			d.queue.RequestWalk()
		}
	}
	return nil
}

// interrupt makes the event loop exit without tearing anything down.
func (d *Daemon) interrupt() {
	d.stopping.Store(true)
	d.loop.Wakeup()
}

// RequestFullWalk schedules a reconciliation of the whole tree. Safe to
// call from any goroutine, including a signal handler loop.
func (d *Daemon) RequestFullWalk() {
	d.walkRequested.Store(true)
	d.loop.Wakeup()
}

// Stop gracefully shuts down the daemon: it stops the event loop, abandons
// outstanding lock waits, lets the writer finish its current item and
// closes the database. Stop is idempotent.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.log.Info().Msg("stopping daemon")
		d.interrupt()

		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.loopDone
		}

		// Waits are cancelled first so their completions still find the
		// monitor's items and close the directory handles they hold.
		d.pool.Close()
		d.monitor.Close()

		d.loop.Unregister(d.watcher.Fd())
		if err := d.watcher.Close(); err != nil {
			d.log.Warn().Err(err).Msg("failed to close watcher")
		}

		d.queue.Close()
		d.cancel()
		d.wg.Wait()

		if err := d.loop.Close(); err != nil {
			d.log.Warn().Err(err).Msg("failed to close event loop")
		}
		d.stopErr = d.store.Close()
		d.log.Info().Msg("daemon stopped")
	})
	return d.stopErr
}

// Stats returns current counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Monitor: d.monitor.Stats(),
		Pool:    d.pool.Stats(),
		Pending: d.queue.Len(),
		Synced:  d.synced.Load(),
		Walks:   d.walks.Load(),
	}
}

// Schedule submits a bounded wait for the writer holding dir. It never
// blocks: a saturated pool fails with timedpool.ErrCongested.
func (d *Daemon) Schedule(id string, dir *os.File) error {
	return d.pool.Submit(func(ctx context.Context) {
		d.awaitWriter(ctx, id, dir)
	}, d.config.LockTimeout, true)
}

// Enqueue queues id for the writer goroutine.
func (d *Daemon) Enqueue(id string) {
	d.queue.Push(id)
}

func (d *Daemon) awaitWriter(ctx context.Context, id string, dir *os.File) {
	start := time.Now()
	err := d.config.LockWait.WaitAcquire(ctx, dir, false)

	switch {
	case err == nil:
		if err := flock.Release(dir); err != nil {
			d.log.Warn().Err(err).Str("bvid", id).Msg("failed to release lock")
		}
		d.log.Debug().Str("bvid", id).Dur("waited", time.Since(start)).Msg("writer finished")
	case errors.Is(err, flock.ErrInterrupted):
		d.log.Warn().Err(err).Str("bvid", id).Dur("waited", time.Since(start)).Msg("gave up waiting for writer")
	default:
		d.log.Error().Err(err).Str("bvid", id).Msg("lock wait failed")
	}

	d.observer.WaitFinished(id, err == nil, time.Since(start))
	d.monitor.Complete(id, err == nil)
}

func (d *Daemon) onWatcherReady(revents int16) {
	events, err := d.watcher.Read()
	if err != nil {
		d.log.Error().Err(err).Msg("failed to read watch events")
		return
	}

	for _, ev := range events {
		switch {
		case ev.Kind == watch.Overflow:
			d.log.Warn().Msg("watch queue overflowed, scheduling walk")
			d.queue.RequestWalk()
		case d.watcher.IsRoot(ev.Handle):
			if ev.Name == "" && (ev.Kind == watch.Deleted || ev.Kind == watch.MovedFrom) {
				d.log.Error().Stringer("event", ev.Kind).Msg("cache root went away")
				continue
			}
			d.monitor.HandleRoot(ev)
		default:
			d.monitor.HandleItem(ev)
		}
	}
}

// runWriter is the only goroutine that writes to the database.
func (d *Daemon) runWriter() {
	defer d.wg.Done()
	lowerIOPriority(d.log)

	for {
		id, walk, ok := d.queue.Pop()
		if !ok {
			return
		}
		if walk {
			d.walk()
			continue
		}
		d.syncItem(id)
	}
}

func (d *Daemon) walk() {
	d.walks.Add(1)
	start := time.Now()
	res, err := d.store.Walk(d.ctx, func(bvid string) {
		d.synced.Add(1)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("walk failed")
		}
		return
	}
	d.observer.WalkFinished(res, time.Since(start))
}

func (d *Daemon) syncItem(id string) {
	changed, err := d.store.UpdateItem(d.ctx, id)
	if err != nil {
		d.log.Error().Err(err).Str("bvid", id).Msg("failed to sync item")
		return
	}
	sized, err := d.store.UpdateItemSize(d.ctx, id)
	if err != nil {
		d.log.Error().Err(err).Str("bvid", id).Msg("failed to update item size")
	}
	if changed || sized {
		d.synced.Add(1)
		d.observer.ItemSynced(id, changed, sized)
		d.log.Info().Str("bvid", id).Bool("metadata", changed).Bool("size", sized).Msg("synced item")
	} else {
		d.log.Debug().Str("bvid", id).Msg("item unchanged")
	}
}
