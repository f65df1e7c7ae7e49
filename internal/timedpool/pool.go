// Package timedpool implements a bounded pool of reusable workers where
// every submitted call carries its own deadline.
//
// When a call outlives its timeout only that call's context is cancelled,
// with ErrTimeout as the cause. Other workers are not disturbed. Calls are
// expected to observe ctx and return promptly once it is done.
package timedpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrCongested is returned by Submit when every worker is busy, the pool
	// is at its maximum size and the caller asked not to wait.
	ErrCongested = errors.New("timedpool: all workers busy")

	// ErrClosed is returned by Submit after Close and is the cancellation
	// cause seen by calls still running when the pool closes.
	ErrClosed = errors.New("timedpool: pool closed")

	// ErrTimeout is the cancellation cause of a call that exceeded its timeout.
	ErrTimeout = errors.New("timedpool: call timed out")
)

// Task is the unit of work run by a worker.
type Task func(ctx context.Context)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int
	Idle    int
	Busy    int
}

type job struct {
	task    Task
	timeout time.Duration
}

type worker struct {
	id     int
	jobs   chan job
	done   chan struct{}
	cancel context.CancelCauseFunc
}

// Pool is a set of workers grown on demand up to a maximum.
type Pool struct {
	maxWorkers int
	log        zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*worker
	workers map[int]*worker
	nextID  int
	busy    int
	allIdle chan struct{}
	closed  bool
}

// New creates a pool. maxWorkers <= 0 means unbounded.
func New(maxWorkers int, log zerolog.Logger) *Pool {
	p := &Pool{
		maxWorkers: maxWorkers,
		log:        log.With().Str("component", "timedpool").Logger(),
		workers:    make(map[int]*worker),
		allIdle:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	close(p.allIdle)
	return p
}

// Submit runs task on an idle worker, creating one if the pool has room.
// If timeout is positive, the task's context is cancelled with ErrTimeout
// once it elapses. When the pool is full Submit either fails with
// ErrCongested (failIfFull) or blocks until a worker frees up.
func (p *Pool) Submit(task Task, timeout time.Duration, failIfFull bool) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.mu.Lock()
	var w *worker
	for w == nil {
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if n := len(p.idle); n > 0 {
			w = p.idle[n-1]
			p.idle = p.idle[:n-1]
			break
		}
		if p.maxWorkers > 0 && len(p.workers) >= p.maxWorkers {
			if failIfFull {
				p.mu.Unlock()
				return fmt.Errorf("%w (max %d)", ErrCongested, p.maxWorkers)
			}
			p.cond.Wait()
			continue
		}
		w = p.spawnLocked()
	}
	if p.busy == 0 {
		p.allIdle = make(chan struct{})
	}
	p.busy++
	p.mu.Unlock()

	// The worker is idle, so its buffered channel is empty.
	w.jobs <- job{task: task, timeout: timeout}
	return nil
}

// Wait blocks until no task is running or timeout elapses. A negative
// timeout waits forever. It reports whether the pool was idle.
func (p *Pool) Wait(timeout time.Duration) bool {
	p.mu.Lock()
	ch := p.allIdle
	p.mu.Unlock()

	if timeout < 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Shrink stops idle workers until at most n remain and returns the number
// of workers left. Busy workers are never stopped.
func (p *Pool) Shrink(n int) int {
	for {
		p.mu.Lock()
		if len(p.workers) <= n || len(p.idle) == 0 {
			left := len(p.workers)
			p.mu.Unlock()
			return left
		}
		w := p.idle[0]
		p.idle = p.idle[1:]
		delete(p.workers, w.id)
		p.cond.Broadcast()
		p.mu.Unlock()

		close(w.jobs)
		<-w.done
	}
}

// Close rejects new submissions, cancels running tasks with ErrClosed,
// waits for them to return and stops every worker.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, w := range p.workers {
			if w.cancel != nil {
				w.cancel(ErrClosed)
			}
		}
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for {
		p.Wait(-1)
		if p.Shrink(0) == 0 {
			return
		}
	}
}

// Stats returns the current worker counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: len(p.workers), Idle: len(p.idle), Busy: p.busy}
}

func (p *Pool) spawnLocked() *worker {
	p.nextID++
	w := &worker{
		id:   p.nextID,
		jobs: make(chan job, 1),
		done: make(chan struct{}),
	}
	p.workers[w.id] = w
	go p.runWorker(w)
	p.log.Debug().Int("worker", w.id).Int("workers", len(p.workers)).Msg("worker started")
	return w
}

func (p *Pool) runWorker(w *worker) {
	defer close(w.done)
	for j := range w.jobs {
		p.runJob(w, j)
	}
	p.log.Debug().Int("worker", w.id).Msg("worker stopped")
}

func (p *Pool) runJob(w *worker, j job) {
	ctx, cancel := context.WithCancelCause(context.Background())

	p.mu.Lock()
	w.cancel = cancel
	if p.closed {
		cancel(ErrClosed)
	}
	p.mu.Unlock()

	var timer *time.Timer
	if j.timeout > 0 {
		timer = time.AfterFunc(j.timeout, func() {
			p.log.Debug().Int("worker", w.id).Dur("timeout", j.timeout).Msg("interrupting call")
			cancel(ErrTimeout)
		})
	}

	p.call(ctx, w, j.task)

	if timer != nil {
		timer.Stop()
	}
	cancel(nil)

	p.mu.Lock()
	w.cancel = nil
	p.busy--
	if _, ok := p.workers[w.id]; ok {
		p.idle = append(p.idle, w)
	}
	if p.busy == 0 {
		close(p.allIdle)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) call(ctx context.Context, w *worker, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", w.id).Interface("panic", r).Msg("task panicked")
		}
	}()
	task(ctx)
}
