//go:build linux

// Package eventloop multiplexes readiness callbacks for a set of file
// descriptors onto a single goroutine.
//
// A Loop owns an eventfd used to interrupt a blocking Poll from any
// goroutine. Callbacks run on the goroutine calling Poll and must not call
// Close.
package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Poll and Register once Close has been called.
var ErrClosed = errors.New("eventloop: closed")

// Poll event bits, re-exported so callers don't need x/sys/unix.
const (
	In  = unix.POLLIN
	Out = unix.POLLOUT
	Err = unix.POLLERR
	Hup = unix.POLLHUP
)

// Handler receives the returned events for a registered descriptor.
type Handler func(revents int16)

type registration struct {
	events  int16
	handler Handler
}

// Loop dispatches poll(2) readiness to registered handlers.
type Loop struct {
	log    zerolog.Logger
	wakefd int

	mu       sync.Mutex
	handlers map[int32]registration

	pollMu sync.Mutex
	// wakeMu orders writes to wakefd against Close releasing it; once
	// closed is set under the write lock nothing writes the descriptor.
	wakeMu sync.RWMutex
	closed atomic.Bool
}

// New creates a Loop with its wakeup descriptor.
func New(log zerolog.Logger) (*Loop, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &Loop{
		log:      log.With().Str("component", "eventloop").Logger(),
		wakefd:   fd,
		handlers: make(map[int32]registration),
	}, nil
}

// Register installs handler for fd. A second registration of the same fd
// replaces the first. The change takes effect on the next Poll iteration;
// a Poll already blocked is woken so it picks the new set up.
func (l *Loop) Register(fd int, events int16, handler Handler) error {
	if fd < 0 {
		return fmt.Errorf("invalid descriptor %d", fd)
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	l.handlers[int32(fd)] = registration{events: events, handler: handler}
	l.mu.Unlock()

	l.Wakeup()
	return nil
}

// Unregister removes fd. Unknown descriptors are ignored.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	_, ok := l.handlers[int32(fd)]
	delete(l.handlers, int32(fd))
	l.mu.Unlock()

	if ok {
		l.Wakeup()
	}
}

// Wakeup makes a blocked Poll return. Safe to call from any goroutine,
// including after Close, where it does nothing.
func (l *Loop) Wakeup() {
	l.wakeMu.RLock()
	defer l.wakeMu.RUnlock()
	if l.closed.Load() {
		return
	}
	l.signal()
}

func (l *Loop) signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(l.wakefd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is saturated, which still wakes the poller.
		if err != nil && err != unix.EAGAIN {
			l.log.Error().Err(err).Msg("wakeup write failed")
		}
		return
	}
}

// Poll waits up to timeout for readiness and invokes the handlers of the
// ready descriptors. A negative timeout blocks until an event or Wakeup.
// It returns the number of handlers invoked.
//
// A handler that panics is logged and does not stop the dispatch of the
// remaining descriptors.
func (l *Loop) Poll(timeout time.Duration) (int, error) {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	if l.closed.Load() {
		return 0, ErrClosed
	}

	fds := l.snapshot()
	n, err := unix.Poll(fds, toMillis(timeout))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("poll failed: %w", err)
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == l.wakefd {
			l.drain()
			continue
		}

		l.mu.Lock()
		reg, ok := l.handlers[pfd.Fd]
		if ok && pfd.Revents&unix.POLLNVAL != 0 {
			delete(l.handlers, pfd.Fd)
		}
		l.mu.Unlock()

		// Unregistered by an earlier handler in this round.
		if !ok {
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			l.log.Warn().Int32("fd", pfd.Fd).Msg("dropping closed descriptor")
			continue
		}

		l.dispatch(pfd.Fd, reg.handler, pfd.Revents)
		dispatched++
	}
	return dispatched, nil
}

// Len returns the number of registered descriptors.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Close stops the loop. It wakes any in-flight Poll, waits for it to
// return and releases the wakeup descriptor. Close is idempotent.
func (l *Loop) Close() error {
	l.wakeMu.Lock()
	if l.closed.Swap(true) {
		l.wakeMu.Unlock()
		return nil
	}
	l.signal()
	l.wakeMu.Unlock()

	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	l.mu.Lock()
	clear(l.handlers)
	l.mu.Unlock()

	if err := unix.Close(l.wakefd); err != nil {
		return fmt.Errorf("failed to close eventfd: %w", err)
	}
	return nil
}

func (l *Loop) snapshot() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds := make([]unix.PollFd, 0, len(l.handlers)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.wakefd), Events: unix.POLLIN})
	for fd, reg := range l.handlers {
		fds = append(fds, unix.PollFd{Fd: fd, Events: reg.events})
	}
	return fds
}

func (l *Loop) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (l *Loop) dispatch(fd int32, handler Handler, revents int16) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Int32("fd", fd).Interface("panic", r).Msg("handler panicked")
		}
	}()
	handler(revents)
}

func toMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
