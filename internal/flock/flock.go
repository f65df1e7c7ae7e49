//go:build linux

// Package flock wraps advisory flock(2) locks on directory handles.
//
// Writers signal "in progress" by holding an exclusive lock on the item
// directory. Readers probe with a shared, non-blocking request and wait by
// retrying with exponential backoff until their context is done.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by WaitAcquire when its context ended before
// the lock became available. The context's cause is wrapped alongside.
var ErrInterrupted = errors.New("flock: wait interrupted")

var errWouldBlock = errors.New("flock: would block")

// OpenDir opens path as a read-only directory handle suitable for locking.
func OpenDir(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY, 0)
}

// TryAcquire makes a single non-blocking lock attempt on f. It reports
// false with a nil error when another holder conflicts.
func TryAcquire(f *os.File, exclusive bool) (bool, error) {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return false, &os.PathError{Op: "flock", Path: f.Name(), Err: err}
		}
	}
}

// Release drops any lock held through f.
func Release(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return &os.PathError{Op: "flock", Path: f.Name(), Err: err}
	}
	return nil
}

// Waiter retries a lock request with exponential backoff.
type Waiter struct {
	// InitialInterval is the delay after the first failed attempt.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts, which bounds how late a
	// release is noticed.
	MaxInterval time.Duration
}

// DefaultWaiter returns the intervals used by the daemon.
func DefaultWaiter() Waiter {
	return Waiter{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// WaitAcquire blocks until the lock on f is granted or ctx is done. It
// returns nil once the lock is held, an error wrapping ErrInterrupted when
// ctx ended first, or the underlying error of a failed attempt.
func (w Waiter) WaitAcquire(ctx context.Context, f *os.File, exclusive bool) error {
	b := backoff.NewExponentialBackOff()
	if w.InitialInterval > 0 {
		b.InitialInterval = w.InitialInterval
	}
	if w.MaxInterval > 0 {
		b.MaxInterval = w.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.Retry(func() error {
		ok, err := TryAcquire(f, exclusive)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errWouldBlock
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	default:
		return err
	}
}
