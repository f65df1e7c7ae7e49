package daemon

import (
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	ioprioWhoProcess = 1
	ioprioClassShift = 13
	ioprioClassIdle  = 3
)

// lowerIOPriority moves the calling goroutine onto its own OS thread and
// puts that thread in the idle I/O class, so syncs never compete with
// downloads for the disk. The thread is discarded when the goroutine exits.
func lowerIOPriority(log zerolog.Logger) {
	runtime.LockOSThread()

	tid := unix.Gettid()
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, uintptr(tid), ioprioClassIdle<<ioprioClassShift)
	if errno != 0 {
		log.Debug().Err(errno).Int("tid", tid).Msg("could not lower I/O priority")
		return
	}
	log.Debug().Int("tid", tid).Msg("writer running at idle I/O priority")
}
