// Package reaper implements the SIGCHLD-driven reaping pipeline: a
// self-pipe woken by SIGCHLD, drained by the main loop, followed by a
// non-blocking waitpid sweep over every live child.
package reaper

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/greenlightlabs/ptyd/internal/registry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Reaper owns the self-pipe and the SIGCHLD subscription.
type Reaper struct {
	readFd  int
	writeFd int
	sigCh   chan os.Signal
	log     *logrus.Entry
}

// New creates both ends of a non-blocking self-pipe and arranges for
// SIGCHLD to wake it. Go's runtime already does the async-signal-unsafe
// work of redelivering the signal through signal.Notify; the goroutine
// below still keeps to the same discipline a raw handler would need:
// its entire body is "write one byte, non-blocking, touch nothing else."
func New(log *logrus.Entry) (*Reaper, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reaper: pipe2: %w", err)
	}

	r := &Reaper{
		readFd:  fds[0],
		writeFd: fds[1],
		sigCh:   make(chan os.Signal, 1),
		log:     log,
	}

	signal.Notify(r.sigCh, unix.SIGCHLD)
	go r.pokeOnSignal()

	return r, nil
}

func (r *Reaper) pokeOnSignal() {
	for range r.sigCh {
		_, err := unix.Write(r.writeFd, []byte{0})
		if err != nil && err != unix.EAGAIN {
			r.log.WithError(err).Warn("reaper: poke write failed")
		}
	}
}

// ReadFD returns the self-pipe's read end, for the daemon's poll loop.
func (r *Reaper) ReadFD() int { return r.readFd }

// Stop unsubscribes from SIGCHLD and closes the pipe. Tests call it, and
// ptyd's serve command defers it; serve ends with os.Exit once the
// daemon has run, so there it only takes effect on an early error
// return.
func (r *Reaper) Stop() {
	signal.Stop(r.sigCh)
	close(r.sigCh)
	unix.Close(r.readFd)
	unix.Close(r.writeFd)
}

// Drain reads the self-pipe to exhaustion: until a read returns 0 bytes
// or EAGAIN. Must run before the waitpid sweep so a SIGCHLD arriving
// between drain and scan is still observed on the next poll iteration.
func (r *Reaper) Drain() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(r.readFd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Reap performs one non-blocking waitpid sweep over every live child in
// reg. For each newly-terminated, reportable child it invokes notify; a
// notify failure aborts the sweep immediately and is returned so the
// caller can leave the attached phase. notify may be nil, meaning "no
// client attached" — terminations are still recorded, just never
// reported.
func (r *Reaper) Reap(reg *registry.Registry, notify func(pid int32) error) error {
	var status unix.WaitStatus
	for _, child := range reg.Live() {
		pid, err := unix.Wait4(int(child.Pid), &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				continue
			}
			r.log.WithError(err).WithField("pid", child.Pid).Warn("reaper: wait4 failed")
			continue
		}
		if pid <= 0 {
			continue
		}

		child.Terminated = true
		child.Status = int32(status)
		if child.MasterFd != nil {
			child.MasterFd.Close()
			child.MasterFd = nil
		}
		r.log.WithFields(logrus.Fields{
			"pid":    child.Pid,
			"status": child.Status,
		}).Debug("reaper: child terminated")

		if !child.WillTerminate && notify != nil {
			if err := notify(child.Pid); err != nil {
				return fmt.Errorf("reaper: notify failed for pid %d: %w", child.Pid, err)
			}
		}
	}
	return nil
}
