package daemon

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/greenlightlabs/ptyd/internal/dispatch"
	"github.com/greenlightlabs/ptyd/internal/reaper"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Bootstrap sets up a standalone binary's socket from scratch: it binds
// and listens on socketPath itself, since ptyd has no external spawning
// parent to hand it pre-connected fds (see DESIGN.md). It ignores
// SIGHUP and SIGPIPE, hardens the socket to mode 0600, performs the
// first accept+pipe-handoff (blocking until a client connects) so Run
// can begin directly in the Attached phase, and then sets the listening
// socket non-blocking for the poll loop.
func Bootstrap(socketPath string, disp *dispatch.Dispatcher, rpr *reaper.Reaper, log *logrus.Entry) (*Daemon, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	signal.Ignore(unix.SIGHUP, unix.SIGPIPE)

	unix.Unlink(socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: bootstrap: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("daemon: bootstrap: bind %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("daemon: bootstrap: chmod: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("daemon: bootstrap: listen: %w", err)
	}

	d := &Daemon{
		acceptFile: os.NewFile(uintptr(fd), "ptyd-listen"),
		socketPath: socketPath,
		rpr:        rpr,
		disp:       disp,
		log:        log,
	}

	if err := d.acceptAndHandoff(); err != nil {
		d.acceptFile.Close()
		unix.Unlink(socketPath)
		return nil, fmt.Errorf("daemon: bootstrap: initial accept: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		d.closeClient()
		d.acceptFile.Close()
		unix.Unlink(socketPath)
		return nil, fmt.Errorf("daemon: bootstrap: set accept socket non-blocking: %w", err)
	}
	return d, nil
}

// NewFromFds adopts a fixed fd convention for an externally bootstrapped
// daemon: fd 0 is an already-listening accept socket, fd 1 is a
// pre-accepted client connection, fd 2 is an unused dead-man's pipe, fd
// 3 is a pre-established client request pipe. It sets fd 0 non-blocking
// and fds 1-3 blocking. It is for an embedder that has an external
// spawner performing this handoff; ptyd's own serve command and the
// state-machine tests go through Bootstrap instead.
func NewFromFds(acceptFd, initialWriteFd, deadMansFd, initialReadFd int, disp *dispatch.Dispatcher, rpr *reaper.Reaper, socketPath string, log *logrus.Entry) (*Daemon, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	signal.Ignore(unix.SIGHUP, unix.SIGPIPE)

	if err := unix.SetNonblock(acceptFd, true); err != nil {
		return nil, fmt.Errorf("daemon: set accept fd non-blocking: %w", err)
	}
	for _, fd := range []int{initialWriteFd, deadMansFd, initialReadFd} {
		if err := unix.SetNonblock(fd, false); err != nil {
			return nil, fmt.Errorf("daemon: set fd %d blocking: %w", fd, err)
		}
	}

	return &Daemon{
		acceptFile: os.NewFile(uintptr(acceptFd), "ptyd-listen"),
		writeFile:  os.NewFile(uintptr(initialWriteFd), "ptyd-client-write"),
		readFile:   os.NewFile(uintptr(initialReadFd), "ptyd-client-read"),
		socketPath: socketPath,
		rpr:        rpr,
		disp:       disp,
		log:        log,
	}, nil
}
