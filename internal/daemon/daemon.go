// Package daemon implements the single-client Attached/Detached
// connection state machine and the fd/signal bootstrap it runs under:
// a single-threaded I/O loop driven by os/signal plus blocking reads,
// using golang.org/x/sys/unix.Poll for the three-fd readiness wait.
package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/greenlightlabs/ptyd/internal/dispatch"
	"github.com/greenlightlabs/ptyd/internal/fdsock"
	"github.com/greenlightlabs/ptyd/internal/reaper"
	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Daemon holds the accept socket, the current client's read/write fds
// (nil when Detached), and the collaborators the state machine drives.
type Daemon struct {
	acceptFile *os.File
	writeFile  *os.File // client's response channel: the accepted stream socket
	readFile   *os.File // client's request channel: a daemon-created pipe

	socketPath string
	rpr        *reaper.Reaper
	disp       *dispatch.Dispatcher
	log        *logrus.Entry
}

// Run executes the state machine until the daemon has no reportable
// children left while Detached, or a fatal poll error occurs. It never
// returns nil on the happy "client keeps reconnecting forever" path —
// it only returns once that exit condition is reached.
func (d *Daemon) Run() error {
	for {
		if err := d.runAttached(); err != nil {
			return err
		}
		exit, err := d.runDetached()
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
}

// Shutdown unlinks the socket path. Called once, from main, after Run
// returns: on main-loop exit the daemon unlinks the socket path.
func (d *Daemon) Shutdown() {
	if d.socketPath != "" {
		unix.Unlink(d.socketPath)
	}
}

// runAttached runs the Attached phase until the client disconnects (or
// is rejected into Detached), using priority-ordered handling of three
// polled fds. Returns non-nil only for a fatal poll failure; leaving
// Attached because the client went away is signaled by a nil return
// with d.writeFile/d.readFile closed.
func (d *Daemon) runAttached() error {
	for {
		pfds := []unix.PollFd{
			{Fd: int32(d.rpr.ReadFD()), Events: unix.POLLIN},
			{Fd: int32(d.acceptFile.Fd()), Events: unix.POLLIN},
			{Fd: int32(d.readFile.Fd()), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("daemon: poll (attached): %w", err)
		}

		reaperReady := pfds[0].Revents != 0
		acceptReady := pfds[1].Revents != 0
		clientReady := pfds[2].Revents != 0

		switch {
		case clientReady:
			if err := d.dispatchOnce(); err != nil {
				d.log.WithError(err).Debug("daemon: client request failed, leaving attached")
				if reaperReady {
					d.rpr.Drain()
					if err := d.rpr.Reap(d.disp.Reg, nil); err != nil {
						d.log.WithError(err).Warn("daemon: silent reap during disconnect failed")
					}
				}
				d.closeClient()
				return nil
			}
		case reaperReady:
			d.rpr.Drain()
			if err := d.rpr.Reap(d.disp.Reg, d.notifyTermination); err != nil {
				d.log.WithError(err).Debug("daemon: termination notice failed, leaving attached")
				d.closeClient()
				return nil
			}
		case acceptReady:
			d.rejectIntruder()
		}
	}
}

// runDetached blocks accepting a new client while still reaping
// children silently, and returns (exit=true) once there is nothing left
// to own. A successful reattach returns (false, nil) so Run loops back
// into Attached.
func (d *Daemon) runDetached() (bool, error) {
	if d.disp.Reg.ReportableCount() == 0 {
		return true, nil
	}

	for {
		pfds := []unix.PollFd{
			{Fd: int32(d.rpr.ReadFD()), Events: unix.POLLIN},
			{Fd: int32(d.acceptFile.Fd()), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("daemon: poll (detached): %w", err)
		}

		if pfds[0].Revents != 0 {
			d.rpr.Drain()
			if err := d.rpr.Reap(d.disp.Reg, nil); err != nil {
				d.log.WithError(err).Warn("daemon: silent reap while detached failed")
			}
			if d.disp.Reg.ReportableCount() == 0 {
				return true, nil
			}
			continue
		}

		if pfds[1].Revents != 0 {
			if err := d.acceptAndHandoff(); err != nil {
				d.log.WithError(err).Warn("daemon: reattach failed")
				continue
			}
			return false, nil
		}
	}
}

// dispatchOnce reads one request frame from the client's pipe, runs it
// through the dispatcher, and writes every resulting response frame
// back over the accepted socket.
func (d *Daemon) dispatchOnce() error {
	msg, err := wire.DecodeRequest(d.readFile)
	if err != nil {
		return err
	}
	outs, err := d.disp.Dispatch(msg)
	if err != nil {
		return err
	}
	for _, o := range outs {
		frame, err := wire.Encode(o.Msg)
		if err != nil {
			return err
		}
		if err := fdsock.SendFrame(int(d.writeFile.Fd()), frame, o.Fd); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) notifyTermination(pid int32) error {
	frame, err := wire.Encode(wire.Termination{Pid: pid})
	if err != nil {
		return err
	}
	return fdsock.SendFrame(int(d.writeFile.Fd()), frame, nil)
}

// rejectIntruder accepts a second connection while one client already
// owns the daemon, sends it a single Rejected handshake, and closes it.
// The accepted fd is never retained past this function.
func (d *Daemon) rejectIntruder() {
	connFd, _, err := unix.Accept(int(d.acceptFile.Fd()))
	if err != nil {
		d.log.WithError(err).Warn("daemon: accept (intruder) failed")
		return
	}
	defer unix.Close(connFd)

	frame, err := wire.Encode(wire.HandshakeResponse{
		ProtocolVersion: wire.ProtocolVersionRejected,
		NumChildren:     0,
		Pid:             d.disp.DaemonPid,
	})
	if err != nil {
		d.log.WithError(err).Warn("daemon: encode rejection failed")
		return
	}
	if err := fdsock.SendFrame(connFd, frame, nil); err != nil {
		d.log.WithError(err).Warn("daemon: send rejection failed")
	}
}

// acceptAndHandoff accepts one connection on the listening socket,
// creates a fresh pipe, sends the pipe's write end to the new client as
// ancillary data on an otherwise-empty frame, and adopts
// (connFd, pipeReadEnd) as (write_fd, read_fd). Used both by Bootstrap
// for the very first connection and by runDetached for every reattach.
func (d *Daemon) acceptAndHandoff() error {
	connFd, _, err := unix.Accept(int(d.acceptFile.Fd()))
	if err != nil {
		return fmt.Errorf("daemon: accept: %w", err)
	}
	if err := unix.SetNonblock(connFd, false); err != nil {
		unix.Close(connFd)
		return fmt.Errorf("daemon: set client socket blocking: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe(pipeFds[:]); err != nil {
		unix.Close(connFd)
		return fmt.Errorf("daemon: handoff pipe: %w", err)
	}
	pipeR, pipeW := pipeFds[0], pipeFds[1]
	pipeWFile := os.NewFile(uintptr(pipeW), "ptyd-handoff-write")

	if err := fdsock.SendFrame(connFd, []byte{}, pipeWFile); err != nil {
		unix.Close(connFd)
		unix.Close(pipeR)
		pipeWFile.Close()
		return fmt.Errorf("daemon: handoff send: %w", err)
	}
	pipeWFile.Close() // the client's sendmsg-duplicated copy survives this

	d.closeClient()
	d.writeFile = os.NewFile(uintptr(connFd), "ptyd-client-write")
	d.readFile = os.NewFile(uintptr(pipeR), "ptyd-client-read")
	return nil
}

func (d *Daemon) closeClient() {
	if d.writeFile != nil {
		d.writeFile.Close()
		d.writeFile = nil
	}
	if d.readFile != nil {
		d.readFile.Close()
		d.readFile = nil
	}
}
