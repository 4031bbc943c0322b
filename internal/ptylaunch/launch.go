// Package ptylaunch allocates a PTY, forks, and in the child invokes the
// external exec helper with the launch request. Uses the
// SysProcAttr{Setsid,Setctty,Ctty}/ExtraFiles pattern for handing a
// slave PTY to a child as its controlling terminal, forking a
// throwaway helper process rather than relaying to the target directly.
package ptylaunch

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Launcher forks the external exec helper onto a freshly allocated PTY.
type Launcher struct {
	// ExecHelperPath is the path to the cmd/ptyexec binary. It never
	// changes after construction.
	ExecHelperPath string
	log            *logrus.Entry
}

// New constructs a Launcher. log may be nil.
func New(execHelperPath string, log *logrus.Entry) *Launcher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Launcher{ExecHelperPath: execHelperPath, log: log}
}

// Result is the outcome of a successful Launch.
type Result struct {
	Master *os.File
	Pid    int32
	Tty    string
}

// Launch allocates a PTY sized from rec, forks the exec helper onto its
// slave side, and hands it rec over an inherited pipe so the helper can
// exec the real target after closing every fd but the standard three.
//
// On any failure before the helper is running, Launch closes everything
// it opened and returns an error; the caller must not insert a record
// into the registry — a launch failure keeps no state.
func (l *Launcher) Launch(rec wire.LaunchRecord) (*Result, error) {
	master, slave, ttyName, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("ptylaunch: openPTY: %w", err)
	}
	defer slave.Close()

	ws := &unix.Winsize{
		Row:    rec.Rows,
		Col:    rec.Columns,
		Xpixel: rec.PixelWidth,
		Ypixel: rec.PixelHeight,
	}
	if err := setWinsize(slave.Fd(), ws); err != nil {
		master.Close()
		return nil, fmt.Errorf("ptylaunch: setWinsize: %w", err)
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("ptylaunch: request pipe: %w", err)
	}
	defer reqR.Close()

	frame, err := wire.Encode(wire.LaunchRequest{Record: rec})
	if err != nil {
		master.Close()
		reqW.Close()
		return nil, fmt.Errorf("ptylaunch: encode launch request: %w", err)
	}

	cmd := exec.Command(l.ExecHelperPath)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	// slave rides again as fd 3 so Setctty's index is predictable; the
	// request pipe follows at fd 4.
	cmd.ExtraFiles = []*os.File{slave, reqR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    3,
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		reqW.Close()
		return nil, fmt.Errorf("ptylaunch: start exec helper: %w", err)
	}

	// The helper owns its copies now; release the parent's.
	reqR.Close()

	if _, err := reqW.Write(frame); err != nil {
		l.log.WithError(err).Warn("ptylaunch: writing launch request to helper failed")
	}
	reqW.Close()

	l.log.WithFields(logrus.Fields{
		"pid": cmd.Process.Pid,
		"tty": ttyName,
	}).Debug("ptylaunch: forked exec helper")

	return &Result{Master: master, Pid: int32(cmd.Process.Pid), Tty: ttyName}, nil
}
