//go:build linux

package ptylaunch

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// openPTY allocates a fresh pseudo-terminal pair: ptmx/unlockpt/ptsname
// via golang.org/x/sys/unix's typed ioctl helpers.
func openPTY() (master, slave *os.File, ttyName string, err error) {
	m, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	if err := unix.IoctlSetPointerInt(int(m.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		m.Close()
		return nil, nil, "", fmt.Errorf("unlockpt: %w", err)
	}

	n, err := unix.IoctlGetInt(int(m.Fd()), unix.TIOCGPTN)
	if err != nil {
		m.Close()
		return nil, nil, "", fmt.Errorf("ptsname: %w", err)
	}

	ttyName = "/dev/pts/" + strconv.Itoa(n)
	s, err := os.OpenFile(ttyName, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		m.Close()
		return nil, nil, "", fmt.Errorf("open slave %s: %w", ttyName, err)
	}

	return m, s, ttyName, nil
}

func setWinsize(fd uintptr, ws *unix.Winsize) error {
	return unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, ws)
}
