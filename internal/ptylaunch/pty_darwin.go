//go:build darwin

package ptylaunch

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openPTY allocates a fresh pseudo-terminal pair: grantpt/unlockpt/
// ptsname via raw ioctl, built on golang.org/x/sys/unix rather than the
// stdlib syscall package.
func openPTY() (master, slave *os.File, ttyName string, err error) {
	m, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, m.Fd(), unix.TIOCPTYGRANT, 0); errno != 0 {
		m.Close()
		return nil, nil, "", fmt.Errorf("grantpt: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, m.Fd(), unix.TIOCPTYUNLK, 0); errno != 0 {
		m.Close()
		return nil, nil, "", fmt.Errorf("unlockpt: %w", errno)
	}

	var nameBuf [128]byte
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, m.Fd(), unix.TIOCPTYGNAME, uintptr(unsafe.Pointer(&nameBuf[0]))); errno != 0 {
		m.Close()
		return nil, nil, "", fmt.Errorf("ptsname: %w", errno)
	}
	ttyName = string(nameBuf[:clen(nameBuf[:])])

	s, err := os.OpenFile(ttyName, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		m.Close()
		return nil, nil, "", fmt.Errorf("open slave %s: %w", ttyName, err)
	}

	return m, s, ttyName, nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

func setWinsize(fd uintptr, ws *unix.Winsize) error {
	return unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, ws)
}
