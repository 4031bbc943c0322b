// Command ptyexec is the external exec-side helper: ptyd forks it onto
// a freshly allocated PTY slave, hands it the launch request over an
// inherited pipe, and ptyexec replaces its own process image with the
// real target after closing every fd the caller does not want to leak
// through the exec.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/greenlightlabs/ptyd/internal/wire"
	"golang.org/x/sys/unix"
)

// requestFd is the fd internal/ptylaunch.Launch reserves for the
// encoded wire.LaunchRequest: slave rides at fd 3 (for Setctty), the
// request pipe's read end follows at fd 4.
const requestFd = 4

func main() {
	req := os.NewFile(requestFd, "ptyexec-request")
	msg, err := wire.DecodeRequest(req)
	req.Close()
	if err != nil {
		fail("ptyexec: decode launch request: %v", err)
	}
	launch, ok := msg.(wire.LaunchRequest)
	if !ok {
		fail("ptyexec: expected a launch request, got %T", msg)
	}

	// fd 3 is the same slave already installed at 0/1/2; ptyexec itself
	// never touches it again, and it must not leak into the exec'd
	// target as a bonus fd. fd 4 (req) is already closed above.
	unix.Close(3)

	// Any other inherited descriptor above the standard three is marked
	// close-on-exec so it does not survive into the target.
	if ents, err := os.ReadDir("/dev/fd"); err == nil {
		for _, e := range ents {
			if fd, err := strconv.Atoi(e.Name()); err == nil && fd > 2 {
				unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
			}
		}
	}

	rec := launch.Record
	if rec.Pwd != "" {
		if err := os.Chdir(rec.Pwd); err != nil {
			fail("ptyexec: chdir %s: %v", rec.Pwd, err)
		}
	}

	argv := rec.Argv
	if len(argv) == 0 {
		argv = []string{rec.Path}
	}
	envp := rec.Envp
	if envp == nil {
		envp = os.Environ()
	}

	err = unix.Exec(rec.Path, argv, envp)
	fail("ptyexec: exec %s: %v", rec.Path, err)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
