package ptylaunch

import (
	"testing"

	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLaunchStartsHelperAndAllocatesPTY drives Launch against /bin/cat
// standing in for cmd/ptyexec: it won't read the launch request (cat
// just echoes its stdin, which is the PTY slave), but it proves the
// fork/PTY/winsize/ExtraFiles wiring produces a live master fd and pid.
func TestLaunchStartsHelperAndAllocatesPTY(t *testing.T) {
	l := New("/bin/cat", nil)
	rec := wire.LaunchRecord{
		Path:    "/bin/true",
		Argv:    []string{"true"},
		Pwd:     "/",
		Columns: 80,
		Rows:    24,
	}

	res, err := l.Launch(rec)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer res.Master.Close()

	assert.NotZero(t, res.Pid)
	assert.NotEmpty(t, res.Tty)

	_, err = res.Master.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := res.Master.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "hello")
}

func TestLaunchFailureLeavesNothingOpen(t *testing.T) {
	l := New("/nonexistent/ptyexec-helper-binary", nil)
	res, err := l.Launch(wire.LaunchRecord{Path: "/bin/true"})
	assert.Error(t, err)
	assert.Nil(t, res)
}
