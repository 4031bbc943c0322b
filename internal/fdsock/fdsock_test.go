package fdsock

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSendRecvFrameNoAttachment(t *testing.T) {
	a, b := socketpair(t)

	payload := []byte("hello, multiplexer")
	require.NoError(t, SendFrame(a, payload, nil))

	got, f, err := RecvFrame(b)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, payload, got)
}

func TestSendRecvFrameWithAttachment(t *testing.T) {
	a, b := socketpair(t)

	tmp, err := os.CreateTemp(t.TempDir(), "attach")
	require.NoError(t, err)
	defer tmp.Close()
	_, err = tmp.WriteString("master pty stand-in")
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)

	require.NoError(t, SendFrame(a, []byte("x"), tmp))

	_, received, err := RecvFrame(b)
	require.NoError(t, err)
	require.NotNil(t, received)
	defer received.Close()

	buf := make([]byte, 64)
	n, err := received.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "master pty stand-in", string(buf[:n]))

	// The sender's own copy of the fd must still be open and usable —
	// sendmsg never closes the local descriptor.
	_, err = tmp.Seek(0, 0)
	assert.NoError(t, err)
}

func TestRecvFramePeerHungUp(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(a)

	_, _, err := RecvFrame(b)
	assert.ErrorIs(t, err, ErrPeerHungUp)
}

func TestSendFrameShortWriteNotPossibleWithSmallPayload(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	err := SendFrame(a, []byte("ok"), nil)
	assert.NoError(t, err)
}
