// Package fdsock sends and receives single RPC frames over a Unix
// stream socket, optionally attaching exactly one file descriptor as
// ancillary (SCM_RIGHTS) data. It is the only package in ptyd that
// touches sendmsg/recvmsg directly; internal/wire treats its output as
// an opaque byte slice and never reaches into this package's framing.
package fdsock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrPeerHungUp is returned by RecvFrame when the peer closed its end of
// the connection (EOF or an ECONNRESET-equivalent).
var ErrPeerHungUp = errors.New("fdsock: peer hung up")

// maxFrameLen mirrors wire.maxFrameLen; kept independent since this
// package must stay agnostic of the codec it carries.
const maxFrameLen = 16 << 20

// recvBufPool recycles the scratch buffer RecvFrame reads into. A frame
// can legitimately be as large as maxFrameLen (a launch request with a
// long argv/envp), so the buffer can't simply be shrunk; pooling avoids
// paying for a fresh 16MB allocation and zeroing on every call.
var recvBufPool = sync.Pool{
	New: func() any {
		return make([]byte, maxFrameLen)
	},
}

// SendFrame writes payload as the sole data of one sendmsg(2) call. When
// attach is non-nil, its fd is attached as ancillary data containing
// exactly one descriptor. attach is never closed here — the caller
// (ultimately internal/registry) retains ownership of its local copy.
func SendFrame(fd int, payload []byte, attach *os.File) error {
	var oob []byte
	if attach != nil {
		oob = unix.UnixRights(int(attach.Fd()))
	}

	n, err := unix.SendmsgN(fd, payload, oob, nil, 0)
	if err != nil {
		return fmt.Errorf("fdsock: sendmsg: %w", err)
	}
	if n != len(payload) {
		return fmt.Errorf("fdsock: short write: sent %d of %d bytes", n, len(payload))
	}
	return nil
}

// RecvFrame reads exactly one frame. If the peer attached a descriptor,
// it is returned as an *os.File the caller now owns. More than one
// attached descriptor is treated as a transport-level protocol
// violation.
func RecvFrame(fd int) (payload []byte, received *os.File, err error) {
	buf := recvBufPool.Get().([]byte)
	defer recvBufPool.Put(buf)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) {
			return nil, nil, ErrPeerHungUp
		}
		return nil, nil, fmt.Errorf("fdsock: recvmsg: %w", err)
	}
	if n == 0 && oobn == 0 {
		return nil, nil, ErrPeerHungUp
	}

	payload = append([]byte(nil), buf[:n]...)

	if oobn == 0 {
		return payload, nil, nil
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("fdsock: parse ancillary data: %w", err)
	}

	var fds []int
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}

	switch len(fds) {
	case 0:
		return payload, nil, nil
	case 1:
		f := os.NewFile(uintptr(fds[0]), "fdsock-received")
		return payload, f, nil
	default:
		for _, extra := range fds {
			unix.Close(extra)
		}
		return nil, nil, fmt.Errorf("fdsock: received %d descriptors, expected at most 1", len(fds))
	}
}
