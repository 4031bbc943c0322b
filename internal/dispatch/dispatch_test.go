package dispatch

import (
	"testing"

	"github.com/greenlightlabs/ptyd/internal/ptylaunch"
	"github.com/greenlightlabs/ptyd/internal/registry"
	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeEmptyRegistry(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 4242, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.HandshakeRequest{MaxProtocolVersion: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	resp := out[0].Msg.(wire.HandshakeResponse)
	assert.Equal(t, ProtocolVersion, resp.ProtocolVersion)
	assert.Equal(t, uint32(0), resp.NumChildren)
	assert.Equal(t, int32(4242), resp.Pid)
}

func TestHandshakeRejectsLowVersion(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	_, err := d.Dispatch(wire.HandshakeRequest{MaxProtocolVersion: 0})
	assert.Error(t, err)
}

func TestHandshakeBurstsReportableChildrenWithLastFlag(t *testing.T) {
	reg := registry.New(nil)
	reg.Add(wire.LaunchRecord{Path: "/bin/a"}, nil, "/dev/pts/1", 1)
	reg.Add(wire.LaunchRecord{Path: "/bin/b"}, nil, "/dev/pts/2", 2)
	disowned := reg.Add(wire.LaunchRecord{Path: "/bin/c"}, nil, "/dev/pts/3", 3)
	disowned.WillTerminate = true

	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)
	out, err := d.Dispatch(wire.HandshakeRequest{MaxProtocolVersion: 1})
	require.NoError(t, err)
	require.Len(t, out, 3) // handshake response + 2 reportable children

	resp := out[0].Msg.(wire.HandshakeResponse)
	assert.Equal(t, uint32(2), resp.NumChildren)

	last := 0
	for _, o := range out[1:] {
		rc := o.Msg.(wire.ReportChild)
		if rc.IsLast {
			last++
		}
	}
	assert.Equal(t, 1, last)
}

func TestLaunchSuccessInsertsBeforeResponding(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.LaunchRequest{Record: wire.LaunchRecord{
		Path: "/bin/true", Argv: []string{"true"}, Pwd: "/", UniqueID: 99,
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	resp := out[0].Msg.(wire.LaunchResponse)
	assert.Equal(t, int32(0), resp.Status)
	assert.Equal(t, uint64(99), resp.UniqueID)
	assert.NotNil(t, out[0].Fd)
	assert.Equal(t, 1, reg.Len())
}

func TestLaunchFailureLeavesRegistryEmpty(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/nonexistent/helper", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.LaunchRequest{Record: wire.LaunchRecord{Path: "/bin/true"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	resp := out[0].Msg.(wire.LaunchResponse)
	assert.Equal(t, int32(-1), resp.Status)
	assert.Equal(t, int32(0), resp.Pid)
	assert.Nil(t, out[0].Fd)
	assert.Equal(t, 0, reg.Len())
}

func TestWaitUnknownPid(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.WaitRequest{Pid: 999})
	require.NoError(t, err)
	resp := out[0].Msg.(wire.WaitResponse)
	assert.Equal(t, int32(-1), resp.ErrorNumber)
}

func TestWaitPreemptiveOnLiveChildClosesFdAndKeepsRecord(t *testing.T) {
	reg := registry.New(nil)
	child := reg.Add(wire.LaunchRecord{Path: "/bin/sleep"}, nil, "/dev/pts/1", 7)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.WaitRequest{Pid: 7, RemovePreemptively: true})
	require.NoError(t, err)
	resp := out[0].Msg.(wire.WaitResponse)
	assert.Equal(t, int32(1), resp.ErrorNumber)
	assert.True(t, child.WillTerminate)
	assert.Nil(t, child.MasterFd)
	assert.Equal(t, 1, reg.Len())
}

func TestWaitOnLiveChildWithoutPreemptionReportsMinusTwo(t *testing.T) {
	reg := registry.New(nil)
	reg.Add(wire.LaunchRecord{Path: "/bin/sleep"}, nil, "/dev/pts/1", 7)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.WaitRequest{Pid: 7})
	require.NoError(t, err)
	resp := out[0].Msg.(wire.WaitResponse)
	assert.Equal(t, int32(-2), resp.ErrorNumber)
	assert.Equal(t, 1, reg.Len())
}

func TestWaitOnTerminatedChildRemovesRecord(t *testing.T) {
	reg := registry.New(nil)
	child := reg.Add(wire.LaunchRecord{Path: "/bin/true"}, nil, "/dev/pts/1", 7)
	child.Terminated = true
	child.Status = 256

	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)
	out, err := d.Dispatch(wire.WaitRequest{Pid: 7})
	require.NoError(t, err)
	resp := out[0].Msg.(wire.WaitResponse)
	assert.Equal(t, int32(0), resp.ErrorNumber)
	assert.Equal(t, int32(256), resp.Status)
	assert.Equal(t, 0, reg.Len())
}

func TestTerminationAndReportChildFromClientAreIgnored(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, ptylaunch.New("/bin/cat", nil), 1, ProtocolVersion, nil)

	out, err := d.Dispatch(wire.Termination{Pid: 1})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = d.Dispatch(wire.ReportChild{Pid: 1})
	require.NoError(t, err)
	assert.Nil(t, out)
}
