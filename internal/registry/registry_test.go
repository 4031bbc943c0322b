package registry

import (
	"testing"

	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFindRemove(t *testing.T) {
	r := New(nil)
	rec := wire.LaunchRecord{Path: "/bin/true", Argv: []string{"true"}, Pwd: "/"}
	child := r.Add(rec, nil, "/dev/pts/1", 100)
	require.NotNil(t, child)

	found := r.FindByPID(100)
	require.NotNil(t, found)
	assert.Equal(t, "/dev/pts/1", found.Tty)
	assert.Equal(t, rec.Path, found.Record.Path)

	assert.Nil(t, r.FindByPID(999))

	r.Remove(100)
	assert.Nil(t, r.FindByPID(100))
	assert.Equal(t, 0, r.Len())
}

func TestAddDeepCopiesLaunchRecord(t *testing.T) {
	r := New(nil)
	argv := []string{"true"}
	rec := wire.LaunchRecord{Path: "/bin/true", Argv: argv, Pwd: "/"}
	child := r.Add(rec, nil, "/dev/pts/1", 1)

	// Mutating the caller's backing array must not affect the stored record.
	argv[0] = "mutated"
	assert.Equal(t, "true", child.Record.Argv[0])
}

func TestReportableCountExcludesWillTerminate(t *testing.T) {
	r := New(nil)
	r.Add(wire.LaunchRecord{Path: "/bin/a"}, nil, "/dev/pts/1", 1)
	r.Add(wire.LaunchRecord{Path: "/bin/b"}, nil, "/dev/pts/2", 2)

	assert.Equal(t, 2, r.ReportableCount())

	r.FindByPID(2).WillTerminate = true
	assert.Equal(t, 1, r.ReportableCount())
	assert.Len(t, r.Reportable(), 1)
	assert.Equal(t, int32(1), r.Reportable()[0].Pid)

	// Even though disowned, the record stays in the registry; Wait treats
	// disowned records as unknown and never removes them (see DESIGN.md).
	assert.Equal(t, 2, r.Len())
}

func TestLiveExcludesTerminated(t *testing.T) {
	r := New(nil)
	r.Add(wire.LaunchRecord{Path: "/bin/a"}, nil, "/dev/pts/1", 1)
	r.Add(wire.LaunchRecord{Path: "/bin/b"}, nil, "/dev/pts/2", 2)
	r.FindByPID(2).Terminated = true

	live := r.Live()
	require.Len(t, live, 1)
	assert.Equal(t, int32(1), live[0].Pid)
}

func TestRemoveUnknownPidIsNoOp(t *testing.T) {
	r := New(nil)
	r.Add(wire.LaunchRecord{Path: "/bin/a"}, nil, "/dev/pts/1", 1)
	r.Remove(999)
	assert.Equal(t, 1, r.Len())
}

func TestDuplicatePidFindReturnsFirst(t *testing.T) {
	r := New(nil)
	r.Add(wire.LaunchRecord{Path: "/bin/a"}, nil, "/dev/pts/1", 1)
	r.Add(wire.LaunchRecord{Path: "/bin/b"}, nil, "/dev/pts/2", 1)

	// The registry itself does not reject duplicate pids (the daemon
	// never adds one without a freshly forked, unique pid), but
	// FindByPID always returns the first match in insertion order.
	found := r.FindByPID(1)
	assert.Equal(t, "/dev/pts/1", found.Tty)
}
