// Package registry implements the in-memory child table: one record per
// PTY child a client has launched. It is touched only from the daemon's
// single main goroutine; the reaper's signal-notify goroutine never
// reaches into it directly.
package registry

import (
	"os"

	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/sirupsen/logrus"
)

// Child is one record: a live-or-terminated-but-unreported PTY child.
type Child struct {
	Pid        int32
	MasterFd   *os.File // valid iff !Terminated && !WillTerminate
	Tty        string
	Record     wire.LaunchRecord
	Terminated bool
	Status     int32 // meaningful iff Terminated
	// WillTerminate is set when the client preemptively disowned this
	// child. Such records stay in the registry to absorb the eventual
	// SIGCHLD but are invisible to reporting and to further Wait requests.
	WillTerminate bool
}

// Reportable reports whether this child should appear in handshake
// bursts and receive Termination notices.
func (c *Child) Reportable() bool { return !c.WillTerminate }

// Registry is an ordered, append/compact collection of children. It is
// not safe for concurrent use; callers serialize access through the
// daemon's single main goroutine.
type Registry struct {
	children []*Child
	log      *logrus.Entry
}

// New constructs an empty registry. log may be nil, in which case a
// default logrus logger (stderr, Info level) is used, so the registry's
// Debug lines are dropped.
func New(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Registry{log: log}
}

// Add constructs a new record, deep-copying rec so the registry's
// strings outlive the frame that carried them, and appends it.
func (r *Registry) Add(rec wire.LaunchRecord, masterFd *os.File, tty string, pid int32) *Child {
	c := &Child{
		Pid:      pid,
		MasterFd: masterFd,
		Tty:      tty,
		Record:   rec.Clone(),
	}
	r.children = append(r.children, c)
	r.log.WithFields(logrus.Fields{
		"pid": pid,
		"tty": tty,
	}).Debug("registry: added child")
	return c
}

// FindByPID returns the record for pid, or nil if none exists.
func (r *Registry) FindByPID(pid int32) *Child {
	for _, c := range r.children {
		if c.Pid == pid {
			return c
		}
	}
	return nil
}

// Remove deletes the record for pid, closing its tty string's backing
// storage (implicit in Go's GC) and its master fd if still open. It is
// a no-op if pid is not present.
func (r *Registry) Remove(pid int32) {
	for i, c := range r.children {
		if c.Pid != pid {
			continue
		}
		if c.MasterFd != nil {
			c.MasterFd.Close()
			c.MasterFd = nil
		}
		r.children = append(r.children[:i], r.children[i+1:]...)
		r.log.WithField("pid", pid).Debug("registry: removed child")
		return
	}
}

// ReportableCount returns the number of records with WillTerminate == false.
func (r *Registry) ReportableCount() int {
	n := 0
	for _, c := range r.children {
		if c.Reportable() {
			n++
		}
	}
	return n
}

// Live returns every record with Terminated == false, for the reaper to
// poll with waitpid.
func (r *Registry) Live() []*Child {
	var out []*Child
	for _, c := range r.children {
		if !c.Terminated {
			out = append(out, c)
		}
	}
	return out
}

// Reportable returns every record with WillTerminate == false, for the
// handshake burst. Order is the registry's internal order and is
// unspecified; callers must not depend on it.
func (r *Registry) Reportable() []*Child {
	var out []*Child
	for _, c := range r.children {
		if c.Reportable() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the total number of records, reportable or not. A
// WillTerminate&&Terminated record still counts toward this: Wait treats
// disowned records as unknown, so it is never removed — see DESIGN.md.
func (r *Registry) Len() int { return len(r.children) }
