// Package dispatch turns one client-originated frame into zero or more
// server-originated frames, each with an optional attached fd, by
// invoking the handler matching the frame's kind.
package dispatch

import (
	"fmt"
	"os"

	"github.com/greenlightlabs/ptyd/internal/ptylaunch"
	"github.com/greenlightlabs/ptyd/internal/registry"
	"github.com/greenlightlabs/ptyd/internal/wire"
	"github.com/sirupsen/logrus"
)

// ProtocolVersion is the only version this daemon negotiates.
const ProtocolVersion uint32 = 1

// Outgoing is one frame to be written to the client, with the fd (if
// any) that must ride along as SCM_RIGHTS ancillary data.
type Outgoing struct {
	Msg wire.Message
	Fd  *os.File
}

// Dispatcher holds everything a handler needs: the registry it mutates,
// the launcher it invokes for Launch requests, and the daemon's own pid
// for handshake responses.
type Dispatcher struct {
	Reg        *registry.Registry
	Launcher   *ptylaunch.Launcher
	DaemonPid  int32
	MinVersion uint32
	log        *logrus.Entry
}

// New constructs a Dispatcher. log may be nil.
func New(reg *registry.Registry, launcher *ptylaunch.Launcher, daemonPid int32, minVersion uint32, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Dispatcher{Reg: reg, Launcher: launcher, DaemonPid: daemonPid, MinVersion: minVersion, log: log}
}

// Dispatch handles one request and returns the frames the caller must
// write back, in order. An error return means the request itself must
// terminate the attached phase (currently: only an incompatible
// Handshake); every other failure mode — including a failed Launch —
// is reported as an ordinary response.
func (d *Dispatcher) Dispatch(msg wire.Message) ([]Outgoing, error) {
	switch m := msg.(type) {
	case wire.HandshakeRequest:
		return d.handleHandshake(m)
	case wire.LaunchRequest:
		return d.handleLaunch(m)
	case wire.WaitRequest:
		return d.handleWait(m)
	case wire.Termination, wire.ReportChild:
		d.log.WithField("kind", msg.Kind()).Warn("dispatch: ignoring server-originated tag from client")
		return nil, nil
	default:
		return nil, fmt.Errorf("dispatch: unhandled message type %T", msg)
	}
}

func (d *Dispatcher) handleHandshake(req wire.HandshakeRequest) ([]Outgoing, error) {
	if req.MaxProtocolVersion < d.MinVersion {
		return nil, fmt.Errorf("dispatch: handshake: client max version %d below minimum %d", req.MaxProtocolVersion, d.MinVersion)
	}

	reportable := d.Reg.Reportable()
	out := make([]Outgoing, 0, len(reportable)+1)
	out = append(out, Outgoing{Msg: wire.HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
		NumChildren:     uint32(len(reportable)),
		Pid:             d.DaemonPid,
	}})

	for i, c := range reportable {
		out = append(out, Outgoing{
			Msg: wire.ReportChild{
				Record:     c.Record,
				Pid:        c.Pid,
				Tty:        c.Tty,
				Terminated: c.Terminated,
				IsLast:     i == len(reportable)-1,
			},
			Fd: c.MasterFd,
		})
	}
	return out, nil
}

func (d *Dispatcher) handleLaunch(req wire.LaunchRequest) ([]Outgoing, error) {
	res, err := d.Launcher.Launch(req.Record)
	if err != nil {
		d.log.WithError(err).Warn("dispatch: launch failed")
		return []Outgoing{{Msg: wire.LaunchResponse{Status: -1, Pid: 0}}}, nil
	}

	// Insert before responding: if the response send later fails, the
	// record survives for the next reattach's handshake burst to
	// re-deliver.
	child := d.Reg.Add(req.Record, res.Master, res.Tty, res.Pid)

	return []Outgoing{{
		Msg: wire.LaunchResponse{
			Status:   0,
			Pid:      child.Pid,
			UniqueID: child.Record.UniqueID,
			Tty:      child.Tty,
		},
		Fd: child.MasterFd,
	}}, nil
}

func (d *Dispatcher) handleWait(req wire.WaitRequest) ([]Outgoing, error) {
	child := d.Reg.FindByPID(req.Pid)
	// A preemptively disowned record is invisible to Wait: it stays in the
	// registry only to absorb its SIGCHLD.
	if child == nil || child.WillTerminate {
		return []Outgoing{{Msg: wire.WaitResponse{Pid: req.Pid, Status: 0, ErrorNumber: -1}}}, nil
	}

	if !child.Terminated {
		if req.RemovePreemptively {
			child.WillTerminate = true
			if child.MasterFd != nil {
				child.MasterFd.Close()
				child.MasterFd = nil
			}
			return []Outgoing{{Msg: wire.WaitResponse{Pid: req.Pid, Status: 0, ErrorNumber: 1}}}, nil
		}
		return []Outgoing{{Msg: wire.WaitResponse{Pid: req.Pid, Status: 0, ErrorNumber: -2}}}, nil
	}

	status := child.Status
	d.Reg.Remove(req.Pid)
	return []Outgoing{{Msg: wire.WaitResponse{Pid: req.Pid, Status: status, ErrorNumber: 0}}}, nil
}
