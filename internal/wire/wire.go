// Package wire implements the length-delimited RPC frame codec used
// between ptyd and its client. The byte layout is private to this
// package and only its semantics are fixed: one logical message per
// frame, self-sized frames, malformed input is rejected outright.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned by Decode* when a frame is truncated or
// its tag is inconsistent with the bytes that follow.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// maxFrameLen bounds a single frame so a corrupt or hostile peer can't
// make Decode allocate unboundedly.
const maxFrameLen = 16 << 20

// Kind tags the logical message carried by a frame.
type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindLaunch
	KindWait
	KindTermination
	KindReportChild
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindLaunch:
		return "Launch"
	case KindWait:
		return "Wait"
	case KindTermination:
		return "Termination"
	case KindReportChild:
		return "ReportChild"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is the tagged union over every RPC payload. The concrete Go
// type, not the Kind alone, disambiguates request vs. response for tags
// that are used in both directions (Handshake, Launch, Wait).
type Message interface {
	Kind() Kind
}

// ProtocolVersionRejected is returned in a HandshakeResponse to tell an
// intruding second client to go away.
const ProtocolVersionRejected uint32 = 0xffffffff

// LaunchRecord is the exact launch request that created a child, echoed
// back verbatim in ReportChild bursts at handshake time.
type LaunchRecord struct {
	Path        string
	Argv        []string
	Envp        []string
	Pwd         string
	Columns     uint16
	Rows        uint16
	PixelWidth  uint16
	PixelHeight uint16
	IsUTF8      bool
	UniqueID    uint64
}

// Clone returns a deep copy, so the registry's copy of a LaunchRecord
// never aliases the originating frame's backing arrays.
func (r LaunchRecord) Clone() LaunchRecord {
	out := r
	if r.Argv != nil {
		out.Argv = append([]string(nil), r.Argv...)
	}
	if r.Envp != nil {
		out.Envp = append([]string(nil), r.Envp...)
	}
	return out
}

type HandshakeRequest struct {
	MaxProtocolVersion uint32
}

func (HandshakeRequest) Kind() Kind { return KindHandshake }

type HandshakeResponse struct {
	ProtocolVersion uint32
	NumChildren     uint32
	Pid             int32
}

func (HandshakeResponse) Kind() Kind { return KindHandshake }

type LaunchRequest struct {
	Record LaunchRecord
}

func (LaunchRequest) Kind() Kind { return KindLaunch }

// LaunchResponse carries the launch outcome. The master fd, when
// present, travels out of band via internal/fdsock — it is never part
// of the encoded payload.
type LaunchResponse struct {
	Status   int32
	Pid      int32
	UniqueID uint64
	Tty      string
}

func (LaunchResponse) Kind() Kind { return KindLaunch }

type WaitRequest struct {
	Pid                int32
	RemovePreemptively bool
}

func (WaitRequest) Kind() Kind { return KindWait }

type WaitResponse struct {
	Pid         int32
	Status      int32
	ErrorNumber int32
}

func (WaitResponse) Kind() Kind { return KindWait }

// Termination is an unsolicited server-originated notice. A compliant
// client never sends this; if one arrives, the dispatcher logs and
// ignores it.
type Termination struct {
	Pid int32
}

func (Termination) Kind() Kind { return KindTermination }

// ReportChild is one entry of the handshake burst. Its master fd, like
// LaunchResponse's, travels out of band.
type ReportChild struct {
	Record     LaunchRecord
	Pid        int32
	Tty        string
	Terminated bool
	IsLast     bool
}

func (ReportChild) Kind() Kind { return KindReportChild }

// Encode serializes m into a self-sized frame: a 4-byte big-endian
// length prefix covering everything that follows, then a tag byte, then
// the payload fields.
func Encode(m Message) ([]byte, error) {
	var body bytes.Buffer
	var tag Kind

	switch v := m.(type) {
	case HandshakeRequest:
		tag = KindHandshake
		writeUint32(&body, v.MaxProtocolVersion)
	case HandshakeResponse:
		tag = KindHandshake
		writeUint32(&body, v.ProtocolVersion)
		writeUint32(&body, v.NumChildren)
		writeInt32(&body, v.Pid)
	case LaunchRequest:
		tag = KindLaunch
		writeLaunchRecord(&body, v.Record)
	case LaunchResponse:
		tag = KindLaunch
		writeInt32(&body, v.Status)
		writeInt32(&body, v.Pid)
		writeUint64(&body, v.UniqueID)
		writeString(&body, v.Tty)
	case WaitRequest:
		tag = KindWait
		writeInt32(&body, v.Pid)
		writeBool(&body, v.RemovePreemptively)
	case WaitResponse:
		tag = KindWait
		writeInt32(&body, v.Pid)
		writeInt32(&body, v.Status)
		writeInt32(&body, v.ErrorNumber)
	case Termination:
		tag = KindTermination
		writeInt32(&body, v.Pid)
	case ReportChild:
		tag = KindReportChild
		writeLaunchRecord(&body, v.Record)
		writeInt32(&body, v.Pid)
		writeString(&body, v.Tty)
		writeBool(&body, v.Terminated)
		writeBool(&body, v.IsLast)
	default:
		return nil, fmt.Errorf("wire: encode: unknown message type %T", m)
	}

	fields := append([]byte(nil), body.Bytes()...)
	body.Reset()
	body.WriteByte(byte(tag))
	body.Write(fields)

	if body.Len() > maxFrameLen {
		return nil, fmt.Errorf("wire: encode: frame too large (%d bytes)", body.Len())
	}

	frame := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(frame, uint32(body.Len()))
	copy(frame[4:], body.Bytes())
	return frame, nil
}

// DecodeRequest reads exactly one client-originated frame: Handshake,
// Launch, or Wait requests, or an echoed Termination/ReportChild (which
// the dispatcher is required to tolerate and ignore).
func DecodeRequest(r io.Reader) (Message, error) {
	body, err := readFrameBody(r)
	if err != nil {
		return nil, err
	}
	tag := Kind(body[0])
	rd := bytes.NewReader(body[1:])
	switch tag {
	case KindHandshake:
		v, err := readUint32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake request: %v", ErrMalformedFrame, err)
		}
		return HandshakeRequest{MaxProtocolVersion: v}, nil
	case KindLaunch:
		rec, err := readLaunchRecord(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: launch request: %v", ErrMalformedFrame, err)
		}
		return LaunchRequest{Record: rec}, nil
	case KindWait:
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: wait request: %v", ErrMalformedFrame, err)
		}
		remove, err := readBool(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: wait request: %v", ErrMalformedFrame, err)
		}
		return WaitRequest{Pid: pid, RemovePreemptively: remove}, nil
	case KindTermination:
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: termination echo: %v", ErrMalformedFrame, err)
		}
		return Termination{Pid: pid}, nil
	case KindReportChild:
		rec, err := readLaunchRecord(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report-child echo: %v", ErrMalformedFrame, err)
		}
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report-child echo: %v", ErrMalformedFrame, err)
		}
		tty, err := readString(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report-child echo: %v", ErrMalformedFrame, err)
		}
		terminated, err := readBool(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report-child echo: %v", ErrMalformedFrame, err)
		}
		isLast, err := readBool(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report-child echo: %v", ErrMalformedFrame, err)
		}
		return ReportChild{Record: rec, Pid: pid, Tty: tty, Terminated: terminated, IsLast: isLast}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, tag)
	}
}

// DecodeResponse reads exactly one server-originated frame. It's used by
// test harnesses and by any code acting as the client side of the
// protocol.
func DecodeResponse(r io.Reader) (Message, error) {
	body, err := readFrameBody(r)
	if err != nil {
		return nil, err
	}
	tag := Kind(body[0])
	rd := bytes.NewReader(body[1:])
	switch tag {
	case KindHandshake:
		ver, err := readUint32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake response: %v", ErrMalformedFrame, err)
		}
		n, err := readUint32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake response: %v", ErrMalformedFrame, err)
		}
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake response: %v", ErrMalformedFrame, err)
		}
		return HandshakeResponse{ProtocolVersion: ver, NumChildren: n, Pid: pid}, nil
	case KindLaunch:
		status, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: launch response: %v", ErrMalformedFrame, err)
		}
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: launch response: %v", ErrMalformedFrame, err)
		}
		uid, err := readUint64(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: launch response: %v", ErrMalformedFrame, err)
		}
		tty, err := readString(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: launch response: %v", ErrMalformedFrame, err)
		}
		return LaunchResponse{Status: status, Pid: pid, UniqueID: uid, Tty: tty}, nil
	case KindWait:
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: wait response: %v", ErrMalformedFrame, err)
		}
		status, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: wait response: %v", ErrMalformedFrame, err)
		}
		errNo, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: wait response: %v", ErrMalformedFrame, err)
		}
		return WaitResponse{Pid: pid, Status: status, ErrorNumber: errNo}, nil
	case KindTermination:
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: termination: %v", ErrMalformedFrame, err)
		}
		return Termination{Pid: pid}, nil
	case KindReportChild:
		rec, err := readLaunchRecord(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report child: %v", ErrMalformedFrame, err)
		}
		pid, err := readInt32(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report child: %v", ErrMalformedFrame, err)
		}
		tty, err := readString(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report child: %v", ErrMalformedFrame, err)
		}
		terminated, err := readBool(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report child: %v", ErrMalformedFrame, err)
		}
		isLast, err := readBool(rd)
		if err != nil {
			return nil, fmt.Errorf("%w: report child: %v", ErrMalformedFrame, err)
		}
		return ReportChild{Record: rec, Pid: pid, Tty: tty, Terminated: terminated, IsLast: isLast}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, tag)
	}
}

func readFrameBody(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix: %v", ErrMalformedFrame, err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrMalformedFrame)
	}
	if n > maxFrameLen {
		return nil, fmt.Errorf("%w: frame too large (%d bytes)", ErrMalformedFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated frame: %v", ErrMalformedFrame, err)
		}
		return nil, err
	}
	return body, nil
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeInt32(b *bytes.Buffer, v int32) { writeUint32(b, uint32(v)) }

func writeUint64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func writeBool(b *bytes.Buffer, v bool) {
	if v {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
}

func writeString(b *bytes.Buffer, s string) {
	writeUint32(b, uint32(len(s)))
	b.WriteString(s)
}

func writeStringSlice(b *bytes.Buffer, ss []string) {
	writeUint32(b, uint32(len(ss)))
	for _, s := range ss {
		writeString(b, s)
	}
}

func writeLaunchRecord(b *bytes.Buffer, r LaunchRecord) {
	writeString(b, r.Path)
	writeStringSlice(b, r.Argv)
	writeStringSlice(b, r.Envp)
	writeString(b, r.Pwd)
	writeUint32(b, uint32(r.Columns))
	writeUint32(b, uint32(r.Rows))
	writeUint32(b, uint32(r.PixelWidth))
	writeUint32(b, uint32(r.PixelHeight))
	writeBool(b, r.IsUTF8)
	writeUint64(b, r.UniqueID)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining frame", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readStringSlice(r *bytes.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	// Each element carries at least its own 4-byte length prefix, so a
	// count exceeding what could possibly fit in the remaining frame is
	// malformed; reject it before allocating n string headers.
	if int(n) > r.Len()/4 {
		return nil, fmt.Errorf("string slice length %d exceeds remaining frame", n)
	}
	out := make([]string, n)
	for i := range out {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func readLaunchRecord(r *bytes.Reader) (LaunchRecord, error) {
	var rec LaunchRecord
	var err error
	if rec.Path, err = readString(r); err != nil {
		return rec, err
	}
	if rec.Argv, err = readStringSlice(r); err != nil {
		return rec, err
	}
	if rec.Envp, err = readStringSlice(r); err != nil {
		return rec, err
	}
	if rec.Pwd, err = readString(r); err != nil {
		return rec, err
	}
	cols, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	rows, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	pw, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	ph, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	rec.Columns, rec.Rows, rec.PixelWidth, rec.PixelHeight = uint16(cols), uint16(rows), uint16(pw), uint16(ph)
	if rec.IsUTF8, err = readBool(r); err != nil {
		return rec, err
	}
	if rec.UniqueID, err = readUint64(r); err != nil {
		return rec, err
	}
	return rec, nil
}
