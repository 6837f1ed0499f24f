//go:build linux

package fanotify

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Decision is the answer to a permission event.
type Decision uint32

const (
	// Allow is the zero-effort answer: a forgotten decision must not block
	// the rest of the system.
	Allow Decision = unix.FAN_ALLOW
	Deny  Decision = unix.FAN_DENY

	auditBit     = unix.FAN_AUDIT
	decisionBits = 0b11
	responseLen  = 8
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Deny:
		return "Deny"
	}
	return fmt.Sprintf("Decision(%d)", uint32(d))
}

// Response is one record of the response protocol: {fd i32, response u32}.
type Response struct {
	Fd       int32
	Decision Decision
	Audit    bool
}

func (r Response) bits() uint32 {
	v := uint32(r.Decision)
	if r.Audit {
		v |= auditBit
	}
	return v
}

// AppendBinary appends the native-endian wire form of r to b.
func (r Response) AppendBinary(b []byte) ([]byte, error) {
	b = binary.NativeEndian.AppendUint32(b, uint32(r.Fd))
	return binary.NativeEndian.AppendUint32(b, r.bits()), nil
}

func (r Response) appendTo(b []byte) []byte {
	b, _ = r.AppendBinary(b)
	return b
}

// parseResponse reads one record; ok is false when the decision bits are not
// exactly one of Allow or Deny. Unknown higher bits are ignored.
func parseResponse(b []byte) (r Response, ok bool) {
	bits := binary.NativeEndian.Uint32(b[4:8])
	r = Response{
		Fd:       int32(binary.NativeEndian.Uint32(b[0:4])),
		Decision: Decision(bits & decisionBits),
		Audit:    bits&auditBit != 0,
	}
	return r, r.Decision == Allow || r.Decision == Deny
}

func (r Response) String() string {
	return fmt.Sprintf("{fd: %d, decision: %s, audit: %t}", r.Fd, r.Decision, r.Audit)
}

// Permission is a permission event: like FileFD, but the kernel holds the
// triggering operation until a decision is written back. Set Decision (Allow by
// default) and Audit, then Release, WriteBuffered or WriteImmediately.
// Events.Close releases any permission the caller did not.
type Permission struct {
	FileFD
	Decision Decision
	Audit    bool

	written   bool
	released  bool
	responses *Responses
}

func newPermission(fd int, responses *Responses) *Permission {
	responses.acquire()
	return &Permission{
		FileFD:    FileFD{fd: NewFD(fd)},
		Decision:  Allow,
		responses: responses,
	}
}

func (*Permission) isFile() {}

func (p *Permission) Allow() { p.Decision = Allow }
func (p *Permission) Deny()  { p.Decision = Deny }

// Written reports whether a response has been produced for this event.
func (p *Permission) Written() bool {
	return p.written
}

// Response is the record that will be written for this event.
func (p *Permission) Response() Response {
	return Response{
		Fd:       int32(p.Fd()),
		Decision: p.Decision,
		Audit:    p.Audit,
	}
}

// WriteImmediately writes the response straight to the group. It returns
// false without writing if a response was already produced.
func (p *Permission) WriteImmediately() (bool, error) {
	if p.written {
		return false, nil
	}
	if err := p.responses.writeImmediately(p.Response()); err != nil {
		return false, err
	}
	p.written = true
	return true, nil
}

// WriteBuffered appends the response to the shared response buffer. It
// returns false if a response was already produced.
func (p *Permission) WriteBuffered() bool {
	if p.written {
		return false
	}
	p.responses.writeBuffered(p.Response())
	p.written = true
	return true
}

// Release ends the caller's use of the event: the response is buffered if
// nothing was written yet, and when this was the last holder of the shared
// responses they are flushed. The descriptor stays open; close it separately.
func (p *Permission) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	p.WriteBuffered()
	return p.responses.release()
}
