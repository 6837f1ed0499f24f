//go:build linux

package fanotify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollFD is a non-blocking descriptor registered with the runtime poller.
// Plain Read and Write never wait; the context variants park the goroutine
// until the descriptor is ready.
type pollFD struct {
	fd   int
	file *os.File
	rc   syscall.RawConn
}

func newPollFD(fd int, name string) (*pollFD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &pollFD{fd: fd, file: f, rc: rc}, nil
}

func (p *pollFD) Int() int {
	return p.fd
}

func (p *pollFD) Close() error {
	return p.file.Close()
}

func (p *pollFD) Read(b []byte) (int, error) {
	return p.do(p.rc.Read, unix.Read, b, false)
}

func (p *pollFD) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return p.do(p.rc.Write, unix.Write, b, false)
}

func (p *pollFD) readContext(ctx context.Context, b []byte) (int, error) {
	return p.withDeadline(ctx, p.file.SetReadDeadline, func() (int, error) {
		return p.do(p.rc.Read, unix.Read, b, true)
	})
}

func (p *pollFD) writeContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return p.withDeadline(ctx, p.file.SetWriteDeadline, func() (int, error) {
		return p.do(p.rc.Write, unix.Write, b, true)
	})
}

// do runs one syscall on the raw descriptor. With wait set, EAGAIN parks the
// goroutine in the poller and the call is retried once the descriptor is ready.
func (p *pollFD) do(conn func(func(uintptr) bool) error, call func(int, []byte) (int, error), b []byte, wait bool) (int, error) {
	var (
		n     int
		opErr error
	)
	err := conn(func(fd uintptr) bool {
		n, opErr = call(int(fd), b)
		return !wait || opErr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, opErr
	}
	return n, nil
}

// withDeadline turns cancellation of ctx into an expired deadline so a parked
// op wakes up, and reports ctx.Err() instead of the timeout.
func (p *pollFD) withDeadline(ctx context.Context, set func(time.Time) error, op func() (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		set(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-fired
			set(time.Time{})
		}
	}()

	n, err := op()
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return n, err
}

// AsyncGroup is a Group whose reads park the calling goroutine instead of
// blocking its thread. Response writes stay non-blocking: WriteImmediately,
// Flush and FlushAll fail with EAGAIN when the kernel cannot take more, and
// FlushAllContext waits instead.
type AsyncGroup struct {
	group *Group
	fd    *pollFD
}

// Async switches the group to non-blocking mode. The Group stays usable and
// shares the descriptor; its plain Read returns EAGAIN when nothing is queued.
func (g *Group) Async() (*AsyncGroup, error) {
	if g.closed {
		return nil, ErrAlreadyClosed
	}
	switch fd := g.fd.(type) {
	case *pollFD:
		return &AsyncGroup{group: g, fd: fd}, nil
	case *FD:
		pfd, err := newPollFD(fd.Int(), "fanotify")
		if err != nil {
			return nil, err
		}
		fd.Release()
		g.fd = pfd
		return &AsyncGroup{group: g, fd: pfd}, nil
	}
	return nil, fmt.Errorf("fanotify: descriptor %d cannot be registered with the poller", g.fd.Int())
}

// Group returns the underlying group.
func (a *AsyncGroup) Group() *Group {
	return a.group
}

func (a *AsyncGroup) Fd() int {
	return a.fd.Int()
}

func (a *AsyncGroup) Mark(m Mark) error {
	return a.group.Mark(m)
}

// Read waits until the group is readable or ctx is done, then reads and
// decodes like Group.Read. Cancellation before the read leaves buf and the
// kernel queue untouched. Leftover responses are flushed with ctx as well.
func (a *AsyncGroup) Read(ctx context.Context, buf *EventBuffer) (*Events, error) {
	return a.group.read(buf,
		func(b []byte) (int, error) {
			return a.fd.readContext(ctx, b)
		},
		func(r *Responses) error {
			return r.FlushAllContext(ctx)
		})
}

func (a *AsyncGroup) Close() error {
	return a.group.Close()
}
