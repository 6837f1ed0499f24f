//go:build linux

package fanotify

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// contextWriter is implemented by descriptors that can wait for writability.
type contextWriter interface {
	writeContext(ctx context.Context, p []byte) (int, error)
}

// Responses is the response channel shared by every permission event of one
// read. It is reference counted: the Events it came from and each unreleased
// Permission hold a reference, and dropping the last one flushes the buffer.
type Responses struct {
	fd   descriptor
	buf  *[]byte
	refs int
	log  *zap.Logger
}

func newResponses(fd descriptor, buf *[]byte, log *zap.Logger) *Responses {
	return &Responses{fd: fd, buf: buf, refs: 1, log: log}
}

func (r *Responses) acquire() {
	r.refs++
}

func (r *Responses) release() error {
	if r.refs == 0 {
		panic("fanotify: Responses released more often than acquired")
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	return r.FlushAll()
}

// writeImmediately issues exactly one write of one record. A short write is
// reported as EAGAIN rather than retried: a record this small should never be
// split.
func (r *Responses) writeImmediately(resp Response) error {
	rec := resp.appendTo(make([]byte, 0, responseLen))
	n, err := r.fd.Write(rec)
	if err != nil {
		return err
	}
	if n != len(rec) {
		return unix.EAGAIN
	}
	return nil
}

func (r *Responses) writeBuffered(resp Response) {
	*r.buf = resp.appendTo(*r.buf)
}

// Len is the number of buffered bytes not yet written.
func (r *Responses) Len() int {
	return len(*r.buf)
}

// Pending decodes the buffered records. A partially written record at the front
// is skipped; everything after it is whole.
func (r *Responses) Pending() []Response {
	b := *r.buf
	b = b[len(b)%responseLen:]
	out := make([]Response, 0, len(b)/responseLen)
	for ; len(b) >= responseLen; b = b[responseLen:] {
		if resp, ok := parseResponse(b); ok {
			out = append(out, resp)
		}
	}
	return out
}

// Flush writes as much of the buffer as the descriptor accepts in one call and
// drops exactly the written prefix.
func (r *Responses) Flush() (int, error) {
	return r.flushWith(r.fd.Write)
}

func (r *Responses) flushWith(write func([]byte) (int, error)) (int, error) {
	n, err := write(*r.buf)
	if err != nil {
		return 0, err
	}
	b := *r.buf
	*r.buf = b[:copy(b, b[n:])]
	return n, nil
}

// FlushAll flushes until the buffer is empty, returning the first error.
func (r *Responses) FlushAll() error {
	return r.flushAllWith(r.fd.Write)
}

// FlushAllContext is FlushAll for groups in non-blocking mode: instead of
// failing with EAGAIN it waits until the descriptor is writable or ctx ends.
func (r *Responses) FlushAllContext(ctx context.Context) error {
	cw, ok := r.fd.(contextWriter)
	if !ok {
		return r.FlushAll()
	}
	return r.flushAllWith(func(p []byte) (int, error) {
		return cw.writeContext(ctx, p)
	})
}

func (r *Responses) flushAllWith(write func([]byte) (int, error)) error {
	for len(*r.buf) > 0 {
		n, err := r.flushWith(write)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		r.log.Debug("flushed permission responses", zap.Int("bytes", n), zap.Int("pending", len(*r.buf)))
	}
	return nil
}
