//go:build linux

package fanotify

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// descriptor is the byte-level view of a fanotify group fd that the decoder
// and the response path work against.
type descriptor interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Int() int
}

// FD owns exactly one kernel descriptor and closes it exactly once.
type FD struct {
	fd     int
	closed atomic.Bool
}

// NewFD takes ownership of fd. Nothing else may close it afterwards.
func NewFD(fd int) *FD {
	return &FD{fd: fd}
}

// Valid reports whether the wrapped value can be a descriptor at all.
func (f *FD) Valid() bool {
	return f.fd >= 0
}

// Int returns the raw descriptor number without transferring ownership.
func (f *FD) Int() int {
	return f.fd
}

func (f *FD) Read(p []byte) (int, error) {
	n, err := unix.Read(f.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (f *FD) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(f.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the descriptor once. Errors from close(2) are reported but the
// call is never retried: after a failed close the number may already belong
// to another open file.
func (f *FD) Close() error {
	if !f.Valid() || !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}

// Release gives up ownership and returns the raw number; Close becomes a no-op.
func (f *FD) Release() int {
	f.closed.Store(true)
	return f.fd
}

func (f *FD) String() string {
	return fmt.Sprintf("fd(%d)", f.fd)
}
