//go:build linux

package fanotify

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ID identifies the process or thread that caused an event.
type ID struct {
	Value int
	// IsTid is set when the group was created with FlagReportTid.
	IsTid bool
	// IsSelf is set when Value matches the caller at the time of the read.
	IsSelf bool
}

func (id ID) String() string {
	if id.IsTid {
		return fmt.Sprintf("Tid(%d)", id.Value)
	}
	return fmt.Sprintf("Pid(%d)", id.Value)
}

// currentID is captured once per read: later comparisons must use the same
// value even if the goroutine moves to another thread.
func currentID(useTid bool) int {
	if useTid {
		return unix.Gettid()
	}
	return unix.Getpid()
}

// Event is one decoded record. It is only valid until the next read into
// the buffer it came from.
type Event struct {
	Mask Mask
	ID   ID
	File File
}

func (e Event) String() string {
	return fmt.Sprintf("%s, %s, %s", variantName(e.File), e.ID, e.Mask)
}

// FD returns the plain descriptor variant, or nil.
func (e Event) FD() *FileFD {
	f, _ := e.File.(*FileFD)
	return f
}

// FID returns the file handle variant, or nil.
func (e Event) FID() *FileFID {
	f, _ := e.File.(*FileFID)
	return f
}

// Permission returns the permission variant, or nil.
func (e Event) Permission() *Permission {
	f, _ := e.File.(*Permission)
	return f
}

// File is one of *FileFD, *FileFID or *Permission.
type File interface {
	isFile()
}

func variantName(f File) string {
	switch f.(type) {
	case *FileFD:
		return "FD"
	case *FileFID:
		return "FID"
	case *Permission:
		return "Permission"
	}
	return "None"
}

// FileFD is an event carrying an open descriptor. The caller owns it and must
// Close it.
type FileFD struct {
	fd *FD
}

func (*FileFD) isFile() {}

// Fd returns the raw descriptor number.
func (f *FileFD) Fd() int {
	return f.fd.Int()
}

// Close closes the event descriptor.
func (f *FileFD) Close() error {
	return f.fd.Close()
}

// Path resolves the descriptor through /proc/self/fd.
func (f *FileFD) Path() (string, error) {
	return os.Readlink(filepath.Join("/proc/self/fd", strconv.Itoa(f.fd.Int())))
}

// File hands the descriptor over to an *os.File, which then owns it.
func (f *FileFD) File(name string) *os.File {
	return os.NewFile(uintptr(f.fd.Release()), name)
}
