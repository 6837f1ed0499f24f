//go:build linux

package fanotify

import (
	"errors"
	"fmt"
)

// Errors returned while creating a group or attaching a mark.
var (
	ErrInvalidArgument    = errors.New("invalid argument specified")
	ErrGroupLimit         = errors.New("exceeded the per-process limit on fanotify groups")
	ErrDescriptorLimit    = errors.New("exceeded the per-process limit on open file descriptors")
	ErrOutOfMemory        = errors.New("kernel out of memory")
	ErrPermissionDenied   = errors.New("missing the CAP_SYS_ADMIN capability")
	ErrUnsupported        = errors.New("the kernel does not support fanotify")
	ErrFeatureUnsupported = errors.New("the kernel does not support a requested fanotify feature")

	ErrEmptyMask         = errors.New("mask must not be empty for add or remove")
	ErrNotADirectory     = errors.New("not a directory, but ONLY_DIR was specified")
	ErrPathDoesNotExist  = errors.New("path does not exist")
	ErrPathNoFSID        = errors.New("path is on a filesystem that does not support fsid and REPORT_FID was specified")
	ErrPathDifferentFSID = errors.New("path resides on a subvolume that uses a different fsid than its root superblock")
	ErrMarkNotFound      = errors.New("cannot remove a mark that does not exist")
	ErrMarkLimit         = errors.New("exceeded the per-group mark limit and UNLIMITED_MARKS was not specified")
)

// Errors produced for a single record by Events.Next.
var (
	ErrQueueOverflowed                  = errors.New("the fanotify queue overflowed")
	ErrUnlimitedQueueButStillOverflowed = errors.New("the fanotify queue overflowed even though UNLIMITED_QUEUE was specified")
	ErrWrongVersion                     = errors.New("the fanotify event has an unsupported metadata version")
	ErrFidRequestedButNotReceived       = errors.New("REPORT_FID requested but not received")
	ErrFidNotRequestedButReceived       = errors.New("REPORT_FID not requested but received")
	ErrFidReturnedForPermissionEvent    = errors.New("a REPORT_FID record was received for a permission event, so there is no fd to answer with")
)

// ErrAlreadyClosed is returned when a closed group or event batch is used.
var ErrAlreadyClosed = errors.New("fanotify: already closed")

// InitError is returned by New.
type InitError struct {
	Config Config
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("fanotify init %s: %v", e.Config, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// MarkError is returned by Group.Mark and carries the rejected mark.
type MarkError struct {
	Mark Mark
	Err  error
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("fanotify mark %s: %v", e.Mark, e.Err)
}

func (e *MarkError) Unwrap() error { return e.Err }

// BadDirFdError reports an unusable directory descriptor in a mark path.
type BadDirFdError struct {
	Fd int
}

func (e BadDirFdError) Error() string {
	return fmt.Sprintf("bad dir fd specified: %d", e.Fd)
}

// InvalidFdError reports a negative descriptor where one was required.
type InvalidFdError struct {
	Fd int
}

func (e InvalidFdError) Error() string {
	return fmt.Sprintf("received an invalid fd: %d", e.Fd)
}

// TooShortField names the structure that did not fit in the remaining bytes.
type TooShortField int

const (
	EventLenField TooShortField = iota
	FullEvent
	BaseEvent
	FidEvent
)

func (w TooShortField) String() string {
	switch w {
	case EventLenField:
		return "u32 event_len field"
	case FullEvent:
		return "full event according to event_len"
	case BaseEvent:
		return "event metadata struct"
	case FidEvent:
		return "fid info struct"
	}
	return fmt.Sprintf("TooShortField(%d)", int(w))
}

// TooShortError reports a record that is truncated or declares an impossible size.
type TooShortError struct {
	What     TooShortField
	Found    int
	Expected int
}

func (e TooShortError) Error() string {
	return fmt.Sprintf("the data read (%d bytes) is too short for a full event (%d bytes), specifically, the %s",
		e.Found, e.Expected, e.What)
}

// InvalidFidInfoTypeError reports an info record of a type this package does not decode.
type InvalidFidInfoTypeError struct {
	InfoType uint8
}

func (e InvalidFidInfoTypeError) Error() string {
	return fmt.Sprintf("REPORT_FID requested but received an invalid or unknown info_type: %d", e.InfoType)
}

// DecodeError wraps a per-record error with the record's offset in the read buffer.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("fanotify event at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// impossibleSyscallError describes an errno the kernel documents as unreachable
// for the call; it is only ever used as a panic value.
type impossibleSyscallError struct {
	syscall string
	args    string
	err     error
}

func (e impossibleSyscallError) Error() string {
	return fmt.Sprintf("%s(%s) returned an undocumented error: %v", e.syscall, e.args, e.err)
}
