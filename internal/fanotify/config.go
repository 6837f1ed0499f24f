//go:build linux

package fanotify

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// NotificationClass selects which kind of listener the group is.
type NotificationClass uint32

const (
	ClassNotify     NotificationClass = unix.FAN_CLASS_NOTIF
	ClassContent    NotificationClass = unix.FAN_CLASS_CONTENT
	ClassPreContent NotificationClass = unix.FAN_CLASS_PRE_CONTENT

	classBits = 0b1100
)

func (c NotificationClass) String() string {
	switch c {
	case ClassNotify:
		return "Notify"
	case ClassContent:
		return "Content"
	case ClassPreContent:
		return "PreContent"
	}
	return fmt.Sprintf("NotificationClass(%#x)", uint32(c))
}

// InitFlags are the fanotify_init flags other than the notification class.
type InitFlags uint32

const (
	FlagCloseOnExec    InitFlags = unix.FAN_CLOEXEC
	FlagNonBlocking    InitFlags = unix.FAN_NONBLOCK
	FlagUnlimitedQueue InitFlags = unix.FAN_UNLIMITED_QUEUE
	FlagUnlimitedMarks InitFlags = unix.FAN_UNLIMITED_MARKS
	FlagReportTid      InitFlags = unix.FAN_REPORT_TID
	FlagReportFid      InitFlags = unix.FAN_REPORT_FID
	FlagReportDirFid   InitFlags = unix.FAN_REPORT_DIR_FID
	FlagReportName     InitFlags = unix.FAN_REPORT_NAME

	// FlagsUnlimited lifts both the queue and the mark limits.
	FlagsUnlimited = FlagUnlimitedQueue | FlagUnlimitedMarks
)

var initFlagNames = []namedBits[InitFlags]{
	{FlagCloseOnExec, "CLOSE_ON_EXEC"},
	{FlagNonBlocking, "NON_BLOCKING"},
	{FlagUnlimitedQueue, "UNLIMITED_QUEUE"},
	{FlagUnlimitedMarks, "UNLIMITED_MARKS"},
	{FlagReportTid, "REPORT_TID"},
	{FlagReportFid, "REPORT_FID"},
	{FlagReportDirFid, "REPORT_DIR_FID"},
	{FlagReportName, "REPORT_NAME"},
}

var allInitFlags = unionBits(initFlagNames)

func (f InitFlags) Has(flags InitFlags) bool { return f&flags == flags }
func (f InitFlags) String() string           { return formatBits(f, initFlagNames) }

// ReadWrite is the access mode of the descriptors the kernel opens for events.
type ReadWrite uint32

const (
	ReadOnly      ReadWrite = unix.O_RDONLY
	WriteOnly     ReadWrite = unix.O_WRONLY
	ReadAndWrite  ReadWrite = unix.O_RDWR
	readWriteBits           = unix.O_ACCMODE
)

func (rw ReadWrite) String() string {
	switch rw {
	case ReadOnly:
		return "Read"
	case WriteOnly:
		return "Write"
	case ReadAndWrite:
		return "ReadAndWrite"
	}
	return fmt.Sprintf("ReadWrite(%#x)", uint32(rw))
}

// EventFlags are the open(2) status flags applied to event descriptors.
type EventFlags uint32

const (
	EventLargeFile    EventFlags = unix.O_LARGEFILE
	EventCloseOnExec  EventFlags = unix.O_CLOEXEC
	EventAppend       EventFlags = unix.O_APPEND
	EventDataSync     EventFlags = unix.O_DSYNC
	EventSync         EventFlags = unix.O_SYNC
	EventNoAccessTime EventFlags = unix.O_NOATIME
	EventNonBlocking  EventFlags = unix.O_NONBLOCK
)

var eventFlagNames = []namedBits[EventFlags]{
	{EventLargeFile, "LARGE_FILE"},
	{EventCloseOnExec, "CLOSE_ON_EXEC"},
	{EventAppend, "APPEND"},
	{EventDataSync, "DATA_SYNC"},
	{EventSync, "SYNC"},
	{EventNoAccessTime, "NO_UPDATE_ACCESS_TIME"},
	{EventNonBlocking, "NON_BLOCKING"},
}

var allEventFlags = unionBits(eventFlagNames)

func (f EventFlags) Has(flags EventFlags) bool { return f&flags == flags }
func (f EventFlags) String() string            { return formatBits(f, eventFlagNames) }

// Config is the structured form of the arguments to fanotify_init. It is
// fixed once the group exists; the decoder consults it to interpret records.
type Config struct {
	Class      NotificationClass
	Flags      InitFlags
	RW         ReadWrite
	EventFlags EventFlags
}

// RawConfig is Config packed into the two words passed to fanotify_init.
type RawConfig struct {
	Flags      uint32
	EventFlags uint32
}

// Encode packs c. It never fails; invalid combinations are rejected by New.
func (c Config) Encode() RawConfig {
	return RawConfig{
		Flags:      uint32(c.Class)&classBits | uint32(c.Flags&allInitFlags),
		EventFlags: uint32(c.RW)&readWriteBits | uint32(c.EventFlags&allEventFlags),
	}
}

// Decode expands r. Unknown bits are dropped.
func (r RawConfig) Decode() Config {
	return Config{
		Class:      r.Class(),
		Flags:      r.InitFlags(),
		RW:         r.RW(),
		EventFlags: r.Events(),
	}
}

func (r RawConfig) Class() NotificationClass {
	switch c := NotificationClass(r.Flags & classBits); c {
	case ClassContent, ClassPreContent:
		return c
	}
	return ClassNotify
}

func (r RawConfig) InitFlags() InitFlags {
	return InitFlags(r.Flags&^classBits) & allInitFlags
}

func (r RawConfig) RW() ReadWrite {
	switch rw := ReadWrite(r.EventFlags & readWriteBits); rw {
	case WriteOnly, ReadAndWrite:
		return rw
	}
	return ReadOnly
}

func (r RawConfig) Events() EventFlags {
	return EventFlags(r.EventFlags&^readWriteBits) & allEventFlags
}

func (c Config) String() string {
	return fmt.Sprintf("Init { notification_class: %s, flags: %s, rw: %s, event_flags: %s }",
		c.Class, c.Flags, c.RW, c.EventFlags)
}

func (r RawConfig) String() string {
	return r.Decode().String()
}

type bits interface {
	~uint32 | ~uint64
}

type namedBits[T bits] struct {
	bits T
	name string
}

func unionBits[T bits](names []namedBits[T]) T {
	var all T
	for _, n := range names {
		all |= n.bits
	}
	return all
}

func formatBits[T bits](v T, names []namedBits[T]) string {
	var parts []string
	for _, n := range names {
		if n.bits != 0 && v&n.bits == n.bits {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " | ")
}

func parseBits[T bits](kind string, list []string, names []namedBits[T]) (T, error) {
	var v T
next:
	for _, s := range list {
		s = strings.ToUpper(strings.TrimSpace(s))
		for _, n := range names {
			if n.name == s {
				v |= n.bits
				continue next
			}
		}
		return 0, fmt.Errorf("unknown %s %q", kind, s)
	}
	return v, nil
}

// ParseInitFlags maps names such as "unlimited_queue" to InitFlags.
func ParseInitFlags(names []string) (InitFlags, error) {
	return parseBits("init flag", names, initFlagNames)
}

// ParseEventFlags maps names such as "large_file" to EventFlags.
func ParseEventFlags(names []string) (EventFlags, error) {
	return parseBits("event flag", names, eventFlagNames)
}

// ParseClass maps "notify", "content" or "pre_content" to a NotificationClass.
func ParseClass(name string) (NotificationClass, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "notify", "notif":
		return ClassNotify, nil
	case "content":
		return ClassContent, nil
	case "pre_content", "precontent":
		return ClassPreContent, nil
	}
	return 0, fmt.Errorf("unknown notification class %q", name)
}
