//go:build linux

package fanotify

import "golang.org/x/sys/unix"

// Mask is the set of event types carried by a mark or reported by an event.
type Mask uint64

const (
	// Access is reported on read only.
	Access        Mask = unix.FAN_ACCESS
	Modify        Mask = unix.FAN_MODIFY
	Attrib        Mask = unix.FAN_ATTRIB
	CloseWrite    Mask = unix.FAN_CLOSE_WRITE
	CloseNoWrite  Mask = unix.FAN_CLOSE_NOWRITE
	Open          Mask = unix.FAN_OPEN
	MovedFrom     Mask = unix.FAN_MOVED_FROM
	MovedTo       Mask = unix.FAN_MOVED_TO
	Create        Mask = unix.FAN_CREATE
	Delete        Mask = unix.FAN_DELETE
	DeleteSelf    Mask = unix.FAN_DELETE_SELF
	MoveSelf      Mask = unix.FAN_MOVE_SELF
	OpenExec      Mask = unix.FAN_OPEN_EXEC
	OpenPerm      Mask = unix.FAN_OPEN_PERM
	AccessPerm    Mask = unix.FAN_ACCESS_PERM
	OpenExecPerm  Mask = unix.FAN_OPEN_EXEC_PERM
	OnDir         Mask = unix.FAN_ONDIR
	EventOnChild  Mask = unix.FAN_EVENT_ON_CHILD
	queueOverflow Mask = unix.FAN_Q_OVERFLOW

	// Close is CloseWrite|CloseNoWrite.
	Close = CloseWrite | CloseNoWrite
	// Moved is MovedFrom|MovedTo.
	Moved = MovedFrom | MovedTo
	// AllPermissions are the events that wait for a response.
	AllPermissions = OpenPerm | AccessPerm | OpenExecPerm
	// PathChanged groups the events that happen to an open file.
	PathChanged = Access | Open | OpenExec | Close | Modify
	// Used groups the directory entry events.
	Used = Create | Delete | DeleteSelf | Moved | MoveSelf
)

var maskNames = []namedBits[Mask]{
	{Access, "ACCESS"},
	{Modify, "MODIFY"},
	{Attrib, "ATTRIB"},
	{CloseWrite, "CLOSE_WRITE"},
	{CloseNoWrite, "CLOSE_NOWRITE"},
	{Open, "OPEN"},
	{MovedFrom, "MOVED_FROM"},
	{MovedTo, "MOVED_TO"},
	{Create, "CREATE"},
	{Delete, "DELETE"},
	{DeleteSelf, "DELETE_SELF"},
	{MoveSelf, "MOVE_SELF"},
	{OpenExec, "OPEN_EXEC"},
	{OpenPerm, "OPEN_PERM"},
	{AccessPerm, "ACCESS_PERM"},
	{OpenExecPerm, "OPEN_EXEC_PERM"},
	{OnDir, "ONDIR"},
	{EventOnChild, "EVENT_ON_CHILD"},
}

// combined names accepted by ParseMask in addition to the single bits.
var maskAliases = []namedBits[Mask]{
	{Close, "CLOSE"},
	{Moved, "MOVED"},
	{AllPermissions, "ALL_PERMISSIONS"},
}

const knownMask = Access | Modify | Attrib | Close | Open | Moved | Create | Delete |
	DeleteSelf | MoveSelf | OpenExec | AllPermissions | OnDir | EventOnChild

// DecodeMask converts the raw kernel mask, dropping bits this package does not know.
func DecodeMask(raw uint64) Mask {
	return Mask(raw) & knownMask
}

// Has reports whether every bit of other is set.
func (m Mask) Has(other Mask) bool {
	return m&other == other
}

// Any reports whether at least one bit of other is set.
func (m Mask) Any(other Mask) bool {
	return m&other != 0
}

// IsPermission reports whether m includes a permission event.
func (m Mask) IsPermission() bool {
	return m.Any(AllPermissions)
}

func (m Mask) IsEmpty() bool {
	return m == 0
}

func (m Mask) String() string {
	return formatBits(m, maskNames)
}

// ParseMask maps names such as "open", "close" or "open_perm" to a Mask.
func ParseMask(names []string) (Mask, error) {
	all := make([]namedBits[Mask], 0, len(maskNames)+len(maskAliases))
	all = append(all, maskNames...)
	all = append(all, maskAliases...)
	return parseBits("event mask", names, all)
}
