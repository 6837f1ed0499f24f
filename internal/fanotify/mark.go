//go:build linux

package fanotify

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// MarkAction is what a mark call does to the group's watch state.
type MarkAction uint32

const (
	MarkAdd    MarkAction = unix.FAN_MARK_ADD
	MarkRemove MarkAction = unix.FAN_MARK_REMOVE
	MarkFlush  MarkAction = unix.FAN_MARK_FLUSH
)

func (a MarkAction) String() string {
	switch a {
	case MarkAdd:
		return "Add"
	case MarkRemove:
		return "Remove"
	case MarkFlush:
		return "Flush"
	}
	return fmt.Sprintf("MarkAction(%#x)", uint32(a))
}

// MarkScope is the kind of filesystem object a mark is attached to.
type MarkScope uint32

const (
	ScopeInode      MarkScope = unix.FAN_MARK_INODE
	ScopeMount      MarkScope = unix.FAN_MARK_MOUNT
	ScopeFilesystem MarkScope = unix.FAN_MARK_FILESYSTEM
)

func (s MarkScope) String() string {
	switch s {
	case ScopeInode:
		return "Inode"
	case ScopeMount:
		return "MountPoint"
	case ScopeFilesystem:
		return "FileSystem"
	}
	return fmt.Sprintf("MarkScope(%#x)", uint32(s))
}

// ParseScope maps "inode", "mount" or "filesystem" to a MarkScope.
func ParseScope(name string) (MarkScope, error) {
	switch name {
	case "", "inode":
		return ScopeInode, nil
	case "mount":
		return ScopeMount, nil
	case "filesystem":
		return ScopeFilesystem, nil
	}
	return 0, fmt.Errorf("unknown mark scope %q", name)
}

// MarkFlags modify how the path of a mark is interpreted.
type MarkFlags uint32

const (
	MarkDontFollow           MarkFlags = unix.FAN_MARK_DONT_FOLLOW
	MarkOnlyDir              MarkFlags = unix.FAN_MARK_ONLYDIR
	MarkIgnoredMask          MarkFlags = unix.FAN_MARK_IGNORED_MASK
	MarkIgnoredSurviveModify MarkFlags = unix.FAN_MARK_IGNORED_SURV_MODIFY
)

var markFlagNames = []namedBits[MarkFlags]{
	{MarkDontFollow, "DONT_FOLLOW"},
	{MarkOnlyDir, "ONLY_DIR"},
	{MarkIgnoredMask, "IGNORED_MASK"},
	{MarkIgnoredSurviveModify, "IGNORED_SURVIVE_MODIFY"},
}

func (f MarkFlags) String() string { return formatBits(f, markFlagNames) }

// Path is a mark target: absolute, relative to a directory descriptor, or the
// directory descriptor itself. The directory descriptor is borrowed and must
// stay open until the mark call returns.
type Path struct {
	DirFd int
	Name  string
}

// AbsolutePath marks name directly; the directory descriptor is ignored by the kernel.
func AbsolutePath(name string) Path {
	return Path{DirFd: -1, Name: name}
}

// RelativePath marks name resolved against the directory open at dirFd.
func RelativePath(dirFd int, name string) Path {
	return Path{DirFd: dirFd, Name: name}
}

// DirectoryPath marks the directory open at dirFd.
func DirectoryPath(dirFd int) Path {
	return Path{DirFd: dirFd}
}

// CurrentDirectory marks whatever the working directory is at call time.
func CurrentDirectory() Path {
	return Path{DirFd: unix.AT_FDCWD}
}

func (p Path) isAbsolute() bool {
	return p.Name != "" && filepath.IsAbs(p.Name)
}

func (p Path) resolveDir() string {
	if p.DirFd == unix.AT_FDCWD {
		return "."
	}
	link := filepath.Join("/proc/self/fd", strconv.Itoa(p.DirFd))
	if target, err := os.Readlink(link); err == nil {
		return target
	}
	return link
}

// Resolve returns a best-effort absolute path using /proc/self/fd.
func (p Path) Resolve() string {
	switch {
	case p.Name == "":
		return p.resolveDir()
	case p.isAbsolute():
		return p.Name
	}
	return filepath.Join(p.resolveDir(), p.Name)
}

func (p Path) String() string {
	switch {
	case p.Name == "":
		return fmt.Sprintf("{ dir: %s }", p.resolveDir())
	case p.isAbsolute():
		return fmt.Sprintf("{ absolute: %s }", p.Name)
	}
	return fmt.Sprintf("{ dir: %s, relative: %s, path: %s }", p.resolveDir(), p.Name, p.Resolve())
}

// Mark describes one fanotify_mark call.
type Mark struct {
	Action MarkAction
	Scope  MarkScope
	Flags  MarkFlags
	Mask   Mask
	Path   Path
}

// FlushMark removes every mark of the given scope from the group.
func FlushMark(scope MarkScope) Mark {
	return Mark{
		Action: MarkFlush,
		Scope:  scope,
		Mask:   knownMask,
		Path:   CurrentDirectory(),
	}
}

// Validate checks the constraints that do not need the kernel.
func (m Mark) Validate() error {
	if m.Action != MarkFlush && m.Mask.IsEmpty() {
		return ErrEmptyMask
	}
	return nil
}

func (m Mark) rawFlags() uint {
	return uint(m.Action) | uint(m.Scope) | uint(m.Flags)
}

func (m Mark) String() string {
	return fmt.Sprintf("Mark { action: %s, what: %s, flags: %s, mask: %s, path: %s }",
		m.Action, m.Scope, m.Flags, m.Mask, m.Path)
}
