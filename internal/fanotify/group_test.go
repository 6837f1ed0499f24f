//go:build linux

package fanotify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewRejectsFidForContentClass(t *testing.T) {
	_, err := New(Config{Class: ClassContent, Flags: FlagReportFid})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, ClassContent, initErr.Config.Class)
}

func TestInitErrnoMapping(t *testing.T) {
	raw := Config{}.Encode()
	tests := map[unix.Errno]error{
		unix.EINVAL: ErrFeatureUnsupported,
		unix.EMFILE: ErrGroupLimit,
		unix.ENFILE: ErrDescriptorLimit,
		unix.ENOMEM: ErrOutOfMemory,
		unix.EPERM:  ErrPermissionDenied,
		unix.ENOSYS: ErrUnsupported,
	}
	for errno, want := range tests {
		assert.Equal(t, want, initErrno(raw, errno), errno.Error())
	}
	assert.Panics(t, func() { initErrno(raw, unix.EIO) })
}

func TestMarkErrnoMapping(t *testing.T) {
	add := Mark{Action: MarkAdd, Mask: Open, Path: RelativePath(42, "x")}
	remove := Mark{Action: MarkRemove, Mask: Open, Path: AbsolutePath("/x")}

	assert.Equal(t, BadDirFdError{Fd: 42}, markErrno(add, unix.EBADF))
	assert.Equal(t, ErrPathDoesNotExist, markErrno(add, unix.ENOENT))
	assert.Equal(t, ErrMarkNotFound, markErrno(remove, unix.ENOENT))
	assert.Equal(t, ErrNotADirectory, markErrno(add, unix.ENOTDIR))
	assert.Equal(t, ErrPathNoFSID, markErrno(add, unix.ENODEV))
	assert.Equal(t, ErrPathDifferentFSID, markErrno(add, unix.EOPNOTSUPP))
	assert.Equal(t, ErrMarkLimit, markErrno(add, unix.ENOSPC))
	assert.Equal(t, ErrOutOfMemory, markErrno(add, unix.ENOMEM))
	assert.Equal(t, ErrFeatureUnsupported, markErrno(add, unix.EINVAL))
	assert.Panics(t, func() { markErrno(add, unix.EXDEV) })
}

func TestMarkValidation(t *testing.T) {
	g := newTestGroup(t, Config{}, nil)

	err := g.Mark(Mark{Action: MarkAdd, Path: AbsolutePath("/tmp")})
	assert.ErrorIs(t, err, ErrEmptyMask)

	err = g.Mark(Mark{Action: MarkAdd, Mask: OpenPerm, Path: AbsolutePath("/tmp")})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	var markErr *MarkError
	require.ErrorAs(t, err, &markErr)
	assert.Equal(t, OpenPerm, markErr.Mark.Mask)

	assert.NoError(t, FlushMark(ScopeMount).Validate())
}

func TestMarkString(t *testing.T) {
	m := Mark{Action: MarkAdd, Scope: ScopeMount, Flags: MarkOnlyDir, Mask: Open | Close, Path: AbsolutePath("/media")}
	assert.Equal(t,
		"Mark { action: Add, what: MountPoint, flags: ONLY_DIR, mask: CLOSE_WRITE | CLOSE_NOWRITE | OPEN, path: { absolute: /media } }",
		m.String())
}

func TestPathResolve(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	assert.Equal(t, "/etc/passwd", AbsolutePath("/etc/passwd").Resolve())
	assert.Equal(t, filepath.Join(resolved, "a"), RelativePath(int(f.Fd()), "a").Resolve())
	assert.Equal(t, resolved, DirectoryPath(int(f.Fd())).Resolve())
	assert.Equal(t, "a", RelativePath(unix.AT_FDCWD, "a").Resolve())
}

func TestGroupClosed(t *testing.T) {
	g := newTestGroup(t, Config{}, record(Open, 7, 1))
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.True(t, g.fake.closed)

	_, err := g.Read(NewEventBuffer(0, 0))
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.ErrorIs(t, g.Mark(Mark{Action: MarkAdd, Mask: Open}), ErrAlreadyClosed)
}

func TestDrain(t *testing.T) {
	data := concat(record(Open, 7, 1), record(Open, 8, 1), record(Open, 9, 1))
	g := newTestGroup(t, Config{}, data)

	stop := errors.New("stop")
	var seen []int
	err := g.Drain(NewEventBuffer(0, 0), func(ev Event, err error) error {
		require.NoError(t, err)
		seen = append(seen, ev.FD().Fd())
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{7, 8}, seen)
	assert.Equal(t, []int{9}, g.closed)
}

func TestEventBufferCapacity(t *testing.T) {
	buf := NewEventBuffer(0, 0)
	buf.Reserve(128, 16)
	assert.GreaterOrEqual(t, cap(buf.events), 128)
	assert.GreaterOrEqual(t, cap(buf.responses), 16)

	buf.SetCapacity(512, 0)
	assert.GreaterOrEqual(t, cap(buf.events), 512)
	assert.Empty(t, buf.Events())

	buf.ShrinkToFit()
	assert.Zero(t, cap(buf.events))
}

// Needs CAP_SYS_ADMIN; skipped otherwise.
func TestGroupRealKernel(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("fanotify needs root")
	}
	g, err := New(Config{Class: ClassNotify, Flags: FlagCloseOnExec | FlagNonBlocking, EventFlags: EventCloseOnExec})
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported) {
		t.Skipf("fanotify unavailable: %v", err)
	}
	require.NoError(t, err)
	defer g.Close()

	dir := t.TempDir()
	require.NoError(t, g.Mark(Mark{Action: MarkAdd, Mask: Open | EventOnChild, Path: AbsolutePath(dir)}))

	name := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o600))

	events, err := g.Read(NewEventBuffer(DefaultEventBufferSize, 0))
	require.NoError(t, err)
	defer events.Close()

	var found bool
	for ev, err := range events.All() {
		require.NoError(t, err)
		fd := ev.FD()
		require.NotNil(t, fd)
		path, _ := fd.Path()
		if path == name || filepath.Base(path) == "f" {
			found = true
			assert.True(t, ev.ID.IsSelf)
			assert.True(t, ev.Mask.Has(Open))
		}
		require.NoError(t, fd.Close())
	}
	assert.True(t, found)
}
