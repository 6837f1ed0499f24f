//go:build linux

package fanotify

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Group is one fanotify listener: a descriptor plus the configuration it was
// created with. A Group is not safe for concurrent reads; at most one Events
// may be open per EventBuffer.
type Group struct {
	fd     descriptor
	raw    RawConfig
	log    *zap.Logger
	closed bool

	closeFd func(*FD) error
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger used for flush failures and debug tracing.
func WithLogger(log *zap.Logger) Option {
	return func(g *Group) {
		if log != nil {
			g.log = log
		}
	}
}

// New calls fanotify_init. Errors are *InitError wrapping one of the Err
// sentinels or an InvalidFdError.
func New(cfg Config, opts ...Option) (*Group, error) {
	if cfg.Flags.Has(FlagReportFid) && cfg.Class != ClassNotify {
		return nil, &InitError{Config: cfg, Err: ErrInvalidArgument}
	}
	raw := cfg.Encode()
	fd, err := unix.FanotifyInit(uint(raw.Flags), uint(raw.EventFlags))
	if err != nil {
		return nil, &InitError{Config: cfg, Err: initErrno(raw, err)}
	}
	if fd < 0 {
		return nil, &InitError{Config: cfg, Err: InvalidFdError{Fd: fd}}
	}
	g := newGroup(NewFD(fd), raw, opts...)
	g.log.Info("fanotify group created", zap.Int("fd", fd), zap.Stringer("config", cfg))
	return g, nil
}

// FromFD wraps a fanotify descriptor created elsewhere, for example inherited
// from a parent process. cfg must match the flags the descriptor was created
// with; the decoder relies on it. The Group takes ownership of fd.
func FromFD(fd int, cfg Config, opts ...Option) *Group {
	return newGroup(NewFD(fd), cfg.Encode(), opts...)
}

func newGroup(fd descriptor, raw RawConfig, opts ...Option) *Group {
	g := &Group{
		fd:      fd,
		raw:     raw,
		log:     zap.NewNop(),
		closeFd: (*FD).Close,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func initErrno(raw RawConfig, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EINVAL:
		return ErrFeatureUnsupported
	case unix.EMFILE:
		return ErrGroupLimit
	case unix.ENFILE:
		return ErrDescriptorLimit
	case unix.ENOMEM:
		return ErrOutOfMemory
	case unix.EPERM:
		return ErrPermissionDenied
	case unix.ENOSYS:
		return ErrUnsupported
	}
	panic(impossibleSyscallError{syscall: "fanotify_init", args: raw.String(), err: err})
}

// Config is the configuration the group was created with.
func (g *Group) Config() Config {
	return g.raw.Decode()
}

// RawConfig is the configuration as passed to fanotify_init.
func (g *Group) RawConfig() RawConfig {
	return g.raw
}

// Fd returns the group descriptor number.
func (g *Group) Fd() int {
	return g.fd.Int()
}

// Mark adds, removes or flushes a mark. Errors are *MarkError.
func (g *Group) Mark(m Mark) error {
	if g.closed {
		return &MarkError{Mark: m, Err: ErrAlreadyClosed}
	}
	if err := m.Validate(); err != nil {
		return &MarkError{Mark: m, Err: err}
	}
	if m.Action != MarkFlush && m.Mask.IsPermission() && g.raw.Class() == ClassNotify {
		return &MarkError{Mark: m, Err: ErrInvalidArgument}
	}
	err := unix.FanotifyMark(g.fd.Int(), m.rawFlags(), uint64(m.Mask), m.Path.DirFd, m.Path.Name)
	if err != nil {
		return &MarkError{Mark: m, Err: markErrno(m, err)}
	}
	g.log.Debug("fanotify mark", zap.Stringer("mark", m))
	return nil
}

func markErrno(m Mark, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EBADF:
		return BadDirFdError{Fd: m.Path.DirFd}
	case unix.EINVAL:
		return ErrFeatureUnsupported
	case unix.ENODEV:
		return ErrPathNoFSID
	case unix.ENOENT:
		if m.Action == MarkRemove {
			return ErrMarkNotFound
		}
		return ErrPathDoesNotExist
	case unix.ENOMEM:
		return ErrOutOfMemory
	case unix.ENOSPC:
		return ErrMarkLimit
	case unix.ENOTDIR:
		return ErrNotADirectory
	case unix.EOPNOTSUPP:
		return ErrPathDifferentFSID
	}
	panic(impossibleSyscallError{syscall: "fanotify_mark", args: m.String(), err: err})
}

// Read blocks until events are queued (unless the group is non-blocking),
// replaces the contents of buf with them and returns a decoder over the
// records. Responses left in buf by an earlier read are flushed first.
func (g *Group) Read(buf *EventBuffer) (*Events, error) {
	return g.read(buf, g.fd.Read, (*Responses).FlushAll)
}

func (g *Group) read(buf *EventBuffer, read func([]byte) (int, error), flush func(*Responses) error) (*Events, error) {
	if g.closed {
		return nil, ErrAlreadyClosed
	}
	responses := newResponses(g.fd, &buf.responses, g.log)
	if responses.Len() > 0 {
		if err := flush(responses); err != nil {
			return nil, fmt.Errorf("flushing %d pending response bytes: %w", responses.Len(), err)
		}
	}
	if err := buf.fill(read); err != nil {
		return nil, err
	}
	g.log.Debug("read fanotify events",
		zap.String("bytes", humanize.IBytes(uint64(len(buf.events)))),
		zap.String("capacity", humanize.IBytes(uint64(cap(buf.events)))))
	return &Events{
		group:     g,
		buf:       buf,
		data:      buf.events,
		self:      currentID(g.raw.InitFlags().Has(FlagReportTid)),
		responses: responses,
	}, nil
}

// Drain reads once and hands every record to fn, then closes the batch. An
// error from fn stops the iteration; the remaining records are still answered
// and closed.
func (g *Group) Drain(buf *EventBuffer, fn func(Event, error) error) (err error) {
	events, err := g.Read(buf)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(events))
	for ev, decodeErr := range events.All() {
		if err := fn(ev, decodeErr); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the group descriptor. The kernel allows every pending
// permission event of a closed group.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.log.Debug("closing fanotify group", zap.Int("fd", g.fd.Int()))
	return g.fd.Close()
}
