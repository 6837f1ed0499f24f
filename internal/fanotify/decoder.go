//go:build linux

package fanotify

import (
	"encoding/binary"
	"errors"
	"io"
	"iter"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Events walks the records of one read in kernel order. It must be closed:
// Close answers every permission event the caller did not, flushes the shared
// responses and closes the descriptors of records that were never yielded.
type Events struct {
	group     *Group
	buf       *EventBuffer
	data      []byte
	cursor    int
	self      int
	responses *Responses
	perms     []*Permission
	closed    bool
}

// Responses is the response channel shared by the permission events of this read.
func (e *Events) Responses() *Responses {
	return e.responses
}

// Next decodes the record at the cursor. It returns io.EOF once the read is
// exhausted. Any other error is a *DecodeError local to one record; calling
// Next again continues with the record after it.
func (e *Events) Next() (Event, error) {
	if e.closed {
		return Event{}, ErrAlreadyClosed
	}
	if e.cursor >= len(e.data) {
		return Event{}, io.EOF
	}
	offset := e.cursor
	ev, err := e.decode()
	if err != nil {
		return Event{}, &DecodeError{Offset: offset, Err: err}
	}
	return ev, nil
}

// All yields every remaining record. Breaking out of the loop leaves the rest
// for Close.
func (e *Events) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := e.Next()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || errors.Is(err, ErrAlreadyClosed) {
				return
			}
		}
	}
}

// Close is the scope guard for the read. It is safe to call more than once.
// A non-nil error means at least one permission response may not have reached
// the kernel, leaving the triggering process blocked; treat it as fatal for
// the group.
func (e *Events) Close() error {
	if e.closed {
		return nil
	}

	var leftover []*FD
	for e.cursor < len(e.data) {
		ev, err := e.decode()
		if err != nil {
			continue
		}
		switch f := ev.File.(type) {
		case *FileFD:
			leftover = append(leftover, f.fd)
		case *Permission:
			leftover = append(leftover, f.fd)
		}
	}
	if len(leftover) > 0 {
		e.group.log.Warn("closing batch with unread events", zap.Int("events", len(leftover)))
	}
	e.closed = true

	var err error
	for _, p := range e.perms {
		err = multierr.Append(err, p.Release())
	}
	err = multierr.Append(err, e.responses.release())
	for _, fd := range leftover {
		err = multierr.Append(err, e.group.closeFd(fd))
	}
	if err != nil {
		e.group.log.Error("failed to answer permission events", zap.Error(err),
			zap.Int("pending_bytes", e.responses.Len()))
	}
	return err
}

func (e *Events) decode() (Event, error) {
	remaining := e.data[e.cursor:]
	if len(remaining) < eventLenSize {
		e.cursor += eventLenSize
		return Event{}, TooShortError{What: EventLenField, Found: len(remaining), Expected: eventLenSize}
	}
	eventLen := int(binary.NativeEndian.Uint32(remaining))
	if len(remaining) < eventLen {
		e.cursor = len(e.data)
		return Event{}, TooShortError{What: FullEvent, Found: len(remaining), Expected: eventLen}
	}
	if eventLen < metadataLen {
		// a length this small cannot be skipped over; stop here
		e.cursor = len(e.data)
		return Event{}, TooShortError{What: BaseEvent, Found: eventLen, Expected: metadataLen}
	}
	e.cursor += eventLen
	record := remaining[:eventLen]

	if record[4] != unix.FANOTIFY_METADATA_VERSION {
		return Event{}, ErrWrongVersion
	}

	rawMask := binary.NativeEndian.Uint64(record[8:16])
	fd := int(int32(binary.NativeEndian.Uint32(record[16:20])))
	pid := int(int32(binary.NativeEndian.Uint32(record[20:24])))
	flags := e.group.raw.InitFlags()

	if rawMask&uint64(queueOverflow) != 0 {
		if flags.Has(FlagUnlimitedQueue) {
			return Event{}, ErrUnlimitedQueueButStillOverflowed
		}
		return Event{}, ErrQueueOverflowed
	}

	mask := DecodeMask(rawMask)
	file, err := e.file(record, fd, mask, flags)
	if err != nil {
		e.discard(fd, mask)
		return Event{}, err
	}
	return Event{
		Mask: mask,
		ID: ID{
			Value:  pid,
			IsTid:  flags.Has(FlagReportTid),
			IsSelf: pid == e.self,
		},
		File: file,
	}, nil
}

func (e *Events) file(record []byte, fd int, mask Mask, flags InitFlags) (File, error) {
	var (
		noFd         = fd == unix.FAN_NOFD
		requestedFid = flags.Has(FlagReportFid)
		receivedFid  = len(record) > metadataLen
		isPermission = mask.IsPermission()
	)
	switch {
	// a permission event without a descriptor cannot be answered, whatever
	// else the record carries
	case requestedFid && noFd && isPermission:
		return nil, ErrFidReturnedForPermissionEvent
	case requestedFid && !receivedFid:
		return nil, ErrFidRequestedButNotReceived
	case requestedFid && !noFd && !isPermission:
		return nil, ErrFidRequestedButNotReceived
	case requestedFid && noFd:
		return parseFid(e.buf, e.cursor-len(record), record)
	case !requestedFid && noFd:
		return nil, ErrQueueOverflowed
	case !requestedFid && receivedFid:
		return nil, ErrFidNotRequestedButReceived
	}

	if fd < 0 {
		return nil, InvalidFdError{Fd: fd}
	}
	if isPermission {
		p := newPermission(fd, e.responses)
		e.perms = append(e.perms, p)
		return p, nil
	}
	return &FileFD{fd: NewFD(fd)}, nil
}

// discard disposes of the descriptor of a record that could not be decoded.
// A permission record is answered with the default before its fd is closed.
func (e *Events) discard(fd int, mask Mask) {
	if fd < 0 {
		return
	}
	if mask.IsPermission() {
		e.responses.writeBuffered(Response{Fd: int32(fd), Decision: Allow})
	}
	if err := e.group.closeFd(NewFD(fd)); err != nil {
		e.group.log.Warn("failed to close descriptor of malformed event", zap.Int("fd", fd), zap.Error(err))
	}
}
