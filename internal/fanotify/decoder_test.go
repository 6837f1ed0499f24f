//go:build linux

package fanotify

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoded struct {
	events []Event
	errs   []error
}

func decodeAll(t *testing.T, g *testGroup, buf *EventBuffer) (*Events, decoded) {
	t.Helper()
	events, err := g.Read(buf)
	require.NoError(t, err)
	var out decoded
	for ev, err := range events.All() {
		if err != nil {
			out.errs = append(out.errs, err)
			continue
		}
		out.events = append(out.events, ev)
	}
	return events, out
}

func TestDecodeRecordsInOrder(t *testing.T) {
	data := concat(
		record(Open, 7, 1234),
		record(CloseWrite, 8, 99),
		record(Modify|OnDir, 9, 1),
	)
	g := newTestGroup(t, Config{}, data)
	buf := NewEventBuffer(DefaultEventBufferSize, 0)

	events, out := decodeAll(t, g, buf)
	require.Empty(t, out.errs)
	require.Len(t, out.events, 3)

	assert.Equal(t, Open, out.events[0].Mask)
	assert.Equal(t, 7, out.events[0].FD().Fd())
	assert.Equal(t, CloseWrite, out.events[1].Mask)
	assert.Equal(t, 8, out.events[1].FD().Fd())
	assert.Equal(t, Modify|OnDir, out.events[2].Mask)
	assert.Equal(t, 9, out.events[2].FD().Fd())
	assert.Equal(t, len(data), events.cursor)

	require.NoError(t, events.Close())
	assert.Empty(t, g.closed)
	assert.Zero(t, g.fake.written.Len())
}

func TestDecodeNextReturnsEOF(t *testing.T) {
	g := newTestGroup(t, Config{}, record(Open, 7, 1))
	events, err := g.Read(NewEventBuffer(0, 0))
	require.NoError(t, err)

	_, err = events.Next()
	require.NoError(t, err)
	_, err = events.Next()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, events.Close())
	_, err = events.Next()
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestDecodePlainFDScenario(t *testing.T) {
	self := int32(os.Getpid())
	g := newTestGroup(t, Config{}, concat(record(Open, 7, 1234), record(Open, 8, self)))

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Empty(t, out.errs)
	require.Len(t, out.events, 2)

	ev := out.events[0]
	require.NotNil(t, ev.FD())
	assert.Equal(t, 7, ev.FD().Fd())
	assert.Equal(t, Open, ev.Mask)
	assert.Equal(t, ID{Value: 1234, IsSelf: self == 1234}, ev.ID)
	assert.Equal(t, "FD, Pid(1234), OPEN", ev.String())

	assert.True(t, out.events[1].ID.IsSelf)
}

func TestDecodeTruncatedRecord(t *testing.T) {
	full := record(Open, 8, 1)
	data := concat(record(Open, 7, 1), full[:len(full)-4])
	g := newTestGroup(t, Config{}, data)

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.events, 1)
	require.Len(t, out.errs, 1)

	var tooShort TooShortError
	require.ErrorAs(t, out.errs[0], &tooShort)
	assert.Equal(t, FullEvent, tooShort.What)
	assert.Equal(t, metadataLen-4, tooShort.Found)
	assert.Equal(t, metadataLen, tooShort.Expected)

	var decodeErr *DecodeError
	require.ErrorAs(t, out.errs[0], &decodeErr)
	assert.Equal(t, metadataLen, decodeErr.Offset)
}

func TestDecodeShortBufferWithSmallLength(t *testing.T) {
	data := make([]byte, 10)
	binary.NativeEndian.PutUint32(data, 16)
	g := newTestGroup(t, Config{}, data)

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	assert.Empty(t, out.events)
	require.Len(t, out.errs, 1)

	var tooShort TooShortError
	require.ErrorAs(t, out.errs[0], &tooShort)
	assert.Equal(t, FullEvent, tooShort.What)
	assert.Equal(t, 10, tooShort.Found)
	assert.Equal(t, 16, tooShort.Expected)
}

func TestDecodeShortLengthField(t *testing.T) {
	data := concat(record(Open, 7, 1), []byte{1, 2})
	g := newTestGroup(t, Config{}, data)

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.events, 1)
	require.Len(t, out.errs, 1)

	var tooShort TooShortError
	require.ErrorAs(t, out.errs[0], &tooShort)
	assert.Equal(t, EventLenField, tooShort.What)
}

func TestDecodeZeroLengthStops(t *testing.T) {
	bad := record(Open, 7, 1)
	bad[0], bad[1], bad[2], bad[3] = 0, 0, 0, 0
	g := newTestGroup(t, Config{}, concat(bad, record(Open, 8, 1)))

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	assert.Empty(t, out.events)
	require.Len(t, out.errs, 1)

	var tooShort TooShortError
	require.ErrorAs(t, out.errs[0], &tooShort)
	assert.Equal(t, BaseEvent, tooShort.What)
}

func TestDecodeQueueOverflow(t *testing.T) {
	tests := []struct {
		name  string
		flags InitFlags
		want  error
	}{
		{"limited", 0, ErrQueueOverflowed},
		{"unlimited", FlagUnlimitedQueue, ErrUnlimitedQueueButStillOverflowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGroup(t, Config{Flags: tt.flags}, record(queueOverflow, -1, 0))
			events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
			defer events.Close()
			require.Len(t, out.errs, 1)
			assert.ErrorIs(t, out.errs[0], tt.want)
		})
	}
}

func TestDecodeWrongVersionSkipsRecord(t *testing.T) {
	bad := record(Open, 7, 1)
	bad[4] = 2
	g := newTestGroup(t, Config{}, concat(bad, record(Open, 8, 1)))

	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrWrongVersion)
	require.Len(t, out.events, 1)
	assert.Equal(t, 8, out.events[0].FD().Fd())
}

func TestDecodeInvalidFd(t *testing.T) {
	g := newTestGroup(t, Config{}, record(Open, -5, 1))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.errs, 1)
	assert.ErrorAs(t, out.errs[0], new(InvalidFdError))
	assert.Equal(t, InvalidFdError{Fd: -5}, errors.Unwrap(out.errs[0]))
}

func TestDecodeNoFdWithoutFidIsOverflow(t *testing.T) {
	g := newTestGroup(t, Config{}, record(Open, -1, 1))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrQueueOverflowed)
}

func TestDecodeFidNotRequestedClosesFd(t *testing.T) {
	g := newTestGroup(t, Config{}, record(Open, 7, 1, fidInfo(uint8(InfoFid), fidInfoLen, [2]int32{1, 2})...))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrFidNotRequestedButReceived)
	assert.Equal(t, []int{7}, g.closed)
	require.NoError(t, events.Close())
}

func TestDecodeFidPermissionWithoutFd(t *testing.T) {
	g := newTestGroup(t, Config{Flags: FlagReportFid}, record(OpenPerm, -1, 1))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	assert.Empty(t, out.events)
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrFidReturnedForPermissionEvent)
}

func TestDecodeFidRequestedButNotReceivedAnswersPermission(t *testing.T) {
	g := newTestGroup(t, Config{Flags: FlagReportFid}, record(OpenPerm, 7, 1))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrFidRequestedButNotReceived)
	assert.Equal(t, []Response{{Fd: 7, Decision: Allow}}, events.Responses().Pending())
	assert.Equal(t, []int{7}, g.closed)

	require.NoError(t, events.Close())
	assert.Equal(t, responseBytes(Response{Fd: 7, Decision: Allow}), g.fake.written.Bytes())
}

func TestDecodeFidFdWithoutPermission(t *testing.T) {
	extra := fidInfo(uint8(InfoFid), fidInfoLen, [2]int32{1, 2})
	g := newTestGroup(t, Config{Flags: FlagReportFid}, record(Create, 7, 1, extra...))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrFidRequestedButNotReceived)
}

func TestDecodeFidPermissionWithFd(t *testing.T) {
	extra := fidInfo(uint8(InfoFid), fidInfoLen, [2]int32{1, 2})
	g := newTestGroup(t, Config{Class: ClassContent, Flags: FlagReportFid}, record(OpenPerm, 7, 1, extra...))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 64))
	require.Empty(t, out.errs)
	require.Len(t, out.events, 1)

	p := out.events[0].Permission()
	require.NotNil(t, p)
	assert.Equal(t, OpenPerm, out.events[0].Mask)
	assert.Equal(t, Response{Fd: 7, Decision: Allow}, p.Response())
	assert.False(t, p.Written())

	require.NoError(t, events.Close())
	assert.True(t, p.Written())
	assert.Equal(t, responseBytes(Response{Fd: 7, Decision: Allow}), g.fake.written.Bytes())
	assert.Empty(t, g.closed)
}

func TestDecodeFid(t *testing.T) {
	handle := []byte{8, 0, 0, 0, 1, 0, 0, 0, 0xaa, 0xbb, 0xcc, 0xdd}
	extra := fidInfo(uint8(InfoFid), fidInfoLen, [2]int32{0x11, 0x22}, handle...)
	first := record(Create|OnDir, -1, 42, extra...)
	g := newTestGroup(t, Config{Flags: FlagReportFid}, first, record(Open, -1, 1, extra...))
	buf := NewEventBuffer(DefaultEventBufferSize, 0)

	events, out := decodeAll(t, g, buf)
	require.Empty(t, out.errs)
	require.Len(t, out.events, 1)
	require.NoError(t, events.Close())

	fid := out.events[0].FID()
	require.NotNil(t, fid)
	assert.Equal(t, Create|OnDir, out.events[0].Mask)
	assert.Equal(t, InfoFid, fid.InfoType)
	assert.Equal(t, "0000001100000022", fid.FileSystemID.String())
	assert.True(t, fid.Handle.Valid())
	assert.Equal(t, handle, fid.Handle.Bytes())
	assert.Equal(t, len(handle), fid.Handle.Len())
	handleType, ok := fid.Handle.Type()
	require.True(t, ok)
	assert.Equal(t, int32(binary.NativeEndian.Uint32(handle[4:8])), handleType)

	events, err := g.Read(buf)
	require.NoError(t, err)
	defer events.Close()
	assert.False(t, fid.Handle.Valid())
	assert.Nil(t, fid.Handle.Bytes())
}

func TestDecodeFidErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra []byte
		check func(t *testing.T, err error)
	}{
		{
			name:  "short info",
			extra: make([]byte, 8),
			check: func(t *testing.T, err error) {
				var tooShort TooShortError
				require.ErrorAs(t, err, &tooShort)
				assert.Equal(t, FidEvent, tooShort.What)
			},
		},
		{
			name:  "declared length mismatch",
			extra: fidInfo(uint8(InfoFid), 20, [2]int32{1, 2}, 1, 2, 3, 4, 5, 6, 7, 8),
			check: func(t *testing.T, err error) {
				var tooShort TooShortError
				require.ErrorAs(t, err, &tooShort)
				assert.Equal(t, FidEvent, tooShort.What)
				assert.Equal(t, 20, tooShort.Found)
			},
		},
		{
			name:  "unknown info type",
			extra: fidInfo(9, fidInfoLen, [2]int32{1, 2}, 1, 2, 3, 4),
			check: func(t *testing.T, err error) {
				assert.Equal(t, InvalidFidInfoTypeError{InfoType: 9}, errors.Unwrap(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGroup(t, Config{Flags: FlagReportFid}, record(Create, -1, 1, tt.extra...))
			events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
			defer events.Close()
			require.Len(t, out.errs, 1)
			tt.check(t, out.errs[0])
		})
	}
}

func TestDecodeReportTid(t *testing.T) {
	g := newTestGroup(t, Config{Flags: FlagReportTid}, record(Open, 7, 55))
	events, out := decodeAll(t, g, NewEventBuffer(DefaultEventBufferSize, 0))
	defer events.Close()
	require.Len(t, out.events, 1)
	assert.True(t, out.events[0].ID.IsTid)
	assert.Equal(t, "Tid(55)", out.events[0].ID.String())
}

func TestCloseReleasesUnreadRecords(t *testing.T) {
	data := concat(record(Open, 7, 1), record(Open, 8, 1), record(OpenPerm, 9, 1))
	g := newTestGroup(t, Config{Class: ClassContent}, data)
	events, err := g.Read(NewEventBuffer(DefaultEventBufferSize, 0))
	require.NoError(t, err)

	ev, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, 7, ev.FD().Fd())

	require.NoError(t, events.Close())
	assert.Equal(t, []int{8, 9}, g.closed)
	assert.Equal(t, responseBytes(Response{Fd: 9, Decision: Allow}), g.fake.written.Bytes())
	require.NoError(t, events.Close())
}

func TestAllStopsOnBreak(t *testing.T) {
	g := newTestGroup(t, Config{}, concat(record(Open, 7, 1), record(Open, 8, 1)))
	events, err := g.Read(NewEventBuffer(DefaultEventBufferSize, 0))
	require.NoError(t, err)
	defer events.Close()

	n := 0
	for range events.All() {
		n++
		break
	}
	assert.Equal(t, 1, n)
	ev, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, 8, ev.FD().Fd())
}
