//go:build linux

package fanotify

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// InfoType tags the trailing info record of a REPORT_FID event.
type InfoType uint8

const (
	InfoFid        InfoType = unix.FAN_EVENT_INFO_TYPE_FID
	InfoDirFidName InfoType = unix.FAN_EVENT_INFO_TYPE_DFID_NAME
	InfoDirFid     InfoType = unix.FAN_EVENT_INFO_TYPE_DFID
)

func parseInfoType(v uint8) (InfoType, bool) {
	switch t := InfoType(v); t {
	case InfoFid, InfoDirFidName, InfoDirFid:
		return t, true
	}
	return 0, false
}

func (t InfoType) String() string {
	switch t {
	case InfoFid:
		return "Fid"
	case InfoDirFidName:
		return "DFidName"
	case InfoDirFid:
		return "DFid"
	}
	return fmt.Sprintf("InfoType(%d)", uint8(t))
}

// FileSystemID identifies the filesystem an FID event belongs to.
type FileSystemID unix.Fsid

func (id FileSystemID) String() string {
	return fmt.Sprintf("%08x%08x", uint32(id.Val[0]), uint32(id.Val[1]))
}

// FileHandle is an unopened but resolved reference to a file. Its bytes live in
// the EventBuffer of the read that produced it and are gone after the next read.
type FileHandle struct {
	buf        *EventBuffer
	generation uint64
	start, end int
}

// Valid reports whether the buffer still holds the read this handle came from.
func (h FileHandle) Valid() bool {
	return h.buf != nil && h.buf.generation == h.generation && h.end <= len(h.buf.events)
}

// Bytes returns the opaque handle, aliasing the read buffer. It returns nil
// once the buffer has been reused.
func (h FileHandle) Bytes() []byte {
	if !h.Valid() {
		return nil
	}
	return h.buf.events[h.start:h.end:h.end]
}

// Len is the size of the opaque handle in bytes.
func (h FileHandle) Len() int {
	return h.end - h.start
}

// Type returns the handle_type of the struct file_handle the bytes hold.
func (h FileHandle) Type() (int32, bool) {
	b := h.Bytes()
	if len(b) < 8 {
		return 0, false
	}
	return int32(binary.NativeEndian.Uint32(b[4:8])), true
}

// FileFID is an event reported with a filesystem id and file handle instead of
// an open descriptor.
type FileFID struct {
	InfoType     InfoType
	FileSystemID FileSystemID
	Handle       FileHandle
}

func (*FileFID) isFile() {}

// parseFid decodes the info record that follows the metadata of the event at
// offset. record spans exactly event_len bytes.
func parseFid(buf *EventBuffer, offset int, record []byte) (*FileFID, error) {
	info := record[metadataLen:]
	if len(info) < fidInfoLen {
		return nil, TooShortError{What: FidEvent, Found: len(record), Expected: metadataLen + fidInfoLen}
	}
	// the declared length covers the header and fsid; the handle runs to the
	// end of the record
	if found := int(binary.NativeEndian.Uint16(info[2:4])); found != fidInfoLen {
		return nil, TooShortError{What: FidEvent, Found: found, Expected: fidInfoLen}
	}
	infoType, ok := parseInfoType(info[0])
	if !ok {
		return nil, InvalidFidInfoTypeError{InfoType: info[0]}
	}
	var fsid FileSystemID
	fsid.Val[0] = int32(binary.NativeEndian.Uint32(info[4:8]))
	fsid.Val[1] = int32(binary.NativeEndian.Uint32(info[8:12]))
	return &FileFID{
		InfoType:     infoType,
		FileSystemID: fsid,
		Handle: FileHandle{
			buf:        buf,
			generation: buf.generation,
			start:      offset + metadataLen + fidInfoLen,
			end:        offset + len(record),
		},
	}, nil
}
