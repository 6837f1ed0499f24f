//go:build linux

package fanotify

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeFD stands in for a group descriptor: reads are served from a queue and
// writes are captured.
type fakeFD struct {
	reads    [][]byte
	written  bytes.Buffer
	writeErr error
	// maxWrite caps the bytes accepted per write when positive
	maxWrite   int
	zeroWrites bool
	closed     bool
}

func (f *fakeFD) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(p, f.reads[0])
	f.reads = f.reads[1:]
	return n, nil
}

func (f *fakeFD) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.zeroWrites {
		return 0, nil
	}
	n := len(p)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.written.Write(p[:n])
	return n, nil
}

func (f *fakeFD) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFD) Int() int { return 100 }

type testGroup struct {
	*Group
	fake   *fakeFD
	closed []int
}

// newTestGroup never touches real descriptors: the fds in synthetic records
// are recorded instead of closed.
func newTestGroup(t *testing.T, cfg Config, reads ...[]byte) *testGroup {
	t.Helper()
	tg := &testGroup{fake: &fakeFD{reads: reads}}
	tg.Group = newGroup(tg.fake, cfg.Encode())
	tg.Group.closeFd = func(fd *FD) error {
		tg.closed = append(tg.closed, fd.Release())
		return nil
	}
	return tg
}

func record(mask Mask, fd, pid int32, extra ...byte) []byte {
	b := make([]byte, metadataLen, metadataLen+len(extra))
	binary.NativeEndian.PutUint32(b[0:4], uint32(metadataLen+len(extra)))
	b[4] = unix.FANOTIFY_METADATA_VERSION
	binary.NativeEndian.PutUint16(b[6:8], metadataLen)
	binary.NativeEndian.PutUint64(b[8:16], uint64(mask))
	binary.NativeEndian.PutUint32(b[16:20], uint32(fd))
	binary.NativeEndian.PutUint32(b[20:24], uint32(pid))
	return append(b, extra...)
}

func fidInfo(infoType uint8, declared uint16, fsid [2]int32, handle ...byte) []byte {
	b := make([]byte, fidInfoLen, fidInfoLen+len(handle))
	b[0] = infoType
	binary.NativeEndian.PutUint16(b[2:4], declared)
	binary.NativeEndian.PutUint32(b[4:8], uint32(fsid[0]))
	binary.NativeEndian.PutUint32(b[8:12], uint32(fsid[1]))
	return append(b, handle...)
}

func concat(records ...[]byte) []byte {
	return bytes.Join(records, nil)
}

func responseBytes(responses ...Response) []byte {
	var b []byte
	for _, r := range responses {
		b = r.appendTo(b)
	}
	return b
}
