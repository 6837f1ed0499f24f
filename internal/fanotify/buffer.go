//go:build linux

package fanotify

import "golang.org/x/sys/unix"

const (
	// DefaultEventBufferSize is the read size used when a buffer has no capacity yet.
	DefaultEventBufferSize = 4096

	metadataLen  = unix.FAN_EVENT_METADATA_LEN
	eventLenSize = 4
	// info header (type, pad, len) followed by the 8 byte fsid
	fidInfoLen = 4 + 8
)

// EventBuffer holds the bytes of the most recent read and the responses that
// are waiting to be written back. One buffer serves one group at a time; every
// read replaces the previous events.
type EventBuffer struct {
	events    []byte
	responses []byte

	// bumped on every read so views into events can tell they are stale
	generation uint64
}

// NewEventBuffer allocates a buffer with the given capacities.
func NewEventBuffer(events, responses int) *EventBuffer {
	return &EventBuffer{
		events:    make([]byte, 0, events),
		responses: make([]byte, 0, responses),
	}
}

// Events returns the bytes of the last read.
func (b *EventBuffer) Events() []byte {
	return b.events
}

// PendingResponses returns the number of response bytes not yet written.
func (b *EventBuffer) PendingResponses() int {
	return len(b.responses)
}

// Clear drops the events. Unwritten responses are kept so the next read can
// still deliver them.
func (b *EventBuffer) Clear() {
	b.generation++
	b.events = b.events[:0]
}

// Reserve grows the capacities by at least the given amounts.
func (b *EventBuffer) Reserve(events, responses int) {
	b.events = grow(b.events, events)
	b.responses = grow(b.responses, responses)
}

// SetCapacity clears the events and makes sure the buffer can hold the given
// amounts. Pending responses survive.
func (b *EventBuffer) SetCapacity(events, responses int) {
	b.Clear()
	b.Reserve(events, responses)
}

// ShrinkToFit releases capacity beyond the current contents.
func (b *EventBuffer) ShrinkToFit() {
	b.events = append([]byte(nil), b.events...)
	b.responses = append([]byte(nil), b.responses...)
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b
	}
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return out
}

// fill replaces the events with one read into the full capacity. When the
// read fails the previous events are left as they were.
func (b *EventBuffer) fill(read func([]byte) (int, error)) error {
	if cap(b.events) < metadataLen {
		b.events = make([]byte, 0, DefaultEventBufferSize)
	}
	n, err := read(b.events[:cap(b.events)])
	if err != nil {
		return err
	}
	b.generation++
	b.events = b.events[:n]
	return nil
}
