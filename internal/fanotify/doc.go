// Package fanotify is a typed wrapper around the Linux fanotify API.
//
// A Group is created with New and watches filesystem objects through Mark.
// Group.Read fills an EventBuffer and returns an Events decoder that yields
// one Event per kernel record, in queue order. Permission events hold the
// triggering operation until a Decision is written back; Events.Close answers
// every permission event the caller left alone with Allow and flushes the
// responses, so it must always run:
//
//	events, err := group.Read(buf)
//	if err != nil {
//		return err
//	}
//	defer events.Close()
//	for ev, err := range events.All() {
//		...
//	}
//
// AsyncGroup parks the calling goroutine on the runtime poller instead of
// blocking a thread, and honours context cancellation.
package fanotify
