package capture

import (
	"sync/atomic"

	"github.com/captrace/captrace/internal/events"
)

// countingSink wraps a Sink so Session.Stop can report how many events a
// capture actually emitted in its LogCaptureFinished audit entry, without
// internal/interning needing to know anything about auditing.
type countingSink struct {
	next  events.Sink
	count uint64
}

func newCountingSink(next events.Sink) *countingSink {
	return &countingSink{next: next}
}

func (s *countingSink) Emit(ev events.ClientCaptureEvent) {
	atomic.AddUint64(&s.count, 1)
	s.next.Emit(ev)
}

func (s *countingSink) Count() uint64 {
	return atomic.LoadUint64(&s.count)
}
