// Package perfevent turns RawRecords carved out of a perf_event ring buffer
// (internal/ringbuf) into the typed event variants TypedEvent describes in
// spec.md §3/§4.2: a tagged variant carrying a nanosecond timestamp plus the
// tid/pid/cpu it originated from, dispatched to interested subsystems
// through a visitor rather than a hand-rolled type switch (spec.md §9).
package perfevent

import "github.com/captrace/captrace/internal/ringbuf"

// Kernel record kinds from <linux/perf_event.h>'s perf_event_type enum.
// Never change; they are imposed by the OS (spec.md §6).
const (
	RecordLost   uint32 = 2
	RecordComm   uint32 = 3
	RecordExit   uint32 = 4
	RecordFork   uint32 = 7
	RecordSample uint32 = 9
)

// RawRecord is a contiguous byte window carved from one ring buffer: the
// 8-byte header plus header.Size-8 bytes of payload. It is owned briefly by
// the reader and copied out before the tail advances (spec.md §3).
type RawRecord struct {
	Header  ringbuf.Header
	Payload []byte
	// OriginFD identifies which perf_event fd produced this record, so the
	// merger can tie-break FIFO within one origin (spec.md §3
	// PriorityQueueEntry).
	OriginFD int
}
