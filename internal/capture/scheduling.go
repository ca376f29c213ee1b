package capture

import (
	"github.com/captrace/captrace/internal/config"
	"github.com/captrace/captrace/internal/events"
)

// cpuOccupant is who schedulingTracker last saw running on a core, so the
// next sched_switch on that core can close out a SchedulingSlice.
type cpuOccupant struct {
	pid, tid       uint32
	startTimestamp uint64
}

// schedulingTracker turns consecutive sched_switch events on the same CPU
// into events.SchedulingSlice records — one per thread's uninterrupted
// run on a core (spec.md §4.6 scheduler collection, gated on
// config.CaptureOptions.CollectSchedulerInfo).
type schedulingTracker struct {
	occupants map[uint32]cpuOccupant
}

func newSchedulingTracker() *schedulingTracker {
	return &schedulingTracker{occupants: make(map[uint32]cpuOccupant)}
}

// onSwitch closes the slice for whoever was previously running on cpu, if
// any, and records the incoming thread as the new occupant. It returns the
// closed slice and true, or ok=false if the core had no prior occupant (the
// first switch seen on that core this capture).
func (s *schedulingTracker) onSwitch(cpu, nextPID, nextTID uint32, timestampNS uint64) (events.SchedulingSlice, bool) {
	prev, had := s.occupants[cpu]
	s.occupants[cpu] = cpuOccupant{pid: nextPID, tid: nextTID, startTimestamp: timestampNS}
	if !had {
		return events.SchedulingSlice{}, false
	}
	return events.SchedulingSlice{
		PID:             prev.pid,
		TID:             prev.tid,
		Core:            cpu,
		DurationNS:      timestampNS - prev.startTimestamp,
		OutTimestampNS:  timestampNS,
	}, true
}

// threadStateKind is the small vocabulary this implementation derives
// ThreadStateSlice.State from. The wire schema leaves State's exact string
// set undefined; a capture producer here chooses the three states a
// sched_switch trace can actually distinguish (spec.md §4.6, Open Question:
// resolved in favor of the minimal set a single tracepoint supports, rather
// than inventing finer-grained states no producer in this core populates).
const (
	threadStateRunning  = "Running"
	threadStateRunnable = "Runnable"
	threadStateSleeping = "Sleeping"
)

// threadStateEntry is the open slice threadStateTracker is accumulating for
// one tid.
type threadStateEntry struct {
	state          string
	startTimestamp uint64
	callstackWait  bool
}

// threadStateTracker derives events.ThreadStateSlice records from
// sched_switch, closing the outgoing thread's "Running" slice and opening
// its next state, while also closing whatever slice the incoming thread had
// open and starting its new "Running" slice (spec.md §4.6: every
// sched_switch closes exactly two slices and opens exactly two, one per
// thread involved).
type threadStateTracker struct {
	mode    config.ThreadStateCallstackCollection
	entries map[uint32]threadStateEntry
}

func newThreadStateTracker(mode config.ThreadStateCallstackCollection) *threadStateTracker {
	return &threadStateTracker{mode: mode, entries: make(map[uint32]threadStateEntry)}
}

// onSwitch returns the slices closed by this switch, if their tid had a
// prior open entry (the first sighting of a tid produces no closed slice).
func (t *threadStateTracker) onSwitch(prevTID, nextTID uint32, preempted bool, timestampNS uint64) []events.ThreadStateSlice {
	var out []events.ThreadStateSlice

	outgoingState := threadStateSleeping
	if preempted {
		outgoingState = threadStateRunnable
	}
	if slice, ok := t.transition(prevTID, outgoingState, timestampNS, t.mode == config.CallstackCollectionOnSwitchOut || t.mode == config.CallstackCollectionOnSwitchOutAndWakeup); ok {
		out = append(out, slice)
	}

	if slice, ok := t.transition(nextTID, threadStateRunning, timestampNS, t.mode == config.CallstackCollectionOnSwitchOutAndWakeup); ok {
		out = append(out, slice)
	}

	return out
}

// transition closes tid's currently open entry (if any) into a
// ThreadStateSlice and opens a new one in nextState. wantCallstack marks the
// closed slice CallstackStatusWaiting instead of CallstackStatusNone when
// config asked for one at this transition point; whether a matching
// ThreadStateSliceCallstack ever actually arrives is internal/interning's
// concern, not this tracker's (spec.md §4.6 rule 8).
func (t *threadStateTracker) transition(tid uint32, nextState string, timestampNS uint64, wantCallstack bool) (events.ThreadStateSlice, bool) {
	prev, had := t.entries[tid]
	t.entries[tid] = threadStateEntry{state: nextState, startTimestamp: timestampNS}

	if !had {
		return events.ThreadStateSlice{}, false
	}

	status := events.CallstackStatusNone
	if wantCallstack {
		status = events.CallstackStatusWaiting
	}

	return events.ThreadStateSlice{
		TID:                              tid,
		State:                            prev.state,
		DurationNS:                       timestampNS - prev.startTimestamp,
		EndTimestampNS:                   timestampNS,
		SwitchOutOrWakeupCallstackStatus: status,
	}, true
}
