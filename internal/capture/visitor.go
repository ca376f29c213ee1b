package capture

import (
	"log/slog"

	"github.com/captrace/captrace/internal/config"
	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/interning"
	"github.com/captrace/captrace/internal/perfevent"
	"github.com/captrace/captrace/internal/unwind"
	"github.com/captrace/captrace/internal/uprobes"
)

// captureVisitor is the single perfevent.Visitor a Session's merger drains
// into. Embedding NopVisitor means a TypedEvent variant this core chooses not
// to translate onto the wire (Fork, Exit, the generic Tracepoint fallback)
// is silently absorbed rather than forcing every visitor in the codebase to
// grow a new method whenever perfevent adds one (spec.md §9).
type captureVisitor struct {
	perfevent.NopVisitor

	logger *slog.Logger
	cfg    config.CaptureOptions

	unwinder *unwind.Unwinder
	uprobes  *uprobes.Manager
	interner *interning.Processor

	calls        *callTimers
	sched        *schedulingTracker
	threadStates *threadStateTracker
	gpuJobs      *gpuJobTracker
}

func newCaptureVisitor(logger *slog.Logger, cfg config.CaptureOptions, unwinder *unwind.Unwinder, mgr *uprobes.Manager, interner *interning.Processor) *captureVisitor {
	return &captureVisitor{
		logger:       logger,
		cfg:          cfg,
		unwinder:     unwinder,
		uprobes:      mgr,
		interner:     interner,
		calls:        newCallTimers(),
		sched:        newSchedulingTracker(),
		threadStates: newThreadStateTracker(cfg.ThreadStateChangeCallstackCollection),
		gpuJobs:      newGpuJobTracker(),
	}
}

// VisitSampleWithStack unwinds a time-based sample and interns it as a
// CallstackSample (spec.md §4.4, §4.6 rule 3). The raw unwind comes back
// innermost-first; it is flipped to outer-to-inner before reaching
// internal/uprobes, which expects that order when splicing a sample taken
// inside an instrumented call onto the call's entry callstack (spec.md §4.5).
func (v *captureVisitor) VisitSampleWithStack(e *perfevent.SampleWithStack) {
	raw := v.unwinder.Unwind(e.Stack.Registers, e.Stack.StackBytes)
	raw.Frames = reverseFrames(raw.Frames)
	resolved := v.uprobes.OnSampledCallstack(e.TID, raw)

	v.interner.CallstackSample(interning.CallstackSampleInput{
		PID:         e.PID,
		TID:         e.TID,
		TimestampNS: e.TimestampNS,
		PCs:         framePCs(resolved.Frames),
		Kind:        toWireCallstackKind(resolved.Kind),
	})
}

// VisitUprobe unwinds the entry-time stack, registers the call's entry
// callstack with internal/uprobes so later samples taken inside this call
// can be spliced onto it, and opens this tid's call-timing entry so the
// matching Uretprobe can compute Depth/DurationNS (spec.md §4.5, §4.6 rule
// 4).
func (v *captureVisitor) VisitUprobe(e *perfevent.Uprobe) {
	raw := v.unwinder.Unwind(e.Stack.Registers, e.Stack.StackBytes)
	entryFrames := reverseFrames(raw.Frames)
	v.uprobes.OnUprobe(e.TID, e.FunctionID, entryFrames)

	v.calls.push(e.TID, callEntry{
		functionID:     e.FunctionID,
		entryTimestamp: e.TimestampNS,
		registers:      e.Stack.Registers,
	})
}

// VisitUretprobe closes out the matching call entry and forwards a
// FunctionCall (spec.md §4.6 rule 4). A Uretprobe with no matching open
// Uprobe (the entry fired before this capture's merger window opened, or was
// itself lost) is dropped with a warning rather than emitted with a
// fabricated depth/duration.
func (v *captureVisitor) VisitUretprobe(e *perfevent.Uretprobe) {
	v.uprobes.OnUretprobe(e.TID, e.FunctionID)

	entry, depth, ok := v.calls.pop(e.TID, e.FunctionID)
	if !ok {
		v.logger.Warn("uretprobe with no matching uprobe", "tid", e.TID, "function_id", e.FunctionID)
		return
	}

	v.interner.Forward(events.FunctionCall{
		PID:            e.PID,
		TID:            e.TID,
		FunctionID:     e.FunctionID,
		Depth:          depth,
		DurationNS:     e.TimestampNS - entry.entryTimestamp,
		EndTimestampNS: e.TimestampNS,
		ReturnValue:    e.ReturnValue,
		Registers:      registerSlice(entry.registers),
	})
}

// VisitSchedSwitch derives both SchedulingSlice and ThreadStateSlice records
// from a single sched_switch, gated independently on
// CollectSchedulerInfo/CollectThreadStates since a capture may want one
// without the other (spec.md §4.6).
func (v *captureVisitor) VisitSchedSwitch(e *perfevent.SchedSwitch) {
	if v.cfg.CollectSchedulerInfo {
		if slice, ok := v.sched.onSwitch(e.CPU, e.NextPID, e.NextTID, e.TimestampNS); ok {
			v.interner.Forward(slice)
		}
	}
	if v.cfg.CollectThreadStates {
		for _, slice := range v.threadStates.onSwitch(e.PrevTID, e.NextTID, e.PrevStatePreempted, e.TimestampNS) {
			v.interner.Forward(slice)
		}
	}
}

// VisitGpuTracepoint correlates amdgpu_cs_ioctl/amdgpu_sched_run_job pairs
// and interns the completed GpuJob once both markers are seen (spec.md §4
// supplemented feature: GPU job tracking).
func (v *captureVisitor) VisitGpuTracepoint(e *perfevent.GpuTracepoint) {
	if !v.cfg.TraceGpuSubmissions {
		return
	}
	switch e.Marker {
	case perfevent.GpuMarkerCsIoctl:
		v.gpuJobs.onCsIoctl(e.Context, e.Seqno, e.PID, e.TID, e.Timeline, e.TimestampNS)
	case perfevent.GpuMarkerSchedRunJob:
		if in, ok := v.gpuJobs.onSchedRunJob(e.Context, e.Seqno, e.TimestampNS); ok {
			v.interner.GpuJob(in)
		} else {
			v.logger.Warn("sched_run_job with no matching cs_ioctl", "context", e.Context, "seqno", e.Seqno)
		}
	}
}

// VisitLost surfaces a kernel-reported PERF_RECORD_LOST (or a locally
// detected overrun synthesized via perfevent.NewLost) as a
// LostPerfRecordsEvent. This implementation reuses the one timestamp it has
// for both StartTimestampNS and EndTimestampNS: the wire schema's span shape
// implies a producer that tracks the gap more precisely than a single
// PERF_RECORD_LOST record does (spec.md §7) — a deliberate simplification,
// not an attempt at that precision.
func (v *captureVisitor) VisitLost(e *perfevent.Lost) {
	v.interner.Forward(events.LostPerfRecordsEvent{
		TID:              e.TID,
		StartTimestampNS: e.TimestampNS,
		EndTimestampNS:   e.TimestampNS,
	})
}
