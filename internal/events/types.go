// Package events defines ClientCaptureEvent, the discriminated union
// emitted by the producer event processor (spec.md §6). Every concrete
// event type implements the ClientCaptureEvent interface via an unexported
// marker method, the same tagged-variant approach internal/perfevent uses
// for TypedEvent — a plain Go interface stands in for the source's
// vtable-backed event hierarchy (spec.md §9).
package events

// InternedKey is a global interning token. Key 0 is reserved: any reader
// must treat it as "absent" (spec.md §6).
type InternedKey uint64

// InvalidKey is the reserved "absent" interning key.
const InvalidKey InternedKey = 0

// CallstackKind mirrors unwind.CallstackKind but uses the wire names from
// spec.md §6, which differ slightly from the in-process names in
// internal/unwind (e.g. "DwarfUnwindingError" vs "DwarfError").
type CallstackKind int

const (
	CallstackComplete CallstackKind = iota + 1
	CallstackDwarfUnwindingError
	CallstackFramePointerUnwindingError
	CallstackInMapNotExecutable
	CallstackStackTopForDwarf
	CallstackEmpty
)

// CaptureStatus is the terminal status of a capture (spec.md §6
// CaptureFinished.status).
type CaptureStatus int

const (
	CaptureSuccessful CaptureStatus = iota + 1
	CaptureFailed
)

// CallstackCollectionStatus is the status of a ThreadStateSlice's optional
// joined callstack (spec.md §4.6 rule 8, §6 ThreadStateSlice).
type CallstackCollectionStatus int

const (
	// CallstackStatusNone means no callstack collection was requested for
	// this slice.
	CallstackStatusNone CallstackCollectionStatus = iota
	// CallstackStatusWaiting means a ThreadStateSliceCallstack is expected
	// but has not yet arrived at the processor.
	CallstackStatusWaiting
	// CallstackStatusSet means the slice's callstack has been interned and
	// CallstackID is valid.
	CallstackStatusSet
	// CallstackStatusNoCallstack means the slice arrived before any matching
	// ThreadStateSliceCallstack, so none will be joined.
	CallstackStatusNoCallstack
)

// ClientCaptureEvent is the common interface every wire event implements.
// clientCaptureEvent is unexported so only this package can mint new
// variants, matching the closed-set "discriminated union" spec.md describes.
type ClientCaptureEvent interface {
	clientCaptureEvent()
}

// CaptureStarted is emitted once, first, when a capture session begins.
type CaptureStarted struct {
	ProcessID              uint32
	ExecutablePath         string
	ExecutableBuildID      string
	CaptureStartTimestampNS uint64
	CaptureOptions         CaptureOptionsSnapshot
}

// CaptureOptionsSnapshot is a flattened, loggable copy of the configuration
// a capture ran with, embedded in CaptureStarted for replay/audit purposes.
type CaptureOptionsSnapshot struct {
	SamplingPeriodNS               uint64
	StackDumpSizeBytes             uint32
	UnwindingMethod                string
	DynamicInstrumentationMethod   string
	CollectSchedulerInfo           bool
	CollectThreadStates            bool
	ThreadStateChangeCallstackMode string
	TraceGpuSubmissions            bool
	EnableApiInstrumentation       bool
	EnableIntrospection            bool
}

// CaptureFinished is emitted once, last, when a capture session ends.
type CaptureFinished struct {
	Status       CaptureStatus
	ErrorMessage string
}

// InternedString associates a global key with a string value. Emitted
// exactly once per distinct string value (spec.md §4.6 rule 1).
type InternedString struct {
	Key  InternedKey
	Text string
}

// InternedCallstack associates a global key with a (frames, kind) pair.
// Two callstacks with identical frames but different Kind are distinct
// interning entries (spec.md §4.6 rule 2).
type InternedCallstack struct {
	Key   InternedKey
	PCs   []uint64
	Kind  CallstackKind
}

// InternedTracepointInfo associates a global key with a (category, name)
// pair describing a kernel tracepoint.
type InternedTracepointInfo struct {
	Key      InternedKey
	Category string
	Name     string
}

// SchedulingSlice reports one scheduler time slice a thread ran for.
type SchedulingSlice struct {
	PID            uint32
	TID            uint32
	Core           uint32
	DurationNS     uint64
	OutTimestampNS uint64
}

// ThreadStateSlice reports a thread's time spent in one scheduling state,
// optionally joined with the callstack captured at the switch-out or wakeup
// point (spec.md §4.6 rule 8).
type ThreadStateSlice struct {
	PID                            uint32
	TID                            uint32
	State                          string
	DurationNS                     uint64
	EndTimestampNS                 uint64
	WakeupTID                      uint32
	WakeupTimestampNS              uint64
	SwitchOutOrWakeupCallstackStatus CallstackCollectionStatus
	SwitchOutOrWakeupCallstackID   InternedKey
}

// CallstackSample reports one time-based sample: a tid at a timestamp,
// referencing a previously-interned callstack.
type CallstackSample struct {
	PID         uint32
	TID         uint32
	TimestampNS uint64
	CallstackID InternedKey
}

// FunctionCall reports one completed uprobe/uretprobe-instrumented call
// (spec.md §8 testable property #4: nesting by Depth follows LIFO order).
type FunctionCall struct {
	PID            uint32
	TID            uint32
	FunctionID     uint64
	Depth          uint32
	DurationNS     uint64
	EndTimestampNS uint64
	ReturnValue    uint64
	Registers      []uint64
}

// GpuJob reports one completed GPU command submission's pipeline
// timestamps (spec.md §4 "Supplemented Features": amdgpu tracepoint
// producer side).
type GpuJob struct {
	PID                         uint32
	TID                         uint32
	Context                     uint32
	Seqno                       uint32
	Depth                       uint32
	TimelineKey                 InternedKey
	AmdgpuCsIoctlTimeNS         uint64
	AmdgpuSchedRunJobTimeNS     uint64
	GpuHardwareStartTimeNS      uint64
	DmaFenceSignaledTimeNS      uint64
}

// GpuSubmitInfo is one command buffer's worth of marker bookkeeping inside
// a GpuQueueSubmission.
type GpuSubmitInfo struct {
	NumBeginMarkers int32
}

// GpuQueueSubmission reports the CPU-side bookkeeping around a batch of GPU
// command buffer submissions.
type GpuQueueSubmission struct {
	TID                              uint32
	PreSubmissionCpuTimestampNS      uint64
	PostSubmissionCpuTimestampNS     uint64
	NumBeginMarkers                  int32
	SubmitInfos                      []GpuSubmitInfo
	CompletedMarkerTimestampsNS      []uint64
}

// AddressInfo resolves one absolute PC to a (function, module) pair and
// offset, referencing interned strings rather than carrying them inline
// (spec.md §4.6 rule 5).
type AddressInfo struct {
	AbsoluteAddress  uint64
	OffsetInFunction uint64
	FunctionNameKey  InternedKey
	ModuleNameKey    InternedKey
}

// Module describes one mapped region reported by a ModuleUpdateEvent or
// ModulesSnapshot.
type Module struct {
	Name          string
	FilePath      string
	FileSize      uint64
	AddressStart  uint64
	AddressEnd    uint64
	BuildID       string
	LoadBias      int64
}

// ModuleUpdateEvent reports a single mmap/munmap-driven module-map change
// observed during a capture.
type ModuleUpdateEvent struct {
	PID         uint32
	TimestampNS uint64
	Module      Module
}

// ModulesSnapshot reports the full set of mapped modules for a process,
// typically emitted once at capture start.
type ModulesSnapshot struct {
	PID         uint32
	TimestampNS uint64
	Modules     []Module
}

// ThreadNamesSnapshot reports every known tid→name mapping, typically
// emitted once at capture start.
type ThreadNamesSnapshot struct {
	Entries []ThreadName
}

// ThreadName reports one tid's name, at the time it changed or was first
// observed.
type ThreadName struct {
	PID         uint32
	TID         uint32
	Name        string
	TimestampNS uint64
}

// MemoryUsageEvent reports one /proc/<pid>/status RSS sample (spec.md §4
// "Supplemented Features": memory_sampling_period_ms ticker producer).
type MemoryUsageEvent struct {
	PID         uint32
	TimestampNS uint64
	ResidentKB  uint64
}

// ApiScopeStart/ApiScopeStop/ApiScopeStartAsync/ApiScopeStopAsync report
// manual instrumentation-API scope markers (spec.md §6).
type ApiScopeStart struct {
	PID            uint32
	TID            uint32
	TimestampNS    uint64
	NameKey        InternedKey
	Color          uint32
	GroupID        uint64
	AddressInReturn uint64
}

type ApiScopeStop struct {
	PID         uint32
	TID         uint32
	TimestampNS uint64
}

type ApiScopeStartAsync struct {
	PID         uint32
	TID         uint32
	TimestampNS uint64
	NameKey     InternedKey
	ID          uint64
	Color       uint32
}

type ApiScopeStopAsync struct {
	PID         uint32
	TID         uint32
	TimestampNS uint64
	ID          uint64
}

// ApiStringEvent reports a manual instrumentation-API annotated string
// value (a debug marker, e.g.).
type ApiStringEvent struct {
	PID         uint32
	TID         uint32
	TimestampNS uint64
	NameKey     InternedKey
	Color       uint32
}

// ApiTrackInt/.../ApiTrackDouble report one manual instrumentation-API
// tracked scalar value, one struct per wire numeric type (spec.md §6).
type ApiTrackInt struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       int32
}

type ApiTrackInt64 struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       int64
}

type ApiTrackUint struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       uint32
}

type ApiTrackUint64 struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       uint64
}

type ApiTrackFloat struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       float32
}

type ApiTrackDouble struct {
	PID, TID    uint32
	TimestampNS uint64
	NameKey     InternedKey
	Value       float64
}

// WarningEvent is a generic, human-readable warning surfaced to the client
// without aborting the capture.
type WarningEvent struct {
	TimestampNS uint64
	Message     string
}

// ClockResolutionEvent reports the host's clock_gettime resolution, probed
// once at capture start before any perf_event fd is armed (spec.md §4
// "Supplemented Features").
type ClockResolutionEvent struct {
	ClockResolutionNS uint64
}

// ErrorsWithPerfEventOpenEvent reports the set of (cpu, reason) pairs for
// which perf_event_open failed; the capture continues on the CPUs that did
// open (spec.md §7).
type ErrorsWithPerfEventOpenEvent struct {
	Failures []PerfEventOpenFailure
}

// PerfEventOpenFailure is one failed perf_event_open target.
type PerfEventOpenFailure struct {
	CPU     int32
	Message string
}

// ErrorEnablingOrbitApiEvent reports that the manual-instrumentation API
// could not be enabled in the target process.
type ErrorEnablingOrbitApiEvent struct {
	Message string
}

// ErrorEnablingUserSpaceInstrumentationEvent reports that user-space
// instrumentation (the non-uprobes dynamic-instrumentation method) could
// not be enabled at all.
type ErrorEnablingUserSpaceInstrumentationEvent struct {
	Message string
}

// WarningInstrumentingWithUserSpaceInstrumentationEvent reports the subset
// of requested functions that could not be instrumented; the rest of the
// capture continues (spec.md §7).
type WarningInstrumentingWithUserSpaceInstrumentationEvent struct {
	FunctionIDs []uint64
	Messages    []string
}

// LostPerfRecordsEvent reports a ring-buffer overrun: records the kernel
// overwrote before the reader could copy them out (spec.md §4.1, §7).
type LostPerfRecordsEvent struct {
	TID             uint32
	StartTimestampNS uint64
	EndTimestampNS   uint64
}

// OutOfOrderEventsDiscardedEvent reports events the merger could not
// deliver in non-decreasing timestamp order even after the holdback window
// (spec.md §4.3, §7).
type OutOfOrderEventsDiscardedEvent struct {
	StartTimestampNS uint64
	EndTimestampNS   uint64
	NumDiscarded     uint64
}

func (CaptureStarted) clientCaptureEvent()                  {}
func (CaptureFinished) clientCaptureEvent()                  {}
func (InternedString) clientCaptureEvent()                   {}
func (InternedCallstack) clientCaptureEvent()                {}
func (InternedTracepointInfo) clientCaptureEvent()           {}
func (SchedulingSlice) clientCaptureEvent()                  {}
func (ThreadStateSlice) clientCaptureEvent()                 {}
func (CallstackSample) clientCaptureEvent()                  {}
func (FunctionCall) clientCaptureEvent()                     {}
func (GpuJob) clientCaptureEvent()                           {}
func (GpuQueueSubmission) clientCaptureEvent()                {}
func (AddressInfo) clientCaptureEvent()                      {}
func (ModuleUpdateEvent) clientCaptureEvent()                {}
func (ModulesSnapshot) clientCaptureEvent()                  {}
func (ThreadNamesSnapshot) clientCaptureEvent()              {}
func (ThreadName) clientCaptureEvent()                       {}
func (MemoryUsageEvent) clientCaptureEvent()                 {}
func (ApiScopeStart) clientCaptureEvent()                    {}
func (ApiScopeStop) clientCaptureEvent()                     {}
func (ApiScopeStartAsync) clientCaptureEvent()               {}
func (ApiScopeStopAsync) clientCaptureEvent()                {}
func (ApiStringEvent) clientCaptureEvent()                   {}
func (ApiTrackInt) clientCaptureEvent()                      {}
func (ApiTrackInt64) clientCaptureEvent()                    {}
func (ApiTrackUint) clientCaptureEvent()                     {}
func (ApiTrackUint64) clientCaptureEvent()                   {}
func (ApiTrackFloat) clientCaptureEvent()                    {}
func (ApiTrackDouble) clientCaptureEvent()                   {}
func (WarningEvent) clientCaptureEvent()                     {}
func (ClockResolutionEvent) clientCaptureEvent()              {}
func (ErrorsWithPerfEventOpenEvent) clientCaptureEvent()      {}
func (ErrorEnablingOrbitApiEvent) clientCaptureEvent()        {}
func (ErrorEnablingUserSpaceInstrumentationEvent) clientCaptureEvent() {}
func (WarningInstrumentingWithUserSpaceInstrumentationEvent) clientCaptureEvent() {}
func (LostPerfRecordsEvent) clientCaptureEvent()              {}
func (OutOfOrderEventsDiscardedEvent) clientCaptureEvent()    {}
