package perfevent

// Registers is the 17-element x86-64 GPR set captured by PERF_SAMPLE_REGS_USER,
// including RIP and RSP (spec.md §3 StackSample, §4.4 step 1). Index order
// matches the kernel's perf_regs.h enum for x86-64; an implementer translating
// into a native unwinder's layout must respect this order.
type Registers [17]uint64

// x86-64 perf_regs.h register indices (spec.md §4.4 step 1: "RSP comes from
// perf_regs[SP]").
const (
	RegAX = iota
	RegBX
	RegCX
	RegDX
	RegSI
	RegDI
	RegBP
	RegSP
	RegIP
	RegFlags
	RegCS
	RegSS
	RegDS
	RegES
	RegFS
	RegGS
	RegR8
)

// StackSample is the raw input to unwinding: a register set plus a copy of
// the thread's user stack starting at the captured RSP (spec.md §3).
type StackSample struct {
	Registers  Registers
	StackBytes []byte
}

// TypedEvent is the tagged variant every parsed record becomes. Concrete
// types implement Timestamp and Visit; Visit is the single dispatch
// mechanism between producers and downstream consumers (spec.md §4.2, §9).
type TypedEvent interface {
	Timestamp() uint64
	// OriginFD returns the fd this event was read from, for the merger's
	// FIFO tie-break (spec.md §3, §4.3).
	OriginFD() int
	Visit(v Visitor)
}

// common carries the fields spec.md §4.2 says every variant exposes: the
// nanosecond timestamp plus the tid/pid/cpu of origin.
type common struct {
	TimestampNS uint64
	PID, TID    uint32
	CPU         uint32
	originFD    int
}

func (c common) Timestamp() uint64 { return c.TimestampNS }
func (c common) OriginFD() int     { return c.originFD }

// SchedSwitch is emitted from the sched:sched_switch tracepoint: the
// previous and next task switching on CPU.
type SchedSwitch struct {
	common
	PrevPID, PrevTID   uint32
	PrevComm           string
	PrevStatePreempted bool
	NextPID, NextTID   uint32
	NextComm           string
}

func (e *SchedSwitch) Visit(v Visitor) { v.VisitSchedSwitch(e) }

// Fork is emitted on PERF_RECORD_FORK: a new thread or process was created.
type Fork struct {
	common
	ParentPID, ParentTID uint32
	ChildPID, ChildTID   uint32
}

func (e *Fork) Visit(v Visitor) { v.VisitFork(e) }

// Exit is emitted on PERF_RECORD_EXIT: a thread or process terminated.
type Exit struct {
	common
}

func (e *Exit) Visit(v Visitor) { v.VisitExit(e) }

// SampleWithStack is a time-based sampling event carrying the raw inputs to
// unwinding (spec.md §4.4).
type SampleWithStack struct {
	common
	Stack StackSample
}

func (e *SampleWithStack) Visit(v Visitor) { v.VisitSampleWithStack(e) }

// Uprobe is emitted when a uprobe attached at a function's entry fires.
// Stack carries the registers/stack bytes sampled at entry, if the attr
// requested them; a caller unwinds it into EntryCallstack — the full
// callstack terminated by a synthetic "[uprobes]" frame (spec.md §4.5) — and
// fills that field in before handing the event to internal/uprobes.Manager.
// Unwinding stays out of this package because it is a pure function that
// belongs to internal/unwind, not to the parser (spec.md §9).
type Uprobe struct {
	common
	FunctionID     uint64
	Stack          StackSample
	EntryCallstack []Frame
}

func (e *Uprobe) Visit(v Visitor) { v.VisitUprobe(e) }

// Uretprobe is emitted when a uretprobe closes its matching uprobe.
type Uretprobe struct {
	common
	FunctionID  uint64
	ReturnValue uint64
}

func (e *Uretprobe) Visit(v Visitor) { v.VisitUretprobe(e) }

// Tracepoint is the generic fallback for tracepoint payloads this package
// does not give a dedicated variant (spec.md §4.2: "unknown variants default
// to a no-op visit" applies downstream; Tracepoint itself is still parsed so
// a producer can forward it as a FullTracepointEvent, spec.md §4.6 item 4).
type Tracepoint struct {
	common
	Category string
	Name     string
	Raw      []byte
}

func (e *Tracepoint) Visit(v Visitor) { v.VisitTracepoint(e) }

// Lost is the non-fatal "kernel overwrote unread data" signal from
// ringbuf.Reader.CheckOverrun (spec.md §4.1, §7).
type Lost struct {
	common
	NumLost uint64
}

func (e *Lost) Visit(v Visitor) { v.VisitLost(e) }

// NewLost constructs a Lost event for a ring-buffer overrun a Reader detected
// on its own (ringbuf.Reader.CheckOverrun), as opposed to a PERF_RECORD_LOST
// kernel record parseLost handles. common is unexported so callers outside
// this package need this constructor.
func NewLost(timestampNS uint64, tid uint32, originFD int, numLost uint64) *Lost {
	return &Lost{common: common{TimestampNS: timestampNS, TID: tid, originFD: originFD}, NumLost: numLost}
}

// GpuMarker names which point in a submitted job's lifecycle a GpuTracepoint
// was captured at. A job accumulates one GpuTracepoint per marker as it
// travels from ioctl to hardware completion; a producer correlates them by
// (Context, Seqno) (spec.md §4 supplemented feature: GPU job tracking).
type GpuMarker int

const (
	GpuMarkerCsIoctl GpuMarker = iota
	GpuMarkerSchedRunJob
)

// GpuTracepoint is emitted from the amdgpu_cs_ioctl and amdgpu_sched_run_job
// tracepoints. Unlike the generic Tracepoint fallback, its context/seqno
// fields are pulled out so a producer doesn't need to re-parse Raw.
type GpuTracepoint struct {
	common
	Marker   GpuMarker
	Context  uint32
	Seqno    uint32
	Timeline string
}

func (e *GpuTracepoint) Visit(v Visitor) { v.VisitGpuTracepoint(e) }

// Frame is one unwound call-stack entry (spec.md §3). ModuleID 0 means no
// containing module was found.
type Frame struct {
	AbsolutePC uint64
	ModuleID   uint64
	Symbol     string // empty when unresolved; resolved later out of scope
	OffsetInFn uint64
}

// Visitor is the single dispatch point for TypedEvents (spec.md §4.2, §9).
// Embed NopVisitor to get safe no-op defaults for variants a given consumer
// doesn't care about.
type Visitor interface {
	VisitSchedSwitch(*SchedSwitch)
	VisitFork(*Fork)
	VisitExit(*Exit)
	VisitSampleWithStack(*SampleWithStack)
	VisitUprobe(*Uprobe)
	VisitUretprobe(*Uretprobe)
	VisitTracepoint(*Tracepoint)
	VisitLost(*Lost)
	VisitGpuTracepoint(*GpuTracepoint)
}

// NopVisitor implements Visitor with no-op methods for every variant. Embed
// it in a concrete visitor and override only the methods that subsystem
// cares about — new TypedEvent variants do not force every visitor to change
// (spec.md §9).
type NopVisitor struct{}

func (NopVisitor) VisitSchedSwitch(*SchedSwitch)         {}
func (NopVisitor) VisitFork(*Fork)                       {}
func (NopVisitor) VisitExit(*Exit)                       {}
func (NopVisitor) VisitSampleWithStack(*SampleWithStack) {}
func (NopVisitor) VisitUprobe(*Uprobe)                   {}
func (NopVisitor) VisitUretprobe(*Uretprobe)             {}
func (NopVisitor) VisitTracepoint(*Tracepoint)           {}
func (NopVisitor) VisitLost(*Lost)                       {}
func (NopVisitor) VisitGpuTracepoint(*GpuTracepoint)     {}
