package interning

import "github.com/captrace/captrace/internal/events"

// CallstackSampleInput is a producer's FullCallstackSample: a time-based
// sample carrying its callstack inline rather than by a prior interning key
// (spec.md §4.6 rule 3).
type CallstackSampleInput struct {
	PID, TID    uint32
	TimestampNS uint64
	PCs         []uint64
	Kind        events.CallstackKind
}

// GpuJobInput is a producer's FullGpuJob: a completed GPU submission
// carrying its timeline name inline (spec.md §4.6 rule 5).
type GpuJobInput struct {
	PID, TID                     uint32
	Context, Seqno, Depth        uint32
	TimelineName                 string
	AmdgpuCsIoctlTimeNS          uint64
	AmdgpuSchedRunJobTimeNS      uint64
	GpuHardwareStartTimeNS       uint64
	DmaFenceSignaledTimeNS       uint64
}

// AddressInfoInput is a producer's FullAddressInfo: a resolved (module,
// offset) pair carrying function/module names inline (spec.md §4.6 rule 5).
type AddressInfoInput struct {
	AbsoluteAddress  uint64
	OffsetInFunction uint64
	FunctionName     string
	ModuleName       string
}

// ThreadStateSliceCallstackInput is a producer's ThreadStateSliceCallstack:
// a callstack captured at a switch-out or wakeup point, buffered until its
// matching ThreadStateSlice arrives (spec.md §4.6 rule 8).
type ThreadStateSliceCallstackInput struct {
	TID         uint32
	TimestampNS uint64
	PCs         []uint64
	Kind        events.CallstackKind
}

// ApiScopeStartInput and the variants below carry a producer-local string
// key rather than a global one; Processor translates LocalNameKey via the
// producer's string translation table before forwarding (spec.md §4.6 rule
// 6: ApiScopeStart, ApiScopeStartAsync, ApiStringEvent, and the six
// ApiTrack* variants all reference a local key this way).
type ApiScopeStartInput struct {
	PID, TID        uint32
	TimestampNS     uint64
	LocalNameKey    uint64
	Color           uint32
	GroupID         uint64
	AddressInReturn uint64
}

type ApiScopeStartAsyncInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	ID           uint64
	Color        uint32
}

type ApiStringEventInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Color        uint32
}

type ApiTrackIntInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        int32
}

type ApiTrackInt64Input struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        int64
}

type ApiTrackUintInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        uint32
}

type ApiTrackUint64Input struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        uint64
}

type ApiTrackFloatInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        float32
}

type ApiTrackDoubleInput struct {
	PID, TID     uint32
	TimestampNS  uint64
	LocalNameKey uint64
	Value        float64
}
