// Package interning implements the producer event processor from spec.md
// §4.6: it fans in events from several independent producers (kernel
// tracing, dynamic-instrumentation agent, memory sampler, API-annotation
// producer), translating each producer's locally-assigned interning keys
// into one globally interned ClientCaptureEvent stream.
package interning

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/captrace/captrace/internal/events"
)

// ProtocolViolationError reports a producer-protocol violation: a duplicate
// local interning key, or a reference to a key never registered. These are
// fatal for the capture (spec.md §4.6 "Failure semantics", §7).
type ProtocolViolationError struct {
	Producer uuid.UUID
	Reason   string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("interning: producer %s protocol violation: %s", e.Producer, e.Reason)
}

type producerKey struct {
	producer uuid.UUID
	local    uint64
}

type tidTimestamp struct {
	tid uint32
	ts  uint64
}

// Processor is the fan-in point for every producer in one capture. All
// mutations of the interning tables are guarded by mu, per spec.md §4.6
// "Concurrency" (the alternative — strictly single-threaded — doesn't fit
// captrace, since readers for different fds run on independent goroutines
// and may all call into the Processor concurrently).
type Processor struct {
	mu     sync.Mutex
	logger *slog.Logger
	sink   events.Sink

	nextKey uint64

	stringGlobal     map[string]events.InternedKey
	callstackGlobal  map[string]events.InternedKey
	tracepointGlobal map[string]events.InternedKey

	producerString     map[producerKey]events.InternedKey
	producerCallstack  map[producerKey]events.InternedKey
	producerTracepoint map[producerKey]events.InternedKey

	pendingThreadStateCallstacks map[tidTimestamp]ThreadStateSliceCallstackInput
}

// New constructs an empty Processor. sink receives the globally interned
// ClientCaptureEvent stream in emission order.
func New(logger *slog.Logger, sink events.Sink) *Processor {
	return &Processor{
		logger:                       logger,
		sink:                         sink,
		stringGlobal:                 make(map[string]events.InternedKey),
		callstackGlobal:              make(map[string]events.InternedKey),
		tracepointGlobal:             make(map[string]events.InternedKey),
		producerString:               make(map[producerKey]events.InternedKey),
		producerCallstack:            make(map[producerKey]events.InternedKey),
		producerTracepoint:           make(map[producerKey]events.InternedKey),
		pendingThreadStateCallstacks: make(map[tidTimestamp]ThreadStateSliceCallstackInput),
	}
}

func (p *Processor) allocateKey() events.InternedKey {
	p.nextKey++
	return events.InternedKey(p.nextKey)
}

func callstackStructuralKey(pcs []uint64, kind events.CallstackKind) string {
	buf := make([]byte, 4+8*len(pcs))
	binary.LittleEndian.PutUint32(buf, uint32(kind))
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[4+8*i:], pc)
	}
	return string(buf)
}

func tracepointStructuralKey(category, name string) string {
	return category + "\x00" + name
}

// InternString is producer P's InternedString(local_key, text) (spec.md
// §4.6 rule 1). A repeated local_key from the same producer is a protocol
// violation regardless of whether text matches the earlier value.
func (p *Processor) InternString(producer uuid.UUID, localKey uint64, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pk := producerKey{producer, localKey}
	if _, exists := p.producerString[pk]; exists {
		return &ProtocolViolationError{producer, fmt.Sprintf("duplicate local string key %d", localKey)}
	}

	global, ok := p.stringGlobal[text]
	if !ok {
		global = p.allocateKey()
		p.stringGlobal[text] = global
		p.sink.Emit(events.InternedString{Key: global, Text: text})
	}
	p.producerString[pk] = global
	return nil
}

// InternCallstack is producer P's InternedCallstack(local_key, (pcs, kind))
// (spec.md §4.6 rule 2).
func (p *Processor) InternCallstack(producer uuid.UUID, localKey uint64, pcs []uint64, kind events.CallstackKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pk := producerKey{producer, localKey}
	if _, exists := p.producerCallstack[pk]; exists {
		return &ProtocolViolationError{producer, fmt.Sprintf("duplicate local callstack key %d", localKey)}
	}

	global := p.internCallstackLocked(pcs, kind)
	p.producerCallstack[pk] = global
	return nil
}

// internCallstackLocked looks up (or allocates and emits) the global key for
// a structural (pcs, kind) pair. Caller must hold p.mu.
func (p *Processor) internCallstackLocked(pcs []uint64, kind events.CallstackKind) events.InternedKey {
	structKey := callstackStructuralKey(pcs, kind)
	global, ok := p.callstackGlobal[structKey]
	if !ok {
		global = p.allocateKey()
		p.callstackGlobal[structKey] = global
		p.sink.Emit(events.InternedCallstack{Key: global, PCs: pcs, Kind: kind})
	}
	return global
}

// InternTracepointInfo is producer P's InternedTracepointInfo(local_key,
// (category, name)), translated the same way as InternCallstack (spec.md
// §4.6 rule 2, "analogously").
func (p *Processor) InternTracepointInfo(producer uuid.UUID, localKey uint64, category, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pk := producerKey{producer, localKey}
	if _, exists := p.producerTracepoint[pk]; exists {
		return &ProtocolViolationError{producer, fmt.Sprintf("duplicate local tracepoint key %d", localKey)}
	}

	structKey := tracepointStructuralKey(category, name)
	global, ok := p.tracepointGlobal[structKey]
	if !ok {
		global = p.allocateKey()
		p.tracepointGlobal[structKey] = global
		p.sink.Emit(events.InternedTracepointInfo{Key: global, Category: category, Name: name})
	}
	p.producerTracepoint[pk] = global
	return nil
}

// CallstackSample processes a producer's FullCallstackSample: it structurally
// interns in.PCs/in.Kind if new, then emits a CallstackSample referencing
// the (new or existing) global key (spec.md §4.6 rule 3).
func (p *Processor) CallstackSample(in CallstackSampleInput) {
	p.mu.Lock()
	defer p.mu.Unlock()

	global := p.internCallstackLocked(in.PCs, in.Kind)
	p.sink.Emit(events.CallstackSample{
		PID:         in.PID,
		TID:         in.TID,
		TimestampNS: in.TimestampNS,
		CallstackID: global,
	})
}

// internStringValueLocked interns a bare string value (not tied to any
// producer-local key) the way GpuJob/AddressInfo's inline name fields are
// interned (spec.md §4.6 rule 5). Caller must hold p.mu.
func (p *Processor) internStringValueLocked(text string) events.InternedKey {
	global, ok := p.stringGlobal[text]
	if !ok {
		global = p.allocateKey()
		p.stringGlobal[text] = global
		p.sink.Emit(events.InternedString{Key: global, Text: text})
	}
	return global
}

// GpuJob processes a producer's FullGpuJob, interning its inline timeline
// name and emitting the compact GpuJob event (spec.md §4.6 rule 5).
func (p *Processor) GpuJob(in GpuJobInput) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timelineKey := p.internStringValueLocked(in.TimelineName)
	p.sink.Emit(events.GpuJob{
		PID:                     in.PID,
		TID:                     in.TID,
		Context:                 in.Context,
		Seqno:                   in.Seqno,
		Depth:                   in.Depth,
		TimelineKey:             timelineKey,
		AmdgpuCsIoctlTimeNS:     in.AmdgpuCsIoctlTimeNS,
		AmdgpuSchedRunJobTimeNS: in.AmdgpuSchedRunJobTimeNS,
		GpuHardwareStartTimeNS:  in.GpuHardwareStartTimeNS,
		DmaFenceSignaledTimeNS:  in.DmaFenceSignaledTimeNS,
	})
}

// AddressInfo processes a producer's FullAddressInfo, interning its inline
// function/module names and emitting the compact AddressInfo event (spec.md
// §4.6 rule 5).
func (p *Processor) AddressInfo(in AddressInfoInput) {
	p.mu.Lock()
	defer p.mu.Unlock()

	funcKey := p.internStringValueLocked(in.FunctionName)
	moduleKey := p.internStringValueLocked(in.ModuleName)
	p.sink.Emit(events.AddressInfo{
		AbsoluteAddress:  in.AbsoluteAddress,
		OffsetInFunction: in.OffsetInFunction,
		FunctionNameKey:  funcKey,
		ModuleNameKey:    moduleKey,
	})
}

// ThreadStateSliceCallstack buffers a callstack captured at a switch-out or
// wakeup point, keyed on (tid, start timestamp), until a matching
// ThreadStateSlice arrives (spec.md §4.6 rule 8).
func (p *Processor) ThreadStateSliceCallstack(in ThreadStateSliceCallstackInput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingThreadStateCallstacks[tidTimestamp{in.TID, in.TimestampNS}] = in
}

// ThreadStateSlice processes a producer's ThreadStateSlice. If its status is
// WaitingForCallstack, it looks for a previously buffered
// ThreadStateSliceCallstack at (tid, end_timestamp_ns - duration_ns) — the
// slice's implicit start time, which is when a switch-out or wakeup
// callstack would have been captured. On a match it interns the callstack
// and sets CallstackSet; otherwise it sets NoCallstack (spec.md §4.6 rule 8).
// Any other status is forwarded unchanged.
func (p *Processor) ThreadStateSlice(slice events.ThreadStateSlice) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slice.SwitchOutOrWakeupCallstackStatus == events.CallstackStatusWaiting {
		startTS := slice.EndTimestampNS - slice.DurationNS
		key := tidTimestamp{slice.TID, startTS}
		if pending, ok := p.pendingThreadStateCallstacks[key]; ok {
			delete(p.pendingThreadStateCallstacks, key)
			global := p.internCallstackLocked(pending.PCs, pending.Kind)
			slice.SwitchOutOrWakeupCallstackStatus = events.CallstackStatusSet
			slice.SwitchOutOrWakeupCallstackID = global
		} else {
			slice.SwitchOutOrWakeupCallstackStatus = events.CallstackStatusNoCallstack
		}
	}
	p.sink.Emit(slice)
}

func (p *Processor) translateStringKeyLocked(producer uuid.UUID, localKey uint64) (events.InternedKey, error) {
	global, ok := p.producerString[producerKey{producer, localKey}]
	if !ok {
		return events.InvalidKey, &ProtocolViolationError{producer, fmt.Sprintf("dangling local string key %d", localKey)}
	}
	return global, nil
}

// ApiScopeStart translates LocalNameKey via producer's string table and
// forwards the scope-start event (spec.md §4.6 rule 6).
func (p *Processor) ApiScopeStart(producer uuid.UUID, in ApiScopeStartInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiScopeStart{
		PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS,
		NameKey: key, Color: in.Color, GroupID: in.GroupID, AddressInReturn: in.AddressInReturn,
	})
	return nil
}

// ApiScopeStartAsync translates LocalNameKey and forwards (spec.md §4.6 rule 6).
func (p *Processor) ApiScopeStartAsync(producer uuid.UUID, in ApiScopeStartAsyncInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiScopeStartAsync{
		PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS,
		NameKey: key, ID: in.ID, Color: in.Color,
	})
	return nil
}

// ApiStringEvent translates LocalNameKey and forwards (spec.md §4.6 rule 6).
func (p *Processor) ApiStringEvent(producer uuid.UUID, in ApiStringEventInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiStringEvent{
		PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS,
		NameKey: key, Color: in.Color,
	})
	return nil
}

func (p *Processor) ApiTrackInt(producer uuid.UUID, in ApiTrackIntInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackInt{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

func (p *Processor) ApiTrackInt64(producer uuid.UUID, in ApiTrackInt64Input) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackInt64{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

func (p *Processor) ApiTrackUint(producer uuid.UUID, in ApiTrackUintInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackUint{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

func (p *Processor) ApiTrackUint64(producer uuid.UUID, in ApiTrackUint64Input) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackUint64{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

func (p *Processor) ApiTrackFloat(producer uuid.UUID, in ApiTrackFloatInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackFloat{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

func (p *Processor) ApiTrackDouble(producer uuid.UUID, in ApiTrackDoubleInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, err := p.translateStringKeyLocked(producer, in.LocalNameKey)
	if err != nil {
		return err
	}
	p.sink.Emit(events.ApiTrackDouble{PID: in.PID, TID: in.TID, TimestampNS: in.TimestampNS, NameKey: key, Value: in.Value})
	return nil
}

// Forward emits a pure passthrough event unchanged (spec.md §4.6 rule 7):
// scheduling slice, thread name, module update, function call, warning,
// capture started/finished, memory usage, GPU queue submission, and the
// remaining error/warning event kinds carry no interning references at all.
func (p *Processor) Forward(ev events.ClientCaptureEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink.Emit(ev)
}

// DanglingThreadStateCallstacks returns the number of buffered
// ThreadStateSliceCallstacks with no matching slice seen yet. Call at
// capture stop to decide whether to log a calibration warning; unlike a
// dangling uprobe (internal/uprobes), an unmatched callstack here is not
// itself a protocol violation — the matching slice may simply never arrive
// if the thread never woke up during the capture.
func (p *Processor) DanglingThreadStateCallstacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingThreadStateCallstacks)
}
