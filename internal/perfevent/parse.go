package perfevent

import (
	"encoding/binary"
	"fmt"
)

// TracepointKind classifies a tracepoint id learned at perf_event_open time
// (spec.md §4.2: "dispatch is keyed on the 32-bit kernel record kind plus,
// for tracepoint payloads, the tracepoint id").
type TracepointKind int

const (
	KindGeneric TracepointKind = iota
	KindSchedSwitch
	KindUprobe
	KindUretprobe
	KindAmdgpuCsIoctl
	KindAmdgpuSchedRunJob
)

// TracepointInfo is what a Resolver returns for a given common_type id.
type TracepointInfo struct {
	Kind       TracepointKind
	Category   string
	Name       string
	FunctionID uint64 // meaningful only for KindUprobe/KindUretprobe
}

// Resolver maps the tracepoint id embedded in a raw sample's common_type
// field to the TracepointInfo learned when the corresponding perf_event fd
// was opened. Implementations are typically a simple map built from
// /sys/kernel/debug/tracing/events/<category>/<name>/id.
type Resolver interface {
	Resolve(tracepointID uint16) (TracepointInfo, bool)
}

// MapResolver is the straightforward map-backed Resolver.
type MapResolver map[uint16]TracepointInfo

func (m MapResolver) Resolve(id uint16) (TracepointInfo, bool) {
	info, ok := m[id]
	return info, ok
}

// SampleFlags mirrors the PERF_SAMPLE_* bits this package understands. A
// Parser is configured with the exact set of flags the attr it's paired with
// requested, since the kernel emits sample fields in a fixed order gated by
// these bits rather than by a self-describing layout (spec.md §4.2: "Each
// variant has a documented fixed layout").
type SampleFlags uint64

const (
	SampleTID SampleFlags = 1 << iota
	SampleTime
	SampleCPU
	SampleRaw
	SampleRegsUser
	SampleStackUser
)

// Parser dispatches RawRecords into TypedEvents.
type Parser struct {
	Flags    SampleFlags
	Tracepoints Resolver
}

// Parse consumes rec and returns the TypedEvent it represents. Unknown
// record kinds return (nil, nil): the caller should treat that as "nothing
// to dispatch", not an error — spec.md §4.2 says unknown variants default to
// a no-op visit, which a nil TypedEvent trivially satisfies upstream.
func (p *Parser) Parse(rec RawRecord) (TypedEvent, error) {
	switch rec.Header.Type {
	case RecordLost:
		return p.parseLost(rec)
	case RecordFork:
		return p.parseFork(rec)
	case RecordExit:
		return p.parseExit(rec)
	case RecordSample:
		return p.parseSample(rec)
	default:
		return nil, nil
	}
}

func (p *Parser) parseLost(rec RawRecord) (TypedEvent, error) {
	if len(rec.Payload) < 16 {
		return nil, fmt.Errorf("perfevent: short PERF_RECORD_LOST payload")
	}
	numLost := binary.LittleEndian.Uint64(rec.Payload[8:16])
	return &Lost{common: common{originFD: rec.OriginFD}, NumLost: numLost}, nil
}

func (p *Parser) parseFork(rec RawRecord) (TypedEvent, error) {
	if len(rec.Payload) < 24 {
		return nil, fmt.Errorf("perfevent: short PERF_RECORD_FORK payload")
	}
	childPID := binary.LittleEndian.Uint32(rec.Payload[0:4])
	childTID := binary.LittleEndian.Uint32(rec.Payload[4:8])
	parentPID := binary.LittleEndian.Uint32(rec.Payload[8:12])
	parentTID := binary.LittleEndian.Uint32(rec.Payload[12:16])
	ts := binary.LittleEndian.Uint64(rec.Payload[16:24])
	return &Fork{
		common:     common{TimestampNS: ts, PID: childPID, TID: childTID, originFD: rec.OriginFD},
		ParentPID:  parentPID,
		ParentTID:  parentTID,
		ChildPID:   childPID,
		ChildTID:   childTID,
	}, nil
}

func (p *Parser) parseExit(rec RawRecord) (TypedEvent, error) {
	if len(rec.Payload) < 24 {
		return nil, fmt.Errorf("perfevent: short PERF_RECORD_EXIT payload")
	}
	pid := binary.LittleEndian.Uint32(rec.Payload[0:4])
	tid := binary.LittleEndian.Uint32(rec.Payload[4:8])
	ts := binary.LittleEndian.Uint64(rec.Payload[16:24])
	return &Exit{common: common{TimestampNS: ts, PID: pid, TID: tid, originFD: rec.OriginFD}}, nil
}

// parseSample walks the sample body in the kernel's fixed field order,
// gated by p.Flags, then either produces a SampleWithStack (no raw
// tracepoint data requested/present) or dispatches on the tracepoint id
// embedded in the raw data's common_type field.
func (p *Parser) parseSample(rec RawRecord) (TypedEvent, error) {
	buf := rec.Payload
	c := common{originFD: rec.OriginFD}

	read := func(n int) ([]byte, error) {
		if len(buf) < n {
			return nil, fmt.Errorf("perfevent: truncated PERF_RECORD_SAMPLE body")
		}
		b := buf[:n]
		buf = buf[n:]
		return b, nil
	}

	if p.Flags&SampleTID != 0 {
		b, err := read(8)
		if err != nil {
			return nil, err
		}
		c.PID = binary.LittleEndian.Uint32(b[0:4])
		c.TID = binary.LittleEndian.Uint32(b[4:8])
	}
	if p.Flags&SampleTime != 0 {
		b, err := read(8)
		if err != nil {
			return nil, err
		}
		c.TimestampNS = binary.LittleEndian.Uint64(b)
	}
	if p.Flags&SampleCPU != 0 {
		b, err := read(8)
		if err != nil {
			return nil, err
		}
		c.CPU = binary.LittleEndian.Uint32(b[0:4])
	}

	var raw []byte
	if p.Flags&SampleRaw != 0 {
		b, err := read(4)
		if err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint32(b)
		raw, err = read(int(size))
		if err != nil {
			return nil, err
		}
	}

	var regs Registers
	if p.Flags&SampleRegsUser != 0 {
		if _, err := read(8); err != nil { // abi mask, unused here
			return nil, err
		}
		for i := range regs {
			b, err := read(8)
			if err != nil {
				return nil, err
			}
			regs[i] = binary.LittleEndian.Uint64(b)
		}
	}

	var stackBytes []byte
	if p.Flags&SampleStackUser != 0 {
		b, err := read(8)
		if err != nil {
			return nil, err
		}
		size := binary.LittleEndian.Uint64(b)
		stackBytes, err = read(int(size))
		if err != nil {
			return nil, err
		}
		// dyn_size trails when size > 0; ignored, this parser only needs the
		// copied bytes themselves.
	}

	stack := StackSample{Registers: regs, StackBytes: stackBytes}
	if raw == nil {
		return &SampleWithStack{common: c, Stack: stack}, nil
	}
	return p.parseTracepointRaw(c, raw, stack)
}

// Fixed offsets within a raw tracepoint payload's common header, shared by
// every tracepoint format (<linux/trace_events.h>).
const (
	commonTypeOffset = 0 // u16
	commonPIDOffset  = 4 // u32, after flags(u8) + preempt_count(u8)
)

func (p *Parser) parseTracepointRaw(c common, raw []byte, stack StackSample) (TypedEvent, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("perfevent: short tracepoint raw data")
	}
	tpID := binary.LittleEndian.Uint16(raw[commonTypeOffset:])

	info, ok := p.Tracepoints.Resolve(tpID)
	if !ok {
		return &Tracepoint{common: c, Category: "unknown", Name: fmt.Sprintf("id-%d", tpID), Raw: raw}, nil
	}

	switch info.Kind {
	case KindSchedSwitch:
		return p.parseSchedSwitch(c, raw)
	case KindUprobe:
		return &Uprobe{common: c, FunctionID: info.FunctionID, Stack: stack}, nil
	case KindUretprobe:
		return &Uretprobe{common: c, FunctionID: info.FunctionID}, nil
	case KindAmdgpuCsIoctl:
		return p.parseGpuTracepoint(c, raw, GpuMarkerCsIoctl)
	case KindAmdgpuSchedRunJob:
		return p.parseGpuTracepoint(c, raw, GpuMarkerSchedRunJob)
	default:
		return &Tracepoint{common: c, Category: info.Category, Name: info.Name, Raw: raw}, nil
	}
}

// amdgpu_cs_ioctl and amdgpu_sched_run_job both start their tracepoint-specific
// fields, beyond the 8-byte common header, with a timeline name (__string
// field, stored as a 16-byte fixed ring name in this simplified layout),
// followed by context(u32) and seqno(u32) — the fields a producer needs to
// correlate a job across both markers (format/events/gpu_scheduler/*/format,
// format/events/amdgpu/*/format).
func (p *Parser) parseGpuTracepoint(c common, raw []byte, marker GpuMarker) (TypedEvent, error) {
	const need = 8 + 16 + 4 + 4
	if len(raw) < need {
		return nil, fmt.Errorf("perfevent: short amdgpu tracepoint payload")
	}
	body := raw[8:]
	timeline := cString(body[0:16])
	context := binary.LittleEndian.Uint32(body[16:20])
	seqno := binary.LittleEndian.Uint32(body[20:24])

	return &GpuTracepoint{
		common:   c,
		Marker:   marker,
		Context:  context,
		Seqno:    seqno,
		Timeline: timeline,
	}, nil
}

// sched:sched_switch field offsets beyond the 8-byte common header, as
// emitted by format/events/sched/sched_switch/format under tracefs:
// prev_comm[16], prev_pid(u32), prev_prio(u32), prev_state(u64),
// next_comm[16], next_pid(u32), next_prio(u32).
func (p *Parser) parseSchedSwitch(c common, raw []byte) (TypedEvent, error) {
	const need = 8 + 16 + 4 + 4 + 8 + 16 + 4 + 4
	if len(raw) < need {
		return nil, fmt.Errorf("perfevent: short sched_switch payload")
	}
	body := raw[8:]
	prevComm := cString(body[0:16])
	prevPID := binary.LittleEndian.Uint32(body[16:20])
	prevState := binary.LittleEndian.Uint64(body[24:32])
	nextComm := cString(body[32:48])
	nextPID := binary.LittleEndian.Uint32(body[48:52])

	return &SchedSwitch{
		common:             c,
		PrevPID:            prevPID,
		PrevTID:            prevPID,
		PrevComm:           prevComm,
		PrevStatePreempted: prevState == 0, // TASK_RUNNING: still runnable, just preempted
		NextPID:            nextPID,
		NextTID:            nextPID,
		NextComm:           nextComm,
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
