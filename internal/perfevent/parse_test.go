package perfevent

import (
	"encoding/binary"
	"testing"

	"github.com/captrace/captrace/internal/ringbuf"
)

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestParseSampleWithStackRoundTrips(t *testing.T) {
	p := &Parser{Flags: SampleTID | SampleTime | SampleCPU | SampleRegsUser | SampleStackUser}

	var buf []byte
	buf = append(buf, le32(4242)...)  // pid
	buf = append(buf, le32(4242)...)  // tid (packed as one 8-byte TID field)
	buf = append(buf, le64(1000)...)  // time
	buf = append(buf, le32(3)...)     // cpu
	buf = append(buf, le32(0)...)     // cpu reserved
	buf = append(buf, le64(0)...)     // regs abi mask
	for i := 0; i < 17; i++ {
		buf = append(buf, le64(uint64(i))...)
	}
	stack := []byte{1, 2, 3, 4}
	buf = append(buf, le64(uint64(len(stack)))...)
	buf = append(buf, stack...)

	rec := RawRecord{Header: ringbuf.Header{Type: RecordSample}, Payload: buf, OriginFD: 7}
	ev, err := p.Parse(rec)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sample, ok := ev.(*SampleWithStack)
	if !ok {
		t.Fatalf("got %T, want *SampleWithStack", ev)
	}
	if sample.Timestamp() != 1000 || sample.OriginFD() != 7 {
		t.Fatalf("unexpected common fields: %+v", sample)
	}
	if sample.Stack.Registers[RegSP] != RegSP {
		t.Fatalf("register round-trip mismatch: %+v", sample.Stack.Registers)
	}
	if string(sample.Stack.StackBytes) != string(stack) {
		t.Fatalf("stack bytes mismatch: %x", sample.Stack.StackBytes)
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestParseSampleDispatchesUprobe(t *testing.T) {
	resolver := MapResolver{
		11: {Kind: KindUprobe, FunctionID: 99},
	}
	p := &Parser{Flags: SampleTID | SampleRaw, Tracepoints: resolver}

	var buf []byte
	buf = append(buf, le32(1)...) // pid
	buf = append(buf, le32(1)...) // tid
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint16(raw[0:2], 11) // common_type
	buf = append(buf, le32(uint32(len(raw)))...)
	buf = append(buf, raw...)

	rec := RawRecord{Header: ringbuf.Header{Type: RecordSample}, Payload: buf}
	ev, err := p.Parse(rec)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	up, ok := ev.(*Uprobe)
	if !ok {
		t.Fatalf("got %T, want *Uprobe", ev)
	}
	if up.FunctionID != 99 {
		t.Fatalf("FunctionID = %d, want 99", up.FunctionID)
	}
}

func TestParseLost(t *testing.T) {
	p := &Parser{}
	payload := append(le64(0), le64(42)...)
	rec := RawRecord{Header: ringbuf.Header{Type: RecordLost}, Payload: payload}
	ev, err := p.Parse(rec)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	lost, ok := ev.(*Lost)
	if !ok || lost.NumLost != 42 {
		t.Fatalf("got %+v, want Lost{NumLost: 42}", ev)
	}
}

func TestParseUnknownKindReturnsNil(t *testing.T) {
	p := &Parser{}
	ev, err := p.Parse(RawRecord{Header: ringbuf.Header{Type: 0xFFFF}})
	if err != nil || ev != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", ev, err)
	}
}
