package unwind

import (
	"testing"

	"github.com/captrace/captrace/internal/perfevent"
)

const sampleMaps = `` +
	"55a1c0000000-55a1c0001000 r-xp 00000000 08:01 1 /usr/bin/prog\n" +
	"55a1c0001000-55a1c0002000 rw-p 00001000 08:01 1 /usr/bin/prog\n" +
	"7f0000000000-7f0000010000 r-xp 00000000 08:01 2 /lib/libc.so\n"

type fakeNative struct {
	pcs []uint64
	err error
}

func (f fakeNative) Walk(regs NativeRegs, stack []byte, max int) ([]uint64, error) {
	return f.pcs, f.err
}

func TestUnwindResolvesModuleAndOffset(t *testing.T) {
	u := New(fakeNative{pcs: []uint64{0x55a1c0000010, 0x7f0000000100}})
	if err := u.SetMaps(sampleMaps); err != nil {
		t.Fatalf("SetMaps: %v", err)
	}

	var regs perfevent.Registers
	cs := u.Unwind(regs, nil)
	if cs.Kind != Complete {
		t.Fatalf("Kind = %v, want Complete", cs.Kind)
	}
	if len(cs.Frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(cs.Frames))
	}
	if cs.Frames[0].OffsetInFn != 0x10 {
		t.Fatalf("OffsetInFn = %#x, want 0x10", cs.Frames[0].OffsetInFn)
	}
	if cs.Frames[0].ModuleID == cs.Frames[1].ModuleID {
		t.Fatalf("expected distinct modules for distinct mappings")
	}
}

func TestUnwindUnresolvedPCHasZeroModule(t *testing.T) {
	u := New(fakeNative{pcs: []uint64{0xdeadbeef}})
	if err := u.SetMaps(sampleMaps); err != nil {
		t.Fatal(err)
	}
	cs := u.Unwind(perfevent.Registers{}, nil)
	if cs.Frames[0].ModuleID != 0 {
		t.Fatalf("ModuleID = %d, want 0 for unmapped pc", cs.Frames[0].ModuleID)
	}
}

func TestUnwindEmptyPCsReturnsEmptyKind(t *testing.T) {
	u := New(fakeNative{pcs: nil})
	if err := u.SetMaps(sampleMaps); err != nil {
		t.Fatal(err)
	}
	cs := u.Unwind(perfevent.Registers{}, nil)
	if cs.Kind != Empty || len(cs.Frames) != 0 {
		t.Fatalf("got %+v, want empty Callstack", cs)
	}
}

func TestUnwindClassifiesNativeErrors(t *testing.T) {
	u := New(fakeNative{pcs: []uint64{0x55a1c0000010}, err: ErrFramePointer})
	if err := u.SetMaps(sampleMaps); err != nil {
		t.Fatal(err)
	}
	cs := u.Unwind(perfevent.Registers{}, nil)
	if cs.Kind != FramePointerError {
		t.Fatalf("Kind = %v, want FramePointerError", cs.Kind)
	}
	// Partial frames are still delivered (spec.md §4.4 step 3).
	if len(cs.Frames) != 1 {
		t.Fatalf("expected partial frame to survive a classified error")
	}
}

func TestUnwindIsDeterministic(t *testing.T) {
	u := New(fakeNative{pcs: []uint64{0x55a1c0000010, 0x55a1c0001500}})
	if err := u.SetMaps(sampleMaps); err != nil {
		t.Fatal(err)
	}
	var regs perfevent.Registers
	regs[perfevent.RegIP] = 0x55a1c0000010
	a := u.Unwind(regs, []byte{1, 2, 3})
	b := u.Unwind(regs, []byte{1, 2, 3})
	if len(a.Frames) != len(b.Frames) || a.Kind != b.Kind {
		t.Fatalf("Unwind not deterministic: %+v vs %+v", a, b)
	}
	for i := range a.Frames {
		if a.Frames[i] != b.Frames[i] {
			t.Fatalf("frame %d differs: %+v vs %+v", i, a.Frames[i], b.Frames[i])
		}
	}
}

func TestParseMapsRejectsMalformedInput(t *testing.T) {
	if _, err := ParseMaps("not-a-valid-maps-line\n"); err == nil {
		t.Fatal("expected ErrInvalidMaps")
	}
}

func TestModuleFindSentinel(t *testing.T) {
	pm, err := ParseMaps("7f00-7f10 r-xp 0 00:00 0 [uprobes]\n")
	if err != nil {
		t.Fatal(err)
	}
	mod, ok := pm.Find(0x7f05)
	if !ok || !mod.IsUprobesSentinel() {
		t.Fatalf("expected [uprobes] sentinel module, got %+v ok=%v", mod, ok)
	}
}
