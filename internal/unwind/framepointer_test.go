package unwind

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildStack lays out synthetic frames in a stack window starting at base.
// Each entry is written as (savedRBP, returnAddress) at the given offset.
func buildStack(size int, frames map[uint64][2]uint64) []byte {
	stack := make([]byte, size)
	for off, pair := range frames {
		binary.LittleEndian.PutUint64(stack[off:], pair[0])
		binary.LittleEndian.PutUint64(stack[off+8:], pair[1])
	}
	return stack
}

func TestFramePointerWalkFollowsChain(t *testing.T) {
	const base = uint64(0x7ffc_0000_0000)

	// Frame 1 at base+16 points to frame 2 at base+40; frame 2 terminates
	// the chain with a zero saved RBP.
	stack := buildStack(64, map[uint64][2]uint64{
		16: {base + 40, 0x401234},
		40: {0, 0x401300},
	})

	pcs, err := FramePointerNative{}.Walk(NativeRegs{
		RIP: 0x401000,
		RSP: base,
		RBP: base + 16,
	}, stack, 1024)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []uint64{0x401000, 0x401234, 0x401300}
	if len(pcs) != len(want) {
		t.Fatalf("got %d frames %#x, want %d", len(pcs), pcs, len(want))
	}
	for i := range want {
		if pcs[i] != want[i] {
			t.Errorf("pcs[%d] = %#x, want %#x", i, pcs[i], want[i])
		}
	}
}

func TestFramePointerWalkChainLeavesWindow(t *testing.T) {
	const base = uint64(0x7ffc_0000_0000)

	// Frame 1's saved RBP points far outside the captured 64 bytes.
	stack := buildStack(64, map[uint64][2]uint64{
		16: {base + 4096, 0x401234},
	})

	pcs, err := FramePointerNative{}.Walk(NativeRegs{
		RIP: 0x401000,
		RSP: base,
		RBP: base + 16,
	}, stack, 1024)
	if !errors.Is(err, ErrFramePointer) {
		t.Fatalf("err = %v, want ErrFramePointer", err)
	}
	// Partial frames are kept: RIP plus the one recovered return address.
	if len(pcs) != 2 {
		t.Errorf("got %d partial frames %#x, want 2", len(pcs), pcs)
	}
}

func TestFramePointerWalkDownwardChainRejected(t *testing.T) {
	const base = uint64(0x7ffc_0000_0000)

	// A saved RBP below the current one would loop forever; the walk must
	// refuse it.
	stack := buildStack(64, map[uint64][2]uint64{
		32: {base + 8, 0x401234},
	})

	_, err := FramePointerNative{}.Walk(NativeRegs{
		RIP: 0x401000,
		RSP: base,
		RBP: base + 32,
	}, stack, 1024)
	if !errors.Is(err, ErrFramePointer) {
		t.Fatalf("err = %v, want ErrFramePointer", err)
	}
}

func TestFramePointerWalkZeroRBPIsLeafOnly(t *testing.T) {
	pcs, err := FramePointerNative{}.Walk(NativeRegs{RIP: 0x401000}, nil, 1024)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(pcs) != 1 || pcs[0] != 0x401000 {
		t.Errorf("got %#x, want just the leaf RIP", pcs)
	}
}

func TestFramePointerWalkRespectsMaxFrames(t *testing.T) {
	const base = uint64(0x7ffc_0000_0000)

	// A two-frame chain, but maxFrames caps the walk at 2 entries (leaf +
	// one recovered frame).
	stack := buildStack(64, map[uint64][2]uint64{
		16: {base + 40, 0x401234},
		40: {0, 0x401300},
	})

	pcs, err := FramePointerNative{}.Walk(NativeRegs{
		RIP: 0x401000,
		RSP: base,
		RBP: base + 16,
	}, stack, 2)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(pcs) != 2 {
		t.Errorf("got %d frames, want 2 (capped)", len(pcs))
	}
}
