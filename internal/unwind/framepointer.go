package unwind

import "encoding/binary"

// FramePointerNative is the Native backend used when a capture runs with
// unwinding_method: FramePointer. It walks the saved-RBP chain through the
// captured stack copy: at each frame the saved caller RBP sits at [rbp] and
// the return address at [rbp+8], per the x86-64 SysV prologue convention.
//
// The walk never touches live memory — only the stack bytes the kernel
// copied out with the sample — so it is deterministic for a given input,
// like every Native implementation must be. A chain that leaves the captured
// window or runs downward is reported as ErrFramePointer with the frames
// recovered so far; a saved RBP of zero is the conventional chain end
// (glibc's _start zeroes it) and terminates the walk cleanly.
type FramePointerNative struct{}

// Walk implements Native.
func (FramePointerNative) Walk(regs NativeRegs, stackBytes []byte, maxFrames int) ([]uint64, error) {
	if maxFrames <= 0 {
		return nil, nil
	}

	pcs := []uint64{regs.RIP}
	fp := regs.RBP
	base := regs.RSP

	for len(pcs) < maxFrames {
		if fp == 0 {
			// Outermost frame reached.
			return pcs, nil
		}

		// Both the saved RBP and the return address must lie inside the
		// captured window.
		if fp < base {
			return pcs, ErrFramePointer
		}
		off := fp - base
		if off+16 > uint64(len(stackBytes)) {
			return pcs, ErrFramePointer
		}

		next := binary.LittleEndian.Uint64(stackBytes[off:])
		ret := binary.LittleEndian.Uint64(stackBytes[off+8:])
		if ret == 0 {
			return pcs, nil
		}
		pcs = append(pcs, ret)

		if next != 0 && next <= fp {
			// The chain must move strictly toward higher addresses;
			// anything else is a corrupt or foreign frame layout.
			return pcs, ErrFramePointer
		}
		fp = next
	}
	return pcs, nil
}
