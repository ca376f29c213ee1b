package capture

import (
	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/perfevent"
	"github.com/captrace/captrace/internal/unwind"
)

// reverseFrames flips a Callstack's Frames from the order Unwinder.Unwind
// produces them (innermost frame first, the PC a sample actually
// interrupted) into the outer-to-inner order the wire schema and
// internal/uprobes.Manager both expect (caller before callee, ending at the
// leaf). Neither of those packages performs this flip themselves — it has to
// happen exactly once, here, where a freshly unwound sample meets the rest
// of the pipeline.
func reverseFrames(frames []perfevent.Frame) []perfevent.Frame {
	out := make([]perfevent.Frame, len(frames))
	for i, f := range frames {
		out[len(frames)-1-i] = f
	}
	return out
}

// toWireCallstackKind translates the in-process degraded-unwind reasons into
// the wire enum's names, which spell some of them out differently (spec.md
// §6).
func toWireCallstackKind(k unwind.CallstackKind) events.CallstackKind {
	switch k {
	case unwind.Complete:
		return events.CallstackComplete
	case unwind.DwarfError:
		return events.CallstackDwarfUnwindingError
	case unwind.FramePointerError:
		return events.CallstackFramePointerUnwindingError
	case unwind.InMapNotExecutable:
		return events.CallstackInMapNotExecutable
	case unwind.StackTop:
		return events.CallstackStackTopForDwarf
	default:
		return events.CallstackEmpty
	}
}

// framePCs extracts the bare PCs a Callstack's Frames carry, the shape
// internal/interning structurally interns on (spec.md §4.6 rule 2).
func framePCs(frames []perfevent.Frame) []uint64 {
	pcs := make([]uint64, len(frames))
	for i, f := range frames {
		pcs[i] = f.AbsolutePC
	}
	return pcs
}

// registerSlice copies a fixed perfevent.Registers array into a plain slice
// for events.FunctionCall.Registers, which carries whatever register set was
// sampled at entry without committing to a fixed width on the wire.
func registerSlice(r perfevent.Registers) []uint64 {
	out := make([]uint64, len(r))
	copy(out, r[:])
	return out
}
