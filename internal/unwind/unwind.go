package unwind

import (
	"errors"

	"github.com/captrace/captrace/internal/perfevent"
)

// CallstackKind is the status of a Callstack (spec.md §3, §6). The zero
// value is never produced by Unwind; Complete is assigned explicitly so a
// forgotten assignment is caught by tests rather than silently reading as
// success.
type CallstackKind int

const (
	Complete CallstackKind = iota + 1
	DwarfError
	FramePointerError
	InMapNotExecutable
	StackTop
	Empty
)

func (k CallstackKind) String() string {
	switch k {
	case Complete:
		return "Complete"
	case DwarfError:
		return "DwarfError"
	case FramePointerError:
		return "FramePointerError"
	case InMapNotExecutable:
		return "InMapNotExecutable"
	case StackTop:
		return "StackTop"
	case Empty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// Callstack is an ordered sequence of frames, in the order Native.Walk
// discovered them (innermost frame — the PC the sample actually
// interrupted — first), plus a status describing whether unwinding
// completed or how it's degraded (spec.md §3).
type Callstack struct {
	Frames []perfevent.Frame
	Kind   CallstackKind
}

// MaxFrames caps native frame walking (spec.md §4.4 step 2: "capped at a
// fixed maximum frame count (default 1024)").
const MaxFrames = 1024

// Native is the native unwinding library captrace delegates frame walking
// to (DWARF CFI with ELF/eh_frame fallback, spec.md §4.4 step 2). A real
// build links this against libunwind or a similar CGo-wrapped library; the
// interface boundary keeps that dependency out of the pure-Go core so it can
// be swapped or stubbed in tests.
type Native interface {
	// Walk returns raw instruction-pointer frames (innermost first) given
	// the translated register set and a byte window representing the
	// thread's stack starting at RSP. It returns as many frames as it
	// could recover even when err != nil, per spec.md §4.4 step 3 ("Partial
	// frames collected so far are kept").
	Walk(regs NativeRegs, stackBytes []byte, maxFrames int) (pcs []uint64, err error)
}

// NativeRegs is the native unwinder's own register layout, after translation
// from perfevent.Registers (spec.md §4.4 step 1).
type NativeRegs struct {
	RIP, RSP, RBP uint64
	// Remaining general-purpose registers a DWARF CFI evaluator may need to
	// read rules for (RBX, R12-R15 are the x86-64 SysV ABI callee-saved set).
	RBX, R12, R13, R14, R15 uint64
}

// ErrNativeUnwind wraps any error Native.Walk returns, distinguishing it
// from captrace's own bookkeeping errors.
var ErrNativeUnwind = errors.New("unwind: native unwinder error")

// Unwinder is a deterministic function of its inputs once maps are set
// (spec.md §4.4 "Public contract", testable property #8).
type Unwinder struct {
	native Native
	maps   *ProcessMap
}

// New constructs an Unwinder delegating frame walking to native.
func New(native Native) *Unwinder {
	return &Unwinder{native: native}
}

// SetMaps ingests a /proc/<pid>/maps snapshot. Must be called before Unwind.
func (u *Unwinder) SetMaps(mapsText string) error {
	pm, err := ParseMaps(mapsText)
	if err != nil {
		return err
	}
	u.maps = pm
	return nil
}

// Maps exposes the current ProcessMap so other components (the uprobes
// callstack manager, module-update handling) can share it by reference.
func (u *Unwinder) Maps() *ProcessMap { return u.maps }

// Unwind translates regs into the native register layout and delegates
// frame walking, then resolves each raw PC to a (module, offset) pair
// (spec.md §4.4 steps 1-4).
func (u *Unwinder) Unwind(regs perfevent.Registers, stackBytes []byte) Callstack {
	if u.maps == nil {
		return Callstack{Kind: DwarfError}
	}

	native := translateRegs(regs)
	pcs, err := u.native.Walk(native, stackBytes, MaxFrames)

	kind := Complete
	if err != nil {
		kind = classifyNativeError(err)
	}
	if len(pcs) == 0 {
		return Callstack{Kind: Empty}
	}

	frames := make([]perfevent.Frame, 0, len(pcs))
	for _, pc := range pcs {
		frames = append(frames, u.resolveFrame(pc))
	}
	return Callstack{Frames: frames, Kind: kind}
}

func (u *Unwinder) resolveFrame(pc uint64) perfevent.Frame {
	mod, ok := u.maps.Find(pc)
	if !ok {
		return perfevent.Frame{AbsolutePC: pc}
	}
	return perfevent.Frame{
		AbsolutePC: pc,
		ModuleID:   mod.ID,
		OffsetInFn: pc - mod.Start + mod.Offset,
	}
}

func translateRegs(r perfevent.Registers) NativeRegs {
	return NativeRegs{
		RIP: r[perfevent.RegIP],
		RSP: r[perfevent.RegSP],
		RBP: r[perfevent.RegBP],
	}
}

// classifyNativeError maps a Native error into one of the degraded
// CallstackKinds (spec.md §4.4 step 3, §7). Implementations of Native are
// expected to return sentinel errors distinguishing DWARF failures from
// frame-pointer failures from a non-executable landing page; this default
// treats anything unrecognized as a DWARF error, the most common native
// failure mode.
func classifyNativeError(err error) CallstackKind {
	switch {
	case errors.Is(err, ErrFramePointer):
		return FramePointerError
	case errors.Is(err, ErrNotExecutable):
		return InMapNotExecutable
	case errors.Is(err, ErrStackTop):
		return StackTop
	default:
		return DwarfError
	}
}

// Sentinel errors a Native implementation returns to classify its own
// failure mode precisely, rather than captrace guessing from an opaque error
// string.
var (
	ErrFramePointer  = errors.New("unwind: frame pointer chain broken")
	ErrNotExecutable = errors.New("unwind: landing pc is in a non-executable mapping")
	ErrStackTop      = errors.New("unwind: reached top of captured stack before returning to a known root")
)
