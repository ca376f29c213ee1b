// Package uprobes implements the uprobes callstack manager from spec.md
// §4.5: it repairs stack samples that would otherwise be broken by
// uretprobe return-address hijacking, by splicing a sampled callstack's
// inner frames onto the full callstack captured when the active uprobe
// fired.
package uprobes

import (
	"log/slog"

	"github.com/captrace/captrace/internal/perfevent"
	"github.com/captrace/captrace/internal/unwind"
)

// entryCallstack is one previously seen uprobe-entry callstack: the full
// callstack captured at the moment a uprobe fired, outer-to-inner (caller
// before callee), ending at the instrumented function's own frame (spec.md
// §3 PerThreadUprobeStack).
type entryCallstack struct {
	functionID uint64
	frames     []perfevent.Frame
}

// ModuleResolver looks up the module containing a PC, so the manager can
// recognize the synthetic "[uprobes]" frame by map-name suffix rather than
// by symbol (spec.md §4.5 background: symbolization is out of scope, but the
// module an address falls in is always known). *unwind.ProcessMap
// satisfies this interface.
type ModuleResolver interface {
	Find(pc uint64) (unwind.Module, bool)
}

// Manager is single-threaded per tid by construction: the merger's
// single-consumer dispatch delivers events for one tid in order, so no
// locking is needed (spec.md §4.5 "Concurrency").
type Manager struct {
	logger   *slog.Logger
	resolver ModuleResolver
	stacks   map[uint32][]entryCallstack // tid -> LIFO stack of active uprobes
}

// New constructs an empty Manager. resolver is used to detect the "[uprobes]"
// sentinel frame by the module an unwound PC falls in; it shares the same
// ProcessMap the unwinder itself uses (spec.md §9: maps are shared by
// reference, never copied per consumer).
func New(logger *slog.Logger, resolver ModuleResolver) *Manager {
	return &Manager{logger: logger, resolver: resolver, stacks: make(map[uint32][]entryCallstack)}
}

// OnUprobe pushes entryFrames — the full callstack captured when a uprobe at
// functionID fired for tid — onto that tid's stack (spec.md §4.5).
func (m *Manager) OnUprobe(tid uint32, functionID uint64, entryFrames []perfevent.Frame) {
	m.stacks[tid] = append(m.stacks[tid], entryCallstack{functionID: functionID, frames: entryFrames})
}

// OnUretprobe pops the most recent entry callstack for tid. An unmatched
// uretprobe (empty stack) is a producer bug: spec.md §4.5 and §9 say to log
// a warning and ignore it, not abort the capture.
func (m *Manager) OnUretprobe(tid uint32, functionID uint64) {
	stack := m.stacks[tid]
	if len(stack) == 0 {
		if m.logger != nil {
			m.logger.Warn("uprobes: uretprobe without a matching uprobe",
				slog.Uint64("tid", uint64(tid)),
				slog.Uint64("function_id", functionID),
			)
		}
		return
	}
	m.stacks[tid] = stack[:len(stack)-1]
}

// OnSampledCallstack is the identity when no uprobe is active for tid
// (spec.md §8 testable property #7). Otherwise the freshly unwound sample's
// own innermost-discovered frame duplicates the instrumented function's
// frame already recorded in the entry callstack (both unwinds bottom out at
// the same place), so it's dropped; whatever lies between that duplicate and
// the synthetic "[uprobes]" frame marking the hijacked return address is new
// and gets spliced onto the stored entry callstack.
func (m *Manager) OnSampledCallstack(tid uint32, unwound unwind.Callstack) unwind.Callstack {
	stack := m.stacks[tid]
	if len(stack) == 0 {
		return unwound
	}
	if len(unwound.Frames) == 0 {
		// Sample's call chain is lost entirely; do not join it with the
		// stored entry callstack (spec.md §4.5 "Operations", case D).
		return unwound
	}

	top := stack[len(stack)-1]
	newFrames := m.newFramesBeyondEntry(unwound.Frames)

	joined := make([]perfevent.Frame, 0, len(top.frames)+len(newFrames))
	joined = append(joined, top.frames...)
	joined = append(joined, newFrames...)

	return unwind.Callstack{Frames: joined, Kind: unwound.Kind}
}

// newFramesBeyondEntry finds the first frame (scanning from index 0, the
// instrumented function's own duplicated frame) that lands in a "[uprobes]"
// mapping, and returns everything strictly between that duplicate and the
// sentinel. If no sentinel is found, unwinding recovered real frames past
// where the entry callstack left off, and everything after the duplicate is
// new.
func (m *Manager) newFramesBeyondEntry(frames []perfevent.Frame) []perfevent.Frame {
	cut := len(frames)
	if m.resolver != nil {
		for i := 0; i < len(frames); i++ {
			if mod, ok := m.resolver.Find(frames[i].AbsolutePC); ok && mod.IsUprobesSentinel() {
				cut = i
				break
			}
		}
	}
	if cut <= 1 {
		return nil
	}
	return append([]perfevent.Frame(nil), frames[1:cut]...)
}

// DanglingCount returns the number of uprobes still active, summed over all
// tids, i.e. without a matching uretprobe seen yet. Called at capture stop
// to report dangling uprobes as warnings (spec.md §4.5 invariant).
func (m *Manager) DanglingCount() int {
	n := 0
	for _, stack := range m.stacks {
		n += len(stack)
	}
	return n
}

// Drain reports every still-active uprobe as a dangling-uprobe warning and
// clears all per-tid state, as required at capture stop (spec.md §4.5
// invariant: "the stack of entry callstacks is drained to empty between
// captures").
func (m *Manager) Drain() {
	for tid, stack := range m.stacks {
		for _, e := range stack {
			if m.logger != nil {
				m.logger.Warn("uprobes: dangling uprobe at capture stop",
					slog.Uint64("tid", uint64(tid)),
					slog.Uint64("function_id", e.functionID),
				)
			}
		}
	}
	m.stacks = make(map[uint32][]entryCallstack)
}
