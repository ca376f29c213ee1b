package capture

import "github.com/captrace/captrace/internal/perfevent"

// callEntry is what a Uprobe firing pushes onto a thread's call stack:
// enough to close out the matching events.FunctionCall once the Uretprobe
// arrives. This is deliberately separate from internal/uprobes.Manager's own
// per-tid stack, which exists to splice EntryCallstacks and carries no
// timestamps at all — the two stacks answer different questions about the
// same call (spec.md §4.5, §4.6 FunctionCall).
type callEntry struct {
	functionID     uint64
	entryTimestamp uint64
	registers      perfevent.Registers
}

// callTimers tracks one LIFO call stack per tid so a Uretprobe can compute
// Depth, DurationNS and EndTimestampNS without reaching back into
// internal/uprobes, which has no notion of time.
type callTimers struct {
	stacks map[uint32][]callEntry
}

func newCallTimers() *callTimers {
	return &callTimers{stacks: make(map[uint32][]callEntry)}
}

// push records a call entry for tid, returning the depth it was pushed at
// (0 for a top-level call).
func (c *callTimers) push(tid uint32, e callEntry) uint32 {
	stack := c.stacks[tid]
	depth := uint32(len(stack))
	c.stacks[tid] = append(stack, e)
	return depth
}

// pop removes and returns the innermost open call entry for tid whose
// functionID matches, along with the depth it was pushed at. Any entries
// above it (calls whose own uretprobe never landed) are discarded with it, so
// a missed uretprobe does not wedge the stack forever. ok is false if tid has
// no open call for functionID.
func (c *callTimers) pop(tid uint32, functionID uint64) (entry callEntry, depth uint32, ok bool) {
	stack := c.stacks[tid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].functionID == functionID {
			entry = stack[i]
			depth = uint32(i)
			c.stacks[tid] = stack[:i]
			return entry, depth, true
		}
	}
	return callEntry{}, 0, false
}

// dangling reports how many call entries, summed over all tids, are still
// unclosed, for diagnostics
// at capture stop (mirrors internal/uprobes.Manager.DanglingCount).
func (c *callTimers) dangling() int {
	n := 0
	for _, stack := range c.stacks {
		n += len(stack)
	}
	return n
}
