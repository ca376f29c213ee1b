package capture

import "github.com/captrace/captrace/internal/interning"

// gpuJobKey correlates the two tracepoints a submitted GPU job fires across
// its lifetime (spec.md §4 supplemented feature: GPU job tracking, amdgpu_cs_ioctl
// then amdgpu_sched_run_job, both carrying the same (Context, Seqno) pair).
type gpuJobKey struct {
	context uint32
	seqno   uint32
}

// gpuJobState is a job in flight: seen at amdgpu_cs_ioctl, waiting for its
// matching amdgpu_sched_run_job (or, at capture stop, never getting one).
type gpuJobState struct {
	pid, tid      uint32
	timeline      string
	depth         uint32
	csIoctlTimeNS uint64
}

// gpuJobTracker correlates amdgpu_cs_ioctl/amdgpu_sched_run_job pairs into
// interning.GpuJobInput values. GpuHardwareStartTimeNS and
// DmaFenceSignaledTimeNS are left at zero: no tracepoint in this core parses
// gpu_scheduler:drm_run_job or dma_fence:dma_fence_signaled, so the job's
// actual hardware-completion timing is simply never observed (a scope
// decision, not a bug — see DESIGN.md).
type gpuJobTracker struct {
	pending map[gpuJobKey]gpuJobState
	depth   map[uint32]uint32 // outstanding job count per timeline context
}

func newGpuJobTracker() *gpuJobTracker {
	return &gpuJobTracker{
		pending: make(map[gpuJobKey]gpuJobState),
		depth:   make(map[uint32]uint32),
	}
}

// onCsIoctl records a newly submitted job, bumping its context's in-flight
// depth. A job submitted twice with the same key (a seqno reused before the
// prior job's sched_run_job ever arrived) simply overwrites the pending
// entry — the stale one is dropped rather than double-counted.
func (g *gpuJobTracker) onCsIoctl(context, seqno uint32, pid, tid uint32, timeline string, timestampNS uint64) {
	if _, dup := g.pending[gpuJobKey{context: context, seqno: seqno}]; dup && g.depth[context] > 0 {
		g.depth[context]-- // the stale entry leaves the in-flight count
	}
	depth := g.depth[context]
	g.depth[context] = depth + 1
	g.pending[gpuJobKey{context: context, seqno: seqno}] = gpuJobState{
		pid: pid, tid: tid, timeline: timeline, depth: depth, csIoctlTimeNS: timestampNS,
	}
}

// onSchedRunJob completes a pending job and returns the GpuJobInput ready for
// interning.Processor.GpuJob. ok is false if no matching amdgpu_cs_ioctl was
// ever seen (the ioctl record arrived before this capture's merger window
// opened, or was itself lost).
func (g *gpuJobTracker) onSchedRunJob(context, seqno uint32, timestampNS uint64) (interning.GpuJobInput, bool) {
	key := gpuJobKey{context: context, seqno: seqno}
	state, ok := g.pending[key]
	if !ok {
		return interning.GpuJobInput{}, false
	}
	delete(g.pending, key)
	if d := g.depth[context]; d > 0 {
		g.depth[context] = d - 1
	}

	return interning.GpuJobInput{
		PID:                     state.pid,
		TID:                     state.tid,
		Context:                 context,
		Seqno:                   seqno,
		Depth:                   state.depth,
		TimelineName:            state.timeline,
		AmdgpuCsIoctlTimeNS:     state.csIoctlTimeNS,
		AmdgpuSchedRunJobTimeNS: timestampNS,
	}, true
}

// flush reports how many jobs were still pending (submitted but never
// scheduled) when capture stopped, for a diagnostic warning rather than
// silently dropping them.
func (g *gpuJobTracker) flush() int {
	return len(g.pending)
}
