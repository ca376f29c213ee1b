//go:build linux

package ringbuf

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Attr mirrors struct perf_event_attr at the ABI level, through config3
// (PERF_ATTR_SIZE_VER8, 136 bytes). The kernel reads fields by byte offset
// up to attr.size, so every field must be modeled in kernel order even when
// this package never sets it: the type/config pair selects the event
// source, SamplePeriod sets sampling_period_ns (spec.md §6), Flags is the
// disabled/inherit/… bitfield packed LSB-first, and
// SampleRegsUser/SampleStackUser select what lands in each SampleWithStack
// record. Union members are named for the variant this package uses, with
// the aliases noted.
type Attr struct {
	Type             uint32
	Size             uint32
	Config           uint64
	SamplePeriod     uint64 // union with sample_freq
	SampleType       uint64
	ReadFormat       uint64
	Flags            uint64
	WakeupEvents     uint32 // union with wakeup_watermark
	BPType           uint32
	Config1          uint64 // union: bp_addr / kprobe_func / uprobe_path
	Config2          uint64 // union: bp_len / kprobe_addr / probe_offset
	BranchSampleType uint64
	SampleRegsUser   uint64
	SampleStackUser  uint32
	ClockID          int32
	SampleRegsIntr   uint64
	AuxWatermark     uint32
	SampleMaxStack   uint16
	_                uint16 // __reserved_2
	AuxSampleSize    uint32
	_                uint32 // __reserved_3
	SigData          uint64
	Config3          uint64
}

// The kernel fixes these offsets; fail the build if the overlay drifts.
var (
	_ = [1]struct{}{}[unsafe.Offsetof(Attr{}.SampleRegsUser)-80]
	_ = [1]struct{}{}[unsafe.Offsetof(Attr{}.SampleStackUser)-88]
	_ = [1]struct{}{}[unsafe.Offsetof(Attr{}.ClockID)-92]
	_ = [1]struct{}{}[unsafe.Sizeof(Attr{})-136]
)

// ioctl codes for perf event control, from <linux/perf_event.h>; never change.
const (
	iocEnable  = 0x00002400 // _IO('$', 0)
	iocDisable = 0x00002401 // _IO('$', 1)
)

// OpenPerfEvent wraps perf_event_open(2) for the given pid/cpu and maps 1+pages pages
// over the resulting fd. On success the returned fd is enabled immediately.
// OpenPerfEvent is the only place in this package that talks to the kernel directly
// beyond mmap — everything else in Reader operates purely on the shared
// memory region.
func OpenPerfEvent(attr *Attr, pid, cpu int, pages int) (fd int, reader *Reader, err error) {
	attr.Size = uint32(unsafe.Sizeof(*attr))

	rawFD, _, errno := syscall.RawSyscall6(
		syscall.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid),
		uintptr(cpu),
		^uintptr(0), // group_fd = -1
		0,           // flags
		0,
	)
	if errno != 0 {
		return -1, nil, fmt.Errorf("ringbuf: perf_event_open: %w", errno)
	}
	fd = int(rawFD)

	r, err := Open(fd, pages)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, nil, err
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(iocEnable), 0); errno != 0 {
		_ = r.Close()
		_ = syscall.Close(fd)
		return -1, nil, fmt.Errorf("ringbuf: ioctl PERF_EVENT_IOC_ENABLE: %w", errno)
	}

	return fd, r, nil
}
