// Package unwind turns a perfevent.StackSample plus a ProcessMap snapshot
// into a Callstack (spec.md §4.4). Frame walking itself is delegated to a
// native unwinding library through the Native interface; this package owns
// the /proc/<pid>/maps snapshot, the perf_regs→native-register translation,
// and the module-by-PC lookup that turns raw frame PCs into (module, offset)
// pairs.
package unwind

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Module is one mapped region from /proc/<pid>/maps.
type Module struct {
	ID         uint64
	Start, End uint64
	Offset     uint64
	Executable bool
	Path       string
}

// IsUprobesSentinel reports whether this module is the synthetic "[uprobes]"
// region the uprobes callstack manager looks for (spec.md §4.5).
func (m Module) IsUprobesSentinel() bool {
	return strings.HasSuffix(m.Path, "[uprobes]")
}

// ProcessMap is the parsed /proc/<pid>/maps snapshot at capture start plus
// later mmap/munmap updates. ApplyMmap and ApplyMunmap modify it in place,
// and it has no locking of its own (spec.md §3, §9).
type ProcessMap struct {
	modules []Module // sorted by Start, non-overlapping (spec.md §3 invariant)
	nextID  uint64
}

// ErrInvalidMaps is returned by ParseMaps when the text cannot be parsed as
// /proc/<pid>/maps output (spec.md §4.4 "Fails with InvalidMaps").
var ErrInvalidMaps = fmt.Errorf("unwind: invalid maps text")

// ParseMaps ingests a /proc/<pid>/maps snapshot. It must be called before any
// Unwind call against the resulting ProcessMap (spec.md §4.4).
func ParseMaps(mapsText string) (*ProcessMap, error) {
	pm := &ProcessMap{}
	scanner := bufio.NewScanner(strings.NewReader(mapsText))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		mod, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMaps, err)
		}
		pm.nextID++
		mod.ID = pm.nextID
		pm.modules = append(pm.modules, mod)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMaps, err)
	}
	sort.Slice(pm.modules, func(i, j int) bool { return pm.modules[i].Start < pm.modules[j].Start })
	return pm, nil
}

// parseMapsLine parses one line of the form:
//
//	55a1c2b3d000-55a1c2b5e000 r-xp 00001000 08:01 123456 /usr/bin/prog
func parseMapsLine(line string) (Module, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Module{}, fmt.Errorf("too few fields: %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Module{}, fmt.Errorf("bad address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Module{}, err
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Module{}, err
	}
	perms := fields[1]
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Module{}, err
	}
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	return Module{
		Start:      start,
		End:        end,
		Offset:     offset,
		Executable: strings.Contains(perms, "x"),
		Path:       path,
	}, nil
}

// Find returns the module containing pc. spec.md §3 invariant: at most one
// map entry contains any given pc; if none does, ok is false and the caller
// reports the unwind failure reason InMapNotExecutable or similar.
func (pm *ProcessMap) Find(pc uint64) (Module, bool) {
	i := sort.Search(len(pm.modules), func(i int) bool { return pc < pm.modules[i].End })
	if i < len(pm.modules) && pm.modules[i].Start <= pc && pc < pm.modules[i].End {
		return pm.modules[i], true
	}
	return Module{}, false
}

// Modules returns every module currently tracked, sorted by start address.
// The caller gets its own slice; mutating it has no effect on pm.
func (pm *ProcessMap) Modules() []Module {
	return append([]Module(nil), pm.modules...)
}

// ApplyMmap records a new mapping learned from a later mmap event, keeping
// the module list sorted. ApplyMunmap removes the mapping starting at addr,
// if present. Both mutate a private copy-on-write-free slice; callers must
// not share a ProcessMap across goroutines while mutating it — the merger's
// single-consumer-thread dispatch guarantees that (spec.md §5).
func (pm *ProcessMap) ApplyMmap(mod Module) {
	pm.nextID++
	mod.ID = pm.nextID
	i := sort.Search(len(pm.modules), func(i int) bool { return pm.modules[i].Start >= mod.Start })
	pm.modules = append(pm.modules, Module{})
	copy(pm.modules[i+1:], pm.modules[i:])
	pm.modules[i] = mod
}

func (pm *ProcessMap) ApplyMunmap(addr uint64) {
	for i, m := range pm.modules {
		if m.Start == addr {
			pm.modules = append(pm.modules[:i], pm.modules[i+1:]...)
			return
		}
	}
}
