// Package capture wires a set of already-open perf_event ring buffers into a
// single ordered ClientCaptureEvent stream: one poller goroutine drains
// every ring buffer through a shared epoll instance, parses each raw record,
// pushes it into a timestamp-ordered merger, and dispatches the merger's
// drained output into a visitor that unwinds stacks, reconstructs uprobe
// callstacks, derives scheduling and thread-state slices, correlates GPU
// jobs, and hands everything to internal/interning for deduplication before
// it reaches the configured events.Sink.
//
// Opening the perf_event fds themselves — syscall numbers, perf_event_attr
// construction, PERF_EVENT_IOC_ENABLE — is out of scope here, mirroring how
// internal/ringbuf and internal/perfevent already treat fd lifecycle as a
// caller concern: a Session is handed pre-opened Sources via WithSources.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/captrace/captrace/internal/audit"
	"github.com/captrace/captrace/internal/config"
	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/interning"
	"github.com/captrace/captrace/internal/merger"
	"github.com/captrace/captrace/internal/perfevent"
	"github.com/captrace/captrace/internal/ringbuf"
	"github.com/captrace/captrace/internal/unwind"
	"github.com/captrace/captrace/internal/uprobes"
)

// Source is one perf_event fd's ring buffer plus the parser configured for
// whatever sample layout that fd's attr requested.
type Source struct {
	FD     int
	Reader *ringbuf.Reader
	Parser *perfevent.Parser
}

// Session runs one capture against one target process: it owns the merger,
// the unwinder, the uprobes/interning state, and the goroutines that drive
// them, from Start until Stop.
type Session struct {
	id       uuid.UUID
	targetPID uint32
	cfg      config.CaptureOptions
	logger   *slog.Logger

	sources    []Source
	native     unwind.Native
	auditLog   *audit.Logger
	sink       *countingSink
	drainEvery time.Duration

	merger   *merger.Merger
	unwinder *unwind.Unwinder
	uprobes  *uprobes.Manager
	interner *interning.Processor
	visitor  *captureVisitor

	producers   map[string]uuid.UUID
	producersMu sync.Mutex

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithSources registers the perf_event ring buffers this session will drain.
// Exactly one poller goroutine becomes the sole reader of every fd passed
// here (spec.md §4.1, §5).
func WithSources(sources ...Source) Option {
	return func(s *Session) { s.sources = append(s.sources, sources...) }
}

// WithNative supplies the native stack-walking backend SampleWithStack and
// Uprobe events are unwound with.
func WithNative(native unwind.Native) Option {
	return func(s *Session) { s.native = native }
}

// WithAuditLogger attaches a hash-chained audit log that records
// CaptureStarted/CaptureFinished entries independent of the event sink.
func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Session) { s.auditLog = l }
}

// WithSink sets where the capture's ClientCaptureEvent stream is delivered.
// Defaults to events.SliceSink if never set.
func WithSink(sink events.Sink) Option {
	return func(s *Session) { s.sink = newCountingSink(sink) }
}

// WithDrainInterval overrides how often the consumer goroutine asks the
// merger to drain everything whose holdback window has elapsed. Defaults to
// 5ms, well under the merger's default 10ms window so drains stay timely.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Session) { s.drainEvery = d }
}

// New constructs a Session for targetPID under cfg. Sources, a native
// unwinder, an audit logger, and a sink are all supplied via options — a
// Session with none of them still constructs successfully (useful in tests
// that exercise the visitor/merger machinery directly); without WithSink the
// session emits into an events.SliceSink.
func New(cfg config.CaptureOptions, targetPID uint32, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		id:         uuid.New(),
		targetPID:  targetPID,
		cfg:        cfg,
		logger:     logger,
		drainEvery: 5 * time.Millisecond,
		producers:  make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = newCountingSink(&events.SliceSink{})
	}
	return s
}

// ID returns the session's capture id, minted at construction. The
// transport layer embeds it in every CaptureEventEnvelope.
func (s *Session) ID() uuid.UUID { return s.id }

// Producer lazily mints and caches a stable uuid for a logical producer name
// ("kernel-tracing", "dynamic-instrumentation", "memory-sampler",
// "api-instrumentation"). internal/capture's own kernel-tracing visitor never
// needs one of these for its own emissions — interning.Processor's
// structural methods take no producer argument — but a future CaptureService
// gRPC layer uses this to hand remote producers a stable identity to
// register their local-key translation tables under.
func (s *Session) Producer(name string) uuid.UUID {
	s.producersMu.Lock()
	defer s.producersMu.Unlock()
	if id, ok := s.producers[name]; ok {
		return id
	}
	id := uuid.New()
	s.producers[name] = id
	return id
}

// Start parses an initial /proc/<pid>/maps snapshot, emits the opening
// CaptureStarted/ClockResolutionEvent/ModulesSnapshot trio, and launches the
// poller, consumer, and (if configured) memory-sampling goroutines.
func (s *Session) Start(ctx context.Context, mapsText string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("capture: session already running")
	}
	s.running = true
	s.mu.Unlock()

	s.merger = merger.New(0, s.logger)
	s.unwinder = unwind.New(s.native)
	if err := s.unwinder.SetMaps(mapsText); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("capture: parsing initial maps: %w", err)
	}
	s.uprobes = uprobes.New(s.logger, s.unwinder.Maps())
	s.interner = interning.New(s.logger, s.sink)
	s.visitor = newCaptureVisitor(s.logger, s.cfg, s.unwinder, s.uprobes, s.interner)

	s.startedAt = time.Now()

	clockRes := probeClockResolution()
	startNS := monotonicNS()

	s.interner.Forward(events.CaptureStarted{
		ProcessID:               s.targetPID,
		CaptureStartTimestampNS: startNS,
		CaptureOptions: events.CaptureOptionsSnapshot{
			SamplingPeriodNS:               s.cfg.SamplingPeriodNS,
			StackDumpSizeBytes:             s.cfg.StackDumpSizeBytes,
			UnwindingMethod:                string(s.cfg.UnwindingMethod),
			DynamicInstrumentationMethod:   string(s.cfg.DynamicInstrumentationMethod),
			CollectSchedulerInfo:           s.cfg.CollectSchedulerInfo,
			CollectThreadStates:            s.cfg.CollectThreadStates,
			ThreadStateChangeCallstackMode: string(s.cfg.ThreadStateChangeCallstackCollection),
			TraceGpuSubmissions:            s.cfg.TraceGpuSubmissions,
			EnableApiInstrumentation:       s.cfg.EnableApiInstrumentation,
			EnableIntrospection:            s.cfg.EnableIntrospection,
		},
	})
	s.interner.Forward(events.ClockResolutionEvent{ClockResolutionNS: clockRes})

	modules := make([]events.Module, 0, len(s.unwinder.Maps().Modules()))
	for _, m := range s.unwinder.Maps().Modules() {
		modules = append(modules, events.Module{
			Name:         m.Path,
			FilePath:     m.Path,
			AddressStart: m.Start,
			AddressEnd:   m.End,
			LoadBias:     int64(m.Offset),
		})
	}
	s.interner.Forward(events.ModulesSnapshot{PID: s.targetPID, TimestampNS: startNS, Modules: modules})

	if s.auditLog != nil {
		if _, err := s.auditLog.LogCaptureStarted(s.id, s.targetPID, s.cfg, startNS, uint64(time.Now().UnixNano())); err != nil {
			s.logger.Warn("failed to append CaptureStarted audit entry", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if len(s.sources) > 0 {
		s.wg.Add(1)
		go s.pollLoop(runCtx)
	}

	s.wg.Add(1)
	go s.consumeLoop(runCtx)

	if s.cfg.MemorySamplingPeriodMS > 0 {
		s.wg.Add(1)
		go s.memoryLoop(runCtx)
	}

	s.logger.Info("capture session started", "session_id", s.id, "target_pid", s.targetPID, "sources", len(s.sources))
	return nil
}

// Stop cancels every running goroutine, waits for them to exit, drains
// whatever the merger still holds, emits CaptureFinished, and appends the
// matching audit entry. It is safe to call multiple times.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.merger.DrainAll(s.visitor)

	s.uprobes.Drain()
	if n := s.visitor.calls.dangling(); n > 0 {
		s.logger.Warn("call-timing entries left open at capture stop", "count", n)
	}
	if n := s.visitor.gpuJobs.flush(); n > 0 {
		s.logger.Warn("gpu jobs submitted but never scheduled at capture stop", "count", n)
	}
	if n := s.interner.DanglingThreadStateCallstacks(); n > 0 {
		s.logger.Warn("thread-state-slice callstacks left unmatched at capture stop", "count", n)
	}

	s.interner.Forward(events.CaptureFinished{Status: events.CaptureSuccessful})

	if s.auditLog != nil {
		durationNS := uint64(time.Since(s.startedAt).Nanoseconds())
		if _, err := s.auditLog.LogCaptureFinished(s.id, "Successful", durationNS, s.sink.Count(), ""); err != nil {
			s.logger.Warn("failed to append CaptureFinished audit entry", "error", err)
		}
	}

	s.logger.Info("capture session stopped", "session_id", s.id, "events_emitted", s.sink.Count())
}

// pollLoop services every registered Source through one shared epoll
// instance, plus a dedicated eventfd used only to wake EpollWait on Stop
// (grounded on the single-epoll-instance, eventfd-for-shutdown pattern a
// multi-fd ring-buffer reader needs: busy-polling or one goroutine per fd
// both scale worse than a single blocking EpollWait).
func (s *Session) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	stopFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		s.logger.Error("failed to create shutdown eventfd", "error", err)
		return
	}
	defer unix.Close(stopFD)

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		s.logger.Error("failed to create epoll fd", "error", err)
		return
	}
	defer unix.Close(epollFD)

	bySourceFD := make(map[int]Source, len(s.sources))
	for _, src := range s.sources {
		bySourceFD[src.FD] = src
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(src.FD)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, src.FD, &ev); err != nil {
			s.logger.Error("failed to register source fd with epoll", "fd", src.FD, "error", err)
			return
		}
	}
	stopEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopFD)}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, stopFD, &stopEv); err != nil {
		s.logger.Error("failed to register shutdown eventfd with epoll", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		var buf [8]byte
		buf[0] = 1
		unix.Write(stopFD, buf[:])
	}()

	epollEvents := make([]unix.EpollEvent, len(s.sources)+1)
	for {
		n, err := unix.EpollWait(epollFD, epollEvents, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.logger.Error("epoll_wait failed", "error", err)
			return
		}
		for _, ev := range epollEvents[:n] {
			fd := int(ev.Fd)
			if fd == stopFD {
				return
			}
			if src, ok := bySourceFD[fd]; ok {
				s.drainSource(src)
			}
		}
	}
}

// drainSource reads every fully available record off src's ring buffer,
// parses it, and pushes whatever TypedEvent comes back into the merger. A
// detected ring overrun is synthesized as a Lost event and pushed the same
// way, so it merges into the ordered stream rather than jumping the queue
// (spec.md §4.1, §7).
func (s *Session) drainSource(src Source) {
	if span, lost := src.Reader.CheckOverrun(); lost {
		numLost := span.HeadAtLoss - span.TailBefore
		s.logger.Warn("ring buffer overrun",
			"fd", src.FD, "bytes_lost", numLost, "rings_behind", span.RingsBehind)
		s.merger.Push(perfevent.NewLost(monotonicNS(), 0, src.FD, numLost))
	}

	for src.Reader.HasNewData() {
		header, err := src.Reader.ReadHeader()
		if err != nil {
			s.logger.Warn("malformed ring buffer record, resyncing", "fd", src.FD, "error", err)
			return
		}

		buf := make([]byte, header.Size)
		if err := src.Reader.CopyRecord(header, buf); err != nil {
			s.logger.Warn("failed to copy ring buffer record", "fd", src.FD, "error", err)
			return
		}

		rec := perfevent.RawRecord{Header: header, Payload: buf[8:], OriginFD: src.FD}
		ev, err := src.Parser.Parse(rec)
		if err != nil {
			s.logger.Warn("failed to parse perf event record", "fd", src.FD, "error", err)
			continue
		}
		if ev != nil {
			s.merger.Push(ev)
		}
	}
}

// consumeLoop is the single consumer thread spec.md §5 requires: it drains
// whatever the merger's holdback window has released into s.visitor on a
// fixed tick.
func (s *Session) consumeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.merger.DrainUpToWindow(s.visitor)
		}
	}
}

// memoryLoop periodically samples the target process's RSS via gopsutil,
// emitting a MemoryUsageEvent each tick and a WarningEvent the first time it
// crosses MemoryWarningThresholdKB (spec.md §4 "Supplemented Features").
func (s *Session) memoryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.MemorySamplingPeriodMS) * time.Millisecond)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(s.targetPID))
	if err != nil {
		s.logger.Warn("failed to attach gopsutil process handle for memory sampling", "pid", s.targetPID, "error", err)
		return
	}

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem, err := proc.MemoryInfo()
			if err != nil {
				s.logger.Warn("failed to sample process memory", "pid", s.targetPID, "error", err)
				continue
			}
			residentKB := mem.RSS / 1024
			s.interner.Forward(events.MemoryUsageEvent{PID: s.targetPID, TimestampNS: monotonicNS(), ResidentKB: residentKB})

			if !warned && s.cfg.MemoryWarningThresholdKB > 0 && residentKB >= s.cfg.MemoryWarningThresholdKB {
				warned = true
				s.interner.Forward(events.WarningEvent{
					TimestampNS: monotonicNS(),
					Message:     fmt.Sprintf("resident memory %dKB crossed warning threshold %dKB", residentKB, s.cfg.MemoryWarningThresholdKB),
				})
			}
		}
	}
}

// monotonicNS reads CLOCK_MONOTONIC directly rather than time.Now(), so
// timestamps are comparable to the ones perf_event samples carry (the kernel
// stamps those with the same clock, spec.md §3).
func monotonicNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// probeClockResolution reports CLOCK_MONOTONIC's resolution once at capture
// start (spec.md §4 "Supplemented Features": ClockResolutionEvent).
func probeClockResolution() uint64 {
	var res unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_MONOTONIC, &res); err != nil {
		return 0
	}
	return uint64(res.Sec)*1e9 + uint64(res.Nsec)
}
