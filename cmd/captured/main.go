// Command captured is the capture-host daemon. It loads a YAML configuration
// file, opens per-CPU perf_event ring buffers against a target process,
// runs one capture session (ring readers → merger → unwinder → interning),
// streams the resulting ClientCaptureEvent stream to a capture server over
// mTLS gRPC (with a local SQLite spool against transport outages), exposes a
// /healthz liveness endpoint, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/captrace/captrace/internal/audit"
	"github.com/captrace/captrace/internal/capture"
	"github.com/captrace/captrace/internal/config"
	"github.com/captrace/captrace/internal/events"
	"github.com/captrace/captrace/internal/perfevent"
	"github.com/captrace/captrace/internal/ringbuf"
	"github.com/captrace/captrace/internal/spool"
	"github.com/captrace/captrace/internal/transport"
	"github.com/captrace/captrace/internal/unwind"
)

const daemonVersion = "v0.1.0"

// ringPages is the data-region size of each perf_event ring buffer, in
// pages. Must be a power of two (the reader masks indices with it).
const ringPages = 64

// Kernel perf_event_attr constants, from <linux/perf_event.h>; never change.
const (
	perfTypeSoftware   = 1
	perfTypeTracepoint = 2

	perfCountSWCPUClock = 0

	// PERF_SAMPLE_* bits.
	perfSampleTID       = 1 << 1
	perfSampleTime      = 1 << 2
	perfSampleCPU       = 1 << 7
	perfSampleRaw       = 1 << 10
	perfSampleRegsUser  = 1 << 12
	perfSampleStackUser = 1 << 13

	// attr flag bits (first word of the bitfield).
	attrDisabled      = 1 << 0
	attrExcludeKernel = 1 << 5
	attrExcludeHV     = 1 << 6

	// sampleRegsUserMask selects the 17 general-purpose registers the
	// unwinder's register translation expects, bits 0..16 of the x86-64
	// perf_regs enumeration.
	sampleRegsUserMask = (1 << 17) - 1
)

func main() {
	configPath := flag.String("config", "/etc/captrace/config.yaml", "path to the captured YAML configuration file")
	targetPID := flag.Int("pid", 0, "pid of the process to profile (required)")
	serverAddr := flag.String("server-addr", "", "capture server gRPC address; defaults to listen_addr from the config file")
	auditPath := flag.String("audit-path", "/var/lib/captrace/audit.log", "path to the hash-chained capture audit log")
	flag.Parse()

	if *targetPID <= 0 {
		fmt.Fprintln(os.Stderr, "captured: -pid is required")
		os.Exit(1)
	}

	// Load and validate configuration.
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "captured: %v\n", err)
		os.Exit(1)
	}

	// Initialise structured slog logger from config log level.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	addr := *serverAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("server_addr", addr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	// Open the local SQLite event spool. The spool persists events across
	// restarts so that diagnostics are not lost if the transport is
	// temporarily unavailable.
	sp, err := spool.Open(cfg.SpoolPath)
	if err != nil {
		logger.Error("failed to open event spool", slog.String("path", cfg.SpoolPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer sp.Close()
	logger.Info("event spool opened", slog.String("path", cfg.SpoolPath), slog.Int("pending", sp.Depth()))

	// Open the hash-chained audit log that records what this daemon was
	// asked to capture, independent of the (ephemeral) event stream.
	auditLog, err := audit.Open(*auditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", *auditPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	opts := cfg.DefaultCaptureOptions

	// The sink forwards every event to the transport; anything the
	// transport cannot take right now (not connected, backpressure) is
	// spooled and re-delivered on the next reconnect.
	var client *transport.Client
	var spoolSeq atomic.Uint64
	var sessionID string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := events.SinkFunc(func(ev events.ClientCaptureEvent) {
		if client == nil {
			return
		}
		if err := client.Send(ctx, ev); err != nil {
			if spoolErr := sp.Enqueue(ctx, sessionID, spoolSeq.Add(1), ev); spoolErr != nil {
				logger.Error("event lost: transport and spool both failed",
					slog.Any("send_error", err),
					slog.Any("spool_error", spoolErr),
				)
			}
		}
	})

	// Frame walking: the frame-pointer chain walker is the only Native
	// compiled into this binary; a DWARF-configured capture degrades to it.
	if opts.UnwindingMethod == config.UnwindDWARF {
		logger.Warn("no DWARF unwinder linked into this build; falling back to frame-pointer unwinding")
	}
	native := unwind.FramePointerNative{}

	// Open the per-CPU perf_event ring buffers. CPUs whose open fails are
	// reported on the stream; the capture continues on the rest.
	sources, failures := openSources(opts, *targetPID, logger)
	if len(sources) == 0 {
		logger.Error("no perf_event fd could be opened; nothing to capture")
		os.Exit(1)
	}
	defer func() {
		for _, src := range sources {
			_ = src.Reader.Close()
			_ = syscall.Close(src.FD)
		}
	}()

	sess := capture.New(opts, uint32(*targetPID), logger,
		capture.WithSources(sources...),
		capture.WithNative(native),
		capture.WithAuditLogger(auditLog),
		capture.WithSink(sink),
	)
	sessionID = sess.ID().String()

	// The transport client registers under the session id and drains the
	// spool on every (re)connect.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	client = transport.New(transport.Config{
		ServerAddr:    addr,
		CertPath:      cfg.TLS.CertPath,
		KeyPath:       cfg.TLS.KeyPath,
		CAPath:        cfg.TLS.CAPath,
		SessionID:     sessionID,
		TargetPID:     uint32(*targetPID),
		ProducerName:  hostname,
		ClientVersion: daemonVersion,
	}, sp, logger)

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start transport", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Stop()

	// Snapshot the target's maps before arming anything; the unwinder and
	// the ModulesSnapshot event both come from this text.
	mapsText, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", *targetPID))
	if err != nil {
		logger.Error("failed to read target maps", slog.Int("pid", *targetPID), slog.Any("error", err))
		os.Exit(1)
	}

	if err := sess.Start(ctx, string(mapsText)); err != nil {
		logger.Error("failed to start capture session", slog.Any("error", err))
		os.Exit(1)
	}

	// Per-CPU open failures become a typed event on the stream (the capture
	// continues on the CPUs that did open).
	if len(failures) > 0 {
		sink.Emit(events.ErrorsWithPerfEventOpenEvent{Failures: failures})
	}

	// Start the /healthz HTTP server.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"session_id":  sessionID,
			"spool_depth": client.SpoolDepth(),
			"events_sent": client.EventsSentTotal(),
			"reconnects":  client.ReconnectTotal(),
		})
	})

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the session first (drains the merger and
	// emits CaptureFinished), then the transport and the HTTP server.
	sess.Stop()
	client.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("captured exited cleanly")
}

// openSources opens one time-sampling perf_event fd per online CPU, plus
// per-CPU tracepoint fds for the scheduler and GPU tracepoints the
// configuration asks for. CPUs (or tracepoints) that fail to open are
// returned as PerfEventOpenFailure values rather than aborting the capture.
func openSources(opts config.CaptureOptions, pid int, logger *slog.Logger) ([]capture.Source, []events.PerfEventOpenFailure) {
	var sources []capture.Source
	var failures []events.PerfEventOpenFailure

	numCPU := runtime.NumCPU()

	// Time-based stack samples: software CPU-clock events on the target
	// pid, one fd per CPU, each carrying registers and a stack copy.
	sampleFlags := perfevent.SampleTID | perfevent.SampleTime | perfevent.SampleCPU |
		perfevent.SampleRegsUser | perfevent.SampleStackUser
	for cpu := 0; cpu < numCPU; cpu++ {
		attr := ringbuf.Attr{
			Type:            perfTypeSoftware,
			Config:          perfCountSWCPUClock,
			SamplePeriod:    opts.SamplingPeriodNS,
			SampleType:      perfSampleTID | perfSampleTime | perfSampleCPU | perfSampleRegsUser | perfSampleStackUser,
			SampleRegsUser:  sampleRegsUserMask,
			SampleStackUser: opts.StackDumpSizeBytes,
			Flags:           attrDisabled | attrExcludeKernel | attrExcludeHV,
		}
		fd, reader, err := ringbuf.OpenPerfEvent(&attr, pid, cpu, ringPages)
		if err != nil {
			logger.Warn("perf_event_open failed for sampling",
				slog.Int("cpu", cpu), slog.Any("error", err))
			failures = append(failures, events.PerfEventOpenFailure{
				CPU:     int32(cpu),
				Message: err.Error(),
			})
			continue
		}
		sources = append(sources, capture.Source{
			FD:     fd,
			Reader: reader,
			Parser: &perfevent.Parser{Flags: sampleFlags},
		})
	}

	// Scheduler tracepoints: sched_switch on every CPU, any pid, raw body.
	if opts.CollectSchedulerInfo {
		sources, failures = openTracepoint(sources, failures, logger, numCPU,
			"sched", "sched_switch", perfevent.KindSchedSwitch)
	}

	// GPU job tracepoints, present only on hosts with the amdgpu driver.
	if opts.TraceGpuSubmissions {
		sources, failures = openTracepoint(sources, failures, logger, numCPU,
			"amdgpu", "amdgpu_cs_ioctl", perfevent.KindAmdgpuCsIoctl)
		sources, failures = openTracepoint(sources, failures, logger, numCPU,
			"gpu_scheduler", "amdgpu_sched_run_job", perfevent.KindAmdgpuSchedRunJob)
	}

	return sources, failures
}

// openTracepoint opens one per-CPU system-wide fd for the named tracepoint
// and appends the successes/failures to the running lists.
func openTracepoint(sources []capture.Source, failures []events.PerfEventOpenFailure, logger *slog.Logger, numCPU int, category, name string, kind perfevent.TracepointKind) ([]capture.Source, []events.PerfEventOpenFailure) {
	id, err := readTracepointID(category, name)
	if err != nil {
		logger.Warn("tracepoint id unavailable",
			slog.String("tracepoint", category+":"+name), slog.Any("error", err))
		failures = append(failures, events.PerfEventOpenFailure{
			CPU:     -1,
			Message: fmt.Sprintf("%s:%s: %v", category, name, err),
		})
		return sources, failures
	}

	resolver := perfevent.MapResolver{
		uint16(id): {Kind: kind, Category: category, Name: name},
	}
	flags := perfevent.SampleTID | perfevent.SampleTime | perfevent.SampleCPU | perfevent.SampleRaw

	for cpu := 0; cpu < numCPU; cpu++ {
		attr := ringbuf.Attr{
			Type:         perfTypeTracepoint,
			Config:       uint64(id),
			SamplePeriod: 1, // every occurrence
			SampleType:   perfSampleTID | perfSampleTime | perfSampleCPU | perfSampleRaw,
			Flags:        attrDisabled | attrExcludeHV,
		}
		// pid = -1: tracepoints are observed system-wide per CPU, the way
		// scheduler slices need to be.
		fd, reader, err := ringbuf.OpenPerfEvent(&attr, -1, cpu, ringPages)
		if err != nil {
			logger.Warn("perf_event_open failed for tracepoint",
				slog.String("tracepoint", category+":"+name),
				slog.Int("cpu", cpu), slog.Any("error", err))
			failures = append(failures, events.PerfEventOpenFailure{
				CPU:     int32(cpu),
				Message: fmt.Sprintf("%s:%s: %v", category, name, err),
			})
			continue
		}
		sources = append(sources, capture.Source{
			FD:     fd,
			Reader: reader,
			Parser: &perfevent.Parser{Flags: flags, Tracepoints: resolver},
		})
	}
	return sources, failures
}

// readTracepointID reads a tracepoint's numeric id from tracefs, trying the
// modern mount point first and the historical debugfs location second.
func readTracepointID(category, name string) (int, error) {
	paths := []string{
		fmt.Sprintf("/sys/kernel/tracing/events/%s/%s/id", category, name),
		fmt.Sprintf("/sys/kernel/debug/tracing/events/%s/%s/id", category, name),
	}
	var lastErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		var id int
		if _, err := fmt.Sscanf(string(data), "%d", &id); err != nil {
			return 0, fmt.Errorf("parse %s: %w", p, err)
		}
		return id, nil
	}
	return 0, lastErr
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
