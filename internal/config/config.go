// Package config provides YAML configuration loading and validation for the
// captrace capture daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnwindingMethod selects how CallstackSamples are reconstructed (spec.md §6).
type UnwindingMethod string

const (
	UnwindDWARF        UnwindingMethod = "DWARF"
	UnwindFramePointer UnwindingMethod = "FramePointer"
	UnwindNone         UnwindingMethod = "None"
)

// DynamicInstrumentationMethod selects how function entry/exit is
// instrumented (spec.md §6).
type DynamicInstrumentationMethod string

const (
	InstrumentUprobes               DynamicInstrumentationMethod = "Uprobes"
	InstrumentUserSpaceInstrumented DynamicInstrumentationMethod = "UserSpaceInstrumentation"
)

// ThreadStateCallstackCollection selects when thread-state-change
// callstacks are captured (spec.md §6).
type ThreadStateCallstackCollection string

const (
	CallstackCollectionNone                ThreadStateCallstackCollection = "None"
	CallstackCollectionOnSwitchOut         ThreadStateCallstackCollection = "OnSwitchOut"
	CallstackCollectionOnSwitchOutAndWakeup ThreadStateCallstackCollection = "OnSwitchOutAndWakeup"
)

// WineSyscallHandling selects how the unwinder treats Wine syscall
// trampolines on the user stack (spec.md §6).
type WineSyscallHandling string

const (
	WineNoSpecialHandling WineSyscallHandling = "NoSpecialHandling"
	WineStopUnwinding     WineSyscallHandling = "StopUnwinding"
	WineRecordUserStack   WineSyscallHandling = "RecordUserStack"
)

// maxStackDumpSizeBytes is the upper bound from spec.md §6:
// "valid range [0, (1 << 16) - 8]".
const maxStackDumpSizeBytes = (1 << 16) - 8

// CaptureOptions is every recognized per-capture configuration option from
// spec.md §6 "Configuration".
type CaptureOptions struct {
	SamplingPeriodNS                     uint64                          `yaml:"sampling_period_ns"`
	StackDumpSizeBytes                   uint32                          `yaml:"stack_dump_size_bytes"`
	ThreadStateChangeStackDumpSizeBytes  uint32                          `yaml:"thread_state_change_stack_dump_size_bytes"`
	UnwindingMethod                      UnwindingMethod                 `yaml:"unwinding_method"`
	DynamicInstrumentationMethod         DynamicInstrumentationMethod    `yaml:"dynamic_instrumentation_method"`
	CollectSchedulerInfo                 bool                            `yaml:"collect_scheduler_info"`
	CollectThreadStates                  bool                            `yaml:"collect_thread_states"`
	ThreadStateChangeCallstackCollection ThreadStateCallstackCollection  `yaml:"thread_state_change_callstack_collection"`
	TraceGpuSubmissions                  bool                            `yaml:"trace_gpu_submissions"`
	EnableApiInstrumentation             bool                            `yaml:"enable_api_instrumentation"`
	EnableIntrospection                  bool                            `yaml:"enable_introspection"`
	MaxLocalMarkerDepthPerCommandBuffer  uint64                          `yaml:"max_local_marker_depth_per_command_buffer"`
	MemorySamplingPeriodMS               uint64                          `yaml:"memory_sampling_period_ms"`
	MemoryWarningThresholdKB             uint64                          `yaml:"memory_warning_threshold_kb"`
	WineSyscallHandling                  WineSyscallHandling             `yaml:"wine_syscall_handling"`
}

// DaemonConfig is the top-level configuration structure for captured: the
// capture daemon process, as opposed to a single CaptureOptions request it
// receives over RPC.
type DaemonConfig struct {
	// ListenAddr is the gRPC listen address for the CaptureService
	// (e.g. "0.0.0.0:4443"). Required.
	ListenAddr string `yaml:"listen_addr"`

	// TLS holds the paths to the daemon certificate, private key, and CA
	// certificate used for mTLS. Required.
	TLS TLSConfig `yaml:"tls"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// ArchiveDSN is the PostgreSQL connection string internal/archive uses
	// to persist capture session metadata. Required.
	ArchiveDSN string `yaml:"archive_dsn"`

	// SpoolPath is the filesystem path of the WAL-mode SQLite database
	// internal/spool uses to buffer diagnostic events against transport
	// backpressure. Defaults to "./captrace-spool.db" when omitted.
	SpoolPath string `yaml:"spool_path"`

	// DefaultCaptureOptions seeds CaptureOptions for captures that don't
	// override them over RPC.
	DefaultCaptureOptions CaptureOptions `yaml:"default_capture_options"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the daemon's PEM-encoded certificate. Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the daemon's PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// peer certificates. Required.
	CAPath string `yaml:"ca_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validUnwindingMethods = map[UnwindingMethod]bool{
	UnwindDWARF: true, UnwindFramePointer: true, UnwindNone: true,
}

var validInstrumentationMethods = map[DynamicInstrumentationMethod]bool{
	InstrumentUprobes: true, InstrumentUserSpaceInstrumented: true,
}

var validCallstackCollections = map[ThreadStateCallstackCollection]bool{
	CallstackCollectionNone: true, CallstackCollectionOnSwitchOut: true, CallstackCollectionOnSwitchOutAndWakeup: true,
}

var validWineHandling = map[WineSyscallHandling]bool{
	WineNoSpecialHandling: true, WineStopUnwinding: true, WineRecordUserStack: true,
}

// LoadConfig reads the YAML file at path, unmarshals it into DaemonConfig,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered (spec.md §7
// "Configuration rejections": refused before the capture is started,
// reported as an error value, never as an exception).
func LoadConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *DaemonConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = "./captrace-spool.db"
	}
	if cfg.DefaultCaptureOptions.UnwindingMethod == "" {
		cfg.DefaultCaptureOptions.UnwindingMethod = UnwindDWARF
	}
	if cfg.DefaultCaptureOptions.DynamicInstrumentationMethod == "" {
		cfg.DefaultCaptureOptions.DynamicInstrumentationMethod = InstrumentUprobes
	}
	if cfg.DefaultCaptureOptions.ThreadStateChangeCallstackCollection == "" {
		cfg.DefaultCaptureOptions.ThreadStateChangeCallstackCollection = CallstackCollectionNone
	}
	if cfg.DefaultCaptureOptions.WineSyscallHandling == "" {
		cfg.DefaultCaptureOptions.WineSyscallHandling = WineNoSpecialHandling
	}
}

// Validate checks that all required fields are populated and that
// enumerated and range-bounded fields hold only valid values.
func (cfg *DaemonConfig) Validate() error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if cfg.ArchiveDSN == "" {
		errs = append(errs, errors.New("archive_dsn is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if err := cfg.DefaultCaptureOptions.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default_capture_options: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks CaptureOptions in isolation, so a CaptureService RPC
// requesting a per-capture override can reject it before a capture starts
// (spec.md §7), independent of DaemonConfig validation.
func (o *CaptureOptions) Validate() error {
	var errs []error

	if o.StackDumpSizeBytes > maxStackDumpSizeBytes {
		errs = append(errs, fmt.Errorf("stack_dump_size_bytes %d exceeds max %d", o.StackDumpSizeBytes, maxStackDumpSizeBytes))
	}
	if o.ThreadStateChangeStackDumpSizeBytes > maxStackDumpSizeBytes {
		errs = append(errs, fmt.Errorf("thread_state_change_stack_dump_size_bytes %d exceeds max %d", o.ThreadStateChangeStackDumpSizeBytes, maxStackDumpSizeBytes))
	}
	if !validUnwindingMethods[o.UnwindingMethod] {
		errs = append(errs, fmt.Errorf("unwinding_method %q must be one of: DWARF, FramePointer, None", o.UnwindingMethod))
	}
	if !validInstrumentationMethods[o.DynamicInstrumentationMethod] {
		errs = append(errs, fmt.Errorf("dynamic_instrumentation_method %q must be one of: Uprobes, UserSpaceInstrumentation", o.DynamicInstrumentationMethod))
	}
	if !validCallstackCollections[o.ThreadStateChangeCallstackCollection] {
		errs = append(errs, fmt.Errorf("thread_state_change_callstack_collection %q must be one of: None, OnSwitchOut, OnSwitchOutAndWakeup", o.ThreadStateChangeCallstackCollection))
	}
	if !validWineHandling[o.WineSyscallHandling] {
		errs = append(errs, fmt.Errorf("wine_syscall_handling %q must be one of: NoSpecialHandling, StopUnwinding, RecordUserStack", o.WineSyscallHandling))
	}

	return errors.Join(errs...)
}
