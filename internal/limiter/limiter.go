// Package limiter resolves per-request resource limits and installs them on
// child processes at the OS level.
//
// Every snippet is bounded in:
//   - CPU time, via RLIMIT_CPU (the kernel delivers SIGXCPU, then SIGKILL)
//   - memory, via RLIMIT_AS or RLIMIT_DATA depending on the interpreter
//   - file size, via RLIMIT_FSIZE
//   - process count, via RLIMIT_NPROC
//   - wall clock, tracked by the runner because a sleeping process burns no CPU
//
// Apply never degrades to "run without limits": on hosts where prlimit(2) is
// unavailable it returns an apperror.ErrLimiter and the request fails.
package limiter

import (
	"fmt"
	"math"
	"time"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Limits bounds a single execution. Zero fields mean "use the policy default"
// when the value is an override, and "unlimited" nowhere.
type Limits struct {
	CPUTime       time.Duration `json:"cpu_time,omitempty"`
	MemoryBytes   int64         `json:"memory_bytes,omitempty"`
	WallClock     time.Duration `json:"wall_clock,omitempty"`
	FileSizeBytes int64         `json:"file_size_bytes,omitempty"`
	// Processes is how many processes and threads a snippet may create on
	// top of those its user already runs.
	Processes int64 `json:"processes,omitempty"`
}

// DefaultLimits are the limits used when nothing is configured:
// 5s of CPU, 256MB of memory and a 10s wall clock.
func DefaultLimits() Limits {
	return Limits{
		CPUTime:       5 * time.Second,
		MemoryBytes:   256 * 1024 * 1024,
		WallClock:     10 * time.Second,
		FileSizeBytes: 16 * 1024 * 1024,
		Processes:     256,
	}
}

// CPUSeconds rounds the CPU budget up to whole seconds, the granularity of RLIMIT_CPU.
func (l Limits) CPUSeconds() uint64 {
	secs := uint64(math.Ceil(l.CPUTime.Seconds()))
	if secs == 0 {
		secs = 1
	}
	return secs
}

// Validate rejects limits that would leave a dimension unbounded.
func (l Limits) Validate() error {
	switch {
	case l.CPUTime <= 0:
		return apperror.ValidationFailed("cpu_time", "cpu time limit must be positive")
	case l.MemoryBytes <= 0:
		return apperror.ValidationFailed("memory_bytes", "memory limit must be positive")
	case l.WallClock <= 0:
		return apperror.ValidationFailed("wall_clock", "wall clock limit must be positive")
	case l.FileSizeBytes <= 0:
		return apperror.ValidationFailed("file_size_bytes", "file size limit must be positive")
	case l.Processes <= 0:
		return apperror.ValidationFailed("processes", "process limit must be positive")
	}
	return nil
}

func (l Limits) merge(o Limits) Limits {
	if o.CPUTime > 0 {
		l.CPUTime = o.CPUTime
	}
	if o.MemoryBytes > 0 {
		l.MemoryBytes = o.MemoryBytes
	}
	if o.WallClock > 0 {
		l.WallClock = o.WallClock
	}
	if o.FileSizeBytes > 0 {
		l.FileSizeBytes = o.FileSizeBytes
	}
	if o.Processes > 0 {
		l.Processes = o.Processes
	}
	return l
}

func (l Limits) exceeds(ceiling Limits) (string, bool) {
	switch {
	case l.CPUTime > ceiling.CPUTime:
		return "cpu_time", true
	case l.MemoryBytes > ceiling.MemoryBytes:
		return "memory_bytes", true
	case l.WallClock > ceiling.WallClock:
		return "wall_clock", true
	case l.FileSizeBytes > ceiling.FileSizeBytes:
		return "file_size_bytes", true
	case l.Processes > ceiling.Processes:
		return "processes", true
	}
	return "", false
}

// Class is the trust class of a request. End-user requests are untrusted;
// operator requests authenticated with a trusted token may tune limits.
type Class string

const (
	ClassUntrusted Class = "untrusted"
	ClassTrusted   Class = "trusted"
)

// ParseClass maps unknown values to ClassUntrusted.
func ParseClass(s string) Class {
	if Class(s) == ClassTrusted {
		return ClassTrusted
	}
	return ClassUntrusted
}

// MemoryKind selects which rlimit carries the memory ceiling.
type MemoryKind int

const (
	// MemoryAddressSpace limits total virtual memory (RLIMIT_AS).
	MemoryAddressSpace MemoryKind = iota
	// MemoryData limits the data segment and private writable mappings
	// (RLIMIT_DATA). Used for runtimes such as V8 that reserve large
	// address ranges they never touch.
	MemoryData
)

func (k MemoryKind) String() string {
	if k == MemoryData {
		return "RLIMIT_DATA"
	}
	return "RLIMIT_AS"
}

// Policy holds the configured defaults and the hard ceiling for overrides.
type Policy struct {
	Defaults               Limits
	Ceiling                Limits
	AllowUntrustedOverride bool
}

// DefaultPolicy allows trusted callers to raise limits up to 6x the defaults.
func DefaultPolicy() Policy {
	return Policy{
		Defaults: DefaultLimits(),
		Ceiling: Limits{
			CPUTime:       30 * time.Second,
			MemoryBytes:   1024 * 1024 * 1024,
			WallClock:     60 * time.Second,
			FileSizeBytes: 64 * 1024 * 1024,
			Processes:     1024,
		},
	}
}

// Resolve returns the effective limits for a request of the given class.
func (p Policy) Resolve(class Class, overrides *Limits) (Limits, error) {
	if overrides == nil || *overrides == (Limits{}) {
		return p.Defaults, nil
	}

	if class != ClassTrusted && !p.AllowUntrustedOverride {
		return Limits{}, apperror.Forbidden("resource limit overrides are not permitted for untrusted requests")
	}

	if overrides.CPUTime < 0 || overrides.MemoryBytes < 0 || overrides.WallClock < 0 || overrides.FileSizeBytes < 0 || overrides.Processes < 0 {
		return Limits{}, apperror.ValidationFailed("limits", "resource limit overrides must not be negative")
	}

	limits := p.Defaults.merge(*overrides)
	if field, over := limits.exceeds(p.Ceiling); over {
		return Limits{}, apperror.ValidationFailed(field, fmt.Sprintf("%s override exceeds the configured ceiling", field))
	}
	return limits, nil
}
