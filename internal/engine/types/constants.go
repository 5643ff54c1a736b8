package types

import "time"

// Size units.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// Chunking constants, grounded on spec.md §4.E.
const (
	// MinChunk is MIN_CHUNK_SIZE: the size of the first, probing chunk of
	// every download and the floor below which a file is never split.
	MinChunk int64 = 20 * MB
	MaxChunk int64 = 256 * MB
	// AlignSize is unused by the chunk-layout algorithm itself (spec.md's
	// layout has no alignment step) and by the rest of the engine; it
	// mirrors the teacher's 4KB I/O alignment.
	AlignSize int64 = 4 * KB
)

// Worker buffering, grounded on spec.md §4.D.
const (
	BufferSize    int64 = 256 * KB
	BufferSizeCap int64 = 4 * MB
)

// URLResolveExpire is how long a resolved mirror URL is cached (spec.md §4.E).
const URLResolveExpire = 5 * time.Minute

// MaxRedirectFollow is the per-attempt redirect budget (spec.md §4.D).
const MaxRedirectFollow = 2

// RedirectSettleDelay is the pause before re-issuing a request after a redirect.
const RedirectSettleDelay = 100 * time.Millisecond

// Slow-worker / stall detection, grounded on spec.md §4.E.
const (
	SlowWorkerAccumThreshold = 16
	StallGuardWindow         = 15 * time.Minute
)

// Speed calculator window (spec.md §4.A).
const SpeedWindow = 5 * time.Second

// Default runtime tunables, grounded on the teacher's engine/types constants
// (exercised, though not retrieved, by engine/types/config_test.go).
const (
	PerHostMax            = 16
	TargetChunk           = 32 * MB
	WorkerBuffer          = 64 * KB
	MaxTaskRetries         = 3
	SlowWorkerThreshold    = 0.25
	SlowWorkerGrace        = 10 * time.Second
	StallTimeout           = 15 * time.Second
	SpeedEMAAlpha          = 0.3
	DefaultMaxIdleConns    = 100
	DialTimeout            = 10 * time.Second
	KeepAliveDuration      = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	ProbeTimeout                 = 15 * time.Second
	HealthCheckInterval          = 2 * time.Second
	RetryBaseDelay               = 500 * time.Millisecond
	ProgressChannelBuffer        = 100
	IncompleteSuffix             = ".part"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
