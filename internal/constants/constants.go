// Package constants defines pipeline-wide constants and magic numbers.
// Centralizing these values keeps the retry/backoff policy table in
// internal/workers auditable against the spec it implements.
package constants

import "time"

// Application metadata.
const (
	AppName = "videopipe"
	DBFile  = "pipeline.db"
)

// Worker concurrency caps (§6.4-6.6 of the expanded spec).
const (
	GeneratorConcurrency = 20
	PollerConcurrency    = 20
	DownloaderConcurrency = 5
)

// Queue capacities (§4.3), tunable per deployment.
const (
	GenerateQueueCapacity = 64
	PollQueueCapacity     = 256
	DownloadQueueCapacity = 32
)

// Retry caps. MaxRetryCount applies to every classified error kind;
// MaxGenericRetryCount applies to unclassified transient errors and to
// the no-account-available condition. DefaultMaxRetries seeds a new
// job's Progress.MaxRetries field (distinct from the per-error-class
// queue-side retry caps above).
const (
	MaxRetryCount        = 5
	MaxGenericRetryCount = 3
	DefaultMaxRetries    = 3
)

// Retry sleep durations (§9 error policy table).
const (
	NoAccountRetrySleep    = 10 * time.Second
	HeavyLoadRetrySleep    = 15 * time.Second
	ConcurrentTaskSleep    = 5 * time.Second
	TransientRetrySleep    = 10 * time.Second
)

// Poll behavior (§4.5).
const (
	MaxPollCount       = 60
	PollCallTimeout    = 30 * time.Second
	PollSleepMin       = 15 * time.Second
	PollSleepMax       = 30 * time.Second
	ProgressFloorPercent = 10
)

// Download behavior (§4.6).
const (
	DownloadChunkSize  = 8 * 1024
	MinValidDownloadBytes = 10000
)

// Maintenance.
const (
	StaleCutoff = 15 * time.Minute
)

// Queue read suspension bound (§5).
const QueueReadTimeout = 5 * time.Second
