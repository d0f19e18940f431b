// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// DefaultRingTimeout is how long an unanswered call rings before it is marked missed.
	// Overridable via CALL_RING_TIMEOUT.
	DefaultRingTimeout = 30 * time.Second

	// RingTimeoutMaxRetries bounds store-write retries when a ring timer fires
	RingTimeoutMaxRetries = 3

	// RingTimeoutRetryDelay is the base delay between ring-timeout store retries
	RingTimeoutRetryDelay = 250 * time.Millisecond
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is how long per-user push token sets are retained without refresh
	PushTokenExpiry = 30 * 24 * time.Hour
)

// Pagination constants
const (
	// DefaultHistoryLimit is the default page size for call history queries
	DefaultHistoryLimit = 20

	// MaxHistoryLimit caps the page size for call history queries
	MaxHistoryLimit = 100
)
